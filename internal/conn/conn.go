// Copyright 2025 EURECOM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Contributors:
//   Giulio CAROTA
//   Thomas DU
//   Adlen KSENTINI

package conn

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

var (
	ErrEventNotPermitted = errors.New("event not permitted in current state")
	ErrTerminated        = errors.New("connection terminated")
	ErrAllocationBusy    = errors.New("lchan allocation already busy")
	ErrNoCoreConnection  = errors.New("no MSC connection")
)

// DtapCacheLen bounds the MT DTAP held back while a handover runs.
const DtapCacheLen = 32

type State int

const (
	StateInit State = iota
	StateWaitCC
	StateActive
	StateWaitDynTsSwitch
	StateWaitAssCmpl
	StateWaitModeModifyAck
	StateWaitCrcxBts
	StateWaitMdcxBts
	StateWaitCrcxMsc
	StateWaitHoCompl
	StateWaitMdcxBtsHo
	StateClearing
	StateTerminated
)

var stateNames = map[State]string{
	StateInit:              "INIT",
	StateWaitCC:            "WAIT_CC",
	StateActive:            "ACTIVE",
	StateWaitDynTsSwitch:   "WAIT_DYN_TS_SWITCH",
	StateWaitAssCmpl:       "WAIT_ASS_CMPL",
	StateWaitModeModifyAck: "WAIT_MODE_MODIFY_ACK",
	StateWaitCrcxBts:       "WAIT_CRCX_BTS",
	StateWaitMdcxBts:       "WAIT_MDCX_BTS",
	StateWaitCrcxMsc:       "WAIT_CRCX_MSC",
	StateWaitHoCompl:       "WAIT_HO_COMPL",
	StateWaitMdcxBtsHo:     "WAIT_MDCX_BTS_HO",
	StateClearing:          "CLEARING",
	StateTerminated:        "TERMINATED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

type timerKind int

const (
	timerNone timerKind = iota
	timerWaitCC
	timerT10
	timerMgw
	timerMgwHo
)

// userPlane is what the MSC asked for and what the MGW handed out.
type userPlane struct {
	mode       models.ChanMode
	fullRate   bool
	aoipRemote models.MgwPeer
	aoipLocal  models.MgwPeer
	endpoint   string
	mgwBts     models.MgwHandle
	mgwMsc     models.MgwHandle
}

// assignment tracks the procedure in flight, so that exactly one
// Assignment Complete or Failure goes out.
type assignment struct {
	inFlight   bool
	createdBts bool
	createdMsc bool
	allocNext  State
	allocTimer timerKind
}

// Conn is one subscriber connection. All methods must be called from the
// BSC event loop.
type Conn struct {
	id    models.ConnID
	deps  *Deps
	state State
	gen   uint64
	timer utils.Timer
	log   *logrus.Entry

	lchan     radio.ChanHandle
	secondary radio.ChanHandle
	ho        *handover.Handover
	decision  *handover.DecisionState
	codecs    []models.SpeechCodecType

	up  userPlane
	asg assignment

	coreOpen  bool
	dtapCache [][]byte
	stats     *models.DtapStats

	onTerminate func(c *Conn)
}

func newConn(id models.ConnID, lchan radio.ChanHandle, deps *Deps) *Conn {
	c := &Conn{
		id:       id,
		deps:     deps,
		state:    StateInit,
		lchan:    lchan,
		log:      logger.ConnLog.WithField("conn", id),
		decision: handover.NewDecisionState(deps.Sched.Now),
		stats:    models.NewDtapStats(deps.Sched.Now()),
	}
	c.stateGauge(StateInit).Inc()
	return c
}

func (c *Conn) ID() models.ConnID                       { return c.id }
func (c *Conn) State() State                            { return c.state }
func (c *Conn) Chan() radio.ChanHandle                  { return c.lchan }
func (c *Conn) SecondaryChan() radio.ChanHandle         { return c.secondary }
func (c *Conn) Handover() *handover.Handover            { return c.ho }
func (c *Conn) DecisionState() *handover.DecisionState  { return c.decision }
func (c *Conn) CodecList() []models.SpeechCodecType     { return c.codecs }
func (c *Conn) DtapReport() *models.DtapStatsReport     { return c.stats.GenerateReport(c.deps.Sched.Now()) }
func (c *Conn) MgwHandles() (bts, msc models.MgwHandle) { return c.up.mgwBts, c.up.mgwMsc }

func (c *Conn) stateGauge(s State) prometheus.Gauge {
	return monitoring.ConnectionsTotal.WithLabelValues(c.deps.SimulationID, s.String())
}

// Dispatch feeds one event into the state machine. Events valid in every
// state are handled first. An event the current state does not expect is
// a protocol error: it is logged and rejected without a state change.
func (c *Conn) Dispatch(ev Event) error {
	if c.state == StateTerminated {
		return errors.Wrapf(ErrTerminated, "%s: %s", c.id, ev.Name())
	}
	c.log.Debugf("event %s in %s", ev.Name(), c.state)

	if handled, err := c.allstate(ev); handled {
		return err
	}

	switch c.state {
	case StateInit:
		return c.stInit(ev)
	case StateWaitCC:
		return c.stWaitCC(ev)
	case StateActive:
		return c.stActive(ev)
	case StateWaitDynTsSwitch:
		return c.stWaitDynTsSwitch(ev)
	case StateWaitCrcxBts:
		return c.stWaitCrcxBts(ev)
	case StateWaitAssCmpl:
		return c.stWaitAssCmpl(ev)
	case StateWaitModeModifyAck:
		return c.stWaitModeModifyAck(ev)
	case StateWaitMdcxBts:
		return c.stWaitMdcxBts(ev)
	case StateWaitCrcxMsc:
		return c.stWaitCrcxMsc(ev)
	case StateWaitHoCompl:
		return c.stWaitHoCompl(ev)
	case StateWaitMdcxBtsHo:
		return c.stWaitMdcxBtsHo(ev)
	case StateClearing:
		return c.stClearing(ev)
	}
	return c.notPermitted(ev)
}

func (c *Conn) notPermitted(ev Event) error {
	c.log.Errorf("event %s not permitted in state %s", ev.Name(), c.state)
	return errors.Wrapf(ErrEventNotPermitted, "%s in %s", ev.Name(), c.state)
}

func (c *Conn) allstate(ev Event) (bool, error) {
	switch e := ev.(type) {
	case MgwFail:
		if e.Leg == models.MgwLegBts {
			c.up.mgwBts = ""
		} else {
			c.up.mgwMsc = ""
		}
		if c.state == StateInit || c.state == StateWaitCC {
			return true, c.notPermitted(ev)
		}
		c.log.Warnf("MGW connection %s lost", e.Leg)
		if c.asg.inFlight {
			c.assignmentFailed(models.CauseEquipmentFailure)
		}
		return true, nil
	case ClearCommand:
		c.setState(StateClearing, timerNone)
		c.asg.inFlight = false
		c.releaseRadio()
		c.tossMgw()
		return true, c.Dispatch(ClearComplete{})
	case Disconnect:
		c.coreOpen = false
		c.terminate("MSC released the connection")
		return true, nil
	case RllReleaseInd:
		c.sendCore(models.NewClearRequest(models.CauseRadioInterfaceMessageFailure))
		return true, nil
	case RslConnFailure:
		c.sendCore(models.NewClearRequest(models.CauseRadioInterfaceFailure))
		return true, nil
	}
	return false, nil
}

func (c *Conn) stInit(ev Event) error {
	switch e := ev.(type) {
	case ConnRequest:
		if err := c.deps.Core.Open(c.id, e.Initial); err != nil {
			c.log.Errorf("cannot open MSC connection: %v", err)
			c.terminate("MSC connection failed")
			return errors.Wrap(err, "open MSC connection")
		}
		c.coreOpen = true
		c.setState(StateWaitCC, timerWaitCC)
		return nil
	case ConnIndication:
		c.log.Warn("no support for MSC-originated connections")
		c.deps.Core.Disconnect(c.id)
		c.terminate("MSC-originated connection refused")
		return nil
	}
	return c.dropEarly(ev)
}

func (c *Conn) stWaitCC(ev Event) error {
	if _, ok := ev.(ConnConfirm); ok {
		c.setState(StateActive, timerNone)
		return nil
	}
	return c.dropEarly(ev)
}

// dropEarly discards signalling that arrives before the MSC connection is
// confirmed.
func (c *Conn) dropEarly(ev Event) error {
	switch ev.(type) {
	case MoDtap, MtDtap, TxSccp:
		c.log.Errorf("%s in %s, no MSC connection yet, dropping", ev.Name(), c.state)
		c.stats.NumDropped++
		return nil
	}
	return c.notPermitted(ev)
}

// transparent handles the pass-through events valid in every state that
// has an MSC connection.
func (c *Conn) transparent(ev Event) error {
	switch e := ev.(type) {
	case MoDtap:
		c.forwardDtap(e.Payload)
		return nil
	case MtDtap:
		c.submitDtap(e.Payload)
		return nil
	case TxSccp:
		c.sendCore(e.Msg)
		return nil
	}
	return c.notPermitted(ev)
}

func (c *Conn) stActive(ev Event) error {
	switch e := ev.(type) {
	case AssignmentCommand:
		c.assignmentCommand(e)
		return nil
	case HoStart:
		return c.hoStart(e.Ho)
	case AHoRequest:
		c.log.Warn("inbound handover request not supported, ignoring")
		return nil
	}
	return c.transparent(ev)
}

func (c *Conn) stWaitDynTsSwitch(ev Event) error {
	if e, ok := ev.(DynTsSwitched); ok {
		if !e.Ok {
			c.assignmentFailed(models.CauseEquipmentFailure)
			return nil
		}
		c.deps.Net.PdchReleased(c.secondary)
		if cause, err := c.activateSecondary(); err != nil {
			c.log.Errorf("activation after PDCH release failed: %v", err)
			c.assignmentFailed(cause)
		}
		return nil
	}
	return c.transparent(ev)
}

func (c *Conn) stWaitCrcxBts(ev Event) error {
	if e, ok := ev.(MgwCrcxResp); ok && e.Leg == models.MgwLegBts {
		if e.Peer.Endpoint == "" {
			c.log.Error("MGW assigned no endpoint")
			c.assignmentFailed(models.CauseEquipmentFailure)
			return nil
		}
		c.up.endpoint = e.Peer.Endpoint
		c.assignmentRequest()
		return nil
	}
	return c.transparent(ev)
}

func (c *Conn) stWaitAssCmpl(ev Event) error {
	switch e := ev.(type) {
	case RrAssComplete:
		c.rrAssComplete(e.BoundIP, e.BoundPort)
		return nil
	case RrAssFailure:
		cause := models.CauseRequestedTerrestrialResourceUnavail
		if e.Cause != nil {
			cause = *e.Cause
		}
		c.assignmentFailed(cause)
		return nil
	}
	return c.transparent(ev)
}

func (c *Conn) stWaitModeModifyAck(ev Event) error {
	if _, ok := ev.(ModeModifyAck); ok {
		ch := c.deps.Net.Chan(c.lchan)
		if ch == nil {
			c.assignmentFailed(models.CauseEquipmentFailure)
			return nil
		}
		ch.Mode = c.up.mode
		c.setState(StateWaitAssCmpl, timerT10)
		c.rrAssComplete(ch.BoundIP, ch.BoundPort)
		return nil
	}
	return c.transparent(ev)
}

func (c *Conn) stWaitMdcxBts(ev Event) error {
	if e, ok := ev.(MgwMdcxResp); ok && e.Leg == models.MgwLegBts {
		peer := c.up.aoipRemote
		peer.CallId = string(c.id)
		peer.Endpoint = c.up.endpoint
		c.setState(StateWaitCrcxMsc, timerMgw)
		h, err := c.deps.Mgw.Create(c.id, models.MgwLegMsc, peer)
		if err != nil {
			c.log.Errorf("CRCX towards MSC failed: %v", err)
			c.assignmentFailed(models.CauseEquipmentFailure)
			return nil
		}
		c.up.mgwMsc = h
		c.asg.createdMsc = true
		return nil
	}
	return c.transparent(ev)
}

func (c *Conn) stWaitCrcxMsc(ev Event) error {
	if e, ok := ev.(MgwCrcxResp); ok && e.Leg == models.MgwLegMsc {
		c.up.aoipLocal = e.Peer
		c.sendAssignmentComplete(true)
		c.setState(StateActive, timerNone)
		return nil
	}
	return c.transparent(ev)
}

func (c *Conn) stWaitHoCompl(ev Event) error {
	switch e := ev.(type) {
	case HoComplete:
		c.hoComplete()
		return nil
	case HoFailure, HoTimeout:
		c.log.Infof("handover ended (%s), staying on %d", ev.Name(), c.lchan)
		c.ho = nil
		c.flushDtapCache(true)
		c.setState(StateActive, timerNone)
		return nil
	case MtDtap:
		c.cacheDtap(e.Payload)
		return nil
	case MoDtap, TxSccp:
		return c.transparent(ev)
	}
	return c.notPermitted(ev)
}

func (c *Conn) stWaitMdcxBtsHo(ev Event) error {
	if e, ok := ev.(MgwMdcxResp); ok && e.Leg == models.MgwLegBts {
		c.setState(StateActive, timerNone)
		return nil
	}
	return c.transparent(ev)
}

func (c *Conn) stClearing(ev Event) error {
	if _, ok := ev.(ClearComplete); ok {
		c.sendCore(models.NewClearComplete())
		c.terminate("cleared")
		return nil
	}
	return c.notPermitted(ev)
}

// setState enters s. Any running state timer is stopped; a new one is armed
// for kind. Re-entering the same state re-arms.
func (c *Conn) setState(s State, kind timerKind) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	if s != c.state {
		c.log.Debugf("state %s -> %s", c.state, s)
		c.stateGauge(c.state).Dec()
		c.stateGauge(s).Inc()
		c.state = s
	}
	if d := c.timeout(kind); d > 0 {
		gen := c.gen
		c.timer = c.deps.Sched.AfterFunc(d, func() { c.onTimeout(gen, kind) })
	}
}

// Info is the OAM view of a connection.
type Info struct {
	Id        models.ConnID           `json:"id"`
	State     string                  `json:"state"`
	Lchan     string                  `json:"lchan,omitempty"`
	Secondary string                  `json:"secondary,omitempty"`
	Handover  string                  `json:"handover,omitempty"`
	Penalties int                     `json:"penalties"`
	Dtap      *models.DtapStatsReport `json:"dtap"`
}

func (c *Conn) Info() Info {
	info := Info{
		Id:        c.id,
		State:     c.state.String(),
		Penalties: c.decision.Penalties.Len(),
		Dtap:      c.DtapReport(),
	}
	if ch := c.deps.Net.Chan(c.lchan); ch != nil {
		info.Lchan = ch.String()
	}
	if ch := c.deps.Net.Chan(c.secondary); ch != nil {
		info.Secondary = ch.String()
	}
	if c.ho != nil {
		info.Handover = c.ho.String()
	}
	return info
}
