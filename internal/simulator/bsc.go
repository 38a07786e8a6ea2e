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

package simulator

import (
	"time"

	"github.com/giuliocarot0/gitc"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/conn"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/hodec2"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/neighbor"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

const oamTimeout = 5 * time.Second

var ErrBscBusy = errors.New("BSC event loop did not answer in time")

// Bsc owns the radio network, the connections and the handover engine.
// Everything it owns is touched only from its gitc task.
type Bsc struct {
	net       *radio.Network
	reg       *conn.Registry
	logic     *handover.Logic
	engine    *hodec2.Engine
	neighbors *neighbor.List
	sched     utils.Scheduler
	send      models.SendFunc
	mgw       *mgwClient

	congestionInterval int
}

// NewBsc wires the BSC. A nil sched makes timers run on the BSC task.
func NewBsc(cfg *NetworkConfig, neighbors *neighbor.List, sched utils.Scheduler, send models.SendFunc, simId string) (*Bsc, error) {
	b := &Bsc{
		neighbors:          neighbors,
		send:               send,
		congestionInterval: cfg.CongestionCheckInterval,
	}
	if sched == nil {
		sched = utils.NewLoopScheduler(b.post)
	}
	b.sched = sched
	b.mgw = &mgwClient{b: b, owners: make(map[models.MgwHandle]mgwOwner)}

	net, err := radio.NewNetwork(cfg.Bts, &radioLink{b: b})
	if err != nil {
		return nil, errors.Wrap(err, "radio network")
	}
	b.net = net

	timers := cfg.Timers
	defaults := conn.DefaultTimers()
	if timers.WaitCC <= 0 {
		timers.WaitCC = defaults.WaitCC
	}
	if timers.T10 <= 0 {
		timers.T10 = defaults.T10
	}
	if timers.Mgw <= 0 {
		timers.Mgw = defaults.Mgw
	}
	if timers.MgwHo <= 0 {
		timers.MgwHo = defaults.MgwHo
	}
	b.reg = conn.NewRegistry(conn.Deps{
		Net:          net,
		Mgw:          b.mgw,
		Core:         &coreTransport{b: b},
		Sched:        sched,
		Timers:       timers,
		SimulationID: simId,
	})
	b.logic = handover.NewLogic(net, neighbors, b.reg, sched)
	if cfg.T3103 > 0 {
		b.logic.T3103 = cfg.T3103
	}
	b.reg.SetLogic(b.logic)

	// the congestion check only runs while the simulation is started
	b.engine, err = hodec2.Register(b.logic, 0)
	if err != nil {
		return nil, err
	}
	net.UpdateFreeSlotMetrics()
	return b, nil
}

func (b *Bsc) InitBsc() error {
	err := gitc.StartTask(models.BscTask, b.HandleMessage, 1024)
	return errors.Wrap(err, "could not start BSC task")
}

func (b *Bsc) post(fn func()) {
	if err := b.send(models.BscTask, models.BscTask, models.BscTimerType, &models.BscTimerMsg{Fn: fn}); err != nil {
		logger.AppLog.Errorf("cannot post timer expiry: %v", err)
	}
}

// Exec runs fn on the BSC task and returns its result.
func (b *Bsc) Exec(fn func() any) (any, error) {
	reply := make(chan any, 1)
	if err := b.send(models.OamTask, models.BscTask, models.OamToBscType, &models.OamToBscMsg{Fn: fn, Reply: reply}); err != nil {
		return nil, errors.Wrap(err, "OAM request")
	}
	select {
	case res := <-reply:
		return res, nil
	case <-time.After(oamTimeout):
		return nil, ErrBscBusy
	}
}

func (b *Bsc) HandleMessage(msg gitc.Message) {
	switch msg.Type {
	case models.MsToBscType:
		b.handleRadio(msg.Payload.(*models.MsToBscMsg))
	case models.MscToBscType:
		b.handleMsc(msg.Payload.(*models.MscToBscMsg))
	case models.MgwToBscType:
		b.handleMgw(msg.Payload.(*models.MgwToBscMsg))
	case models.BscTimerType:
		msg.Payload.(*models.BscTimerMsg).Fn()
	case models.OamToBscType:
		req := msg.Payload.(*models.OamToBscMsg)
		req.Reply <- req.Fn()
	default:
		logger.AppLog.Warnf("BSC got unexpected message type %d", msg.Type)
	}
}

func (b *Bsc) dispatch(id models.ConnID, ev conn.Event) {
	if err := b.reg.Dispatch(id, ev); err != nil {
		logger.ConnLog.WithField("conn", id).Debugf("%s: %v", ev.Name(), err)
	}
}

// connOf prefers the connection the MS names and falls back to the owner
// of the channel.
func (b *Bsc) connOf(msg *models.MsToBscMsg) models.ConnID {
	if msg.ConnId != "" && b.reg.Get(msg.ConnId) != nil {
		return msg.ConnId
	}
	if c := b.reg.ByChan(radio.ChanHandle(msg.Chan)); c != nil {
		return c.ID()
	}
	return msg.ConnId
}

func (b *Bsc) toMs(cmd *models.BscToMsMsg) {
	if err := b.send(models.BscTask, models.MsTask, models.BscToMsType, cmd); err != nil {
		logger.RadioLog.Errorf("sending to MS: %v", err)
	}
}

func (b *Bsc) handleRadio(msg *models.MsToBscMsg) {
	h := radio.ChanHandle(msg.Chan)
	switch msg.Kind {
	case models.RadioConnRequest:
		b.connRequest(msg)

	case models.RadioChanActivAck:
		b.chanActivAck(h)

	case models.RadioChanActivNack:
		if b.logic.OnChanActivNack(h) {
			break
		}
		b.net.ActivNack(h)
		if c := b.reg.ByChan(h); c != nil && c.SecondaryChan() == h {
			cause := models.CauseEquipmentFailure
			b.dispatch(c.ID(), conn.RrAssFailure{Cause: &cause})
		}

	case models.RadioAssignmentComplete:
		b.dispatch(b.connOf(msg), conn.RrAssComplete{BoundIP: msg.BoundIP, BoundPort: msg.BoundPort})

	case models.RadioAssignmentFailure:
		cause := msg.Cause
		b.dispatch(b.connOf(msg), conn.RrAssFailure{Cause: &cause})

	case models.RadioHandoverComplete:
		if ch := b.net.Chan(h); ch != nil && msg.BoundIP != "" {
			ch.BoundIP = msg.BoundIP
			ch.BoundPort = msg.BoundPort
		}
		if !b.logic.OnHandoverComplete(h) {
			logger.HoLog.Warnf("handover complete on %d without a handover", h)
		}

	case models.RadioHandoverFailure:
		if !b.logic.OnHandoverFailure(h) {
			logger.HoLog.Warnf("handover failure on %d without a handover", h)
		}

	case models.RadioModeModifyAck:
		b.dispatch(b.connOf(msg), conn.ModeModifyAck{})

	case models.RadioPdchReleased:
		if b.logic.OnPdchReleased(h) {
			break
		}
		if c := b.reg.ByChan(h); c != nil {
			b.dispatch(c.ID(), conn.DynTsSwitched{Ok: true})
		}

	case models.RadioRllReleaseInd:
		b.dispatch(b.connOf(msg), conn.RllReleaseInd{})

	case models.RadioConnFailure:
		b.dispatch(b.connOf(msg), conn.RslConnFailure{})

	case models.RadioMoDtap:
		b.dispatch(b.connOf(msg), conn.MoDtap{Payload: msg.Payload})

	case models.RadioMeasReport:
		if msg.MeasRep == nil {
			return
		}
		if err := b.logic.OnMeasurementReport(h, msg.MeasRep); err != nil {
			logger.RadioLog.Debugf("measurement report: %v", err)
		}
		return
	}
	b.net.UpdateFreeSlotMetrics()
}

// connRequest seizes an SDCCH for the MS and starts a connection on it.
func (b *Bsc) connRequest(msg *models.MsToBscMsg) {
	id := models.ConnID(uuid.NewString())
	ch, err := b.net.Allocate(msg.BtsNr, models.ChanSDCCH, id)
	if err != nil {
		logger.RadioLog.Infof("immediate assignment reject for %s: %v", msg.MsId, err)
		b.toMs(&models.BscToMsMsg{Kind: models.RadioChanRelease, MsId: msg.MsId, BtsNr: msg.BtsNr})
		return
	}
	b.net.ActivAck(ch.Handle())
	if _, err := b.reg.Create(id, ch.Handle()); err != nil {
		logger.ConnLog.Errorf("cannot create connection: %v", err)
		b.net.Release(ch.Handle())
		b.toMs(&models.BscToMsMsg{Kind: models.RadioChanRelease, MsId: msg.MsId, BtsNr: msg.BtsNr})
		return
	}
	b.toMs(&models.BscToMsMsg{
		Kind:     models.RadioConnAccepted,
		MsId:     msg.MsId,
		ConnId:   id,
		BtsNr:    msg.BtsNr,
		Chan:     uint32(ch.Handle()),
		ChanType: ch.Type,
	})
	b.dispatch(id, conn.ConnRequest{Initial: msg.Payload})
}

// chanActivAck sends the RR command that moves the MS onto an activated
// channel: a handover command for handover targets, an assignment command
// for the secondary channel of a connection.
func (b *Bsc) chanActivAck(h radio.ChanHandle) {
	ch := b.net.ActivAck(h)
	if ch == nil {
		logger.RadioLog.Debugf("activation ack for released channel %d", h)
		return
	}
	if ho := b.logic.ByNewChan(h); ho != nil {
		b.toMs(&models.BscToMsMsg{
			Kind:     models.RadioHandoverCommand,
			ConnId:   ch.Conn(),
			BtsNr:    ch.Bts().Nr,
			Chan:     uint32(h),
			ChanType: ch.Type,
			Mode:     ch.Mode,
		})
		return
	}
	if c := b.reg.ByChan(h); c != nil && c.SecondaryChan() == h {
		b.toMs(&models.BscToMsMsg{
			Kind:     models.RadioAssignmentCommand,
			ConnId:   c.ID(),
			BtsNr:    ch.Bts().Nr,
			Chan:     uint32(h),
			ChanType: ch.Type,
			Mode:     ch.Mode,
		})
	}
}

func (b *Bsc) handleMsc(msg *models.MscToBscMsg) {
	var ev conn.Event
	switch msg.Kind {
	case models.MscConnConfirm:
		ev = conn.ConnConfirm{}
	case models.MscConnIndication:
		ev = conn.ConnIndication{}
	case models.MscAssignmentCommand:
		ev = conn.AssignmentCommand{
			Mode:     msg.ChanMode,
			FullRate: msg.FullRate,
			AoipAddr: msg.AoipAddr,
			AoipPort: msg.AoipPort,
			Codecs:   msg.Codecs,
		}
	case models.MscClearCommand:
		ev = conn.ClearCommand{}
	case models.MscDtap:
		ev = conn.MtDtap{Payload: msg.Payload}
	case models.MscDisconnect:
		ev = conn.Disconnect{}
	case models.MscHandoverRequest:
		ev = conn.AHoRequest{}
	default:
		logger.MscLog.Warnf("unknown MSC message kind %d", msg.Kind)
		return
	}
	b.dispatch(msg.ConnId, ev)
	b.net.UpdateFreeSlotMetrics()
}

func (b *Bsc) handleMgw(msg *models.MgwToBscMsg) {
	b.mgw.answered(msg)
	if msg.Verb == models.MgcpDlcx {
		return
	}
	c := b.reg.Get(msg.ConnId)
	if c == nil {
		return
	}
	// answers for connections the FSM already tossed are stale
	bts, msc := c.MgwHandles()
	if (msg.Leg == models.MgwLegBts && msg.Handle != bts) || (msg.Leg == models.MgwLegMsc && msg.Handle != msc) {
		logger.MgwLog.Debugf("%s: stale %s answer for %s", msg.ConnId, msg.Verb, msg.Handle)
		return
	}
	if !msg.Ok {
		b.dispatch(msg.ConnId, conn.MgwFail{Leg: msg.Leg})
		return
	}
	switch msg.Verb {
	case models.MgcpCrcx:
		b.dispatch(msg.ConnId, conn.MgwCrcxResp{Leg: msg.Leg, Peer: msg.Peer})
	case models.MgcpMdcx:
		b.dispatch(msg.ConnId, conn.MgwMdcxResp{Leg: msg.Leg})
	}
}

// Start arms the periodic congestion check. Runs on the BSC task.
func (b *Bsc) Start() {
	b.engine.SetCongestionCheckInterval(b.congestionInterval)
}

// Stop disarms the congestion check and clears every connection. Runs on
// the BSC task.
func (b *Bsc) Stop() {
	b.engine.Stop()
	b.reg.ClearAll()
	b.net.UpdateFreeSlotMetrics()
}

func (b *Bsc) Network() *radio.Network   { return b.net }
func (b *Bsc) Registry() *conn.Registry  { return b.reg }
func (b *Bsc) Logic() *handover.Logic    { return b.logic }
func (b *Bsc) Engine() *hodec2.Engine    { return b.engine }
func (b *Bsc) Neighbors() *neighbor.List { return b.neighbors }

// BtsStatus is the OAM view of one BTS.
type BtsStatus struct {
	Nr         int    `json:"nr"`
	Arfcn      uint16 `json:"arfcn"`
	Bsic       uint8  `json:"bsic"`
	Lac        uint16 `json:"lac"`
	Ci         uint16 `json:"ci"`
	HoActive   bool   `json:"hoActive"`
	Algorithm  int    `json:"algorithm"`
	FreeTchF   int    `json:"freeTchF"`
	FreeTchH   int    `json:"freeTchH"`
	Lchans     int    `json:"lchans"`
	Handovers  int    `json:"handovers"`
	Congestion string `json:"congestion,omitempty"`
}

// BtsStatus runs on the BSC task.
func (b *Bsc) BtsStatus() []BtsStatus {
	var list []BtsStatus
	for _, bts := range b.net.Bts() {
		st := BtsStatus{
			Nr:        bts.Nr,
			Arfcn:     bts.C0Arfcn(),
			Bsic:      bts.Bsic,
			Lac:       bts.Lac,
			Ci:        bts.Ci,
			FreeTchF:  b.net.FreeSlotCount(bts, models.PchanTCHF),
			FreeTchH:  b.net.FreeSlotCount(bts, models.PchanTCHH),
			Handovers: b.logic.Count(bts, handover.ScopeAll),
		}
		if bts.Ho != nil {
			st.HoActive = bts.Ho.HoActive
			st.Algorithm = bts.Ho.Algorithm
		}
		bts.ForEachChannel(func(*radio.Channel) bool {
			st.Lchans++
			return true
		})
		list = append(list, st)
	}
	return list
}

// Connections runs on the BSC task.
func (b *Bsc) Connections() []conn.Info {
	list := make([]conn.Info, 0, b.reg.Len())
	for _, c := range b.reg.List() {
		list = append(list, c.Info())
	}
	return list
}
