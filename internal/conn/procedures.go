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
	"time"

	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

func (c *Conn) timeout(kind timerKind) time.Duration {
	switch kind {
	case timerWaitCC:
		return c.deps.Timers.WaitCC
	case timerT10:
		return c.deps.Timers.T10
	case timerMgw:
		return c.deps.Timers.Mgw
	case timerMgwHo:
		return c.deps.Timers.MgwHo
	}
	return 0
}

// onTimeout runs on the event loop. Expiries armed in an earlier state are
// ignored.
func (c *Conn) onTimeout(gen uint64, kind timerKind) {
	if c.state == StateTerminated || gen != c.gen {
		return
	}
	c.timer = nil
	switch kind {
	case timerWaitCC:
		c.log.Error("MSC did not confirm the connection")
		c.terminate("wait-CC timeout")
	case timerT10:
		c.log.Errorf("T10 expired in %s", c.state)
		c.assignmentFailed(models.CauseRadioInterfaceFailure)
	case timerMgw:
		c.log.Errorf("no MGW response in %s", c.state)
		c.assignmentFailed(models.CauseEquipmentFailure)
	case timerMgwHo:
		c.log.Error("no MGW response after handover")
		c.setState(StateActive, timerNone)
	}
}

// chanCompat reports whether ch can carry mode without reallocation.
func chanCompat(ch *radio.Channel, mode models.ChanMode, fullRate bool) bool {
	switch mode {
	case models.ModeSign:
		return true
	case models.ModeSpeechV1, models.ModeSpeechAMR:
		if fullRate {
			return ch.Type == models.ChanTCHF
		}
		return ch.Type == models.ChanTCHH
	case models.ModeSpeechEFR:
		return fullRate && ch.Type == models.ChanTCHF
	}
	return false
}

func speechCodec(ch *radio.Channel) models.SpeechCodecType {
	switch ch.Mode {
	case models.ModeSpeechEFR:
		return models.CodecFR2
	case models.ModeSpeechAMR:
		if ch.Type == models.ChanTCHH {
			return models.CodecHR3
		}
		return models.CodecFR3
	}
	if ch.Type == models.ChanTCHH {
		return models.CodecHR1
	}
	return models.CodecFR1
}

func (c *Conn) assignmentCommand(e AssignmentCommand) {
	c.up.mode = e.Mode
	c.up.fullRate = e.FullRate
	c.up.aoipRemote = models.MgwPeer{Addr: e.AoipAddr, Port: e.AoipPort}
	if e.Codecs != nil {
		c.codecs = e.Codecs
	}
	c.asg = assignment{inFlight: true}
	c.log.Infof("channel assignment: chan_mode=%s, full_rate=%t", e.Mode, e.FullRate)

	switch {
	case e.Mode.IsSpeech():
		c.tossMgw()
		c.setState(StateWaitCrcxBts, timerMgw)
		h, err := c.deps.Mgw.Create(c.id, models.MgwLegBts,
			models.MgwPeer{CallId: string(c.id), Endpoint: MgwEndpointWildcard})
		if err != nil {
			c.log.Errorf("CRCX towards BTS failed: %v", err)
			c.assignmentFailed(models.CauseEquipmentFailure)
			return
		}
		c.up.mgwBts = h
		c.asg.createdBts = true
	case e.Mode == models.ModeSign:
		c.assignmentRequest()
	default:
		c.log.Errorf("requested channel mode is not supported: %s full_rate=%t", e.Mode, e.FullRate)
		c.assignmentFailed(models.CauseReqCodecTypeOrConfigNotSupp)
	}
}

// assignmentRequest modifies the current channel when it fits the
// requested mode and allocates a new one otherwise.
func (c *Conn) assignmentRequest() {
	mode := c.up.mode
	cur := c.deps.Net.Chan(c.lchan)
	if cur != nil && chanCompat(cur, mode, c.up.fullRate) {
		c.log.Infof("%s: sending channel mode modify for %s", cur, mode)
		if err := c.deps.Net.ModeModify(c.lchan, mode); err != nil {
			c.log.Errorf("channel mode modify failed: %v", err)
			c.assignmentFailed(models.CauseEquipmentFailure)
			return
		}
		if mode.IsSpeech() {
			c.setState(StateWaitModeModifyAck, timerT10)
			return
		}
		cur.Mode = mode
		c.setState(StateWaitAssCmpl, timerT10)
		c.rrAssComplete("", 0)
		return
	}

	if cause, err := c.allocateLchan(StateWaitAssCmpl, timerT10); err != nil {
		c.log.Errorf("cannot allocate lchan: %v", err)
		c.assignmentFailed(cause)
	}
}

// allocateLchan takes a new channel on the current BTS as the secondary
// channel and starts its activation. Only one allocation may be
// outstanding. On error the returned cause is the one to report.
func (c *Conn) allocateLchan(next State, kind timerKind) (models.Cause, error) {
	if c.secondary != 0 {
		c.log.Errorf("lchan allocation already busy on %d, cannot start another", c.secondary)
		return models.CauseEquipmentFailure, errors.Wrapf(ErrAllocationBusy, "%s", c.id)
	}
	mode := c.up.mode
	if !mode.IsSpeech() {
		return models.CauseEquipmentFailure, errors.Errorf("cannot allocate a channel for %s", mode)
	}
	cur := c.deps.Net.Chan(c.lchan)
	if cur == nil {
		return models.CauseEquipmentFailure, errors.Wrap(radio.ErrUnknownChannel, "no current lchan")
	}

	t := models.ChanTCHH
	if c.up.fullRate {
		t = models.ChanTCHF
	}
	nc, err := c.deps.Net.Allocate(cur.Bts().Nr, t, c.id)
	if err != nil {
		c.log.Infof("no lchan available for %s", t)
		return models.CauseNoRadioResourceAvailable, err
	}
	if nc.Bts() == cur.Bts() && nc.Type == cur.Type {
		c.log.Infof("%s -> %s will not re-assign to identical channel type %s", cur, nc, t)
		c.deps.Net.Release(nc.Handle())
		return models.CauseNoRadioResourceAvailable, errors.Wrap(radio.ErrNoChannel, "identical channel type")
	}

	nc.Encr = cur.Encr
	nc.MsPower = cur.MsPower
	nc.BsPower = cur.BsPower
	nc.RqdTa = cur.RqdTa
	nc.Mode = mode
	c.secondary = nc.Handle()
	c.asg.allocNext = next
	c.asg.allocTimer = kind

	if nc.NeedsPdchRelease {
		if err := c.deps.Net.ReleasePdch(c.secondary); err != nil {
			return models.CauseEquipmentFailure, errors.Wrap(err, "release PDCH")
		}
		c.setState(StateWaitDynTsSwitch, kind)
		return 0, nil
	}
	return c.activateSecondary()
}

func (c *Conn) activateSecondary() (models.Cause, error) {
	if err := c.deps.Net.Activate(c.secondary, radio.ActivAssignment); err != nil {
		return models.CauseEquipmentFailure, err
	}
	c.setState(c.asg.allocNext, c.asg.allocTimer)
	return 0, nil
}

// rrAssComplete continues after the MS is on the assigned channel. ip and
// port are the RTP address the BTS bound, if reported.
func (c *Conn) rrAssComplete(ip string, port uint16) {
	if c.secondary != 0 {
		old := c.lchan
		c.lchan = c.secondary
		c.secondary = 0
		if old != 0 {
			c.deps.Net.Release(old)
		}
	}
	ch := c.deps.Net.Chan(c.lchan)
	if ch == nil {
		c.assignmentFailed(models.CauseEquipmentFailure)
		return
	}
	if ip != "" {
		ch.BoundIP = ip
		ch.BoundPort = port
	}

	if !c.up.mode.IsSpeech() {
		c.sendAssignmentComplete(false)
		c.setState(StateActive, timerNone)
		return
	}

	c.setState(StateWaitMdcxBts, timerMgw)
	if c.up.mgwBts == "" {
		c.log.Error("no MGW connection towards the BTS")
		c.assignmentFailed(models.CauseEquipmentFailure)
		return
	}
	peer := models.MgwPeer{CallId: string(c.id), Endpoint: c.up.endpoint, Addr: ch.BoundIP, Port: ch.BoundPort}
	if err := c.deps.Mgw.Modify(c.up.mgwBts, peer); err != nil {
		c.log.Errorf("MDCX towards BTS failed: %v", err)
		c.assignmentFailed(models.CauseEquipmentFailure)
	}
}

func (c *Conn) sendAssignmentComplete(voice bool) {
	if !c.asg.inFlight {
		c.log.Error("no assignment in flight, not sending Assignment Complete")
		return
	}
	ac := &models.AssignmentComplete{}
	if ch := c.deps.Net.Chan(c.lchan); ch != nil {
		ac.ChosenChannel = models.ChosenChannel(ch.Mode, ch.Type)
		ac.EncrAlgID = ch.Encr.AlgID
		if voice {
			ac.SpeechVersion, ac.HasSpeech = models.PermittedSpeech(ch.Type, ch.Mode)
			ac.Codec = speechCodec(ch)
			ac.AoipLocalAddr = c.up.aoipLocal.Addr
			ac.AoipLocalPort = c.up.aoipLocal.Port
		}
	}
	c.asg = assignment{}
	c.log.Info("assignment complete")
	c.sendCore(models.BssapMessage{Type: models.BssapAssignmentComplete, Assignment: ac})
	monitoring.AssignmentsTotal.WithLabelValues("complete").Inc()
}

// assignmentFailed reports cause to the MSC, undoes what the assignment
// set up and returns to Active.
func (c *Conn) assignmentFailed(cause models.Cause) {
	if c.asg.inFlight {
		c.log.Errorf("assignment failed: %s", cause)
		c.releaseSecondary()
		if c.asg.createdBts && c.up.mgwBts != "" {
			c.deps.Mgw.Delete(c.up.mgwBts)
			c.up.mgwBts = ""
		}
		if c.asg.createdMsc && c.up.mgwMsc != "" {
			c.deps.Mgw.Delete(c.up.mgwMsc)
			c.up.mgwMsc = ""
		}
		c.asg = assignment{}
		c.sendCore(models.NewAssignmentFailure(cause))
		monitoring.AssignmentsTotal.WithLabelValues("failure").Inc()
	} else {
		c.log.Errorf("assignment failure (%s) with no assignment in flight", cause)
	}
	if c.state != StateActive {
		c.setState(StateActive, timerNone)
	}
}

func (c *Conn) releaseSecondary() {
	if c.secondary != 0 {
		c.deps.Net.Release(c.secondary)
		c.secondary = 0
	}
}

// releaseRadio does not wait for the radio side to confirm.
func (c *Conn) releaseRadio() {
	c.releaseSecondary()
	if c.lchan != 0 {
		c.deps.Net.Release(c.lchan)
		c.lchan = 0
	}
}

func (c *Conn) tossMgw() {
	if c.up.mgwBts == "" && c.up.mgwMsc == "" {
		return
	}
	c.log.Info("tossing all MGCP connections")
	if c.up.mgwBts != "" {
		c.deps.Mgw.Delete(c.up.mgwBts)
		c.up.mgwBts = ""
	}
	if c.up.mgwMsc != "" {
		c.deps.Mgw.Delete(c.up.mgwMsc)
		c.up.mgwMsc = ""
	}
	c.up.endpoint = ""
}

// RequestHandover is called by the handover logic with a new record.
func (c *Conn) RequestHandover(ho *handover.Handover) error {
	return c.Dispatch(HoStart{Ho: ho})
}

// HandoverEnded is called by the handover logic when the MS completed,
// failed or timed out.
func (c *Conn) HandoverEnded(ho *handover.Handover, result handover.Result) {
	if ho != c.ho {
		c.log.Warnf("end of handover %s not owned by this connection", ho)
		return
	}
	var ev Event
	switch result {
	case handover.ResultOK:
		ev = HoComplete{}
	case handover.ResultFailTimeout:
		ev = HoTimeout{}
	default:
		ev = HoFailure{}
	}
	if err := c.Dispatch(ev); err != nil {
		c.log.Errorf("handover end: %v", err)
	}
}

func (c *Conn) hoStart(ho *handover.Handover) error {
	if c.deps.Logic == nil {
		return errors.New("no handover logic")
	}
	c.ho = ho
	err := c.deps.Logic.Start(ho)
	if err == nil {
		c.setState(StateWaitHoCompl, timerNone)
		return nil
	}
	c.ho = nil
	if errors.Cause(err) == radio.ErrNoChannel {
		c.log.Infof("handover not started: %v", err)
		c.deps.Logic.End(ho, handover.ResultFailNoChannel)
		return err
	}
	c.log.Errorf("handover start failed: %v", err)
	c.deps.Logic.End(ho, handover.ResultError)
	c.sendCore(models.NewClearRequest(models.CauseEquipmentFailure))
	c.setState(StateClearing, timerNone)
	return err
}

func (c *Conn) hoComplete() {
	ho := c.ho
	c.ho = nil
	if ho == nil {
		c.log.Error("handover complete without a handover record")
		c.setState(StateActive, timerNone)
		return
	}
	old := c.lchan
	c.lchan = ho.NewChan
	if old != 0 && old != c.lchan {
		c.deps.Net.Release(old)
	}
	c.flushDtapCache(true)

	ch := c.deps.Net.Chan(c.lchan)
	if c.up.mgwBts == "" || ch == nil {
		c.setState(StateActive, timerNone)
		return
	}
	c.setState(StateWaitMdcxBtsHo, timerMgwHo)
	peer := models.MgwPeer{CallId: string(c.id), Endpoint: c.up.endpoint, Addr: ch.BoundIP, Port: ch.BoundPort}
	if err := c.deps.Mgw.Modify(c.up.mgwBts, peer); err != nil {
		c.log.Errorf("MDCX after handover failed: %v", err)
		c.sendCore(models.NewClearRequest(models.CauseEquipmentFailure))
		c.setState(StateClearing, timerNone)
	}
}

func (c *Conn) forwardDtap(payload []byte) {
	if err := c.sendCore(models.NewDtap(payload)); err != nil {
		return
	}
	c.stats.NewMessage(true, int64(len(payload)), c.deps.Sched.Now())
	monitoring.DtapTotal.WithLabelValues("mo").Inc()
}

func (c *Conn) submitDtap(payload []byte) {
	if err := c.deps.Net.SendDtap(c.lchan, payload); err != nil {
		c.log.Errorf("cannot submit DTAP: %v", err)
		c.sendCore(models.NewClearRequest(models.CauseEquipmentFailure))
		return
	}
	c.stats.NewMessage(false, int64(len(payload)), c.deps.Sched.Now())
	monitoring.DtapTotal.WithLabelValues("mt").Inc()
}

func (c *Conn) cacheDtap(payload []byte) {
	if len(c.dtapCache) >= DtapCacheLen {
		c.log.Warnf("DTAP cache full during handover, dropping %d bytes", len(payload))
		c.stats.NumDropped++
		return
	}
	c.dtapCache = append(c.dtapCache, payload)
	c.stats.NumCached++
}

func (c *Conn) flushDtapCache(send bool) {
	for _, payload := range c.dtapCache {
		if send {
			c.submitDtap(payload)
		} else {
			c.stats.NumDropped++
		}
	}
	c.dtapCache = nil
}

func (c *Conn) sendCore(msg models.BssapMessage) error {
	if !c.coreOpen {
		c.log.Errorf("no MSC connection, cannot send %s", msg)
		return errors.Wrapf(ErrNoCoreConnection, "%s", c.id)
	}
	c.log.Debugf("tx %s", msg)
	if err := c.deps.Core.Send(c.id, msg); err != nil {
		c.log.Errorf("sending %s failed: %v", msg, err)
		return err
	}
	return nil
}

// terminate releases everything the connection holds, exactly once.
func (c *Conn) terminate(reason string) {
	if c.state == StateTerminated {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.tossMgw()

	if c.ho != nil {
		c.log.Debug("releasing handover state")
		if c.deps.Logic != nil {
			c.deps.Logic.End(c.ho, handover.ResultConnRelease)
		}
		c.ho = nil
	}
	c.releaseRadio()
	if c.coreOpen {
		c.log.Debug("disconnecting MSC connection")
		c.deps.Core.Disconnect(c.id)
		c.coreOpen = false
	}
	c.flushDtapCache(false)
	c.decision.Penalties.Clear()

	c.stateGauge(c.state).Dec()
	c.gen++
	c.state = StateTerminated
	c.log.Infof("terminated: %s", reason)
	if c.onTerminate != nil {
		c.onTerminate(c)
	}
}
