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


// Package hodec2 is the handover decision engine number 2. It weighs the
// downlink level and quality of a connection against its neighbors and
// the free channel counts of every cell, and moves connections out of
// congested cells.
package hodec2

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/neighbor"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/observability"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

const ID = 2

// ActivNackPenalty keeps a cell out of reach after it refused a channel.
const ActivNackPenalty = 10 * time.Second

// Reason is what made the engine look for another channel.
type Reason int

const (
	ReasonInterference Reason = iota
	ReasonBadQuality
	ReasonLowRxlev
	ReasonMaxDistance
	ReasonBetterCell
	ReasonCongestion
)

var reasonNames = map[Reason]string{
	ReasonInterference: "interference (bad quality)",
	ReasonBadQuality:   "bad quality",
	ReasonLowRxlev:     "low rxlevel",
	ReasonMaxDistance:  "maximum allowed distance",
	ReasonBetterCell:   "better cell",
	ReasonCongestion:   "congestion",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Engine implements handover.Algorithm. All methods run on the BSC event
// loop.
type Engine struct {
	logic *handover.Logic
	net   *radio.Network
	sched utils.Scheduler

	congestionInterval int
	congestionTimer    utils.Timer
}

func New(logic *handover.Logic) *Engine {
	return &Engine{
		logic: logic,
		net:   logic.Network(),
		sched: logic.Scheduler(),
	}
}

// Register creates the engine, adds it to the registry of logic and arms
// the congestion check with the given interval in seconds.
func Register(logic *handover.Logic, congestionInterval int) (*Engine, error) {
	e := New(logic)
	if err := logic.Registry().Register(e); err != nil {
		return nil, err
	}
	e.SetCongestionCheckInterval(congestionInterval)
	return e, nil
}

func (e *Engine) ID() int { return ID }

func lchanLog(ch *radio.Channel) *logrus.Entry {
	return logger.HodecLog.WithField("lchan", ch.String())
}

func lchanToBtsLog(ch *radio.Channel, bts *radio.Bts) *logrus.Entry {
	return lchanLog(ch).WithField("target", bts.String())
}

// OnMeasurementReport evaluates the connection on ch after mr was stored.
func (e *Engine) OnMeasurementReport(ch *radio.Channel, mr *models.MeasRep) {
	if !ch.Type.IsTCH() {
		return
	}
	if n := len(mr.Cells); n > 0 && n <= models.MaxMeasRepCells {
		processMeasNeigh(ch, mr)
	}

	sub := e.logic.SubscriberOf(ch)
	if sub == nil {
		lchanLog(ch).Error("Skipping, No subscriber connection???")
		return
	}
	if sub.SecondaryChan() != 0 {
		lchanLog(ch).Info("Skipping, Initial Assignment is still ongoing")
		return
	}
	if sub.Handover() != nil {
		lchanLog(ch).Info("Skipping, Handover already triggered")
		return
	}

	bts := ch.Bts()
	cfg := bts.Ho
	avRxlev := ch.MeasRepAvg(rxlevField(cfg), cfg.RxlevAvgWin)
	avRxqual := ch.MeasRepAvg(rxqualField(cfg), cfg.RxqualAvgWin)
	if avRxlev < 0 && avRxqual < 0 {
		lchanLog(ch).Info("Skipping, Not enough recent measurements")
		return
	}

	if ch.Type == models.ChanTCHF && ch.Mode == models.ModeSpeechAMR {
		if avRxlev >= 0 && cfg.AfsBiasRxlev != 0 {
			imp := avRxlev + cfg.AfsBiasRxlev
			lchanLog(ch).Infof("Virtually improving RX level from %d to %d, due to AFS bias",
				models.RxlevToDbm(avRxlev), models.RxlevToDbm(imp))
			avRxlev = imp
		}
		if avRxqual >= 0 && cfg.AfsBiasRxqual != 0 {
			imp := avRxqual - cfg.AfsBiasRxqual
			if imp < 0 {
				imp = 0
			}
			lchanLog(ch).Infof("Virtually improving RX quality from %d to %d, due to AFS bias", avRxqual, imp)
			avRxqual = imp
		}
	}

	if avRxqual >= 0 && avRxqual > cfg.MinRxqual {
		reason := ReasonBadQuality
		if models.RxlevToDbm(avRxlev) > -85 {
			reason = ReasonInterference
		}
		e.findAlternative(ch, true, reason)
		return
	}

	if avRxlev >= 0 && models.RxlevToDbm(avRxlev) < cfg.MinRxlev {
		e.findAlternative(ch, true, ReasonLowRxlev)
		return
	}

	if ch.MeasRepCount > 0 && ch.RqdTa > cfg.MaxDistance {
		e.addPenalty(sub, bts.Nr, cfg.PenaltyMaxDist, "max-distance")
		e.findAlternative(ch, true, ReasonMaxDistance)
		return
	}

	if avRxlev >= 0 && int(mr.Nr)%cfg.PwrInterval == 0 {
		e.findAlternative(ch, false, ReasonBetterCell)
	}
}

func rxlevField(cfg *models.HandoverConfig) models.MeasRepField {
	if cfg.FullTdma {
		return models.DlRxlevFull
	}
	return models.DlRxlevSub
}

func rxqualField(cfg *models.HandoverConfig) models.MeasRepField {
	if cfg.FullTdma {
		return models.DlRxqualFull
	}
	return models.DlRxqualSub
}

// OnChanActivNack keeps the failed target cell out for a while.
func (e *Engine) OnChanActivNack(ho *handover.Handover) {
	sub := ho.Subscriber()
	if sub == nil {
		return
	}
	kind := "Assignment"
	if ho.InterCell {
		kind = "Handover"
	}
	logger.HodecLog.WithField("ho", ho.String()).
		Errorf("Channel Activate Nack for %s, starting penalty timer", kind)
	sub.DecisionState().Penalties.Add(ho.NewBtsNr, ActivNackPenalty)
	monitoring.PenaltiesTotal.WithLabelValues("chan-activ-nack").Inc()
}

// OnHandoverFailure counts the failure and, once the retries of the old
// cell are used up, penalizes the target cell.
func (e *Engine) OnHandoverFailure(ho *handover.Handover) {
	sub := ho.Subscriber()
	oldBts := e.net.BtsByNr(ho.OldBtsNr())
	entry := logger.HodecLog.WithField("ho", ho.String())
	if sub == nil || oldBts == nil {
		entry.Error("HO failure, but no conn")
		return
	}
	kind, reason := "Assignment", "failed-as"
	penalty := oldBts.Ho.PenaltyFailedAs
	if ho.InterCell {
		kind, reason = "Handover", "failed-ho"
		penalty = oldBts.Ho.PenaltyFailedHo
	}

	ds := sub.DecisionState()
	if ds.Failures >= oldBts.Ho.Retries {
		entry.Warnf("%s failed, starting penalty timer (%d s)", kind, penalty)
		ds.Failures = 0
		e.addPenalty(sub, ho.NewBtsNr, penalty, reason)
		return
	}
	ds.Failures++
	entry.Warnf("%s failed, allowing handover decision to try again (%d/%d attempts)",
		kind, ds.Failures, oldBts.Ho.Retries)
}

func (e *Engine) addPenalty(sub handover.Subscriber, btsNr, seconds int, reason string) {
	sub.DecisionState().Penalties.Add(btsNr, time.Duration(seconds)*time.Second)
	monitoring.PenaltiesTotal.WithLabelValues(reason).Inc()
}

// triggerHandoverOrAssignment picks the channel rate allowed by
// requirements and hands the decision to the handover logic.
func (e *Engine) triggerHandoverOrAssignment(ch *radio.Channel, newBts *radio.Bts, req requirement, reason Reason) error {
	cur := ch.Bts()
	afsBias := 0
	if ch.Mode == models.ModeSpeechAMR {
		afsBias = newBts.Ho.AfsBiasRxlev
	}

	fullRate := false
	switch ch.Type {
	case models.ChanTCHF:
		if req&reqTCHFMask != 0 {
			if cur == newBts {
				lchanLog(ch).Info("Not performing assignment: Already on target type")
				return nil
			}
			fullRate = true
			break
		}
		if req&reqTCHHMask == 0 {
			lchanToBtsLog(ch, newBts).Error("neither TCH/F nor TCH/H requested, aborting ho/as")
			return errNoChannelType
		}
	case models.ChanTCHH:
		if afsBias > 0 && req&reqTCHFMask != 0 {
			lchanLog(ch).Debug("[Improve AHS->AFS]")
			fullRate = true
			break
		}
		if req&reqTCHFMask != 0 && req&reqTCHHMask == 0 {
			fullRate = true
			break
		}
		if req&reqTCHHMask == 0 {
			lchanToBtsLog(ch, newBts).Error("neither TCH/F nor TCH/H requested, aborting ho/as")
			return errNoChannelType
		}
		if cur == newBts {
			lchanLog(ch).Info("Not performing assignment: Already on target type")
			return nil
		}
	default:
		lchanToBtsLog(ch, newBts).Error("lchan is neither TCH/F nor TCH/H, aborting ho/as")
		return errNoChannelType
	}

	newType := models.ChanTCHH
	if fullRate {
		newType = models.ChanTCHF
	}
	kind := "handover"
	if cur == newBts {
		kind = "assignment"
	}
	lchanToBtsLog(ch, newBts).Warnf("Triggering %s to %s, due to %s", kind, newType, reason)
	monitoring.HodecTriggersTotal.WithLabelValues(reason.String()).Inc()

	_, span := observability.Tracer().Start(context.Background(), "hodec2.trigger")
	span.SetAttributes(
		attribute.String("bsc.hodec.reason", reason.String()),
		attribute.String("bsc.hodec.kind", kind),
		attribute.Int("bsc.hodec.target_bts", newBts.Nr),
		attribute.String("bsc.hodec.new_type", newType.String()),
	)
	defer span.End()

	err := e.logic.HandoverToNeighborIdent(ID, ch, handover.BtsIdentKey(newBts), newType)
	if err != nil {
		span.RecordError(err)
		lchanToBtsLog(ch, newBts).Infof("%s not started: %v", kind, err)
	}
	return err
}

// findAlternative looks for a better channel for ch, first among cells
// that stay uncongested, then among cells that get no more congested than
// the current one and, with includeWeaker, among any cell that can serve
// the call.
func (e *Engine) findAlternative(ch *radio.Channel, includeWeaker bool, reason Reason) {
	bts := ch.Bts()
	if !bts.Ho.AsActive && !bts.Ho.HoActive {
		lchanLog(ch).Info("Skipping, Handover and Assignment both disabled in this cell")
		return
	}
	lchanLog(ch).Infof("Trying handover/assignment due to %s", reason)

	cands, avRxlev := e.collectCandidatesForLchan(ch, nil, includeWeaker)
	ahs := ch.Mode == models.ModeSpeechAMR && ch.Type == models.ChanTCHH

	tiers := []tier{{reqBMask, reqBTCHF}, {reqCMask, reqCTCHF}}
	if includeWeaker {
		tiers = append(tiers, tier{reqAMask, reqATCHF})
	}

	for _, t := range tiers {
		var best *candidate
		bestBetter := 0
		for i := range cands {
			c := &cands[i]
			if c.requirements&t.mask == 0 {
				continue
			}
			afsBias := 0
			if ahs && c.requirements&t.tchf != 0 {
				afsBias = c.bts.Ho.AfsBiasRxlev
			}
			better := c.avg - avRxlev + afsBias
			if (best == nil && includeWeaker) || better > bestBetter {
				best = c
				bestBetter = better
			}
		}
		if best != nil {
			lchanToBtsLog(ch, best.bts).Infof("Best candidate, RX level %d", models.RxlevToDbm(best.avg))
			_ = e.triggerHandoverOrAssignment(ch, best.bts, best.requirements&t.mask, reason)
			return
		}
	}

	if includeWeaker {
		lchanLog(ch).Info("No alternative lchan found")
	} else {
		lchanLog(ch).Info("No better/less congested neighbor cell found")
	}
}

// SetCongestionCheckInterval re-arms the periodic congestion check. An
// interval below one second disables it.
func (e *Engine) SetCongestionCheckInterval(seconds int) {
	if e.congestionTimer != nil {
		e.congestionTimer.Stop()
		e.congestionTimer = nil
	}
	e.congestionInterval = seconds
	if seconds < 1 {
		logger.HodecLog.Info("congestion check disabled")
		return
	}
	e.armCongestionTimer()
}

func (e *Engine) CongestionCheckInterval() int {
	return e.congestionInterval
}

func (e *Engine) armCongestionTimer() {
	e.congestionTimer = e.sched.AfterFunc(time.Duration(e.congestionInterval)*time.Second, func() {
		e.CongestionCheck()
		if e.congestionInterval >= 1 {
			e.armCongestionTimer()
		}
	})
}

// Stop cancels the congestion timer.
func (e *Engine) Stop() {
	if e.congestionTimer != nil {
		e.congestionTimer.Stop()
		e.congestionTimer = nil
	}
}

var _ handover.Algorithm = (*Engine)(nil)

// keyOf is the neighbor key an MS report refers to.
func keyOf(nm *radio.NeighMeas) neighbor.Key {
	return neighbor.Key{Arfcn: nm.Arfcn, BsicKind: neighbor.Bsic6Bit, Bsic: uint16(nm.Bsic)}
}
