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


package hodec2

import (
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

// Congestion check outcomes, also used as metric labels.
const (
	CongestionSkipped    = "skipped"
	CongestionNone       = "not-congested"
	CongestionSolved     = "solved"
	CongestionReduced    = "reduced"
	CongestionUnresolved = "unresolved"
)

// CongestionCheck checks every BTS of the network once.
func (e *Engine) CongestionCheck() map[int]string {
	outcomes := make(map[int]string)
	for _, bts := range e.net.Bts() {
		outcome := e.btsCongestionCheck(bts)
		outcomes[bts.Nr] = outcome
		monitoring.CongestionChecksTotal.WithLabelValues(monitoring.BtsLabel(bts.Nr), outcome).Inc()
	}
	e.net.UpdateFreeSlotMetrics()
	return outcomes
}

func (e *Engine) btsCongestionCheck(bts *radio.Bts) string {
	log := logger.HodecLog.WithField("bts", bts.Nr)
	if !radio.IsTrxUsable(bts.C0()) {
		log.Debug("No congestion check: TRX 0 not usable")
		return CongestionSkipped
	}
	if !bts.Ho.AsActive && !bts.Ho.HoActive {
		log.Debug("No congestion check: Assignment and Handover both disabled")
		return CongestionSkipped
	}
	minF, minH := bts.Ho.TchfMinSlots, bts.Ho.TchhMinSlots
	if minF == 0 && minH == 0 {
		log.Debug("No congestion check: no minimum for free TCH/F nor TCH/H set")
		return CongestionSkipped
	}

	tchf := e.net.FreeSlotCount(bts, models.PchanTCHF)
	tchh := e.net.FreeSlotCount(bts, models.PchanTCHH)
	log.Infof("Congestion check: (free/want-free) TCH/F=%d/%d TCH/H=%d/%d", tchf, minF, tchh, minH)
	if tchf >= minF && tchh >= minH {
		log.Debug("Not congested")
		return CongestionNone
	}
	log.Debug("Attempting to resolve congestion...")
	return e.resolveCongestion(bts, minF-tchf, minH-tchh)
}

// resolveCongestion moves at most one connection away from bts. Moving
// changes the requirements of every other candidate, so further moves wait
// for the next check.
func (e *Engine) resolveCongestion(bts *radio.Bts, tchfCong, tchhCong int) string {
	if tchfCong < 0 {
		tchfCong = 0
	}
	if tchhCong < 0 {
		tchhCong = 0
	}
	log := logger.HodecLog.WithField("bts", bts.Nr)
	log.Infof("congested: %d TCH/F and %d TCH/H should be moved", tchfCong, tchhCong)

	var cands []candidate
	bts.ForEachChannel(func(ch *radio.Channel) bool {
		if !radio.IsTsUsable(ch.Ts()) || ch.State() != radio.ChanActive {
			return true
		}
		// dynamic timeslots in PDCH mode carry no calls
		switch ch.Ts().PchanIs {
		case models.PchanTCHF:
			if ch.Type != models.ChanTCHF {
				return true
			}
		case models.PchanTCHH:
			if ch.Type != models.ChanTCHH {
				return true
			}
		default:
			return true
		}
		sub := e.logic.SubscriberOf(ch)
		if sub == nil || sub.SecondaryChan() != 0 || sub.Handover() != nil {
			return true
		}
		cands, _ = e.collectCandidatesForLchan(ch, cands, true)
		return true
	})

	if len(cands) == 0 {
		log.Debug("No neighbor cells qualify to solve congestion")
		return e.congestionResult(bts, tchfCong, tchhCong, false)
	}
	for i, c := range cands {
		log.Debugf("#%d: %s -> bts %d req=0x%x avg-rxlev=%d", i, c.ch, c.bts.Nr, uint8(c.requirements), c.avg)
	}

	tiers := []tier{{reqBMask, reqBTCHF}, {reqCMask, reqCTCHF}}
	for _, t := range tiers {
		if best := bestCongestionCandidate(cands, t, tchfCong, tchhCong); best != nil {
			lchanLog(best.ch).Infof("Best candidate BTS %d (RX level %d) found", best.bts.Nr, models.RxlevToDbm(best.avg))
			_ = e.triggerHandoverOrAssignment(best.ch, best.bts, best.requirements&t.mask, ReasonCongestion)
			return e.congestionResult(bts, tchfCong, tchhCong, true)
		}
		if tchhCong > 0 {
			if worst := worstAhsToAfsCandidate(cands, t); worst != nil {
				lchanLog(worst.ch).Infof("Worst candidate for assignment (RX level %d) from TCH/H -> TCH/F found",
					models.RxlevToDbm(worst.avg))
				_ = e.triggerHandoverOrAssignment(worst.ch, worst.bts, worst.requirements&t.mask, ReasonCongestion)
				return e.congestionResult(bts, tchfCong, tchhCong, true)
			}
		}
	}
	return e.congestionResult(bts, tchfCong, tchhCong, false)
}

func isAhsToAfs(c *candidate, t tier) bool {
	return c.ch.Bts() == c.bts && c.ch.Type == models.ChanTCHH && c.requirements&t.tchf != 0
}

// bestCongestionCandidate picks the strongest candidate that relieves a
// congested rate, leaving out AHS to AFS assignments.
func bestCongestionCandidate(cands []candidate, t tier, tchfCong, tchhCong int) *candidate {
	var best *candidate
	bestAvg := 0
	for i := range cands {
		c := &cands[i]
		if c.requirements&t.mask == 0 || isAhsToAfs(c, t) {
			continue
		}
		if c.ch.Type == models.ChanTCHF && tchfCong <= 0 {
			continue
		}
		if c.ch.Type == models.ChanTCHH && tchhCong <= 0 {
			continue
		}
		avg := c.avg
		if c.ch.Mode == models.ModeSpeechAMR && c.ch.Type == models.ChanTCHH && c.requirements&t.tchf != 0 {
			avg += c.bts.Ho.AfsBiasRxlev
		}
		if avg > bestAvg {
			best, bestAvg = c, avg
		}
	}
	return best
}

// worstAhsToAfsCandidate picks the weakest half rate call that can move
// to full rate in its own cell.
func worstAhsToAfsCandidate(cands []candidate, t tier) *candidate {
	var worst *candidate
	worstAvg := 999
	for i := range cands {
		c := &cands[i]
		if c.requirements&t.mask == 0 || !isAhsToAfs(c, t) {
			continue
		}
		avg := c.avg
		if c.ch.Mode == models.ModeSpeechAMR {
			avg += c.bts.Ho.AfsBiasRxlev
		}
		if avg < worstAvg {
			worst, worstAvg = c, avg
		}
	}
	return worst
}

func (e *Engine) congestionResult(bts *radio.Bts, tchfCong, tchhCong int, moved bool) string {
	log := logger.HodecLog.WithField("bts", bts.Nr)
	switch {
	case tchfCong <= 0 && tchhCong <= 0:
		log.Infof("Congestion at BTS %d solved!", bts.Nr)
		return CongestionSolved
	case moved:
		log.Infof("Congestion at BTS %d reduced!", bts.Nr)
		return CongestionReduced
	default:
		log.Infof("Congestion at BTS %d can't be reduced/solved!", bts.Nr)
		return CongestionUnresolved
	}
}
