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
	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

var errNoChannelType = errors.New("no channel type requested")

// requirement is a bit set of what a target cell can offer a connection.
// A: the call can be served at all. B: the target stays uncongested after
// the move. C: the target ends up no more congested than the source.
type requirement uint8

const (
	reqATCHF requirement = 0x01
	reqATCHH requirement = 0x02
	reqBTCHF requirement = 0x04
	reqBTCHH requirement = 0x08
	reqCTCHF requirement = 0x10
	reqCTCHH requirement = 0x20

	reqAMask    = reqATCHF | reqATCHH
	reqBMask    = reqBTCHF | reqBTCHH
	reqCMask    = reqCTCHF | reqCTCHH
	reqTCHFMask = reqATCHF | reqBTCHF | reqCTCHF
	reqTCHHMask = reqATCHH | reqBTCHH | reqCTCHH
)

type tier struct {
	mask requirement
	tchf requirement
}

type candidate struct {
	ch           *radio.Channel
	bts          *radio.Bts
	requirements requirement
	avg          int
}

// codecSupported reports whether the MSC allowed codec. A connection
// without a codec list accepts every codec.
func codecSupported(sub handover.Subscriber, codec models.SpeechCodecType) bool {
	list := sub.CodecList()
	if list == nil {
		return true
	}
	for _, c := range list {
		if c == codec {
			return true
		}
	}
	return false
}

// checkRequirements tells which requirements bts fulfills for moving the
// call on ch. Zero means bts is no candidate.
func (e *Engine) checkRequirements(ch *radio.Channel, bts *radio.Bts, sub handover.Subscriber) requirement {
	cur := ch.Bts()
	log := lchanToBtsLog(ch, bts)

	if cur == bts {
		if !bts.Ho.AsActive {
			log.Debug("Assignment disabled")
			return 0
		}
	} else if !bts.Ho.HoActive {
		log.Debug("not a candidate, handover is disabled in target BTS")
		return 0
	}

	if left := sub.DecisionState().Penalties.Remaining(bts.Nr); left > 0 {
		log.Debugf("not a candidate, target BTS still in penalty time (%d seconds left)", left)
		return 0
	}

	var req requirement
	switch ch.Mode {
	case models.ModeSpeechV1:
		switch ch.Type {
		case models.ChanTCHF:
			req |= reqATCHF
		case models.ChanTCHH:
			if bts.Codec.HR && codecSupported(sub, models.CodecHR1) {
				req |= reqATCHH
			}
		default:
			log.Errorf("Unexpected channel type: neither TCH/F nor TCH/H for %s", ch.Mode)
			return 0
		}
	case models.ModeSpeechEFR:
		if bts.Codec.EFR && codecSupported(sub, models.CodecFR2) {
			req |= reqATCHF
		}
	case models.ModeSpeechAMR:
		if bts.Codec.AMR {
			if codecSupported(sub, models.CodecFR3) {
				req |= reqATCHF
			}
			if codecSupported(sub, models.CodecHR3) {
				req |= reqATCHH
			}
		}
	default:
		log.Debug("Not even considering: src is not a SPEECH mode lchan")
		return 0
	}
	if req == 0 {
		log.Debug("not a candidate, because codec of MS and BTS are incompatible")
		return 0
	}

	tchfCount := e.net.FreeSlotCount(bts, models.PchanTCHF)
	tchhCount := e.net.FreeSlotCount(bts, models.PchanTCHH)
	if tchfCount == 0 {
		req &^= reqATCHF
	}
	if tchhCount == 0 {
		req &^= reqATCHH
	}
	if req == 0 {
		log.Debug("not a candidate, because no suitable slots available")
		return 0
	}

	if cur == bts {
		switch ch.Type {
		case models.ChanTCHF:
			req &^= reqATCHF
		case models.ChanTCHH:
			req &^= reqATCHH
		}
		if req == 0 {
			log.Debug("Reassignment within cell not an option, no differing channel types available")
			return 0
		}
	}

	if cur != bts && e.logic.Count(bts, handover.ScopeAll) >= bts.Ho.HoMax {
		log.Debugf("not a candidate, number of allowed handovers (%d) would be exceeded", bts.Ho.HoMax)
		return 0
	}

	if req&reqATCHF != 0 && tchfCount-1 >= bts.Ho.TchfMinSlots {
		req |= reqBTCHF
	}
	if req&reqATCHH != 0 && tchhCount-1 >= bts.Ho.TchhMinSlots {
		req |= reqBTCHH
	}

	srcPchan := models.PchanTCHF
	if ch.Type == models.ChanTCHH {
		srcPchan = models.PchanTCHH
	}
	srcFree := e.net.FreeSlotCount(cur, srcPchan)
	if req&reqATCHF != 0 && tchfCount-1 >= srcFree+1 {
		req |= reqCTCHF
	}
	if req&reqATCHH != 0 && tchhCount-1 >= srcFree+1 {
		req |= reqCTCHH
	}

	log.Debugf("requirements=0x%x", uint8(req))
	return req
}

// collectCandidatesForLchan appends the assignment candidate and the
// neighbor candidates of ch to cands. It also returns the averaged rxlev
// of ch, or -1 when there are not enough reports yet.
func (e *Engine) collectCandidatesForLchan(ch *radio.Channel, cands []candidate, includeWeaker bool) ([]candidate, int) {
	bts := ch.Bts()
	avRxlev := ch.MeasRepAvg(rxlevField(bts.Ho), bts.Ho.RxlevAvgWin)
	if avRxlev < 0 {
		lchanLog(ch).Debugf("Not collecting candidates, not enough measurements (got %d, want %d)",
			ch.MeasRepCount, bts.Ho.RxlevAvgWin)
		return cands, avRxlev
	}
	sub := e.logic.SubscriberOf(ch)
	if sub == nil {
		return cands, avRxlev
	}

	if bts.Ho.AsActive {
		cands = append(cands, candidate{
			ch:           ch,
			bts:          bts,
			requirements: e.checkRequirements(ch, bts, sub),
			avg:          avRxlev,
		})
	}
	if bts.Ho.HoActive {
		for i := range ch.Neigh {
			if c, ok := e.handoverCandidate(ch, sub, &ch.Neigh[i], avRxlev, includeWeaker); ok {
				cands = append(cands, c)
			}
		}
	}
	return cands, avRxlev
}

func (e *Engine) handoverCandidate(ch *radio.Channel, sub handover.Subscriber, nm *radio.NeighMeas,
	avRxlev int, includeWeaker bool) (candidate, bool) {
	if !nm.InUse() {
		return candidate{}, false
	}
	log := lchanLog(ch)
	if nm.LastSeenNr != ch.MeasRepLastSeenNr {
		log.Debugf("neighbor ARFCN %d BSIC %d measurement report is old (last seen %d, current %d)",
			nm.Arfcn, nm.Bsic, nm.LastSeenNr, ch.MeasRepLastSeenNr)
		return candidate{}, false
	}

	bts := ch.Bts()
	key := keyOf(nm)
	nbts := e.logic.BtsByNeighborIdent(key)
	if nbts == nil {
		if e.logic.NeighborBss().Get(key) != nil {
			log.Errorf("neighbor %s does not belong to this BSS, would handover to neighbor BSS"+
				" but inter-BSC handover for handover algorithm 2 not implemented!", key)
			return candidate{}, false
		}
		log.Debugf("neighbor %s does not belong to this network", key)
		return candidate{}, false
	}
	if nbts == bts {
		log.Error("Configuration error: this BTS appears as its own neighbor")
		return candidate{}, false
	}

	avg := nm.Avg(bts.Ho.RxlevNeighAvgWin)
	if !includeWeaker && avg <= avRxlev+bts.Ho.PwrHysteresis {
		log.Debugf("BTS %d is not a candidate, because RX level (%d) is lower or equal than"+
			" current RX level (%d) + hysteresis (%d)",
			nbts.Nr, models.RxlevToDbm(avg), models.RxlevToDbm(avRxlev), bts.Ho.PwrHysteresis)
		return candidate{}, false
	}
	if models.RxlevToDbm(avg) < nbts.Ho.MinRxlev {
		log.Debugf("BTS %d is not a candidate, because RX level (%d) is lower than its minimum"+
			" required RX level (%d)", nbts.Nr, models.RxlevToDbm(avg), nbts.Ho.MinRxlev)
		return candidate{}, false
	}

	return candidate{
		ch:           ch,
		bts:          nbts,
		requirements: e.checkRequirements(ch, nbts, sub),
		avg:          avg,
	}, true
}

// processMeasNeigh folds the neighbor cells of mr into the per channel
// history. Known cells absent from mr get a zero sample. New cells take an
// unused slot or replace the weakest one.
func processMeasNeigh(ch *radio.Channel, mr *models.MeasRep) {
	for i := range ch.Neigh {
		nm := &ch.Neigh[i]
		if !nm.InUse() {
			continue
		}
		rxlev := 0
		if cell := mr.Cell(nm.Arfcn, nm.Bsic); cell != nil {
			rxlev = cell.Rxlev
			nm.LastSeenNr = mr.Nr
		}
		nm.Push(rxlev)
	}

	for _, cell := range mr.Cells {
		if findNeigh(ch, cell.Arfcn, cell.Bsic) != nil {
			continue
		}
		nm := unusedOrWorstNeigh(ch)
		*nm = radio.NeighMeas{Arfcn: cell.Arfcn, Bsic: cell.Bsic}
		nm.Push(cell.Rxlev)
		nm.LastSeenNr = mr.Nr
	}
}

func findNeigh(ch *radio.Channel, arfcn uint16, bsic uint8) *radio.NeighMeas {
	for i := range ch.Neigh {
		nm := &ch.Neigh[i]
		if nm.InUse() && nm.Arfcn == arfcn && nm.Bsic == bsic {
			return nm
		}
	}
	return nil
}

func unusedOrWorstNeigh(ch *radio.Channel) *radio.NeighMeas {
	var worst *radio.NeighMeas
	worstAvg := 0
	for i := range ch.Neigh {
		nm := &ch.Neigh[i]
		if !nm.InUse() {
			return nm
		}
		if avg := nm.Avg(radio.NeighMeasWindow); worst == nil || avg < worstAvg {
			worst, worstAvg = nm, avg
		}
	}
	return worst
}
