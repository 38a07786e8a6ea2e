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


package radio

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
)

var (
	ErrNoChannel      = errors.New("no free logical channel")
	ErrUnknownChannel = errors.New("unknown channel handle")
	ErrUnknownBts     = errors.New("unknown BTS")
)

// Link carries commands to the BTS and the MS. Results come back as
// events on the BSC loop.
type Link interface {
	ActivateChannel(ch *Channel, purpose ActivPurpose) error
	ReleaseChannel(ch *Channel)
	ModeModify(ch *Channel, mode models.ChanMode) error
	SendDtap(ch *Channel, payload []byte) error
	ReleasePdch(ch *Channel) error
}

// Network owns every BTS and every allocated logical channel. Channels are
// only reachable through their handle once released elsewhere.
type Network struct {
	bts    []*Bts
	byNr   map[int]*Bts
	chans  map[ChanHandle]*Channel
	nextCh ChanHandle
	link   Link
}

func NewNetwork(cfgs []BtsConfig, link Link) (*Network, error) {
	n := &Network{
		byNr:  make(map[int]*Bts),
		chans: make(map[ChanHandle]*Channel),
		link:  link,
	}
	for _, cfg := range cfgs {
		if _, dup := n.byNr[cfg.Nr]; dup {
			return nil, errors.Errorf("bts %d configured twice", cfg.Nr)
		}
		bts, err := newBts(cfg)
		if err != nil {
			return nil, err
		}
		n.bts = append(n.bts, bts)
		n.byNr[bts.Nr] = bts
	}
	sortBts(n.bts)
	return n, nil
}

// SetLink replaces the radio side; used when the link is created after the
// network.
func (n *Network) SetLink(link Link) {
	n.link = link
}

// Bts returns the BTS list ordered by number.
func (n *Network) Bts() []*Bts {
	return n.bts
}

func (n *Network) BtsByNr(nr int) *Bts {
	return n.byNr[nr]
}

// Chan resolves a handle. It returns nil for released channels.
func (n *Network) Chan(h ChanHandle) *Channel {
	if h == 0 {
		return nil
	}
	return n.chans[h]
}

func (n *Network) chanLog(ch *Channel) *logrus.Entry {
	return logger.RadioLog.WithField("lchan", ch.String())
}

// IsTrxUsable reports whether the carrier is administratively up.
func IsTrxUsable(trx *Trx) bool {
	return trx != nil && trx.Usable
}

// IsTsUsable reports whether the timeslot and its carrier are up.
func IsTsUsable(ts *Timeslot) bool {
	return ts != nil && ts.Usable && IsTrxUsable(ts.trx)
}

// FreeSlotCount returns how many more channels of the given rate could be
// allocated on bts, counting dynamic timeslots that could switch over.
func (n *Network) FreeSlotCount(bts *Bts, pchan models.Pchan) int {
	count := 0
	for _, trx := range bts.Trx {
		if !IsTrxUsable(trx) {
			continue
		}
		for _, ts := range trx.Ts {
			if !IsTsUsable(ts) {
				continue
			}
			inUse := ts.InUse()
			switch pchan {
			case models.PchanTCHF:
				switch ts.Pchan {
				case models.PchanTCHF, models.PchanTCHFPDCH, models.PchanTCHFTCHHPDCH:
					if inUse == 0 {
						count++
					}
				}
			case models.PchanTCHH:
				switch ts.Pchan {
				case models.PchanTCHH:
					count += 2 - inUse
				case models.PchanTCHFTCHHPDCH:
					if inUse == 0 {
						count += 2
					} else if ts.PchanIs == models.PchanTCHH {
						count += 2 - inUse
					}
				}
			}
		}
	}
	return count
}

// Allocate picks a free channel of type t on the BTS and binds it to
// owner. Static timeslots are preferred over dynamic ones.
func (n *Network) Allocate(btsNr int, t models.ChanType, owner models.ConnID) (*Channel, error) {
	bts := n.byNr[btsNr]
	if bts == nil {
		return nil, errors.Wrapf(ErrUnknownBts, "bts %d", btsNr)
	}
	ts, sub := n.findFree(bts, t)
	if ts == nil {
		logger.RadioLog.WithField("bts", btsNr).Infof("no free %s", t)
		return nil, errors.Wrapf(ErrNoChannel, "%s on bts %d", t, btsNr)
	}

	n.nextCh++
	ch := &Channel{
		handle: n.nextCh,
		ts:     ts,
		sub:    sub,
		state:  ChanAllocated,
		conn:   owner,
		Type:   t,
		Mode:   models.ModeSign,
	}
	if ts.Pchan.IsDynamic() && ts.InUse() == 0 {
		if ts.PchanIs == models.PchanPDCH {
			ch.NeedsPdchRelease = true
		}
		ts.PchanIs = models.PchanForChanType(t)
	}
	ts.lchans[sub] = ch
	n.chans[ch.handle] = ch

	monitoring.ChannelsAllocated.WithLabelValues(monitoring.BtsLabel(btsNr), t.String()).Inc()
	n.chanLog(ch).Debugf("allocated %s for %s", t, owner)
	return ch, nil
}

func (n *Network) findFree(bts *Bts, t models.ChanType) (*Timeslot, int) {
	var want []models.Pchan
	switch t {
	case models.ChanTCHF:
		want = []models.Pchan{models.PchanTCHF, models.PchanTCHFPDCH, models.PchanTCHFTCHHPDCH}
	case models.ChanTCHH:
		want = []models.Pchan{models.PchanTCHH, models.PchanTCHFTCHHPDCH}
	case models.ChanSDCCH:
		want = []models.Pchan{models.PchanSDCCH8}
	default:
		return nil, 0
	}

	target := models.PchanForChanType(t)
	for _, pchan := range want {
		for _, trx := range bts.Trx {
			if !IsTrxUsable(trx) {
				continue
			}
			for _, ts := range trx.Ts {
				if !IsTsUsable(ts) || ts.Pchan != pchan {
					continue
				}
				if pchan.IsDynamic() && ts.InUse() > 0 && ts.PchanIs != target {
					continue
				}
				for sub := 0; sub < pchanCapacity(target) && sub < len(ts.lchans); sub++ {
					if ts.lchans[sub] == nil {
						return ts, sub
					}
				}
			}
		}
	}
	return nil, 0
}

// Release frees the channel. The radio side is told to release it unless
// it never got past allocation.
func (n *Network) Release(h ChanHandle) {
	ch := n.chans[h]
	if ch == nil {
		return
	}
	if ch.state != ChanAllocated && n.link != nil {
		n.link.ReleaseChannel(ch)
	}
	delete(n.chans, h)

	ts := ch.ts
	ts.lchans[ch.sub] = nil
	if ts.Pchan.IsDynamic() && ts.InUse() == 0 {
		ts.PchanIs = models.PchanPDCH
	}
	monitoring.ChannelsAllocated.WithLabelValues(monitoring.BtsLabel(ch.Bts().Nr), ch.Type.String()).Dec()
	n.chanLog(ch).Debugf("released (%s)", ch.state)
}

// Activate requests channel activation from the BTS.
func (n *Network) Activate(h ChanHandle, purpose ActivPurpose) error {
	ch := n.chans[h]
	if ch == nil {
		return errors.Wrapf(ErrUnknownChannel, "activate %d", h)
	}
	if n.link == nil {
		return errors.New("no radio link")
	}
	ch.state = ChanActReq
	if err := n.link.ActivateChannel(ch, purpose); err != nil {
		ch.state = ChanAllocated
		return errors.Wrapf(err, "activate %s", ch)
	}
	return nil
}

// ActivAck marks the channel active. It returns the channel or nil when the
// handle is stale.
func (n *Network) ActivAck(h ChanHandle) *Channel {
	ch := n.chans[h]
	if ch == nil {
		return nil
	}
	ch.state = ChanActive
	return ch
}

// ActivNack drops the activation request. The owner decides about release.
func (n *Network) ActivNack(h ChanHandle) *Channel {
	ch := n.chans[h]
	if ch == nil {
		return nil
	}
	ch.state = ChanAllocated
	return ch
}

// ReleasePdch asks the PCU side to vacate the dynamic timeslot of h.
func (n *Network) ReleasePdch(h ChanHandle) error {
	ch := n.chans[h]
	if ch == nil {
		return errors.Wrapf(ErrUnknownChannel, "pdch release %d", h)
	}
	return n.link.ReleasePdch(ch)
}

// PdchReleased records that the timeslot of h no longer runs PDCH.
func (n *Network) PdchReleased(h ChanHandle) {
	if ch := n.chans[h]; ch != nil {
		ch.NeedsPdchRelease = false
	}
}

func (n *Network) ModeModify(h ChanHandle, mode models.ChanMode) error {
	ch := n.chans[h]
	if ch == nil {
		return errors.Wrapf(ErrUnknownChannel, "mode modify %d", h)
	}
	return n.link.ModeModify(ch, mode)
}

func (n *Network) SendDtap(h ChanHandle, payload []byte) error {
	ch := n.chans[h]
	if ch == nil {
		return errors.Wrapf(ErrUnknownChannel, "dtap %d", h)
	}
	return n.link.SendDtap(ch, payload)
}

// AddMeasRep stores a measurement report for h and returns the channel.
func (n *Network) AddMeasRep(h ChanHandle, mr *models.MeasRep) (*Channel, error) {
	ch := n.chans[h]
	if ch == nil {
		return nil, errors.Wrapf(ErrUnknownChannel, "meas rep %d", h)
	}
	ch.addMeasRep(mr)
	monitoring.MeasReportsTotal.Inc()
	return ch, nil
}

// UpdateFreeSlotMetrics publishes the current free slot counts.
func (n *Network) UpdateFreeSlotMetrics() {
	for _, bts := range n.bts {
		label := monitoring.BtsLabel(bts.Nr)
		monitoring.FreeSlots.WithLabelValues(label, "TCH/F").Set(float64(n.FreeSlotCount(bts, models.PchanTCHF)))
		monitoring.FreeSlots.WithLabelValues(label, "TCH/H").Set(float64(n.FreeSlotCount(bts, models.PchanTCHH)))
	}
}
