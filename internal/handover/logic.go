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


package handover

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/neighbor"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/observability"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

const DefaultT3103 = 5 * time.Second

// Logic executes handovers decided by the registered algorithms.
type Logic struct {
	net *radio.Network
	// neighborBss lists cells of other BSS, keyed by ARFCN and BSIC.
	neighborBss *neighbor.List
	subs        Subscribers
	registry    *Registry
	sched       utils.Scheduler

	T3103 time.Duration

	byNewChan map[radio.ChanHandle]*Handover
}

func NewLogic(net *radio.Network, neighborBss *neighbor.List, subs Subscribers, sched utils.Scheduler) *Logic {
	if neighborBss == nil {
		neighborBss = neighbor.NewList(nil)
	}
	return &Logic{
		net:         net,
		neighborBss: neighborBss,
		subs:        subs,
		registry:    NewRegistry(),
		sched:       sched,
		T3103:       DefaultT3103,
		byNewChan:   make(map[radio.ChanHandle]*Handover),
	}
}

func (l *Logic) Registry() *Registry         { return l.registry }
func (l *Logic) Network() *radio.Network     { return l.net }
func (l *Logic) NeighborBss() *neighbor.List { return l.neighborBss }
func (l *Logic) Scheduler() utils.Scheduler  { return l.sched }
func (l *Logic) Subscribers() Subscribers    { return l.subs }

// SubscriberOf returns the connection owning the channel, or nil.
func (l *Logic) SubscriberOf(ch *radio.Channel) Subscriber {
	if ch == nil || ch.Conn() == "" || l.subs == nil {
		return nil
	}
	return l.subs.Subscriber(ch.Conn())
}

// OnMeasurementReport records mr and passes it to the algorithm configured
// for the BTS of the channel.
func (l *Logic) OnMeasurementReport(h radio.ChanHandle, mr *models.MeasRep) error {
	ch, err := l.net.AddMeasRep(h, mr)
	if err != nil {
		return err
	}
	id := ch.Bts().Ho.Algorithm
	alg := l.registry.Get(id)
	if alg == nil {
		logger.HoLog.WithField("lchan", ch.String()).Debugf("no handover algorithm %d registered", id)
		return nil
	}
	alg.OnMeasurementReport(ch, mr)
	return nil
}

// Count returns how many channels of bts belong to connections with a
// handover of one of the given scopes in progress.
func (l *Logic) Count(bts *radio.Bts, scopes Scope) int {
	count := 0
	bts.ForEachChannel(func(ch *radio.Channel) bool {
		if !radio.IsTsUsable(ch.Ts()) {
			return true
		}
		sub := l.SubscriberOf(ch)
		if sub == nil {
			return true
		}
		if ho := sub.Handover(); ho != nil && ho.Scope&scopes != 0 {
			count++
		}
		return true
	})
	return count
}

// BtsIdentKey is how a BTS of this network appears as a neighbor.
func BtsIdentKey(bts *radio.Bts) neighbor.Key {
	return neighbor.Key{Arfcn: bts.C0Arfcn(), BsicKind: neighbor.Bsic6Bit, Bsic: uint16(bts.Bsic)}
}

// BtsByNeighborIdent resolves a neighbor key to a local BTS. An exact match
// wins; when several BTS match exactly the first is used.
func (l *Logic) BtsByNeighborIdent(key neighbor.Key) *radio.Bts {
	var found, wildcard *radio.Bts
	for _, bts := range l.net.Bts() {
		entry := BtsIdentKey(bts)
		if neighbor.Match(entry, key, true) {
			if found != nil {
				logger.HoLog.Errorf("CONFIG ERROR: Multiple BTS match %s: %d and %d", key, found.Nr, bts.Nr)
				return found
			}
			found = bts
		}
		if neighbor.Match(entry, key, false) {
			wildcard = bts
		}
	}
	if found != nil {
		return found
	}
	return wildcard
}

// HandoverToNeighborIdent asks the connection on ch to move to the cell
// identified by key, on a channel of type newType.
func (l *Logic) HandoverToNeighborIdent(algID int, ch *radio.Channel, key neighbor.Key, newType models.ChanType) error {
	sub := l.SubscriberOf(ch)
	if sub == nil {
		return errors.Wrapf(ErrNoSubscriber, "%s", ch)
	}
	if sub.Handover() != nil {
		return errors.Wrapf(ErrHandoverInProgress, "%s", sub.ID())
	}

	bts := l.BtsByNeighborIdent(key)
	if bts == nil {
		if cil := l.neighborBss.Get(key); cil != nil {
			logger.HoLog.Errorf("%s: %s belongs to a remote BSS (%s), inter-BSC handover not implemented",
				ch, key, cil)
			return errors.Wrapf(ErrInterBscNotImplemented, "%s", key)
		}
		return errors.Wrapf(ErrUnknownNeighbor, "%s", key)
	}

	oldBts := ch.Bts()
	ho := &Handover{
		Scope:       ScopeIntraBsc,
		OldChan:     ch.Handle(),
		NewBtsNr:    bts.Nr,
		NewType:     newType,
		InterCell:   bts != oldBts,
		AlgorithmID: algID,
		sub:         sub,
		oldBtsNr:    oldBts.Nr,
	}
	if !ho.InterCell {
		ho.Scope = ScopeIntraCell
	}
	return sub.RequestHandover(ho)
}

func (l *Logic) hoLog(ho *Handover) *logrus.Entry {
	entry := logger.HoLog.WithField("ho", ho.String())
	if ho.sub != nil {
		entry = entry.WithField("conn", ho.sub.ID())
	}
	return entry
}

// Start allocates and activates the target channel. Called by the
// connection FSM once it accepted ho.
func (l *Logic) Start(ho *Handover) error {
	old := l.net.Chan(ho.OldChan)
	if old == nil {
		return errors.Wrapf(radio.ErrUnknownChannel, "old channel %d", ho.OldChan)
	}
	nc, err := l.net.Allocate(ho.NewBtsNr, ho.NewType, ho.sub.ID())
	if err != nil {
		return err
	}
	nc.Encr = old.Encr
	nc.MsPower = old.MsPower
	nc.BsPower = old.BsPower
	nc.RqdTa = old.RqdTa
	nc.Mode = old.Mode

	ho.NewChan = nc.Handle()
	ho.Started = l.sched.Now()
	l.byNewChan[ho.NewChan] = ho

	_, ho.span = observability.Tracer().Start(context.Background(), "handover")
	ho.span.SetAttributes(
		attribute.String("bsc.conn", string(ho.sub.ID())),
		attribute.String("bsc.ho.scope", ho.Scope.String()),
		attribute.Int("bsc.ho.old_bts", ho.oldBtsNr),
		attribute.Int("bsc.ho.new_bts", ho.NewBtsNr),
		attribute.String("bsc.ho.new_type", ho.NewType.String()),
	)

	ho.t3103 = l.sched.AfterFunc(l.T3103, func() { l.onT3103(ho) })
	l.hoLog(ho).Infof("starting, new lchan %s", nc)

	if nc.NeedsPdchRelease {
		if err := l.net.ReleasePdch(ho.NewChan); err != nil {
			l.end(ho, ResultError, false)
			return errors.Wrap(err, "release PDCH")
		}
		return nil
	}
	return l.activate(ho)
}

func (l *Logic) activate(ho *Handover) error {
	purpose := radio.ActivAssignment
	if ho.InterCell {
		purpose = radio.ActivHandover
	}
	if err := l.net.Activate(ho.NewChan, purpose); err != nil {
		l.end(ho, ResultError, false)
		return err
	}
	return nil
}

// ByNewChan returns the handover whose target channel is h.
func (l *Logic) ByNewChan(h radio.ChanHandle) *Handover {
	return l.byNewChan[h]
}

// OnPdchReleased continues a handover waiting for its dynamic timeslot.
func (l *Logic) OnPdchReleased(h radio.ChanHandle) bool {
	ho := l.byNewChan[h]
	if ho == nil {
		return false
	}
	l.net.PdchReleased(h)
	if err := l.activate(ho); err != nil {
		l.hoLog(ho).Errorf("activation after PDCH release failed: %v", err)
		ho.sub.HandoverEnded(ho, ResultError)
	}
	return true
}

// OnChanActivNack ends the handover on h after the BTS refused the channel.
func (l *Logic) OnChanActivNack(h radio.ChanHandle) bool {
	ho := l.byNewChan[h]
	if ho == nil {
		return false
	}
	l.net.ActivNack(h)
	l.hoLog(ho).Error("channel activation NACK")
	if alg := l.registry.Get(ho.AlgorithmID); alg != nil {
		alg.OnChanActivNack(ho)
	}
	l.end(ho, ResultError, true)
	return true
}

// OnHandoverComplete is called when the MS reached the new channel h.
func (l *Logic) OnHandoverComplete(h radio.ChanHandle) bool {
	ho := l.byNewChan[h]
	if ho == nil {
		return false
	}
	l.net.ActivAck(h)
	l.end(ho, ResultOK, true)
	return true
}

// OnHandoverFailure is called when the MS reported failure and went back
// to the old channel.
func (l *Logic) OnHandoverFailure(h radio.ChanHandle) bool {
	ho := l.byNewChan[h]
	if ho == nil {
		return false
	}
	if alg := l.registry.Get(ho.AlgorithmID); alg != nil {
		alg.OnHandoverFailure(ho)
	}
	l.end(ho, ResultFailRRHoFail, true)
	return true
}

func (l *Logic) onT3103(ho *Handover) {
	if ho.ended {
		return
	}
	l.hoLog(ho).Info("T3103 expired")
	if alg := l.registry.Get(ho.AlgorithmID); alg != nil {
		alg.OnHandoverFailure(ho)
	}
	l.end(ho, ResultFailTimeout, true)
}

// End finishes ho without telling the connection. Used by the connection
// itself when it gives up the handover.
func (l *Logic) End(ho *Handover, result Result) {
	l.end(ho, result, false)
}

func (l *Logic) end(ho *Handover, result Result, notify bool) {
	if ho.ended {
		return
	}
	ho.ended = true
	if ho.t3103 != nil {
		ho.t3103.Stop()
	}
	if ho.NewChan != 0 {
		delete(l.byNewChan, ho.NewChan)
		if result != ResultOK {
			l.net.Release(ho.NewChan)
		}
	}
	if ho.span != nil {
		ho.span.SetAttributes(attribute.String("bsc.ho.result", result.String()))
		if result != ResultOK {
			ho.span.SetStatus(codes.Error, result.String())
		}
		ho.span.End()
	}
	monitoring.HandoversTotal.WithLabelValues(ho.Scope.String(), result.String()).Inc()

	entry := l.hoLog(ho)
	if !ho.Started.IsZero() {
		entry = entry.WithField("duration", l.sched.Now().Sub(ho.Started))
	}
	if result == ResultOK {
		entry.Info(result.String())
	} else {
		entry.Warn(result.String())
	}

	if notify && ho.sub != nil {
		ho.sub.HandoverEnded(ho, result)
	}
}
