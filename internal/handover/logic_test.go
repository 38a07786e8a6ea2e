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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/neighbor"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

type fakeLink struct {
	activated []radio.ChanHandle
	released  []radio.ChanHandle
	pdch      []radio.ChanHandle
	purposes  []radio.ActivPurpose
}

func (f *fakeLink) ActivateChannel(ch *radio.Channel, purpose radio.ActivPurpose) error {
	f.activated = append(f.activated, ch.Handle())
	f.purposes = append(f.purposes, purpose)
	return nil
}

func (f *fakeLink) ReleaseChannel(ch *radio.Channel) {
	f.released = append(f.released, ch.Handle())
}

func (f *fakeLink) ModeModify(*radio.Channel, models.ChanMode) error { return nil }
func (f *fakeLink) SendDtap(*radio.Channel, []byte) error            { return nil }

func (f *fakeLink) ReleasePdch(ch *radio.Channel) error {
	f.pdch = append(f.pdch, ch.Handle())
	return nil
}

type fakeSub struct {
	id      models.ConnID
	ch      radio.ChanHandle
	ho      *Handover
	state   *DecisionState
	logic   *Logic
	results []Result
}

func (s *fakeSub) ID() models.ConnID                   { return s.id }
func (s *fakeSub) Chan() radio.ChanHandle              { return s.ch }
func (s *fakeSub) SecondaryChan() radio.ChanHandle     { return 0 }
func (s *fakeSub) Handover() *Handover                 { return s.ho }
func (s *fakeSub) DecisionState() *DecisionState       { return s.state }
func (s *fakeSub) CodecList() []models.SpeechCodecType { return nil }

func (s *fakeSub) RequestHandover(ho *Handover) error {
	s.ho = ho
	if err := s.logic.Start(ho); err != nil {
		s.ho = nil
		return err
	}
	return nil
}

func (s *fakeSub) HandoverEnded(ho *Handover, result Result) {
	if result == ResultOK {
		s.ch = ho.NewChan
	}
	s.ho = nil
	s.results = append(s.results, result)
}

type fakeSubs map[models.ConnID]*fakeSub

func (m fakeSubs) Subscriber(id models.ConnID) Subscriber {
	if s, ok := m[id]; ok {
		return s
	}
	return nil
}

type fakeAlg struct {
	id       int
	nacks    int
	failures int
	reports  int
}

func (a *fakeAlg) ID() int                                             { return a.id }
func (a *fakeAlg) OnMeasurementReport(*radio.Channel, *models.MeasRep) { a.reports++ }
func (a *fakeAlg) OnChanActivNack(*Handover)                           { a.nacks++ }
func (a *fakeAlg) OnHandoverFailure(*Handover)                         { a.failures++ }

type fixture struct {
	net   *radio.Network
	link  *fakeLink
	sched *utils.ManualScheduler
	logic *Logic
	subs  fakeSubs
	alg   *fakeAlg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	link := &fakeLink{}
	net, err := radio.NewNetwork([]radio.BtsConfig{
		{Nr: 0, Bsic: 10, Codec: radio.Codec{HR: true, AMR: true},
			Trx: []radio.TrxConfig{{Arfcn: 100, Timeslots: []string{"CCCH", "TCH/F", "TCH/F", "TCH/H"}}}},
		{Nr: 1, Bsic: 11, Codec: radio.Codec{HR: true, AMR: true},
			Trx: []radio.TrxConfig{{Arfcn: 200, Timeslots: []string{"CCCH", "TCH/F", "TCH/F_PDCH"}}}},
	}, link)
	require.NoError(t, err)

	f := &fixture{
		net:   net,
		link:  link,
		sched: utils.NewManualScheduler(time.Unix(1000, 0)),
		subs:  fakeSubs{},
		alg:   &fakeAlg{id: 2},
	}
	f.logic = NewLogic(net, neighbor.NewList(nil), f.subs, f.sched)
	require.NoError(t, f.logic.Registry().Register(f.alg))
	return f
}

// connect places a subscriber on an active channel of the given BTS.
func (f *fixture) connect(t *testing.T, id models.ConnID, btsNr int, typ models.ChanType) (*fakeSub, *radio.Channel) {
	t.Helper()
	ch, err := f.net.Allocate(btsNr, typ, id)
	require.NoError(t, err)
	require.NoError(t, f.net.Activate(ch.Handle(), radio.ActivAssignment))
	f.net.ActivAck(ch.Handle())
	ch.Mode = models.ModeSpeechAMR
	sub := &fakeSub{id: id, ch: ch.Handle(), state: NewDecisionState(f.sched.Now), logic: f.logic}
	f.subs[id] = sub
	return sub, ch
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAlg{id: 2}))
	require.NoError(t, r.Register(&fakeAlg{id: 3}))

	err := r.Register(&fakeAlg{id: 2})
	assert.Equal(t, ErrAlgorithmExists, errors.Cause(err))
	assert.Equal(t, []int{2, 3}, r.IDs())
	assert.NotNil(t, r.Get(3))
	assert.Nil(t, r.Get(1))
}

func TestScopeAndResultNames(t *testing.T) {
	assert.Equal(t, "Assignment", ScopeIntraCell.String())
	assert.Equal(t, "Handover", ScopeIntraBsc.String())
	assert.Equal(t, "scope 0x3", (ScopeIntraCell | ScopeIntraBsc).String())
	assert.Equal(t, "Failure (timeout)", ResultFailTimeout.String())
}

func TestBtsByNeighborIdent(t *testing.T) {
	f := newFixture(t)

	bts := f.logic.BtsByNeighborIdent(neighbor.Key{Arfcn: 200, BsicKind: neighbor.Bsic6Bit, Bsic: 11})
	require.NotNil(t, bts)
	assert.Equal(t, 1, bts.Nr)

	bts = f.logic.BtsByNeighborIdent(neighbor.Key{Arfcn: 100})
	require.NotNil(t, bts)
	assert.Equal(t, 0, bts.Nr)

	assert.Nil(t, f.logic.BtsByNeighborIdent(neighbor.Key{Arfcn: 200, BsicKind: neighbor.Bsic6Bit, Bsic: 12}))
	assert.Nil(t, f.logic.BtsByNeighborIdent(neighbor.Key{Arfcn: 300}))

	assert.Equal(t, neighbor.Key{Arfcn: 100, BsicKind: neighbor.Bsic6Bit, Bsic: 10}, BtsIdentKey(f.net.BtsByNr(0)))
}

func TestOnMeasurementReportRoutesToAlgorithm(t *testing.T) {
	f := newFixture(t)
	_, ch := f.connect(t, "c1", 0, models.ChanTCHF)

	require.NoError(t, f.logic.OnMeasurementReport(ch.Handle(), &models.MeasRep{Nr: 1}))
	assert.Equal(t, 1, f.alg.reports)
	assert.Equal(t, uint8(1), ch.MeasRepLastSeenNr)

	f.net.BtsByNr(0).Ho.Algorithm = 7
	require.NoError(t, f.logic.OnMeasurementReport(ch.Handle(), &models.MeasRep{Nr: 2}))
	assert.Equal(t, 1, f.alg.reports, "unregistered algorithm ignores the report")

	assert.Error(t, f.logic.OnMeasurementReport(999, &models.MeasRep{}))
}

func TestIntraBscHandoverCompletes(t *testing.T) {
	f := newFixture(t)
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	ch.MsPower = 7
	ch.RqdTa = 3

	key := BtsIdentKey(f.net.BtsByNr(1))
	require.NoError(t, f.logic.HandoverToNeighborIdent(2, ch, key, models.ChanTCHF))

	ho := sub.Handover()
	require.NotNil(t, ho)
	assert.Equal(t, ScopeIntraBsc, ho.Scope)
	assert.True(t, ho.InterCell)
	assert.Equal(t, 0, ho.OldBtsNr())
	assert.Equal(t, 1, f.logic.Count(f.net.BtsByNr(0), ScopeAll))
	assert.Equal(t, 0, f.logic.Count(f.net.BtsByNr(0), ScopeIntraCell))

	nc := f.net.Chan(ho.NewChan)
	require.NotNil(t, nc)
	assert.Equal(t, 1, nc.Bts().Nr)
	assert.Equal(t, uint8(7), nc.MsPower)
	assert.Equal(t, 3, nc.RqdTa)
	assert.Equal(t, models.ModeSpeechAMR, nc.Mode)
	assert.Equal(t, []radio.ActivPurpose{radio.ActivAssignment, radio.ActivHandover}, f.link.purposes)
	assert.Same(t, ho, f.logic.ByNewChan(ho.NewChan))

	err := f.logic.HandoverToNeighborIdent(2, ch, key, models.ChanTCHF)
	assert.Equal(t, ErrHandoverInProgress, errors.Cause(err))

	assert.True(t, f.logic.OnHandoverComplete(ho.NewChan))
	assert.Equal(t, []Result{ResultOK}, sub.results)
	assert.Equal(t, ho.NewChan, sub.Chan())
	assert.Nil(t, f.logic.ByNewChan(ho.NewChan))
	assert.Equal(t, 0, f.sched.Pending(), "T3103 stopped")
	assert.False(t, f.logic.OnHandoverComplete(ho.NewChan))
}

func TestIntraCellAssignmentScope(t *testing.T) {
	f := newFixture(t)
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)

	require.NoError(t, f.logic.HandoverToNeighborIdent(2, ch, BtsIdentKey(ch.Bts()), models.ChanTCHH))
	ho := sub.Handover()
	require.NotNil(t, ho)
	assert.Equal(t, ScopeIntraCell, ho.Scope)
	assert.False(t, ho.InterCell)
	assert.Equal(t, radio.ActivAssignment, f.link.purposes[len(f.link.purposes)-1])
}

func TestHandoverTimeout(t *testing.T) {
	f := newFixture(t)
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	require.NoError(t, f.logic.HandoverToNeighborIdent(2, ch, BtsIdentKey(f.net.BtsByNr(1)), models.ChanTCHF))
	ho := sub.Handover()
	require.NotNil(t, ho)

	f.sched.Advance(DefaultT3103 - time.Millisecond)
	assert.Empty(t, sub.results)

	f.sched.Advance(time.Millisecond)
	assert.Equal(t, []Result{ResultFailTimeout}, sub.results)
	assert.Equal(t, 1, f.alg.failures)
	assert.Nil(t, f.net.Chan(ho.NewChan), "target channel released")
	assert.Contains(t, f.link.released, ho.NewChan)
	assert.Equal(t, ch.Handle(), sub.Chan())
}

func TestHandoverFailureAndNack(t *testing.T) {
	f := newFixture(t)
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	key := BtsIdentKey(f.net.BtsByNr(1))

	require.NoError(t, f.logic.HandoverToNeighborIdent(2, ch, key, models.ChanTCHF))
	assert.True(t, f.logic.OnHandoverFailure(sub.Handover().NewChan))
	assert.Equal(t, 1, f.alg.failures)

	require.NoError(t, f.logic.HandoverToNeighborIdent(2, ch, key, models.ChanTCHF))
	assert.True(t, f.logic.OnChanActivNack(sub.Handover().NewChan))
	assert.Equal(t, 1, f.alg.nacks)

	assert.Equal(t, []Result{ResultFailRRHoFail, ResultError}, sub.results)
	assert.Equal(t, 0, f.sched.Pending())
	assert.False(t, f.logic.OnChanActivNack(12345))
}

func TestHandoverWaitsForPdchRelease(t *testing.T) {
	f := newFixture(t)
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	other, _ := f.connect(t, "c2", 1, models.ChanTCHF)
	require.NotNil(t, other)

	require.NoError(t, f.logic.HandoverToNeighborIdent(2, ch, BtsIdentKey(f.net.BtsByNr(1)), models.ChanTCHF))
	ho := sub.Handover()
	require.NotNil(t, ho)
	assert.Equal(t, []radio.ChanHandle{ho.NewChan}, f.link.pdch)
	assert.NotContains(t, f.link.activated, ho.NewChan)

	assert.True(t, f.logic.OnPdchReleased(ho.NewChan))
	assert.Contains(t, f.link.activated, ho.NewChan)
	assert.False(t, f.net.Chan(ho.NewChan).NeedsPdchRelease)
}

func TestHandoverNoChannel(t *testing.T) {
	f := newFixture(t)
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	f.connect(t, "c2", 1, models.ChanTCHF)
	f.connect(t, "c3", 1, models.ChanTCHF)

	err := f.logic.HandoverToNeighborIdent(2, ch, BtsIdentKey(f.net.BtsByNr(1)), models.ChanTCHF)
	assert.Equal(t, radio.ErrNoChannel, errors.Cause(err))
	assert.Nil(t, sub.Handover())
}

func TestHandoverToRemoteBss(t *testing.T) {
	f := newFixture(t)
	_, ch := f.connect(t, "c1", 0, models.ChanTCHF)

	remote := neighbor.Key{Arfcn: 500, BsicKind: neighbor.Bsic6Bit, Bsic: 1}
	err := f.logic.HandoverToNeighborIdent(2, ch, remote, models.ChanTCHF)
	assert.Equal(t, ErrUnknownNeighbor, errors.Cause(err))

	_, err = f.logic.NeighborBss().Add(context.Background(), remote,
		&models.CellIdList{Kind: models.CellIdLacAndCi, Ids: []models.CellIdentifier{{Lac: 1, Ci: 2}}})
	require.NoError(t, err)
	err = f.logic.HandoverToNeighborIdent(2, ch, remote, models.ChanTCHF)
	assert.Equal(t, ErrInterBscNotImplemented, errors.Cause(err))
}

func TestEndWithoutNotify(t *testing.T) {
	f := newFixture(t)
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	require.NoError(t, f.logic.HandoverToNeighborIdent(2, ch, BtsIdentKey(f.net.BtsByNr(1)), models.ChanTCHF))
	ho := sub.Handover()

	f.logic.End(ho, ResultConnRelease)
	assert.Empty(t, sub.results)
	assert.Nil(t, f.net.Chan(ho.NewChan))
	f.sched.Advance(time.Minute)
	assert.Empty(t, sub.results)
}
