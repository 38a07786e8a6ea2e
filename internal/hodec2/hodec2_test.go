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
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/neighbor"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

type fakeLink struct{}

func (fakeLink) ActivateChannel(*radio.Channel, radio.ActivPurpose) error { return nil }
func (fakeLink) ReleaseChannel(*radio.Channel)                            {}
func (fakeLink) ModeModify(*radio.Channel, models.ChanMode) error         { return nil }
func (fakeLink) SendDtap(*radio.Channel, []byte) error                    { return nil }
func (fakeLink) ReleasePdch(*radio.Channel) error                         { return nil }

type fakeSub struct {
	id     models.ConnID
	ch     radio.ChanHandle
	ho     *handover.Handover
	state  *handover.DecisionState
	codecs []models.SpeechCodecType
	logic  *handover.Logic
}

func (s *fakeSub) ID() models.ConnID                      { return s.id }
func (s *fakeSub) Chan() radio.ChanHandle                 { return s.ch }
func (s *fakeSub) SecondaryChan() radio.ChanHandle        { return 0 }
func (s *fakeSub) Handover() *handover.Handover           { return s.ho }
func (s *fakeSub) DecisionState() *handover.DecisionState { return s.state }
func (s *fakeSub) CodecList() []models.SpeechCodecType    { return s.codecs }

func (s *fakeSub) RequestHandover(ho *handover.Handover) error {
	s.ho = ho
	if err := s.logic.Start(ho); err != nil {
		s.ho = nil
		return err
	}
	return nil
}

func (s *fakeSub) HandoverEnded(*handover.Handover, handover.Result) {
	s.ho = nil
}

type fakeSubs map[models.ConnID]*fakeSub

func (m fakeSubs) Subscriber(id models.ConnID) handover.Subscriber {
	if s, ok := m[id]; ok {
		return s
	}
	return nil
}

type fixture struct {
	net    *radio.Network
	sched  *utils.ManualScheduler
	logic  *handover.Logic
	engine *Engine
	subs   fakeSubs
}

// hoConfig returns the defaults with both assignment and handover enabled
// and an averaging window of one report.
func hoConfig(mod func(c *models.HandoverConfig)) *models.HandoverConfig {
	c := models.DefaultHandoverConfig()
	c.HoActive = true
	c.AsActive = true
	c.RxlevAvgWin = 1
	c.PwrInterval = 99
	if mod != nil {
		mod(c)
	}
	return c
}

func newFixture(t *testing.T, bts0 []string, cfg0 *models.HandoverConfig, bts1 []string, cfg1 *models.HandoverConfig) *fixture {
	t.Helper()
	net, err := radio.NewNetwork([]radio.BtsConfig{
		{Nr: 0, Bsic: 10, Codec: radio.Codec{HR: true, AMR: true}, Handover: cfg0,
			Trx: []radio.TrxConfig{{Arfcn: 100, Timeslots: append([]string{"CCCH"}, bts0...)}}},
		{Nr: 1, Bsic: 11, Codec: radio.Codec{HR: true, AMR: true}, Handover: cfg1,
			Trx: []radio.TrxConfig{{Arfcn: 200, Timeslots: append([]string{"CCCH"}, bts1...)}}},
	}, fakeLink{})
	require.NoError(t, err)

	f := &fixture{net: net, sched: utils.NewManualScheduler(time.Unix(5000, 0)), subs: fakeSubs{}}
	f.logic = handover.NewLogic(net, neighbor.NewList(nil), f.subs, f.sched)
	f.engine, err = Register(f.logic, 0)
	require.NoError(t, err)
	return f
}

func (f *fixture) connect(t *testing.T, id models.ConnID, btsNr int, typ models.ChanType) (*fakeSub, *radio.Channel) {
	t.Helper()
	ch, err := f.net.Allocate(btsNr, typ, id)
	require.NoError(t, err)
	require.NoError(t, f.net.Activate(ch.Handle(), radio.ActivAssignment))
	f.net.ActivAck(ch.Handle())
	ch.Mode = models.ModeSpeechAMR
	sub := &fakeSub{id: id, ch: ch.Handle(), state: handover.NewDecisionState(f.sched.Now), logic: f.logic}
	f.subs[id] = sub
	return sub, ch
}

func (f *fixture) report(t *testing.T, ch *radio.Channel, mr *models.MeasRep) {
	t.Helper()
	require.NoError(t, f.logic.OnMeasurementReport(ch.Handle(), mr))
}

// neighborOf1 is how bts 1 shows up in a report.
func neighborOf1(rxlev int) models.MeasRepCell {
	return models.MeasRepCell{Arfcn: 200, Bsic: 11, Rxlev: rxlev}
}

func rep(nr uint8, rxlev, rxqual int, cells ...models.MeasRepCell) *models.MeasRep {
	return &models.MeasRep{
		Nr:      nr,
		DlValid: true,
		Dl:      models.MeasRepLevels{RxlevFull: rxlev, RxlevSub: rxlev, RxqualFull: rxqual, RxqualSub: rxqual},
		Cells:   cells,
	}
}

func triggers(reason Reason) float64 {
	return testutil.ToFloat64(monitoring.HodecTriggersTotal.WithLabelValues(reason.String()))
}

func TestInterferenceVersusBadQuality(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F", "TCH/F", "TCH/H"}, hoConfig(nil),
		[]string{"TCH/F"}, hoConfig(nil))

	before := triggers(ReasonInterference)
	sub, ch := f.connect(t, "strong", 0, models.ChanTCHF)
	f.report(t, ch, rep(1, 40, 7))
	require.NotNil(t, sub.Handover(), "bad quality at -70 dBm triggers an intra-cell assignment")
	assert.Equal(t, handover.ScopeIntraCell, sub.Handover().Scope)
	assert.Equal(t, models.ChanTCHH, sub.Handover().NewType)
	assert.Equal(t, before+1, triggers(ReasonInterference))

	before = triggers(ReasonBadQuality)
	sub2, ch2 := f.connect(t, "weak", 0, models.ChanTCHF)
	f.report(t, ch2, rep(1, 20, 7))
	require.NotNil(t, sub2.Handover())
	assert.Equal(t, before+1, triggers(ReasonBadQuality))
}

func TestGoodLinkTriggersNothing(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F", "TCH/H"}, hoConfig(nil),
		[]string{"TCH/F"}, hoConfig(nil))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	f.report(t, ch, rep(1, 40, 0, neighborOf1(50)))
	assert.Nil(t, sub.Handover(), "better cell is only checked every pwr interval")
}

func TestBetterCellHandover(t *testing.T) {
	interval := func(c *models.HandoverConfig) { c.PwrInterval = 6 }
	f := newFixture(t,
		[]string{"TCH/F", "TCH/F"}, hoConfig(interval),
		[]string{"TCH/F"}, hoConfig(interval))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)

	f.report(t, ch, rep(5, 20, 0, neighborOf1(40)))
	assert.Nil(t, sub.Handover())

	f.report(t, ch, rep(6, 20, 0, neighborOf1(40)))
	ho := sub.Handover()
	require.NotNil(t, ho)
	assert.Equal(t, handover.ScopeIntraBsc, ho.Scope)
	assert.Equal(t, 1, ho.NewBtsNr)
	assert.Equal(t, models.ChanTCHF, ho.NewType)
	assert.Equal(t, ID, ho.AlgorithmID)
}

func TestHysteresisKeepsCall(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F"}, hoConfig(func(c *models.HandoverConfig) { c.PwrInterval = 1 }),
		[]string{"TCH/F"}, hoConfig(nil))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)

	f.report(t, ch, rep(1, 20, 0, neighborOf1(23)))
	assert.Nil(t, sub.Handover(), "neighbor within hysteresis")

	f.report(t, ch, rep(2, 20, 0, neighborOf1(24)))
	assert.Nil(t, sub.Handover(), "averaged neighbor level is still within hysteresis")

	f.report(t, ch, rep(3, 20, 0, neighborOf1(40)))
	assert.NotNil(t, sub.Handover())
}

func TestStaleNeighborIsIgnored(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F"}, hoConfig(nil),
		[]string{"TCH/F"}, hoConfig(nil))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)

	f.report(t, ch, rep(1, 30, 0, neighborOf1(40)))
	require.Nil(t, sub.Handover())

	// low level, but bts 1 is missing from this report
	f.report(t, ch, rep(2, 5, 0, models.MeasRepCell{Arfcn: 300, Bsic: 1, Rxlev: 10}))
	assert.Nil(t, sub.Handover())
	assert.Equal(t, uint8(1), ch.Neigh[0].LastSeenNr)

	f.report(t, ch, rep(3, 5, 0, neighborOf1(40)))
	require.NotNil(t, sub.Handover())
	assert.Equal(t, 1, sub.Handover().NewBtsNr)
}

func TestPenaltySuppressesTarget(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F"}, hoConfig(func(c *models.HandoverConfig) { c.PwrInterval = 1 }),
		[]string{"TCH/F"}, hoConfig(nil))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	sub.DecisionState().Penalties.Add(1, 30*time.Second)

	f.report(t, ch, rep(1, 20, 0, neighborOf1(40)))
	assert.Nil(t, sub.Handover())

	f.sched.Advance(30 * time.Second)
	f.report(t, ch, rep(2, 20, 0, neighborOf1(40)))
	require.NotNil(t, sub.Handover())
	assert.Equal(t, 1, sub.Handover().NewBtsNr)
}

func TestMaxDistancePenalizesOwnCell(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F", "TCH/H"}, hoConfig(func(c *models.HandoverConfig) { c.MaxDistance = 5 }),
		[]string{"TCH/F"}, hoConfig(nil))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)

	mr := rep(1, 30, 0, neighborOf1(15))
	mr.MsL1Ta = 10
	f.report(t, ch, mr)

	assert.Equal(t, 300, sub.DecisionState().Penalties.Remaining(0))
	ho := sub.Handover()
	require.NotNil(t, ho, "a weaker neighbor is accepted")
	assert.Equal(t, 1, ho.NewBtsNr)
}

func TestHoMaxLimitsTarget(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F"}, hoConfig(func(c *models.HandoverConfig) { c.PwrInterval = 1 }),
		[]string{"TCH/F", "TCH/F"}, hoConfig(func(c *models.HandoverConfig) { c.HoMax = 0 }))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	f.report(t, ch, rep(1, 20, 0, neighborOf1(50)))
	assert.Nil(t, sub.Handover())
}

func TestCodecListRestrictsRate(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F", "TCH/H"}, hoConfig(nil),
		[]string{"TCH/F"}, hoConfig(nil))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	sub.codecs = []models.SpeechCodecType{models.CodecFR3}

	f.report(t, ch, rep(1, 40, 7))
	assert.Nil(t, sub.Handover(), "no half rate AMR allowed and already on TCH/F")
}

func TestRequirementTiersAreNested(t *testing.T) {
	for minSlots := 0; minSlots < 4; minSlots++ {
		for calls := 0; calls < 3; calls++ {
			cfg := hoConfig(func(c *models.HandoverConfig) {
				c.TchfMinSlots = minSlots
				c.TchhMinSlots = minSlots
			})
			f := newFixture(t,
				[]string{"TCH/F", "TCH/H"}, hoConfig(nil),
				[]string{"TCH/F", "TCH/F", "TCH/H", "TCH/F_TCH/H_PDCH"}, cfg)
			sub, ch := f.connect(t, "c", 0, models.ChanTCHF)
			for i := 0; i < calls; i++ {
				f.connect(t, models.ConnID(fmt.Sprintf("n%d", i)), 1, models.ChanTCHF)
			}

			req := f.engine.checkRequirements(ch, f.net.BtsByNr(1), sub)
			a := req & reqAMask
			b := (req & reqBMask) >> 2
			c := (req & reqCMask) >> 4
			assert.Zero(t, b&^a, "B implies A (min %d, calls %d)", minSlots, calls)
			assert.Zero(t, c&^a, "C implies A (min %d, calls %d)", minSlots, calls)
		}
	}
}

func TestOnHandoverFailureRetries(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F"}, hoConfig(func(c *models.HandoverConfig) {
			c.PwrInterval = 1
			c.Retries = 1
			c.PenaltyFailedHo = 45
		}),
		[]string{"TCH/F"}, hoConfig(nil))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)

	f.report(t, ch, rep(1, 20, 0, neighborOf1(40)))
	require.NotNil(t, sub.Handover())
	assert.True(t, f.logic.OnHandoverFailure(sub.Handover().NewChan))
	assert.Equal(t, 1, sub.DecisionState().Failures)
	assert.Zero(t, sub.DecisionState().Penalties.Remaining(1))

	f.report(t, ch, rep(2, 20, 0, neighborOf1(40)))
	require.NotNil(t, sub.Handover())
	assert.True(t, f.logic.OnHandoverFailure(sub.Handover().NewChan))
	assert.Equal(t, 0, sub.DecisionState().Failures)
	assert.Equal(t, 45, sub.DecisionState().Penalties.Remaining(1))

	f.report(t, ch, rep(3, 20, 0, neighborOf1(40)))
	assert.Nil(t, sub.Handover(), "target penalized")
}

func TestChanActivNackPenalty(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F"}, hoConfig(func(c *models.HandoverConfig) { c.PwrInterval = 1 }),
		[]string{"TCH/F"}, hoConfig(nil))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)

	f.report(t, ch, rep(1, 20, 0, neighborOf1(40)))
	require.NotNil(t, sub.Handover())
	assert.True(t, f.logic.OnChanActivNack(sub.Handover().NewChan))
	assert.Nil(t, sub.Handover())
	assert.Equal(t, 10, sub.DecisionState().Penalties.Remaining(1))
}

func TestProcessMeasNeighReplacesWeakest(t *testing.T) {
	ch := &radio.Channel{}
	var cells []models.MeasRepCell
	for i := 0; i < 6; i++ {
		cells = append(cells, models.MeasRepCell{Arfcn: uint16(10 + i), Bsic: 1, Rxlev: 30 + i})
	}
	processMeasNeigh(ch, &models.MeasRep{Nr: 1, Cells: cells})

	cells = nil
	for i := 0; i < 4; i++ {
		cells = append(cells, models.MeasRepCell{Arfcn: uint16(20 + i), Bsic: 1, Rxlev: 40})
	}
	processMeasNeigh(ch, &models.MeasRep{Nr: 2, Cells: cells})

	// all ten slots used; cells of report 1 got a zero sample
	assert.Equal(t, 15, ch.Neigh[0].Avg(10))
	assert.Equal(t, uint8(1), ch.Neigh[0].LastSeenNr)
	assert.Equal(t, uint8(2), ch.Neigh[9].LastSeenNr)

	processMeasNeigh(ch, &models.MeasRep{Nr: 3, Cells: []models.MeasRepCell{{Arfcn: 99, Bsic: 2, Rxlev: 50}}})
	assert.Equal(t, uint16(99), ch.Neigh[0].Arfcn, "the first of the weakest slots is reused")
	assert.Equal(t, 1, ch.Neigh[0].RxlevCnt)
	assert.Equal(t, 50, ch.Neigh[0].Avg(10))
}

func TestCongestionResolution(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F", "TCH/F"}, hoConfig(func(c *models.HandoverConfig) { c.TchfMinSlots = 2 }),
		[]string{"TCH/F", "TCH/F", "TCH/F"}, hoConfig(nil))
	sub, ch := f.connect(t, "c1", 0, models.ChanTCHF)
	f.report(t, ch, rep(1, 30, 0, neighborOf1(25)))
	require.Nil(t, sub.Handover())

	out := f.engine.CongestionCheck()
	assert.Equal(t, CongestionReduced, out[0])
	assert.Equal(t, CongestionSkipped, out[1])
	ho := sub.Handover()
	require.NotNil(t, ho)
	assert.Equal(t, 1, ho.NewBtsNr)

	out = f.engine.CongestionCheck()
	assert.Equal(t, CongestionUnresolved, out[0])
	assert.Same(t, ho, sub.Handover(), "a connection in handover is not moved again")
}

func TestCongestionNotCongested(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F", "TCH/F"}, hoConfig(func(c *models.HandoverConfig) { c.TchfMinSlots = 1 }),
		[]string{"TCH/F"}, hoConfig(nil))
	f.connect(t, "c1", 0, models.ChanTCHF)
	assert.Equal(t, CongestionNone, f.engine.CongestionCheck()[0])
}

func TestCongestionTimer(t *testing.T) {
	f := newFixture(t,
		[]string{"TCH/F"}, hoConfig(func(c *models.HandoverConfig) { c.TchfMinSlots = 1 }),
		[]string{"TCH/F"}, hoConfig(nil))
	counter := monitoring.CongestionChecksTotal.WithLabelValues(monitoring.BtsLabel(0), CongestionNone)
	before := testutil.ToFloat64(counter)

	f.engine.SetCongestionCheckInterval(10)
	assert.Equal(t, 1, f.sched.Pending())
	f.sched.Advance(25 * time.Second)
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Equal(t, 1, f.sched.Pending(), "timer re-armed")

	f.engine.SetCongestionCheckInterval(0)
	assert.Equal(t, 0, f.sched.Pending())
	assert.Equal(t, 0, f.engine.CongestionCheckInterval())
}

func TestReasonNames(t *testing.T) {
	assert.Equal(t, "maximum allowed distance", ReasonMaxDistance.String())
	assert.Equal(t, "congestion", ReasonCongestion.String())
}
