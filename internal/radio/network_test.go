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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

type fakeLink struct {
	activated []ChanHandle
	released  []ChanHandle
	pdch      []ChanHandle
	modes     map[ChanHandle]models.ChanMode
	dtap      [][]byte
	failActiv bool
}

func (f *fakeLink) ActivateChannel(ch *Channel, _ ActivPurpose) error {
	if f.failActiv {
		return errors.New("link down")
	}
	f.activated = append(f.activated, ch.Handle())
	return nil
}

func (f *fakeLink) ReleaseChannel(ch *Channel) {
	f.released = append(f.released, ch.Handle())
}

func (f *fakeLink) ModeModify(ch *Channel, mode models.ChanMode) error {
	if f.modes == nil {
		f.modes = make(map[ChanHandle]models.ChanMode)
	}
	f.modes[ch.Handle()] = mode
	return nil
}

func (f *fakeLink) SendDtap(_ *Channel, payload []byte) error {
	f.dtap = append(f.dtap, payload)
	return nil
}

func (f *fakeLink) ReleasePdch(ch *Channel) error {
	f.pdch = append(f.pdch, ch.Handle())
	return nil
}

func testNetwork(t *testing.T, timeslots ...string) (*Network, *fakeLink) {
	t.Helper()
	link := &fakeLink{}
	n, err := NewNetwork([]BtsConfig{{
		Nr:    0,
		Bsic:  10,
		Codec: Codec{HR: true, AMR: true},
		Trx:   []TrxConfig{{Arfcn: 100, Timeslots: timeslots}},
	}}, link)
	require.NoError(t, err)
	return n, link
}

func TestNewNetworkValidates(t *testing.T) {
	_, err := NewNetwork([]BtsConfig{{Nr: 1}}, nil)
	assert.Error(t, err)

	_, err = NewNetwork([]BtsConfig{{Nr: 1, Trx: []TrxConfig{{Timeslots: []string{"BOGUS"}}}}}, nil)
	assert.Error(t, err)

	cfg := BtsConfig{Nr: 1, Trx: []TrxConfig{{Timeslots: []string{"CCCH"}}}}
	_, err = NewNetwork([]BtsConfig{cfg, cfg}, nil)
	assert.Error(t, err)

	n, err := NewNetwork([]BtsConfig{{Nr: 2, Trx: []TrxConfig{{Arfcn: 5}}}, cfg}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n.Bts()[0].Nr)
	assert.Equal(t, uint16(5), n.BtsByNr(2).C0Arfcn())
	assert.NotNil(t, n.BtsByNr(2).Ho, "handover defaults are filled in")
}

func TestFreeSlotCountStatic(t *testing.T) {
	n, _ := testNetwork(t, "CCCH", "SDCCH8", "TCH/F", "TCH/F", "TCH/H", "TCH/H")
	bts := n.BtsByNr(0)
	assert.Equal(t, 2, n.FreeSlotCount(bts, models.PchanTCHF))
	assert.Equal(t, 4, n.FreeSlotCount(bts, models.PchanTCHH))

	_, err := n.Allocate(0, models.ChanTCHF, "c1")
	require.NoError(t, err)
	_, err = n.Allocate(0, models.ChanTCHH, "c2")
	require.NoError(t, err)
	assert.Equal(t, 1, n.FreeSlotCount(bts, models.PchanTCHF))
	assert.Equal(t, 3, n.FreeSlotCount(bts, models.PchanTCHH))
}

func TestFreeSlotCountDynamic(t *testing.T) {
	n, link := testNetwork(t, "CCCH", "TCH/F_TCH/H_PDCH", "TCH/F_PDCH")
	bts := n.BtsByNr(0)
	assert.Equal(t, 2, n.FreeSlotCount(bts, models.PchanTCHF))
	assert.Equal(t, 2, n.FreeSlotCount(bts, models.PchanTCHH))

	ch, err := n.Allocate(0, models.ChanTCHH, "c1")
	require.NoError(t, err)
	assert.True(t, ch.NeedsPdchRelease)
	assert.Equal(t, models.PchanTCHH, ch.Ts().PchanIs)
	assert.Equal(t, 1, n.FreeSlotCount(bts, models.PchanTCHF))
	assert.Equal(t, 1, n.FreeSlotCount(bts, models.PchanTCHH))

	second, err := n.Allocate(0, models.ChanTCHH, "c2")
	require.NoError(t, err)
	assert.Same(t, ch.Ts(), second.Ts())
	assert.False(t, second.NeedsPdchRelease)

	require.NoError(t, n.ReleasePdch(ch.Handle()))
	assert.Equal(t, []ChanHandle{ch.Handle()}, link.pdch)
	n.PdchReleased(ch.Handle())
	assert.False(t, ch.NeedsPdchRelease)

	n.Release(ch.Handle())
	n.Release(second.Handle())
	assert.Equal(t, models.PchanPDCH, ch.Ts().PchanIs)
	assert.Equal(t, 2, n.FreeSlotCount(bts, models.PchanTCHH))
}

func TestAllocatePrefersStatic(t *testing.T) {
	n, _ := testNetwork(t, "CCCH", "TCH/F_PDCH", "TCH/F")
	ch, err := n.Allocate(0, models.ChanTCHF, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, ch.Ts().Nr)
	assert.False(t, ch.NeedsPdchRelease)

	ch, err = n.Allocate(0, models.ChanTCHF, "c2")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Ts().Nr)
	assert.True(t, ch.NeedsPdchRelease)

	_, err = n.Allocate(0, models.ChanTCHF, "c3")
	assert.Equal(t, ErrNoChannel, errors.Cause(err))
	_, err = n.Allocate(7, models.ChanTCHF, "c3")
	assert.Equal(t, ErrUnknownBts, errors.Cause(err))
}

func TestUnusableTrxIsSkipped(t *testing.T) {
	n, err := NewNetwork([]BtsConfig{{
		Nr: 0,
		Trx: []TrxConfig{
			{Arfcn: 1, Timeslots: []string{"CCCH", "TCH/F"}},
			{Arfcn: 2, Disabled: true, Timeslots: []string{"TCH/F", "TCH/F"}},
		},
	}}, &fakeLink{})
	require.NoError(t, err)
	assert.Equal(t, 1, n.FreeSlotCount(n.BtsByNr(0), models.PchanTCHF))
}

func TestChannelLifecycle(t *testing.T) {
	n, link := testNetwork(t, "CCCH", "TCH/F")
	ch, err := n.Allocate(0, models.ChanTCHF, "c1")
	require.NoError(t, err)
	h := ch.Handle()
	assert.NotZero(t, h)
	assert.Equal(t, models.ConnID("c1"), ch.Conn())
	assert.Equal(t, "(bts=0,trx=0,ts=1,ss=0)", ch.String())

	require.NoError(t, n.Activate(h, ActivAssignment))
	assert.Equal(t, ChanActReq, ch.State())
	assert.Same(t, ch, n.ActivAck(h))
	assert.Equal(t, ChanActive, ch.State())

	require.NoError(t, n.ModeModify(h, models.ModeSpeechAMR))
	assert.Equal(t, models.ModeSpeechAMR, link.modes[h])

	n.Release(h)
	assert.Nil(t, n.Chan(h))
	assert.Equal(t, []ChanHandle{h}, link.released)
	n.Release(h)
	assert.Len(t, link.released, 1)

	again, err := n.Allocate(0, models.ChanTCHF, "c2")
	require.NoError(t, err)
	assert.NotEqual(t, h, again.Handle(), "handles are never reused")

	assert.Error(t, n.Activate(h, ActivAssignment))
	assert.Nil(t, n.ActivAck(h))
}

func TestActivateFailureKeepsAllocated(t *testing.T) {
	n, link := testNetwork(t, "CCCH", "TCH/F")
	link.failActiv = true
	ch, err := n.Allocate(0, models.ChanTCHF, "c1")
	require.NoError(t, err)
	assert.Error(t, n.Activate(ch.Handle(), ActivHandover))
	assert.Equal(t, ChanAllocated, ch.State())

	n.Release(ch.Handle())
	assert.Empty(t, link.released, "never activated, nothing to release on the radio side")
}

func TestBtsForEachChannel(t *testing.T) {
	n, _ := testNetwork(t, "CCCH", "TCH/F", "TCH/H")
	_, err := n.Allocate(0, models.ChanTCHH, "a")
	require.NoError(t, err)
	_, err = n.Allocate(0, models.ChanTCHF, "b")
	require.NoError(t, err)
	_, err = n.Allocate(0, models.ChanTCHH, "c")
	require.NoError(t, err)

	var owners []models.ConnID
	n.BtsByNr(0).ForEachChannel(func(ch *Channel) bool {
		owners = append(owners, ch.Conn())
		return true
	})
	assert.Equal(t, []models.ConnID{"b", "a", "c"}, owners)
}
