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

package core

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giuliocarot0/gitc"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

type sent struct {
	to      string
	msgType gitc.MessageType
	payload any
}

type capture struct {
	mu   sync.Mutex
	msgs []sent
}

func (c *capture) send(from, to string, msgType gitc.MessageType, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, sent{to: to, msgType: msgType, payload: payload})
	return nil
}

func (c *capture) toBsc() []*models.MscToBscMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.MscToBscMsg
	for _, m := range c.msgs {
		if msg, ok := m.payload.(*models.MscToBscMsg); ok && m.to == models.BscTask {
			out = append(out, msg)
		}
	}
	return out
}

func (c *capture) kinds() []models.MscEventKind {
	var kinds []models.MscEventKind
	for _, m := range c.toBsc() {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

func testMscConfig(voice float64) MscConfig {
	cfg := DefaultMscConfig()
	cfg.VoiceRatio = voice
	cfg.CallDuration = 0
	return cfg
}

func newTestMsc(t *testing.T, voice float64) (*Msc, *capture) {
	c := &capture{}
	msc, err := NewMsc(testMscConfig(voice), c.send)
	require.NoError(t, err)
	return msc, c
}

func connRequest(msc *Msc, id models.ConnID, l3 []byte) {
	msc.handleBscToMsc(&models.BscToMscMsg{Kind: models.BscConnRequest, ConnId: id, Payload: l3})
}

func bssap(msc *Msc, id models.ConnID, m models.BssapMessage) {
	msc.handleBscToMsc(&models.BscToMscMsg{Kind: models.BscBssap, ConnId: id, Bssap: m})
}

var cmServiceRequest = []byte{0x05, 0x24, 0x11, 0x03, 0x57, 0x58, 0xa6}

func TestNewMscRejectsBadConfig(t *testing.T) {
	cfg := testMscConfig(1)
	cfg.ChanMode = "SPEECH_V9"
	_, err := NewMsc(cfg, (&capture{}).send)
	assert.Error(t, err)

	cfg = testMscConfig(1)
	cfg.Codecs = []string{"FR7"}
	_, err = NewMsc(cfg, (&capture{}).send)
	assert.Error(t, err)

	cfg = testMscConfig(1)
	cfg.AoipSubnet = "10.23.0.0"
	_, err = NewMsc(cfg, (&capture{}).send)
	assert.Error(t, err)
}

func TestVoiceCallSetup(t *testing.T) {
	msc, c := newTestMsc(t, 1)
	connRequest(msc, "c1", cmServiceRequest)

	msgs := c.toBsc()
	require.Len(t, msgs, 3)
	assert.Equal(t, models.MscConnConfirm, msgs[0].Kind)
	assert.Equal(t, models.MscDtap, msgs[1].Kind)
	assert.Equal(t, CmServiceAccept, msgs[1].Payload)

	ass := msgs[2]
	assert.Equal(t, models.MscAssignmentCommand, ass.Kind)
	assert.Equal(t, models.ModeSpeechAMR, ass.ChanMode)
	assert.True(t, ass.FullRate)
	assert.Equal(t, "10.23.0.1", ass.AoipAddr)
	assert.Equal(t, uint16(4000), ass.AoipPort)
	assert.Equal(t, []models.SpeechCodecType{models.CodecFR3, models.CodecHR3, models.CodecFR2, models.CodecFR1}, ass.Codecs)

	calls := msc.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Voice)
	assert.False(t, calls[0].Assigned)
}

func TestSignallingOnlyCall(t *testing.T) {
	msc, c := newTestMsc(t, 0)
	connRequest(msc, "c1", []byte{0x05, 0x08})

	assert.Equal(t, []models.MscEventKind{models.MscConnConfirm}, c.kinds())
	assert.False(t, msc.Calls()[0].Voice)
}

func TestAssignmentCompleteMarksCall(t *testing.T) {
	msc, _ := newTestMsc(t, 1)
	connRequest(msc, "c1", cmServiceRequest)
	bssap(msc, "c1", models.BssapMessage{
		Type:       models.BssapAssignmentComplete,
		Assignment: &models.AssignmentComplete{ChosenChannel: 0x98, HasSpeech: true, Codec: models.CodecFR3},
	})
	assert.True(t, msc.Calls()[0].Assigned)
}

func TestAssignmentFailureClears(t *testing.T) {
	msc, c := newTestMsc(t, 1)
	connRequest(msc, "c1", cmServiceRequest)
	bssap(msc, "c1", models.NewAssignmentFailure(models.CauseNoRadioResourceAvailable))

	msgs := c.toBsc()
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.MscClearCommand, last.Kind)
	assert.Equal(t, models.ConnID("c1"), last.ConnId)
	assert.True(t, msc.Calls()[0].Clearing)
}

func TestClearCommandSentOnce(t *testing.T) {
	msc, c := newTestMsc(t, 0)
	connRequest(msc, "c1", nil)
	bssap(msc, "c1", models.NewClearRequest(models.CauseRadioInterfaceFailure))
	bssap(msc, "c1", models.NewDtap([]byte{0x03, 0x25, 0x02, 0xe0, 0x90}))
	assert.True(t, msc.ClearCall("c1"))

	assert.Equal(t, []models.MscEventKind{models.MscConnConfirm, models.MscClearCommand}, c.kinds())
}

func TestClearCompleteReleasesAoip(t *testing.T) {
	msc, _ := newTestMsc(t, 1)
	free := msc.aoip.Free()
	connRequest(msc, "c1", cmServiceRequest)
	assert.Equal(t, free-1, msc.aoip.Free())

	bssap(msc, "c1", models.NewClearComplete())
	assert.Empty(t, msc.Calls())
	assert.Equal(t, free, msc.aoip.Free())
	assert.False(t, msc.ClearCall("c1"))
}

func TestDisconnectForgetsCall(t *testing.T) {
	msc, _ := newTestMsc(t, 1)
	connRequest(msc, "c1", cmServiceRequest)
	msc.handleBscToMsc(&models.BscToMscMsg{Kind: models.BscDisconnect, ConnId: "c1"})
	assert.Empty(t, msc.Calls())
}

func TestDtapHandling(t *testing.T) {
	msc, c := newTestMsc(t, 0)
	connRequest(msc, "c1", nil)

	bssap(msc, "c1", models.NewDtap([]byte{0x09, 0x01, 0x05}))
	msgs := c.toBsc()
	assert.Equal(t, models.MscDtap, msgs[len(msgs)-1].Kind)
	assert.Equal(t, CpAck, msgs[len(msgs)-1].Payload)

	bssap(msc, "c1", models.NewDtap([]byte{0x03, 0x25, 0x02, 0xe0, 0x90}))
	msgs = c.toBsc()
	assert.Equal(t, models.MscClearCommand, msgs[len(msgs)-1].Kind)
	assert.Equal(t, 2, msc.Calls()[0].NumMo)
}

func TestBssapForUnknownConnection(t *testing.T) {
	msc, c := newTestMsc(t, 1)
	bssap(msc, "ghost", models.NewClearRequest(models.CauseEquipmentFailure))
	assert.Empty(t, c.toBsc())
}

func TestCallDurationClears(t *testing.T) {
	c := &capture{}
	cfg := testMscConfig(0)
	cfg.CallDuration = time.Millisecond
	msc, err := NewMsc(cfg, c.send)
	require.NoError(t, err)

	connRequest(msc, "c1", nil)
	assert.Eventually(t, func() bool {
		kinds := c.kinds()
		return len(kinds) == 2 && kinds[1] == models.MscClearCommand
	}, time.Second, 5*time.Millisecond)
}

func TestMscNorthbound(t *testing.T) {
	msc, c := newTestMsc(t, 0)
	r := mux.NewRouter()
	msc.RegisterNorthboundAPIs(r)

	got := make(chan MscEventNotification, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n MscEventNotification
		if err := json.NewDecoder(r.Body).Decode(&n); err == nil {
			got <- n
		}
	}))
	defer srv.Close()

	body := `{"notifUri":"` + srv.URL + `","events":["CALL_ESTABLISHED"]}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bsc-msc/v1/subscriptions", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bsc-msc/v1/subscriptions", strings.NewReader(`{"events":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	connRequest(msc, "c1", nil)
	select {
	case n := <-got:
		assert.Equal(t, MscEventCallEstablished, n.Event)
		assert.Equal(t, models.ConnID("c1"), n.ConnId)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bsc-msc/v1/calls", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	raw, _ := io.ReadAll(rec.Body)
	var calls []Call
	require.NoError(t, json.Unmarshal(raw, &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, models.ConnID("c1"), calls[0].ConnId)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/bsc-msc/v1/calls/c1", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, models.MscClearCommand, c.toBsc()[1].Kind)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/bsc-msc/v1/calls/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
