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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/conn"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

func newTestMgw(t *testing.T, cfg MgwConfig) (*Mgw, *capture) {
	c := &capture{}
	mgw, err := NewMgw(cfg, c.send)
	require.NoError(t, err)
	return mgw, c
}

func (c *capture) lastMgw(t *testing.T) *models.MgwToBscMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.msgs)
	m := c.msgs[len(c.msgs)-1]
	assert.Equal(t, models.BscTask, m.to)
	assert.Equal(t, models.MgwToBscType, m.msgType)
	return m.payload.(*models.MgwToBscMsg)
}

func crcx(mgw *Mgw, h models.MgwHandle, leg models.MgwLeg, endpoint string) {
	mgw.handleBscToMgw(&models.BscToMgwMsg{
		Verb:   models.MgcpCrcx,
		ConnId: "c1",
		Leg:    leg,
		Handle: h,
		Peer:   models.MgwPeer{Endpoint: endpoint, Addr: "172.16.0.1", Port: 16408},
	})
}

func TestCrcxAllocatesEndpointAndRtp(t *testing.T) {
	mgw, c := newTestMgw(t, DefaultMgwConfig())

	crcx(mgw, "h1", models.MgwLegBts, conn.MgwEndpointWildcard)
	resp := c.lastMgw(t)
	require.True(t, resp.Ok)
	assert.Equal(t, models.MgcpCrcx, resp.Verb)
	assert.Equal(t, models.MgwHandle("h1"), resp.Handle)
	assert.Equal(t, models.MgwLegBts, resp.Leg)
	assert.Regexp(t, `^rtpbridge/[0-9a-f]{8}@mgw$`, resp.Peer.Endpoint)
	assert.NotEmpty(t, resp.Peer.CallId)
	assert.Equal(t, "172.20.0.1", resp.Peer.Addr)
	assert.Equal(t, uint16(16000), resp.Peer.Port)

	// the second leg joins the endpoint the first one got
	crcx(mgw, "h2", models.MgwLegMsc, resp.Peer.Endpoint)
	resp2 := c.lastMgw(t)
	require.True(t, resp2.Ok)
	assert.Equal(t, resp.Peer.Endpoint, resp2.Peer.Endpoint)
	assert.NotEqual(t, resp.Peer.Port, resp2.Peer.Port)

	st := mgw.Status()
	assert.Equal(t, 1, st.Endpoints)
	assert.Len(t, st.Connections, 2)
}

func TestCrcxDuplicateHandleRejected(t *testing.T) {
	mgw, c := newTestMgw(t, DefaultMgwConfig())
	crcx(mgw, "h1", models.MgwLegBts, "")
	crcx(mgw, "h1", models.MgwLegBts, "")
	assert.False(t, c.lastMgw(t).Ok)
}

func TestCrcxFailureRatio(t *testing.T) {
	cfg := DefaultMgwConfig()
	cfg.FailureRatio = 1
	mgw, c := newTestMgw(t, cfg)
	crcx(mgw, "h1", models.MgwLegBts, "")
	assert.False(t, c.lastMgw(t).Ok)
	assert.Empty(t, mgw.Status().Connections)
}

func TestMdcx(t *testing.T) {
	mgw, c := newTestMgw(t, DefaultMgwConfig())
	crcx(mgw, "h1", models.MgwLegBts, "")
	local := c.lastMgw(t).Peer

	mgw.handleBscToMgw(&models.BscToMgwMsg{Verb: models.MgcpMdcx, ConnId: "c1", Handle: "h1",
		Peer: models.MgwPeer{Addr: "172.16.1.1", Port: 16480}})
	resp := c.lastMgw(t)
	assert.True(t, resp.Ok)
	assert.Equal(t, local, resp.Peer)
	assert.Equal(t, "172.16.1.1", mgw.Status().Connections[0].RemoteAddr)

	mgw.handleBscToMgw(&models.BscToMgwMsg{Verb: models.MgcpMdcx, ConnId: "c1", Handle: "nope"})
	assert.False(t, c.lastMgw(t).Ok)
}

func TestDlcxReleases(t *testing.T) {
	mgw, c := newTestMgw(t, DefaultMgwConfig())
	free := mgw.Status().FreeRtp
	crcx(mgw, "h1", models.MgwLegBts, "")

	mgw.handleBscToMgw(&models.BscToMgwMsg{Verb: models.MgcpDlcx, ConnId: "c1", Handle: "h1"})
	assert.True(t, c.lastMgw(t).Ok)
	st := mgw.Status()
	assert.Equal(t, free, st.FreeRtp)
	assert.Zero(t, st.Endpoints)
	assert.Empty(t, st.Connections)

	mgw.handleBscToMgw(&models.BscToMgwMsg{Verb: models.MgcpDlcx, ConnId: "c1", Handle: "h1"})
	assert.False(t, c.lastMgw(t).Ok)
}

func TestMgwNorthbound(t *testing.T) {
	mgw, _ := newTestMgw(t, DefaultMgwConfig())
	crcx(mgw, "h1", models.MgwLegBts, "")
	r := mux.NewRouter()
	mgw.RegisterNorthboundAPIs(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bsc-mgw/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st MgwStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 1, st.Endpoints)
	require.Len(t, st.Connections, 1)
	assert.Equal(t, "BTS", st.Connections[0].Leg)
}
