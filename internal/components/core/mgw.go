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
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/giuliocarot0/gitc"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

type MgwConfig struct {
	RtpSubnet    string  `yaml:"rtpSubnet" json:"rtpSubnet"`
	RtpPortMin   uint16  `yaml:"rtpPortMin" json:"rtpPortMin"`
	RtpPortMax   uint16  `yaml:"rtpPortMax" json:"rtpPortMax"`
	FailureRatio float64 `yaml:"failureRatio" json:"failureRatio"`
}

func DefaultMgwConfig() MgwConfig {
	return MgwConfig{
		RtpSubnet:  "172.20.0.0/28",
		RtpPortMin: 16000,
		RtpPortMax: 16999,
	}
}

// MgwConnection is one MGCP connection on an rtpbridge endpoint.
type MgwConnection struct {
	Handle     models.MgwHandle `json:"handle"`
	ConnId     models.ConnID    `json:"connId"`
	Leg        string           `json:"leg"`
	CallId     string           `json:"callId"`
	Endpoint   string           `json:"endpoint"`
	LocalAddr  string           `json:"localAddr"`
	LocalPort  uint16           `json:"localPort"`
	RemoteAddr string           `json:"remoteAddr,omitempty"`
	RemotePort uint16           `json:"remotePort,omitempty"`
}

type MgwStatus struct {
	Endpoints   int             `json:"endpoints"`
	FreeRtp     int             `json:"freeRtp"`
	Connections []MgwConnection `json:"connections"`
}

// Mgw answers CRCX, MDCX and DLCX like an osmo-mgw style media gateway.
type Mgw struct {
	MgwId string
	cfg   MgwConfig
	send  models.SendFunc
	rtp   *utils.RtpAllocator

	mu        sync.Mutex
	conns     map[models.MgwHandle]*MgwConnection
	endpoints map[string]int
}

func NewMgw(cfg MgwConfig, send models.SendFunc) (*Mgw, error) {
	subnet, mask, found := strings.Cut(cfg.RtpSubnet, "/")
	if !found {
		return nil, errors.Errorf("RTP subnet %q is not in CIDR notation", cfg.RtpSubnet)
	}
	rtp, err := utils.NewRtpAllocator(subnet, mask, cfg.RtpPortMin, cfg.RtpPortMax)
	if err != nil {
		return nil, errors.Wrap(err, "MGW RTP pool")
	}
	return &Mgw{
		MgwId:     "MGW-" + subnet,
		cfg:       cfg,
		send:      send,
		rtp:       rtp,
		conns:     make(map[models.MgwHandle]*MgwConnection),
		endpoints: make(map[string]int),
	}, nil
}

func (mgw *Mgw) InitMgw() error {
	logger.MgwLog.Infof("[%s] started", mgw.MgwId)
	err := gitc.StartTask(models.MgwTask, mgw.HandleMessage, 1024)
	return errors.Wrapf(err, "[%s] could not start MGW task", mgw.MgwId)
}

func (mgw *Mgw) HandleMessage(msg gitc.Message) {
	switch msg.Type {
	case models.BscToMgwType:
		mgw.handleBscToMgw(msg.Payload.(*models.BscToMgwMsg))
	}
}

func (mgw *Mgw) handleBscToMgw(msg *models.BscToMgwMsg) {
	mgw.mu.Lock()
	defer mgw.mu.Unlock()

	resp := &models.MgwToBscMsg{Verb: msg.Verb, ConnId: msg.ConnId, Leg: msg.Leg, Handle: msg.Handle}
	switch msg.Verb {
	case models.MgcpCrcx:
		resp.Peer, resp.Ok = mgw.crcx(msg)
	case models.MgcpMdcx:
		resp.Peer, resp.Ok = mgw.mdcx(msg)
	case models.MgcpDlcx:
		resp.Ok = mgw.dlcx(msg.Handle)
	default:
		logger.MgwLog.Warnf("[%s] unknown verb %s", mgw.MgwId, msg.Verb)
		return
	}
	if !resp.Ok {
		logger.MgwLog.Infof("[%s] %s %s for %s rejected", mgw.MgwId, msg.Verb, msg.Leg, msg.ConnId)
	}
	if err := mgw.send(models.MgwTask, models.BscTask, models.MgwToBscType, resp); err != nil {
		logger.MgwLog.Errorf("[%s] sending %s response: %v", mgw.MgwId, msg.Verb, err)
	}
}

func (mgw *Mgw) crcx(msg *models.BscToMgwMsg) (models.MgwPeer, bool) {
	if _, dup := mgw.conns[msg.Handle]; dup {
		return models.MgwPeer{}, false
	}
	if rand.Float64() < mgw.cfg.FailureRatio {
		return models.MgwPeer{}, false
	}
	addr, err := mgw.rtp.Allocate(string(msg.Handle))
	if err != nil {
		logger.MgwLog.Warnf("[%s] %v", mgw.MgwId, err)
		return models.MgwPeer{}, false
	}

	endpoint := msg.Peer.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "*") {
		endpoint = "rtpbridge/" + uuid.NewString()[:8] + "@mgw"
	}
	callId := msg.Peer.CallId
	if callId == "" {
		callId = uuid.NewString()
	}
	c := &MgwConnection{
		Handle:     msg.Handle,
		ConnId:     msg.ConnId,
		Leg:        msg.Leg.String(),
		CallId:     callId,
		Endpoint:   endpoint,
		LocalAddr:  addr.IP,
		LocalPort:  addr.Port,
		RemoteAddr: msg.Peer.Addr,
		RemotePort: msg.Peer.Port,
	}
	mgw.conns[msg.Handle] = c
	mgw.endpoints[endpoint]++
	logger.MgwLog.Debugf("[%s] CRCX %s leg %s on %s -> %s:%d", mgw.MgwId, msg.ConnId, c.Leg, endpoint, addr.IP, addr.Port)
	return c.local(), true
}

func (mgw *Mgw) mdcx(msg *models.BscToMgwMsg) (models.MgwPeer, bool) {
	c, ok := mgw.conns[msg.Handle]
	if !ok {
		return models.MgwPeer{}, false
	}
	c.RemoteAddr, c.RemotePort = msg.Peer.Addr, msg.Peer.Port
	return c.local(), true
}

func (mgw *Mgw) dlcx(h models.MgwHandle) bool {
	c, ok := mgw.conns[h]
	if !ok {
		return false
	}
	_ = mgw.rtp.Release(string(h))
	delete(mgw.conns, h)
	if mgw.endpoints[c.Endpoint]--; mgw.endpoints[c.Endpoint] <= 0 {
		delete(mgw.endpoints, c.Endpoint)
	}
	return true
}

func (c *MgwConnection) local() models.MgwPeer {
	return models.MgwPeer{CallId: c.CallId, Endpoint: c.Endpoint, Addr: c.LocalAddr, Port: c.LocalPort}
}

func (mgw *Mgw) Status() MgwStatus {
	mgw.mu.Lock()
	defer mgw.mu.Unlock()
	st := MgwStatus{
		Endpoints:   len(mgw.endpoints),
		FreeRtp:     mgw.rtp.Free(),
		Connections: make([]MgwConnection, 0, len(mgw.conns)),
	}
	for _, c := range mgw.conns {
		st.Connections = append(st.Connections, *c)
	}
	sort.Slice(st.Connections, func(i, j int) bool {
		return st.Connections[i].Handle < st.Connections[j].Handle
	})
	return st
}

// NORTHBOUND Definitions

func (mgw *Mgw) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(mgw.Status()); err != nil {
		http.Error(w, "could not encode response", http.StatusInternalServerError)
	}
}

func (mgw *Mgw) RegisterNorthboundAPIs(r *mux.Router) {
	r.HandleFunc("/bsc-mgw/v1/status", mgw.HandleGetStatus).Methods(http.MethodGet)
	logger.MgwLog.Infof("[%s] bsc-mgw has been registered", mgw.MgwId)
}
