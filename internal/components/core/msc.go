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
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/giuliocarot0/gitc"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

// Layer 3 answers of the simulated MSC.
var (
	CmServiceAccept = []byte{0x05, 0x21}
	CpAck           = []byte{0x09, 0x04}
)

const (
	pdCallControl = 0x03
	pdMobility    = 0x05
	pdSms         = 0x09

	ccDisconnect     = 0x25
	mmServiceRequest = 0x24
	cpData           = 0x01
)

type MscEventType string

const (
	MscEventCallEstablished    MscEventType = "CALL_ESTABLISHED"
	MscEventAssignmentComplete MscEventType = "ASSIGNMENT_COMPLETE"
	MscEventAssignmentFailure  MscEventType = "ASSIGNMENT_FAILURE"
	MscEventClearRequest       MscEventType = "CLEAR_REQUEST"
	MscEventCallCleared        MscEventType = "CALL_CLEARED"
)

type MscEventNotification struct {
	Event         MscEventType  `json:"event"`
	TimeStamp     time.Time     `json:"timeStamp"`
	ConnId        models.ConnID `json:"connId"`
	Cause         string        `json:"cause,omitempty"`
	ChosenChannel uint8         `json:"chosenChannel,omitempty"`
	Codec         string        `json:"codec,omitempty"`
	BssAoipAddr   string        `json:"bssAoipAddr,omitempty"`
	BssAoipPort   uint16        `json:"bssAoipPort,omitempty"`
}

type MscEventSubscription struct {
	NotifUri string         `json:"notifUri"`
	Events   []MscEventType `json:"events"`
}

type MscConfig struct {
	VoiceRatio   float64       `yaml:"voiceRatio" json:"voiceRatio"`
	ChanMode     string        `yaml:"chanMode" json:"chanMode"`
	FullRate     bool          `yaml:"fullRate" json:"fullRate"`
	Codecs       []string      `yaml:"codecs" json:"codecs"`
	CallDuration time.Duration `yaml:"callDuration" json:"callDuration"`
	AoipSubnet   string        `yaml:"aoipSubnet" json:"aoipSubnet"`
	AoipPortMin  uint16        `yaml:"aoipPortMin" json:"aoipPortMin"`
	AoipPortMax  uint16        `yaml:"aoipPortMax" json:"aoipPortMax"`
}

func DefaultMscConfig() MscConfig {
	return MscConfig{
		VoiceRatio:   0.8,
		ChanMode:     models.ModeSpeechAMR.String(),
		FullRate:     true,
		Codecs:       []string{"FR3", "HR3", "FR2", "FR1"},
		CallDuration: 30 * time.Second,
		AoipSubnet:   "10.23.0.0/24",
		AoipPortMin:  4000,
		AoipPortMax:  4999,
	}
}

// A Call is the MSC view of one A interface connection.
type Call struct {
	ConnId   models.ConnID `json:"connId"`
	Started  time.Time     `json:"started"`
	Voice    bool          `json:"voice"`
	Assigned bool          `json:"assigned"`
	Clearing bool          `json:"clearing"`
	NumMo    int           `json:"numMo"`
	AoipAddr string        `json:"aoipAddr,omitempty"`
	AoipPort uint16        `json:"aoipPort,omitempty"`

	timer *time.Timer
}

// Msc plays the core network side of the A interface.
type Msc struct {
	MscId  string
	cfg    MscConfig
	mode   models.ChanMode
	codecs []models.SpeechCodecType
	send   models.SendFunc
	aoip   *utils.RtpAllocator

	mu    sync.Mutex
	calls map[models.ConnID]*Call

	Subscriptions map[MscEventType][]string
	SubMutex      sync.RWMutex
}

func parseCodec(name string) (models.SpeechCodecType, bool) {
	for c := models.CodecFR1; c <= models.CodecHR3; c++ {
		if strings.EqualFold(c.String(), name) {
			return c, true
		}
	}
	return models.CodecFR1, false
}

func NewMsc(cfg MscConfig, send models.SendFunc) (*Msc, error) {
	mode, ok := models.ParseChanMode(cfg.ChanMode)
	if !ok {
		return nil, errors.Errorf("unknown channel mode %q", cfg.ChanMode)
	}
	var codecs []models.SpeechCodecType
	for _, name := range cfg.Codecs {
		c, ok := parseCodec(name)
		if !ok {
			return nil, errors.Errorf("unknown speech codec %q", name)
		}
		codecs = append(codecs, c)
	}
	subnet, mask, found := strings.Cut(cfg.AoipSubnet, "/")
	if !found {
		return nil, errors.Errorf("AoIP subnet %q is not in CIDR notation", cfg.AoipSubnet)
	}
	aoip, err := utils.NewRtpAllocator(subnet, mask, cfg.AoipPortMin, cfg.AoipPortMax)
	if err != nil {
		return nil, errors.Wrap(err, "MSC AoIP pool")
	}

	return &Msc{
		MscId:         "MSC-" + subnet,
		cfg:           cfg,
		mode:          mode,
		codecs:        codecs,
		send:          send,
		aoip:          aoip,
		calls:         make(map[models.ConnID]*Call),
		Subscriptions: make(map[MscEventType][]string),
	}, nil
}

func (msc *Msc) InitMsc() error {
	logger.MscLog.Infof("[%s] started", msc.MscId)
	err := gitc.StartTask(models.MscTask, msc.HandleMessage, 1024)
	return errors.Wrapf(err, "[%s] could not start MSC task", msc.MscId)
}

// HandleMessage is the MSC task body.
func (msc *Msc) HandleMessage(msg gitc.Message) {
	switch msg.Type {
	case models.BscToMscType:
		msc.handleBscToMsc(msg.Payload.(*models.BscToMscMsg))
	}
}

func (msc *Msc) toBsc(msg *models.MscToBscMsg) {
	if err := msc.send(models.MscTask, models.BscTask, models.MscToBscType, msg); err != nil {
		logger.MscLog.Errorf("[%s] sending to the BSC: %v", msc.MscId, err)
	}
}

func (msc *Msc) handleBscToMsc(msg *models.BscToMscMsg) {
	msc.mu.Lock()
	defer msc.mu.Unlock()

	switch msg.Kind {
	case models.BscConnRequest:
		msc.connRequest(msg)
	case models.BscBssap:
		msc.bssap(msg)
	case models.BscDisconnect:
		if call, ok := msc.calls[msg.ConnId]; ok {
			logger.MscLog.Infof("[%s] connection %s disconnected", msc.MscId, msg.ConnId)
			msc.forget(call)
		}
	}
}

func (msc *Msc) connRequest(msg *models.BscToMscMsg) {
	call := &Call{
		ConnId:  msg.ConnId,
		Started: time.Now(),
		Voice:   rand.Float64() < msc.cfg.VoiceRatio,
	}
	msc.calls[msg.ConnId] = call
	msc.toBsc(&models.MscToBscMsg{Kind: models.MscConnConfirm, ConnId: msg.ConnId})
	msc.notify(MscEventNotification{Event: MscEventCallEstablished, ConnId: msg.ConnId})

	if len(msg.Payload) >= 2 && msg.Payload[0]&0x0f == pdMobility && msg.Payload[1]&0x3f == mmServiceRequest {
		msc.toBsc(&models.MscToBscMsg{Kind: models.MscDtap, ConnId: msg.ConnId, Payload: CmServiceAccept})
	}

	if call.Voice {
		addr, err := msc.aoip.Allocate(string(msg.ConnId))
		if err != nil {
			logger.MscLog.Warnf("[%s] %s: %v, signalling only", msc.MscId, msg.ConnId, err)
			call.Voice = false
		} else {
			call.AoipAddr, call.AoipPort = addr.IP, addr.Port
			msc.toBsc(&models.MscToBscMsg{
				Kind:     models.MscAssignmentCommand,
				ConnId:   msg.ConnId,
				ChanMode: msc.mode,
				FullRate: msc.cfg.FullRate,
				AoipAddr: addr.IP,
				AoipPort: addr.Port,
				Codecs:   msc.codecs,
			})
		}
	}

	if msc.cfg.CallDuration > 0 {
		id := msg.ConnId
		call.timer = time.AfterFunc(msc.cfg.CallDuration, func() {
			msc.ClearCall(id)
		})
	}
	logger.MscLog.Infof("[%s] connection %s confirmed, voice %t", msc.MscId, msg.ConnId, call.Voice)
}

func (msc *Msc) bssap(msg *models.BscToMscMsg) {
	call, ok := msc.calls[msg.ConnId]
	if !ok {
		logger.MscLog.Warnf("[%s] %s for unknown connection %s", msc.MscId, msg.Bssap, msg.ConnId)
		return
	}

	switch msg.Bssap.Type {
	case models.BssapAssignmentComplete:
		call.Assigned = true
		n := MscEventNotification{Event: MscEventAssignmentComplete, ConnId: call.ConnId}
		if ac := msg.Bssap.Assignment; ac != nil {
			n.ChosenChannel = ac.ChosenChannel
			n.BssAoipAddr, n.BssAoipPort = ac.AoipLocalAddr, ac.AoipLocalPort
			if ac.HasSpeech {
				n.Codec = ac.Codec.String()
			}
		}
		msc.notify(n)

	case models.BssapAssignmentFailure:
		msc.notify(MscEventNotification{Event: MscEventAssignmentFailure, ConnId: call.ConnId, Cause: msg.Bssap.Cause.String()})
		msc.clear(call)

	case models.BssapClearRequest:
		msc.notify(MscEventNotification{Event: MscEventClearRequest, ConnId: call.ConnId, Cause: msg.Bssap.Cause.String()})
		msc.clear(call)

	case models.BssapClearComplete:
		logger.MscLog.Infof("[%s] connection %s cleared", msc.MscId, call.ConnId)
		msc.forget(call)

	case models.BssapDtap:
		call.NumMo++
		msc.dtap(call, msg.Bssap.Payload)
	}
}

func (msc *Msc) dtap(call *Call, l3 []byte) {
	if len(l3) < 2 {
		return
	}
	switch pd, mt := l3[0]&0x0f, l3[1]&0x3f; {
	case pd == pdCallControl && mt == ccDisconnect:
		logger.MscLog.Infof("[%s] %s: subscriber hung up", msc.MscId, call.ConnId)
		msc.clear(call)
	case pd == pdSms && mt == cpData:
		msc.toBsc(&models.MscToBscMsg{Kind: models.MscDtap, ConnId: call.ConnId, Payload: CpAck})
	}
}

// clear sends a single Clear Command per call.
func (msc *Msc) clear(call *Call) {
	if call.Clearing {
		return
	}
	call.Clearing = true
	if call.timer != nil {
		call.timer.Stop()
	}
	msc.toBsc(&models.MscToBscMsg{Kind: models.MscClearCommand, ConnId: call.ConnId})
}

func (msc *Msc) forget(call *Call) {
	if call.timer != nil {
		call.timer.Stop()
	}
	if call.AoipAddr != "" {
		_ = msc.aoip.Release(string(call.ConnId))
	}
	delete(msc.calls, call.ConnId)
	msc.notify(MscEventNotification{Event: MscEventCallCleared, ConnId: call.ConnId})
}

// ClearCall ends a call from the core network side.
func (msc *Msc) ClearCall(id models.ConnID) bool {
	msc.mu.Lock()
	defer msc.mu.Unlock()
	call, ok := msc.calls[id]
	if ok {
		msc.clear(call)
	}
	return ok
}

func (msc *Msc) Calls() []Call {
	msc.mu.Lock()
	defer msc.mu.Unlock()
	calls := make([]Call, 0, len(msc.calls))
	for _, c := range msc.calls {
		calls = append(calls, *c)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Started.Before(calls[j].Started) })
	return calls
}

func (msc *Msc) notify(n MscEventNotification) {
	msc.SubMutex.RLock()
	defer msc.SubMutex.RUnlock()

	urls := msc.Subscriptions[n.Event]
	if len(urls) == 0 {
		return
	}
	if n.TimeStamp.IsZero() {
		n.TimeStamp = time.Now()
	}
	callbackBody, err := json.Marshal(n)
	if err != nil {
		logger.MscLog.Errorf("[%s] error while marshalling notification: %s", msc.MscId, err.Error())
		return
	}
	for _, callbackUrl := range urls {
		go func(url string, data []byte) {
			resp, err := http.Post(url, "application/json", bytes.NewBuffer(data))
			if err != nil {
				logger.MscLog.Warnf("error notifying subscriber %s: %v", url, err)
				return
			}
			defer func() {
				_ = resp.Body.Close()
			}()
		}(callbackUrl, callbackBody)
	}
}

// NORTHBOUND Definitions

func (msc *Msc) HandleNewSubscription(w http.ResponseWriter, r *http.Request) {
	sub := &MscEventSubscription{}
	if err := json.NewDecoder(r.Body).Decode(sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if sub.NotifUri == "" || len(sub.Events) == 0 {
		http.Error(w, "notifUri and events are mandatory", http.StatusBadRequest)
		return
	}

	msc.SubMutex.Lock()
	for _, event := range sub.Events {
		msc.Subscriptions[event] = append(msc.Subscriptions[event], sub.NotifUri)
	}
	msc.SubMutex.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(sub); err != nil {
		http.Error(w, "could not encode response", http.StatusInternalServerError)
	}
	logger.MscLog.Infof("[%s] created new subscription for: %s", msc.MscId, sub.NotifUri)
}

func (msc *Msc) HandleGetCalls(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msc.Calls()); err != nil {
		http.Error(w, "could not encode response", http.StatusInternalServerError)
	}
}

func (msc *Msc) HandleClearCall(w http.ResponseWriter, r *http.Request) {
	id := models.ConnID(mux.Vars(r)["connId"])
	if !msc.ClearCall(id) {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (msc *Msc) RegisterNorthboundAPIs(r *mux.Router) {
	r.HandleFunc("/bsc-msc/v1/subscriptions", msc.HandleNewSubscription).Methods(http.MethodPost)
	r.HandleFunc("/bsc-msc/v1/calls", msc.HandleGetCalls).Methods(http.MethodGet)
	r.HandleFunc("/bsc-msc/v1/calls/{connId}", msc.HandleClearCall).Methods(http.MethodDelete)
	logger.MscLog.Infof("[%s] bsc-msc has been registered", msc.MscId)
}
