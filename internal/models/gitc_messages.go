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

package models

import (
	"time"

	"github.com/giuliocarot0/gitc"
)

// SendFunc delivers one message to a gitc task. Components take it as a
// dependency so tests can capture what they send.
type SendFunc func(from, to string, msgType gitc.MessageType, payload any) error

// GitcSend is the SendFunc backed by the gitc runtime.
func GitcSend(from, to string, msgType gitc.MessageType, payload any) error {
	return gitc.Send(from, to, msgType, payload)
}

// gitc task names
const (
	BscTask = "BSC"
	MscTask = "MSC"
	MgwTask = "MGW"
	MsTask  = "MS"
	OamTask = "OAM"
)

const (
	MsToBscType gitc.MessageType = iota
	BscToMsType
	MscToBscType
	BscToMscType
	BscToMgwType
	MgwToBscType
	BscTimerType
	OamToBscType
)

type RadioEventKind int

const (
	RadioConnRequest RadioEventKind = iota
	RadioChanActivAck
	RadioChanActivNack
	RadioAssignmentComplete
	RadioAssignmentFailure
	RadioHandoverComplete
	RadioHandoverFailure
	RadioModeModifyAck
	RadioPdchReleased
	RadioRllReleaseInd
	RadioConnFailure
	RadioMoDtap
	RadioMeasReport
)

var radioEventNames = map[RadioEventKind]string{
	RadioConnRequest:        "CONN_REQUEST",
	RadioChanActivAck:       "CHAN_ACTIV_ACK",
	RadioChanActivNack:      "CHAN_ACTIV_NACK",
	RadioAssignmentComplete: "RR_ASS_COMPL",
	RadioAssignmentFailure:  "RR_ASS_FAIL",
	RadioHandoverComplete:   "RR_HO_COMPL",
	RadioHandoverFailure:    "RR_HO_FAIL",
	RadioModeModifyAck:      "RR_MODE_MODIFY_ACK",
	RadioPdchReleased:       "PDCH_RELEASED",
	RadioRllReleaseInd:      "RLL_REL_IND",
	RadioConnFailure:        "RSL_CONN_FAIL",
	RadioMoDtap:             "MO_DTAP",
	RadioMeasReport:         "MEAS_REP",
}

func (k RadioEventKind) String() string {
	if name, ok := radioEventNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// MsToBscMsg carries everything the radio side (BTS plus MS) reports to the BSC.
type MsToBscMsg struct {
	Kind      RadioEventKind
	TimeStamp time.Time
	MsId      string
	ConnId    ConnID
	BtsNr     int
	Chan      uint32
	Payload   []byte
	MeasRep   *MeasRep
	BoundIP   string
	BoundPort uint16
	Cause     Cause
	Codecs    []SpeechCodecType
}

type RadioCommandKind int

const (
	RadioConnAccepted RadioCommandKind = iota
	RadioAssignmentCommand
	RadioHandoverCommand
	RadioModeModify
	RadioPdchRelease
	RadioChanRelease
	RadioMtDtap
	RadioChanActivate
)

// BscToMsMsg is a command from the BSC towards the radio side.
type BscToMsMsg struct {
	Kind     RadioCommandKind
	MsId     string
	ConnId   ConnID
	BtsNr    int
	Chan     uint32
	ChanType ChanType
	Mode     ChanMode
	Payload  []byte
}

type MscEventKind int

const (
	MscConnConfirm MscEventKind = iota
	MscConnIndication
	MscAssignmentCommand
	MscClearCommand
	MscDtap
	MscDisconnect
	MscHandoverRequest
)

type MscToBscMsg struct {
	Kind     MscEventKind
	ConnId   ConnID
	ChanMode ChanMode
	FullRate bool
	AoipAddr string
	AoipPort uint16
	Codecs   []SpeechCodecType
	Payload  []byte
}

type BscToMscKind int

const (
	BscConnRequest BscToMscKind = iota
	BscBssap
	BscDisconnect
)

type BscToMscMsg struct {
	Kind    BscToMscKind
	ConnId  ConnID
	Bssap   BssapMessage
	Payload []byte
}

type MgwLeg int

const (
	MgwLegBts MgwLeg = iota
	MgwLegMsc
)

func (l MgwLeg) String() string {
	if l == MgwLegBts {
		return "BTS"
	}
	return "MSC"
}

type MgcpVerb string

const (
	MgcpCrcx MgcpVerb = "CRCX"
	MgcpMdcx MgcpVerb = "MDCX"
	MgcpDlcx MgcpVerb = "DLCX"
)

// MgwPeer mirrors the parameters of an MGCP connection request or response.
type MgwPeer struct {
	CallId   string
	Endpoint string
	Addr     string
	Port     uint16
}

// MgwHandle identifies one MGCP connection owned by a subscriber connection.
type MgwHandle string

type BscToMgwMsg struct {
	Verb   MgcpVerb
	ConnId ConnID
	Leg    MgwLeg
	Handle MgwHandle
	Peer   MgwPeer
}

type MgwToBscMsg struct {
	Verb   MgcpVerb
	ConnId ConnID
	Leg    MgwLeg
	Handle MgwHandle
	Ok     bool
	Peer   MgwPeer
}

// BscTimerMsg runs Fn on the BSC task when a timer expires.
type BscTimerMsg struct {
	Fn func()
}

// OamToBscMsg runs Fn on the BSC task and hands its result back on Reply.
type OamToBscMsg struct {
	Fn    func() any
	Reply chan any
}
