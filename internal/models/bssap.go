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

import "fmt"

// Cause is a 48.008 3.2.2.5 cause value.
type Cause uint8

const (
	CauseRadioInterfaceMessageFailure        Cause = 0x00
	CauseRadioInterfaceFailure               Cause = 0x01
	CauseEquipmentFailure                    Cause = 0x20
	CauseNoRadioResourceAvailable            Cause = 0x21
	CauseRequestedTerrestrialResourceUnavail Cause = 0x22
	CauseReqCodecTypeOrConfigNotSupp         Cause = 0x4d
)

var causeNames = map[Cause]string{
	CauseRadioInterfaceMessageFailure:       "RADIO_INTERFACE_MESSAGE_FAILURE",
	CauseRadioInterfaceFailure:              "RADIO_INTERFACE_FAILURE",
	CauseEquipmentFailure:                   "EQUIPMENT_FAILURE",
	CauseNoRadioResourceAvailable:           "NO_RADIO_RESOURCE_AVAILABLE",
	CauseRequestedTerrestrialResourceUnavail: "REQUESTED_TERRESTRIAL_RESOURCE_UNAVAILABLE",
	CauseReqCodecTypeOrConfigNotSupp:        "REQ_CODEC_TYPE_OR_CONFIG_NOT_SUPP",
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CAUSE_0x%02x", uint8(c))
}

type BssapMsgType int

const (
	BssapAssignmentComplete BssapMsgType = iota
	BssapAssignmentFailure
	BssapClearRequest
	BssapClearComplete
	BssapDtap
	// BssapRaw carries an already built BSSAP PDU handed to the FSM for sending.
	BssapRaw
)

func (t BssapMsgType) String() string {
	switch t {
	case BssapAssignmentComplete:
		return "ASSIGNMENT_COMPLETE"
	case BssapAssignmentFailure:
		return "ASSIGNMENT_FAILURE"
	case BssapClearRequest:
		return "CLEAR_REQUEST"
	case BssapClearComplete:
		return "CLEAR_COMPLETE"
	case BssapDtap:
		return "DTAP"
	case BssapRaw:
		return "RAW"
	default:
		return "UNKNOWN"
	}
}

// AssignmentComplete holds the fields the BSC fills in 48.008 3.2.1.2.
type AssignmentComplete struct {
	ChosenChannel uint8
	EncrAlgID     uint8
	SpeechVersion uint8
	HasSpeech     bool
	Codec         SpeechCodecType
	AoipLocalAddr string
	AoipLocalPort uint16
	RrCause       uint8
}

// BssapMessage is what the BSC produces towards the core network. Wire
// encoding is the transport's concern.
type BssapMessage struct {
	Type       BssapMsgType
	Cause      Cause
	Assignment *AssignmentComplete
	Payload    []byte
}

func (m BssapMessage) String() string {
	switch m.Type {
	case BssapAssignmentFailure, BssapClearRequest:
		return fmt.Sprintf("%s(%s)", m.Type, m.Cause)
	case BssapDtap, BssapRaw:
		return fmt.Sprintf("%s(%d bytes)", m.Type, len(m.Payload))
	default:
		return m.Type.String()
	}
}

func NewAssignmentFailure(cause Cause) BssapMessage {
	return BssapMessage{Type: BssapAssignmentFailure, Cause: cause}
}

func NewClearRequest(cause Cause) BssapMessage {
	return BssapMessage{Type: BssapClearRequest, Cause: cause}
}

func NewClearComplete() BssapMessage {
	return BssapMessage{Type: BssapClearComplete}
}

func NewDtap(payload []byte) BssapMessage {
	return BssapMessage{Type: BssapDtap, Payload: payload}
}
