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

package conn

import (
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

// Event is one input to a subscriber connection. The concrete types below
// are the only implementations.
type Event interface {
	Name() string
}

// ConnRequest carries the initial layer 3 message of a radio-originated
// connection.
type ConnRequest struct {
	Initial []byte
}

// ConnIndication is an MSC-originated connection request.
type ConnIndication struct{}

// ConnConfirm is the MSC accepting the connection.
type ConnConfirm struct{}

// AssignmentCommand is a BSSMAP Assignment Request from the MSC.
type AssignmentCommand struct {
	Mode     models.ChanMode
	FullRate bool
	AoipAddr string
	AoipPort uint16
	Codecs   []models.SpeechCodecType
}

// HoStart hands a handover record to the connection.
type HoStart struct {
	Ho *handover.Handover
}

// AHoRequest is an inbound BSSMAP Handover Request.
type AHoRequest struct{}

// MoDtap is layer 3 from the MS towards the MSC.
type MoDtap struct {
	Payload []byte
}

// MtDtap is layer 3 from the MSC towards the MS.
type MtDtap struct {
	Payload []byte
}

// TxSccp sends an already built BSSAP message to the MSC.
type TxSccp struct {
	Msg models.BssapMessage
}

type MgwCrcxResp struct {
	Leg  models.MgwLeg
	Peer models.MgwPeer
}

type MgwMdcxResp struct {
	Leg models.MgwLeg
}

// MgwFail reports the loss of one MGW connection.
type MgwFail struct {
	Leg models.MgwLeg
}

// RrAssComplete is the MS reporting a completed assignment, with the RTP
// address the BTS bound for the new channel.
type RrAssComplete struct {
	BoundIP   string
	BoundPort uint16
}

type RrAssFailure struct {
	Cause *models.Cause
}

type ModeModifyAck struct{}

// DynTsSwitched reports the end of a PDCH release on a dynamic timeslot.
type DynTsSwitched struct {
	Ok bool
}

type HoComplete struct{}

type HoFailure struct{}

type HoTimeout struct{}

type ClearCommand struct{}

// ClearComplete is raised internally once the radio side was told to
// release.
type ClearComplete struct{}

// Disconnect is the hard release of the MSC transport connection.
type Disconnect struct{}

type RllReleaseInd struct{}

type RslConnFailure struct{}

func (ConnRequest) Name() string       { return "A_CONN_REQ" }
func (ConnIndication) Name() string    { return "A_CONN_IND" }
func (ConnConfirm) Name() string       { return "A_CONN_CFM" }
func (AssignmentCommand) Name() string { return "A_ASSIGNMENT_CMD" }
func (HoStart) Name() string           { return "HO_START" }
func (AHoRequest) Name() string        { return "A_HO_REQ" }
func (MoDtap) Name() string            { return "MO_DTAP" }
func (MtDtap) Name() string            { return "MT_DTAP" }
func (TxSccp) Name() string            { return "TX_SCCP" }
func (RrAssComplete) Name() string     { return "RR_ASS_COMPL" }
func (RrAssFailure) Name() string      { return "RR_ASS_FAIL" }
func (ModeModifyAck) Name() string     { return "RR_MODE_MODIFY_ACK" }
func (DynTsSwitched) Name() string     { return "DYN_TS_SWITCHED" }
func (HoComplete) Name() string        { return "HO_COMPL" }
func (HoFailure) Name() string         { return "HO_FAIL" }
func (HoTimeout) Name() string         { return "HO_TIMEOUT" }
func (ClearCommand) Name() string      { return "A_CLEAR_CMD" }
func (ClearComplete) Name() string     { return "RSL_CLEAR_COMPL" }
func (Disconnect) Name() string        { return "A_DISC_IND" }
func (RllReleaseInd) Name() string     { return "RLL_REL_IND" }
func (RslConnFailure) Name() string    { return "RSL_CONN_FAIL" }

func (e MgwCrcxResp) Name() string { return "MGW_CRCX_RESP_" + e.Leg.String() }
func (e MgwMdcxResp) Name() string { return "MGW_MDCX_RESP_" + e.Leg.String() }
func (e MgwFail) Name() string     { return "MGW_FAIL_" + e.Leg.String() }
