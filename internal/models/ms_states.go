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

// MsState is the call state of a simulated mobile station.
type MsState int

const (
	MsIdle      MsState = iota
	MsDedicated         // signalling connection, no traffic channel yet
	MsInCall            // traffic channel assigned
	MsHandover          // transient, ends back in call or with radio loss
)

func (s MsState) String() string {
	switch s {
	case MsIdle:
		return "IDLE"
	case MsDedicated:
		return "DEDICATED"
	case MsInCall:
		return "IN_CALL"
	case MsHandover:
		return "HANDOVER"
	default:
		return "UNKNOWN"
	}
}

// RadioCondition drives the levels a simulated MS reports.
type RadioCondition int

const (
	RadioGood RadioCondition = iota
	RadioFading
	RadioPoor
	RadioInterfered
	RadioFarAway
)

func (c RadioCondition) String() string {
	switch c {
	case RadioGood:
		return "GOOD"
	case RadioFading:
		return "FADING"
	case RadioPoor:
		return "POOR"
	case RadioInterfered:
		return "INTERFERED"
	case RadioFarAway:
		return "FAR_AWAY"
	default:
		return "UNKNOWN"
	}
}

type MsProcedure string

const (
	NoProcedure     MsProcedure = "NONE"
	CallSetup       MsProcedure = "CALL_SETUP"
	CallRelease     MsProcedure = "CALL_RELEASE"
	SmsTransfer     MsProcedure = "SMS"
	LossOfRadio     MsProcedure = "LOSS_OF_RADIO"
	RadioImproved   MsProcedure = "RADIO_IMPROVED"
	RadioDegraded   MsProcedure = "RADIO_DEGRADED"
	InterferenceHit MsProcedure = "INTERFERENCE"
	MovedAway       MsProcedure = "MOVED_AWAY"
)

type Transition[S comparable] struct {
	To          S
	Probability float64
	Procedure   MsProcedure
}
