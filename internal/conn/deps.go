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
	"time"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

// MgwEndpointWildcard lets the media gateway pick the endpoint on the
// first CRCX of a call.
const MgwEndpointWildcard = "rtpbridge/*@mgw"

// MgwClient is the MGCP side. Responses arrive later as MgwCrcxResp,
// MgwMdcxResp or MgwFail events for the owning connection.
type MgwClient interface {
	Create(owner models.ConnID, leg models.MgwLeg, peer models.MgwPeer) (models.MgwHandle, error)
	Modify(h models.MgwHandle, peer models.MgwPeer) error
	Delete(h models.MgwHandle)
}

// CoreTransport is the connection oriented transport towards the MSC.
type CoreTransport interface {
	Open(id models.ConnID, initial []byte) error
	Send(id models.ConnID, msg models.BssapMessage) error
	Disconnect(id models.ConnID)
}

type Timers struct {
	WaitCC time.Duration `yaml:"waitCC" json:"waitCC"`
	T10    time.Duration `yaml:"t10" json:"t10"`
	Mgw    time.Duration `yaml:"mgw" json:"mgw"`
	MgwHo  time.Duration `yaml:"mgwHo" json:"mgwHo"`
}

func DefaultTimers() Timers {
	return Timers{
		WaitCC: 20 * time.Second,
		T10:    6 * time.Second,
		Mgw:    4 * time.Second,
		MgwHo:  4 * time.Second,
	}
}

// Deps are the collaborators shared by every connection of one BSC.
type Deps struct {
	Net          *radio.Network
	Logic        *handover.Logic
	Mgw          MgwClient
	Core         CoreTransport
	Sched        utils.Scheduler
	Timers       Timers
	SimulationID string
}
