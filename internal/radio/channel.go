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
	"fmt"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

const (
	// MeasRepHistory is the number of measurement reports kept per channel.
	MeasRepHistory = 32
	// MaxNeighMeas is the number of neighbor cells tracked per channel.
	MaxNeighMeas = 10
	// NeighMeasWindow is the rxlev history length per tracked neighbor.
	NeighMeasWindow = 10
)

// ChanHandle is a stable reference to a channel in the Network arena.
// Zero means no channel.
type ChanHandle uint32

type ChanState int

const (
	ChanAllocated ChanState = iota
	ChanActReq
	ChanActive
)

func (s ChanState) String() string {
	switch s {
	case ChanAllocated:
		return "ALLOCATED"
	case ChanActReq:
		return "ACT_REQ"
	case ChanActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

type ActivPurpose int

const (
	ActivAssignment ActivPurpose = iota
	ActivHandover
)

type Encryption struct {
	AlgID uint8  `json:"algId"`
	Key   []byte `json:"-"`
}

// NeighMeas tracks one neighbor cell as seen in the reports of a channel.
type NeighMeas struct {
	Arfcn      uint16
	Bsic       uint8
	Rxlev      [NeighMeasWindow]int
	RxlevCnt   int
	LastSeenNr uint8
}

func (n *NeighMeas) InUse() bool {
	return n.Arfcn != 0
}

// Avg returns the average rxlev over the last window samples. The window
// shrinks to the number of samples collected; no sample at all yields 0.
func (n *NeighMeas) Avg(window int) int {
	if window > n.RxlevCnt {
		window = n.RxlevCnt
	}
	if window > NeighMeasWindow {
		window = NeighMeasWindow
	}
	if window <= 0 {
		return 0
	}
	sum := 0
	idx := n.RxlevCnt - 1
	for i := 0; i < window; i++ {
		sum += n.Rxlev[(idx-i)%NeighMeasWindow]
	}
	return sum / window
}

// Push stores a new rxlev sample.
func (n *NeighMeas) Push(rxlev int) {
	n.Rxlev[n.RxlevCnt%NeighMeasWindow] = rxlev
	n.RxlevCnt++
}

type Channel struct {
	handle ChanHandle
	ts     *Timeslot
	sub    int
	state  ChanState
	conn   models.ConnID

	Type models.ChanType
	Mode models.ChanMode

	Encr    Encryption
	MsPower uint8
	BsPower uint8
	RqdTa   int

	BoundIP   string
	BoundPort uint16

	// NeedsPdchRelease is set when the channel sits on a dynamic timeslot
	// that still runs PDCH.
	NeedsPdchRelease bool

	meas              [MeasRepHistory]models.MeasRep
	measIdx           int
	MeasRepCount      int
	MeasRepLastSeenNr uint8
	Neigh             [MaxNeighMeas]NeighMeas
}

func (ch *Channel) Handle() ChanHandle  { return ch.handle }
func (ch *Channel) Ts() *Timeslot       { return ch.ts }
func (ch *Channel) Trx() *Trx           { return ch.ts.trx }
func (ch *Channel) Bts() *Bts           { return ch.ts.trx.bts }
func (ch *Channel) Sub() int            { return ch.sub }
func (ch *Channel) State() ChanState    { return ch.state }
func (ch *Channel) Conn() models.ConnID { return ch.conn }

func (ch *Channel) String() string {
	return fmt.Sprintf("(bts=%d,trx=%d,ts=%d,ss=%d)", ch.Bts().Nr, ch.Trx().Nr, ch.ts.Nr, ch.sub)
}

// addMeasRep stores mr in the ring and updates the link parameters taken
// from it.
func (ch *Channel) addMeasRep(mr *models.MeasRep) {
	ch.meas[ch.measIdx] = *mr
	ch.measIdx = (ch.measIdx + 1) % MeasRepHistory
	if ch.MeasRepCount < MeasRepHistory {
		ch.MeasRepCount++
	}
	ch.MeasRepLastSeenNr = mr.Nr
	ch.RqdTa = mr.MsL1Ta
}

// LastMeasRep returns the most recent report, or nil.
func (ch *Channel) LastMeasRep() *models.MeasRep {
	if ch.MeasRepCount == 0 {
		return nil
	}
	return &ch.meas[(ch.measIdx+MeasRepHistory-1)%MeasRepHistory]
}

// MeasRepAvg averages field over the last num reports, skipping invalid
// samples. It returns -1 when num is out of range or no sample is valid.
func (ch *Channel) MeasRepAvg(field models.MeasRepField, num int) int {
	if num < 1 || num > ch.MeasRepCount {
		return -1
	}
	start := (ch.measIdx + MeasRepHistory - num) % MeasRepHistory
	sum, valid := 0, 0
	for i := 0; i < num; i++ {
		v := ch.meas[(start+i)%MeasRepHistory].Field(field)
		if v >= 0 {
			sum += v
			valid++
		}
	}
	if valid == 0 {
		return -1
	}
	return sum / valid
}
