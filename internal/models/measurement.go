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

// MaxMeasRepCells is the number of neighbor cells a 04.08 measurement
// report can carry.
const MaxMeasRepCells = 6

type MeasRepCell struct {
	Arfcn uint16 `json:"arfcn"`
	Bsic  uint8  `json:"bsic"`
	Rxlev int    `json:"rxlev"`
}

type MeasRepLevels struct {
	RxlevFull  int `json:"rxlevFull"`
	RxlevSub   int `json:"rxlevSub"`
	RxqualFull int `json:"rxqualFull"`
	RxqualSub  int `json:"rxqualSub"`
}

// MeasRep is one RSL measurement result for a logical channel, including
// the downlink part reported by the MS.
type MeasRep struct {
	Nr      uint8         `json:"nr"`
	Ul      MeasRepLevels `json:"ul"`
	Dl      MeasRepLevels `json:"dl"`
	DlValid bool          `json:"dlValid"`
	// MsL1Ta is the timing advance the MS is currently using.
	MsL1Ta int           `json:"msL1Ta"`
	Cells  []MeasRepCell `json:"cells,omitempty"`
}

func (mr *MeasRep) String() string {
	return fmt.Sprintf("nr=%d dl(rxlev=%d/%d rxqual=%d/%d valid=%t) ta=%d cells=%d",
		mr.Nr, mr.Dl.RxlevFull, mr.Dl.RxlevSub, mr.Dl.RxqualFull, mr.Dl.RxqualSub,
		mr.DlValid, mr.MsL1Ta, len(mr.Cells))
}

// Cell finds a reported neighbor by ARFCN and BSIC.
func (mr *MeasRep) Cell(arfcn uint16, bsic uint8) *MeasRepCell {
	for i := range mr.Cells {
		if mr.Cells[i].Arfcn == arfcn && mr.Cells[i].Bsic == bsic {
			return &mr.Cells[i]
		}
	}
	return nil
}

type MeasRepField int

const (
	DlRxlevFull MeasRepField = iota
	DlRxlevSub
	DlRxqualFull
	DlRxqualSub
	UlRxlevFull
	UlRxlevSub
	UlRxqualFull
	UlRxqualSub
)

// Field returns the requested value, or -1 when the report carries no
// valid value for it.
func (mr *MeasRep) Field(f MeasRepField) int {
	switch f {
	case DlRxlevFull, DlRxlevSub, DlRxqualFull, DlRxqualSub:
		if !mr.DlValid {
			return -1
		}
	}
	switch f {
	case DlRxlevFull:
		return mr.Dl.RxlevFull
	case DlRxlevSub:
		return mr.Dl.RxlevSub
	case DlRxqualFull:
		return mr.Dl.RxqualFull
	case DlRxqualSub:
		return mr.Dl.RxqualSub
	case UlRxlevFull:
		return mr.Ul.RxlevFull
	case UlRxlevSub:
		return mr.Ul.RxlevSub
	case UlRxqualFull:
		return mr.Ul.RxqualFull
	case UlRxqualSub:
		return mr.Ul.RxqualSub
	}
	return -1
}
