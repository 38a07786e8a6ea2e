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

package measgen

import (
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

const (
	ProfileStatic     = "static"
	ProfilePedestrian = "pedestrian"
	ProfileVehicular  = "vehicular"
)

// level bounds in dBm of the simulated radio field
const (
	minDbm = -115.0
	maxDbm = -45.0
)

// Cell is a BTS as the MS sees it on the air.
type Cell struct {
	BtsNr int
	Arfcn uint16
	Bsic  uint8
}

// Generator produces the measurement reports of one MS
type Generator interface {
	NextReport(cond models.RadioCondition) *models.MeasRep
	// SetServing moves the MS to another BTS after a handover.
	SetServing(btsNr int)
	Serving() int
}

// New returns the generator for a mobility profile.
func New(profile string, cells []Cell, servingBts int, rng *rand.Rand) (Generator, error) {
	if len(cells) == 0 {
		return nil, errors.New("no cells to measure")
	}
	f := newField(cells, servingBts, rng)
	switch profile {
	case "", ProfileStatic:
		return newStatic(f), nil
	case ProfilePedestrian:
		return newPedestrian(f, 1.0), nil
	case ProfileVehicular:
		return newVehicular(f, 1.5, 2.0), nil
	default:
		return nil, errors.Errorf("unknown mobility profile %q", profile)
	}
}

// field holds the downlink level of every cell at the position of the MS.
type field struct {
	cells   []Cell
	dbm     []float64
	serving int
	nr      uint8
	ta      int
	rng     *rand.Rand
}

func newField(cells []Cell, servingBts int, rng *rand.Rand) *field {
	f := &field{cells: cells, dbm: make([]float64, len(cells)), rng: rng}
	for i, c := range cells {
		if c.BtsNr == servingBts {
			f.serving = i
			f.dbm[i] = -65
		} else {
			f.dbm[i] = -85 - 10*rng.Float64()
		}
	}
	return f
}

func (f *field) SetServing(btsNr int) {
	for i, c := range f.cells {
		if c.BtsNr == btsNr {
			f.serving = i
			return
		}
	}
}

func (f *field) Serving() int {
	return f.cells[f.serving].BtsNr
}

func (f *field) clamp(i int) {
	if f.dbm[i] < minDbm {
		f.dbm[i] = minDbm
	}
	if f.dbm[i] > maxDbm {
		f.dbm[i] = maxDbm
	}
}

// conditionEffect returns the level offset, the rxqual and the extra timing
// advance a radio condition adds.
func conditionEffect(cond models.RadioCondition) (int, int, int) {
	switch cond {
	case models.RadioFading:
		return -12, 2, 0
	case models.RadioPoor:
		return -25, 5, 0
	case models.RadioInterfered:
		return 0, 7, 0
	case models.RadioFarAway:
		return -8, 1, 40
	default:
		return 0, 0, 0
	}
}

// report builds one measurement report from the current field. jitter is
// the amplitude of the noise added to every level.
func (f *field) report(cond models.RadioCondition, jitter float64) *models.MeasRep {
	f.nr++
	offset, rxqual, ta := conditionEffect(cond)
	noise := func() int {
		if jitter <= 0 {
			return 0
		}
		return int((f.rng.Float64()*2 - 1) * jitter)
	}

	serv := models.DbmToRxlev(int(f.dbm[f.serving]) + offset + noise())
	levels := models.MeasRepLevels{RxlevFull: serv, RxlevSub: serv, RxqualFull: rxqual, RxqualSub: rxqual}
	mr := &models.MeasRep{
		Nr:      f.nr,
		Ul:      levels,
		Dl:      levels,
		DlValid: true,
		MsL1Ta:  min(f.ta+ta, 63),
	}

	others := make([]int, 0, len(f.cells)-1)
	for i := range f.cells {
		if i != f.serving {
			others = append(others, i)
		}
	}
	sort.SliceStable(others, func(a, b int) bool { return f.dbm[others[a]] > f.dbm[others[b]] })
	if len(others) > models.MaxMeasRepCells {
		others = others[:models.MaxMeasRepCells]
	}
	for _, i := range others {
		mr.Cells = append(mr.Cells, models.MeasRepCell{
			Arfcn: f.cells[i].Arfcn,
			Bsic:  f.cells[i].Bsic,
			Rxlev: models.DbmToRxlev(int(f.dbm[i]) + noise()),
		})
	}
	return mr
}
