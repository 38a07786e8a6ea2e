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

import "gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"

// arrivedDbm is the level at which the vehicle is considered next to its
// target cell.
const arrivedDbm = -55.0

// Vehicular drives from the serving cell towards a target cell. The serving
// level falls by Speed dB per report while the target rises, plus noise.
// Once next to the target a new one is picked.
type Vehicular struct {
	*field
	Speed float64 // dB per report
	Noise float64 // dB

	target int
}

func newVehicular(f *field, speed, noise float64) *Vehicular {
	v := &Vehicular{field: f, Speed: speed, Noise: noise}
	v.pickTarget()
	return v
}

func (v *Vehicular) pickTarget() {
	v.target = v.serving
	if len(v.cells) < 2 {
		return
	}
	for v.target == v.serving {
		v.target = v.rng.IntN(len(v.cells))
	}
}

// Target is the BTS number the vehicle is driving to.
func (v *Vehicular) Target() int {
	return v.cells[v.target].BtsNr
}

func (v *Vehicular) NextReport(cond models.RadioCondition) *models.MeasRep {
	if v.target != v.serving {
		for i := range v.dbm {
			switch i {
			case v.target:
				v.dbm[i] += v.Speed
			default:
				v.dbm[i] -= v.Speed / 2
			}
			v.dbm[i] += (v.rng.Float64()*2 - 1) * v.Noise
			v.clamp(i)
		}
		if v.ta < 63 {
			v.ta++
		}
		if v.dbm[v.target] >= arrivedDbm {
			v.ta = 0
			v.pickTarget()
		}
	}
	return v.report(cond, 0)
}

func (v *Vehicular) SetServing(btsNr int) {
	v.field.SetServing(btsNr)
	if v.target == v.serving {
		v.ta = 0
		v.pickTarget()
	}
}
