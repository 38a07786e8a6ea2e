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

// Pedestrian walks randomly: every cell level drifts by up to Step dB per
// report, independently.
type Pedestrian struct {
	*field
	Step float64 // dB per report
}

func newPedestrian(f *field, step float64) *Pedestrian {
	return &Pedestrian{field: f, Step: step}
}

func (p *Pedestrian) NextReport(cond models.RadioCondition) *models.MeasRep {
	for i := range p.dbm {
		p.dbm[i] += (p.rng.Float64()*2 - 1) * p.Step
		p.clamp(i)
	}
	return p.report(cond, 0)
}
