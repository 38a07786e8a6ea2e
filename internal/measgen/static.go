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

// Static is an MS that does not move. Only the radio condition and a small
// jitter change its reports.
type Static struct {
	*field
	Jitter float64 // dB
}

func newStatic(f *field) *Static {
	return &Static{field: f, Jitter: 1}
}

func (s *Static) NextReport(cond models.RadioCondition) *models.MeasRep {
	return s.report(cond, s.Jitter)
}
