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

package ran

import (
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

// callTransitions drives what the subscriber does. Leaving Idle only
// requests a connection; the network decides whether it is granted.
var callTransitions = map[models.MsState][]models.Transition[models.MsState]{
	models.MsIdle: {
		{To: models.MsDedicated, Probability: 0.05, Procedure: models.CallSetup}, // CM service request
		{To: models.MsIdle, Probability: 0.95, Procedure: models.NoProcedure},
	},
	models.MsDedicated: {
		{To: models.MsDedicated, Probability: 0.97, Procedure: models.NoProcedure}, // waiting for the MSC
		{To: models.MsDedicated, Probability: 0.02, Procedure: models.SmsTransfer},
		{To: models.MsIdle, Probability: 0.01, Procedure: models.CallRelease}, // user gave up
	},
	models.MsInCall: {
		{To: models.MsInCall, Probability: 0.985, Procedure: models.NoProcedure},
		{To: models.MsInCall, Probability: 0.01, Procedure: models.SmsTransfer},
		{To: models.MsIdle, Probability: 0.005, Procedure: models.CallRelease},
	},
	models.MsHandover: {
		{To: models.MsHandover, Probability: 1.0, Procedure: models.NoProcedure}, // the network ends it
	},
}

var radioTransitions = map[models.RadioCondition][]models.Transition[models.RadioCondition]{
	models.RadioGood: {
		{To: models.RadioGood, Probability: 0.93, Procedure: models.NoProcedure},
		{To: models.RadioFading, Probability: 0.04, Procedure: models.RadioDegraded},
		{To: models.RadioInterfered, Probability: 0.02, Procedure: models.InterferenceHit},
		{To: models.RadioFarAway, Probability: 0.01, Procedure: models.MovedAway},
	},
	models.RadioFading: {
		{To: models.RadioFading, Probability: 0.80, Procedure: models.NoProcedure},
		{To: models.RadioGood, Probability: 0.15, Procedure: models.RadioImproved},
		{To: models.RadioPoor, Probability: 0.05, Procedure: models.RadioDegraded},
	},
	models.RadioPoor: {
		{To: models.RadioPoor, Probability: 0.80, Procedure: models.NoProcedure},
		{To: models.RadioFading, Probability: 0.18, Procedure: models.RadioImproved},
		{To: models.RadioPoor, Probability: 0.02, Procedure: models.LossOfRadio}, // radio link timeout
	},
	models.RadioInterfered: {
		{To: models.RadioInterfered, Probability: 0.85, Procedure: models.NoProcedure},
		{To: models.RadioGood, Probability: 0.15, Procedure: models.RadioImproved},
	},
	models.RadioFarAway: {
		{To: models.RadioFarAway, Probability: 0.90, Procedure: models.NoProcedure},
		{To: models.RadioGood, Probability: 0.10, Procedure: models.RadioImproved},
	},
}

// NextState draws the next state of a Markov chain. rnd is uniform in
// [0, 1).
func NextState[S comparable](table map[S][]models.Transition[S], current S, rnd float64) (S, models.MsProcedure) {
	cumulative := 0.0
	for _, t := range table[current] {
		cumulative += t.Probability
		if rnd < cumulative {
			return t.To, t.Procedure
		}
	}
	return current, models.NoProcedure
}
