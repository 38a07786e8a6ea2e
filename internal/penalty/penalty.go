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


package penalty

import (
	"time"
)

// Set holds cooldown deadlines per target BTS. It is owned by one
// subscriber connection and only touched from its event loop.
type Set struct {
	now       func() time.Time
	deadlines map[int]time.Time
}

func NewSet(now func() time.Time) *Set {
	if now == nil {
		now = time.Now
	}
	return &Set{now: now, deadlines: make(map[int]time.Time)}
}

// Add arms or re-arms the penalty for btsNr. A non-positive duration drops it.
func (s *Set) Add(btsNr int, d time.Duration) {
	if d <= 0 {
		delete(s.deadlines, btsNr)
		return
	}
	s.deadlines[btsNr] = s.now().Add(d)
}

// Remaining returns the whole seconds, rounded up, before the penalty for
// btsNr runs out. Zero means no penalty.
func (s *Set) Remaining(btsNr int) int {
	deadline, ok := s.deadlines[btsNr]
	if !ok {
		return 0
	}
	left := deadline.Sub(s.now())
	if left <= 0 {
		delete(s.deadlines, btsNr)
		return 0
	}
	secs := left / time.Second
	if left%time.Second != 0 {
		secs++
	}
	return int(secs)
}

func (s *Set) Active(btsNr int) bool {
	return s.Remaining(btsNr) > 0
}

func (s *Set) Remove(btsNr int) {
	delete(s.deadlines, btsNr)
}

func (s *Set) Clear() {
	s.deadlines = make(map[int]time.Time)
}

// Len counts the penalties that have not expired yet.
func (s *Set) Len() int {
	n := 0
	for nr := range s.deadlines {
		if s.Remaining(nr) > 0 {
			n++
		}
	}
	return n
}
