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

import (
	"fmt"
	"time"
)

// DtapStats counts the signalling passed through one connection.
type DtapStats struct {
	NumMo       int64
	NumMt       int64
	BytesMo     int64
	BytesMt     int64
	NumCached   int64
	NumDropped  int64
	LastMo      time.Time
	LastMt      time.Time
	LastMoBytes int64
	LastMtBytes int64
}

type DtapStatsReport struct {
	DtapStats
	MoRate float64 `json:"moRate"`
	MtRate float64 `json:"mtRate"`
}

func NewDtapStats(now time.Time) *DtapStats {
	return &DtapStats{
		LastMo: now,
		LastMt: now,
	}
}

func (stats *DtapStats) NewMessage(mo bool, size int64, timestamp time.Time) {
	if mo {
		stats.NumMo++
		stats.BytesMo += size
		stats.LastMoBytes = size
		stats.LastMo = timestamp
	} else {
		stats.NumMt++
		stats.BytesMt += size
		stats.LastMtBytes = size
		stats.LastMt = timestamp
	}
}

func (stats *DtapStats) GenerateReport(now time.Time) *DtapStatsReport {
	report := &DtapStatsReport{DtapStats: *stats}
	if d := now.Sub(stats.LastMo).Seconds(); d > 0 && stats.NumMo > 0 {
		report.MoRate = 1.0 / d
	}
	if d := now.Sub(stats.LastMt).Seconds(); d > 0 && stats.NumMt > 0 {
		report.MtRate = 1.0 / d
	}
	return report
}

func (r *DtapStatsReport) Dumps() string {
	return fmt.Sprintf("MO:      %d msgs, %d bytes,\nMT:      %d msgs, %d bytes,\nCached:  %d,\nDropped: %d,\n",
		r.NumMo, r.BytesMo, r.NumMt, r.BytesMt, r.NumCached, r.NumDropped)
}
