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


package monitoring

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
)

var (
	ConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bsc_subscr_conn_total",
			Help: "Number of subscriber connections by FSM state",
		},
		[]string{"simulationId", "state"},
	)

	MsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bsc_ms_total",
			Help: "Number of simulated mobile stations by radio state",
		},
		[]string{"simulationId", "state"},
	)

	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsc_assignment_total",
			Help: "Assignment procedures by outcome sent to the MSC",
		},
		[]string{"result"},
	)

	HandoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsc_handover_total",
			Help: "Finished handover and assignment attempts by scope and result",
		},
		[]string{"scope", "result"},
	)

	HodecTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsc_hodec_trigger_total",
			Help: "Handover decisions triggered, by reason",
		},
		[]string{"reason"},
	)

	CongestionChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsc_congestion_check_total",
			Help: "Congestion remediation passes per BTS and outcome",
		},
		[]string{"bts", "outcome"},
	)

	PenaltiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsc_ho_penalty_total",
			Help: "Penalty timers armed, by reason",
		},
		[]string{"reason"},
	)

	FreeSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bsc_free_slots",
			Help: "Free TCH slots per BTS and rate",
		},
		[]string{"bts", "rate"},
	)

	ChannelsAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bsc_lchan_allocated",
			Help: "Allocated logical channels per BTS and type",
		},
		[]string{"bts", "type"},
	)

	MeasReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bsc_meas_rep_total",
			Help: "Measurement reports received",
		},
	)

	DtapTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsc_dtap_total",
			Help: "DTAP messages forwarded by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsTotal, MsTotal, AssignmentsTotal, HandoversTotal,
		HodecTriggersTotal, CongestionChecksTotal, PenaltiesTotal, FreeSlots,
		ChannelsAllocated, MeasReportsTotal, DtapTotal)
}

// BtsLabel formats a BTS number as a metric label value.
func BtsLabel(nr int) string {
	return fmt.Sprintf("%d", nr)
}

func StartMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	logger.AppLog.Infof("starting prometheus metrics server on %s", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		err := http.ListenAndServe(addr, mux)
		if err != nil && err != http.ErrServerClosed {
			logger.AppLog.Fatalf("could not start metrics server: %s", err.Error())
		}
	}()
}
