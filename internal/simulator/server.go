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

package simulator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/hodec2"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/neighbor"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/observability"
)

const apiPrefix = "/bsc-simulator/v1"

type NeighborAddResponse struct {
	Key   neighbor.Key `json:"key"`
	Cells int          `json:"cells"`
}

type CongestionCheckResponse struct {
	Results map[int]string `json:"results"`
}

// HandoverRequest moves a connection to the cell seen as Target.
type HandoverRequest struct {
	Target   neighbor.Key `json:"target"`
	ChanType string       `json:"chanType,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.OamLog.Errorf("could not encode response: %v", err)
	}
}

func (app *BscSimulatorApp) writeStatus(w http.ResponseWriter, code int) {
	resp := SimulationStatusResponse{Status: app.GetCurrentSimulationStatus()}
	if inst := app.instance(); inst != nil {
		resp.SimId = inst.SimulationID()
	}
	writeJSON(w, code, resp)
}

// runningBsc returns the BSC of the configured instance or answers 409.
func (app *BscSimulatorApp) runningBsc(w http.ResponseWriter) *Bsc {
	inst := app.instance()
	if inst == nil || inst.Bsc == nil {
		http.Error(w, ErrNotConfigured.Error(), http.StatusConflict)
		return nil
	}
	return inst.Bsc
}

// exec runs fn on the BSC task and writes the result.
func (app *BscSimulatorApp) exec(w http.ResponseWriter, fn func(b *Bsc) any) {
	b := app.runningBsc(w)
	if b == nil {
		return
	}
	res, err := b.Exec(func() any { return fn(b) })
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err, ok := res.(error); ok {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (app *BscSimulatorApp) handleInitSimulation(w http.ResponseWriter, r *http.Request) {
	var config *NetworkConfig
	if app.config.NetConfig != nil {
		// avoid cli config to override the default one
		config = app.config.NetConfig
	} else {
		config = &NetworkConfig{}
		if r.Body == nil || r.ContentLength == 0 {
			http.Error(w, "Missing request body", http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(config); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := app.InitNewSimulation(config); err != nil {
		logger.OamLog.Errorf("configure: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	app.writeStatus(w, http.StatusOK)
}

func (app *BscSimulatorApp) handleStartSimulation(w http.ResponseWriter, r *http.Request) {
	if err := app.StartSimulation(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	app.writeStatus(w, http.StatusOK)
}

func (app *BscSimulatorApp) handleStatusSimulation(w http.ResponseWriter, r *http.Request) {
	app.writeStatus(w, http.StatusOK)
}

func (app *BscSimulatorApp) handleStopSimulation(w http.ResponseWriter, r *http.Request) {
	if err := app.StopSimulation(); err != nil {
		http.Error(w, "could not stop simulation", http.StatusInternalServerError)
		return
	}
	app.writeStatus(w, http.StatusOK)
}

func (app *BscSimulatorApp) handleGetNeighbors(w http.ResponseWriter, r *http.Request) {
	if app.neighbors == nil {
		writeJSON(w, http.StatusOK, []neighbor.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, app.neighbors.Entries())
}

func (app *BscSimulatorApp) handleAddNeighbor(w http.ResponseWriter, r *http.Request) {
	if app.neighbors == nil {
		http.Error(w, "neighbor store not initialized", http.StatusConflict)
		return
	}
	var entry neighbor.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	n, err := app.neighbors.Add(r.Context(), entry.Key, &entry.Cells)
	if err != nil {
		code := http.StatusInternalServerError
		switch errors.Cause(err) {
		case neighbor.ErrBsicRange, models.ErrCellIdListFull, models.ErrCellIdKindMismatch:
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusCreated, NeighborAddResponse{Key: entry.Key, Cells: n})
}

// parseNeighborKey reads arfcn, bsic and bsicKind from the query. A key
// without bsic matches any BSIC.
func parseNeighborKey(r *http.Request) (neighbor.Key, error) {
	q := r.URL.Query()
	arfcn, err := strconv.ParseUint(q.Get("arfcn"), 10, 16)
	if err != nil {
		return neighbor.Key{}, errors.Wrap(err, "arfcn")
	}
	key := neighbor.Key{Arfcn: uint16(arfcn), BsicKind: neighbor.BsicNone}
	if s := q.Get("bsic"); s != "" {
		bsic, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return key, errors.Wrap(err, "bsic")
		}
		key.Bsic = uint16(bsic)
		key.BsicKind = neighbor.Bsic6Bit
		if q.Get("bsicKind") == "9bit" {
			key.BsicKind = neighbor.Bsic9Bit
		}
	}
	return key, nil
}

// handleDeleteNeighbors deletes one entry, or all of them when no arfcn is
// given.
func (app *BscSimulatorApp) handleDeleteNeighbors(w http.ResponseWriter, r *http.Request) {
	if app.neighbors == nil {
		http.Error(w, "neighbor store not initialized", http.StatusConflict)
		return
	}
	if r.URL.Query().Get("arfcn") == "" {
		if err := app.neighbors.Clear(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	key, err := parseNeighborKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	found, err := app.neighbors.Del(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, fmt.Sprintf("no neighbor entry for %s", key), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *BscSimulatorApp) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	app.exec(w, func(b *Bsc) any { return b.Connections() })
}

func (app *BscSimulatorApp) handleCongestionCheck(w http.ResponseWriter, r *http.Request) {
	app.exec(w, func(b *Bsc) any {
		return CongestionCheckResponse{Results: b.Engine().CongestionCheck()}
	})
}

func (app *BscSimulatorApp) handleGetBts(w http.ResponseWriter, r *http.Request) {
	app.exec(w, func(b *Bsc) any { return b.BtsStatus() })
}

func (app *BscSimulatorApp) handleHandover(w http.ResponseWriter, r *http.Request) {
	id := models.ConnID(mux.Vars(r)["connId"])
	var req HandoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	app.exec(w, func(b *Bsc) any {
		c := b.Registry().Get(id)
		if c == nil {
			return errors.Errorf("unknown connection %s", id)
		}
		ch := b.Network().Chan(c.Chan())
		if ch == nil {
			return errors.Errorf("connection %s has no channel", id)
		}
		newType := ch.Type
		switch req.ChanType {
		case "TCH/F":
			newType = models.ChanTCHF
		case "TCH/H":
			newType = models.ChanTCHH
		}
		if !newType.IsTCH() {
			return errors.Errorf("connection %s is not on a traffic channel", id)
		}
		if err := b.Logic().HandoverToNeighborIdent(hodec2.ID, ch, req.Target, newType); err != nil {
			return err
		}
		return c.Info()
	})
}

func (app *BscSimulatorApp) handleGetMs(w http.ResponseWriter, r *http.Request) {
	inst := app.instance()
	if inst == nil || inst.Population == nil {
		http.Error(w, ErrNotConfigured.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, inst.Population.List())
}

// traced wraps every OAM request in a span.
func traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.Tracer().Start(r.Context(), "oam "+r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (app *BscSimulatorApp) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(traced)

	router.HandleFunc(apiPrefix+"/configure", app.handleInitSimulation)
	router.HandleFunc(apiPrefix+"/start", app.handleStartSimulation)
	router.HandleFunc(apiPrefix+"/status", app.handleStatusSimulation)
	router.HandleFunc(apiPrefix+"/stop", app.handleStopSimulation)

	router.HandleFunc(apiPrefix+"/neighbors", app.handleGetNeighbors).Methods(http.MethodGet)
	router.HandleFunc(apiPrefix+"/neighbors", app.handleAddNeighbor).Methods(http.MethodPost)
	router.HandleFunc(apiPrefix+"/neighbors", app.handleDeleteNeighbors).Methods(http.MethodDelete)
	router.HandleFunc(apiPrefix+"/connections", app.handleGetConnections).Methods(http.MethodGet)
	router.HandleFunc(apiPrefix+"/connections/{connId}/handover", app.handleHandover).Methods(http.MethodPost)
	router.HandleFunc(apiPrefix+"/congestion-check", app.handleCongestionCheck).Methods(http.MethodPost)
	router.HandleFunc(apiPrefix+"/bts", app.handleGetBts).Methods(http.MethodGet)
	router.HandleFunc(apiPrefix+"/ms", app.handleGetMs).Methods(http.MethodGet)
	return router
}

func (app *BscSimulatorApp) startHttpServer() {
	app.wg.Add(1)

	h2server := &http2.Server{}
	app.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.OamPort),
		Handler: h2c.NewHandler(app.Router(), h2server),
	}

	go func() {
		defer func() {
			_ = recover()
			app.wg.Done()
		}()

		logger.OamLog.Infof("serving simulation api on %s", app.server.Addr)
		// always returns error. ErrServerClosed on graceful close
		if err := app.server.ListenAndServe(); err != http.ErrServerClosed {
			// unexpected error. port in use?
			logger.OamLog.Fatalf("ListenAndServe(): %v", err)
		}
	}()
}

func (app *BscSimulatorApp) stopHttpServer() {
	if app.server != nil {
		if err := app.server.Close(); err != nil {
			logger.OamLog.Warnf("could not stop nbi server: %v", err)
		}
	}
}
