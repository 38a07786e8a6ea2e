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
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/neighbor"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/observability"
)

/* Simulation Controller code */

type SimulationStatus string

const (
	CONFIGURED SimulationStatus = "CONFIGURED"
	STARTED    SimulationStatus = "STARTED"
	STOPPED    SimulationStatus = "STOPPED"
	ERROR      SimulationStatus = "ERROR"
)

var (
	ErrNotConfigured     = errors.New("please configure the simulation via /configure")
	ErrAlreadyConfigured = errors.New("could not initialize the simulation instance, a simulation is already configured")
	ErrNotRunning        = errors.New("no running instance")
)

type SimulationStatusResponse struct {
	Status SimulationStatus
	SimId  string `json:",omitempty"`
}

type BscSimulatorApp struct {
	currentInstance *NetworkInstance
	status          SimulationStatus
	instanceMutex   sync.RWMutex
	server          *http.Server
	wg              sync.WaitGroup
	ctx             context.Context
	config          *AppConfig
	store           neighbor.Store
	neighbors       *neighbor.List
	send            models.SendFunc
}

func NewBscSimulatorApp(configPath string) *BscSimulatorApp {
	return NewBscSimulatorAppWithConfig(InitConfig(configPath))
}

func NewBscSimulatorAppWithConfig(cfg *AppConfig) *BscSimulatorApp {
	return &BscSimulatorApp{
		status: STOPPED,
		config: cfg,
		send:   models.GitcSend,
	}
}

// InitNeighbors opens the neighbor store and loads the persisted entries.
func (app *BscSimulatorApp) InitNeighbors(ctx context.Context) error {
	store, err := neighbor.NewStore(app.config.NeighborStore.Backend, app.config.NeighborStore.SqlitePath)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return errors.Wrap(err, "neighbor store")
	}
	list := neighbor.NewList(store)
	if err := list.Load(ctx); err != nil {
		_ = neighbor.CloseIfSupported(store)
		return errors.Wrap(err, "loading neighbor entries")
	}
	app.store = store
	app.neighbors = list
	logger.NeighLog.Infof("loaded %d neighbor entries from %s store", list.Len(), app.config.NeighborStore.Backend)
	return nil
}

func (app *BscSimulatorApp) InitNewSimulation(config *NetworkConfig) error {
	if config == nil {
		return errors.New("no configuration provided, could not initialize")
	}

	app.instanceMutex.Lock()
	defer app.instanceMutex.Unlock()

	if app.currentInstance != nil {
		return ErrAlreadyConfigured
	}
	if app.neighbors == nil {
		if err := app.InitNeighbors(context.Background()); err != nil {
			return err
		}
	}

	instance := NewNetworkInstance(app.config.MscApiPort, config, app.neighbors, app.send)
	if err := instance.InitNetworkInstance(); err != nil {
		app.status = ERROR
		return errors.Wrap(err, "could not initialize the simulation instance")
	}
	app.currentInstance = instance
	app.status = CONFIGURED
	return nil
}

func (app *BscSimulatorApp) StartSimulation() error {
	app.instanceMutex.Lock()
	defer app.instanceMutex.Unlock()

	if app.currentInstance == nil {
		return ErrNotConfigured
	}

	// If already started, it's a restart - stop first
	if app.status == STARTED {
		if err := app.currentInstance.Stop(); err != nil {
			logger.AppLog.Warnf("error stopping instance for restart: %s", err.Error())
		}
	}

	if err := app.currentInstance.Start(); err != nil {
		app.status = ERROR
		return errors.Wrap(err, "could not start the simulation instance")
	}

	app.status = STARTED
	return nil
}

func (app *BscSimulatorApp) GetCurrentSimulationStatus() SimulationStatus {
	app.instanceMutex.RLock()
	defer app.instanceMutex.RUnlock()

	return app.status
}

func (app *BscSimulatorApp) StopSimulation() error {
	app.instanceMutex.Lock()
	defer app.instanceMutex.Unlock()

	if app.status == STOPPED || app.currentInstance == nil {
		return ErrNotRunning
	}

	if app.status == STARTED {
		if err := app.currentInstance.Stop(); err != nil {
			return errors.Wrap(err, "could not stop the simulation instance")
		}
	}

	// Don't set currentInstance to nil - keep it so we can restart
	app.status = STOPPED
	return nil
}

// instance returns the configured instance, if any.
func (app *BscSimulatorApp) instance() *NetworkInstance {
	app.instanceMutex.RLock()
	defer app.instanceMutex.RUnlock()
	return app.currentInstance
}

func (app *BscSimulatorApp) Run() {
	var cancel context.CancelFunc
	app.ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	logger.SetLogLevel(app.config.LogLevel)
	logger.SetReportCaller(app.config.ReportCaller)

	shutdownTracing, err := observability.InitTracing(app.ctx, app.config.Tracing)
	if err != nil {
		logger.AppLog.Fatalf("could not initialize tracing: %v", err)
	}

	if err := app.InitNeighbors(app.ctx); err != nil {
		logger.AppLog.Fatalf("could not open the neighbor store: %v", err)
	}

	app.wg.Add(1)
	go app.listenShutdownEvent()
	logger.AppLog.Infof("running config: \n%s", app.config.Dumps())

	if app.config.InitOnStartup {
		logger.AppLog.Info("bootstraping simulation instance")
		if err := app.InitNewSimulation(app.config.NetConfig); err != nil {
			logger.AppLog.Fatalf("could not initialize the simulator on startup: %v", err)
		}
	}

	app.startHttpServer()
	monitoring.StartMetricsServer(app.config.MetricsPort)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.AppLog.Info("terminating...")

	if app.GetCurrentSimulationStatus() == STARTED {
		if err := app.StopSimulation(); err != nil {
			logger.AppLog.Warnf("stopping simulation: %v", err)
		}
	}
	cancel()
	app.wg.Wait()

	if inst := app.instance(); inst != nil {
		inst.Close()
	}
	if err := neighbor.CloseIfSupported(app.store); err != nil {
		logger.NeighLog.Warnf("closing neighbor store: %v", err)
	}
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing)
}

func (app *BscSimulatorApp) listenShutdownEvent() {
	defer func() {
		_ = recover()
		app.wg.Done()
	}()

	<-app.ctx.Done()
	app.stopHttpServer()
}
