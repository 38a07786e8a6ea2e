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
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/core"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/ran"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/measgen"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/neighbor"
)

/* Network Instance Code*/

// NetworkInstance is one configured simulation: the BSC under test and the
// simulated MSC, MGW and MS population around it.
type NetworkInstance struct {
	ctx        context.Context
	config     *NetworkConfig
	simId      string
	apiPort    uint16
	send       models.SendFunc
	neighbors  *neighbor.List
	Bsc        *Bsc
	Msc        *core.Msc
	Mgw        *core.Mgw
	Population *ran.Population
	apiServer  *http.Server
}

func NewNetworkInstance(apiPort uint16, config *NetworkConfig, neighbors *neighbor.List, send models.SendFunc) *NetworkInstance {
	if send == nil {
		send = models.GitcSend
	}
	return &NetworkInstance{
		ctx:       context.Background(),
		config:    config,
		simId:     uuid.NewString(),
		apiPort:   apiPort,
		send:      send,
		neighbors: neighbors,
	}
}

func (n *NetworkInstance) SimulationID() string {
	return n.simId
}

// build creates every component without starting tasks or servers. sched
// may be nil to run BSC timers on the BSC task.
func (n *NetworkInstance) build(sched utils.Scheduler) error {
	if err := n.config.Validate(); err != nil {
		return err
	}
	for _, e := range n.config.NeighborBss {
		cells := e.Cells
		if _, err := n.neighbors.Add(n.ctx, e.Key, &cells); err != nil {
			return errors.Wrapf(err, "neighbor %s", e.Key)
		}
	}

	var err error
	if n.Bsc, err = NewBsc(n.config, n.neighbors, sched, n.send, n.simId); err != nil {
		return errors.Wrap(err, "BSC")
	}
	if n.Msc, err = core.NewMsc(n.config.Msc, n.send); err != nil {
		return errors.Wrap(err, "MSC")
	}
	if n.Mgw, err = core.NewMgw(n.config.Mgw, n.send); err != nil {
		return errors.Wrap(err, "MGW")
	}

	var cells []measgen.Cell
	for _, bts := range n.Bsc.Network().Bts() {
		cells = append(cells, measgen.Cell{BtsNr: bts.Nr, Arfcn: bts.C0Arfcn(), Bsic: bts.Bsic})
	}
	n.Population = ran.NewPopulation(n.config.Ms, cells, n.simId, n.send)
	return nil
}

func (n *NetworkInstance) InitNetworkInstance() error {
	if err := n.build(nil); err != nil {
		return err
	}
	if err := n.Bsc.InitBsc(); err != nil {
		return err
	}
	if err := n.Msc.InitMsc(); err != nil {
		return err
	}
	if err := n.Mgw.InitMgw(); err != nil {
		return err
	}
	if err := n.Population.InitPopulation(); err != nil {
		return err
	}

	/* enable the MSC and MGW northbound interface */
	r := mux.NewRouter()
	n.Msc.RegisterNorthboundAPIs(r)
	n.Mgw.RegisterNorthboundAPIs(r)

	h2server := &http2.Server{}
	n.apiServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", n.apiPort),
		Handler: h2c.NewHandler(r, h2server),
	}
	go func() {
		err := n.apiServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.AppLog.Fatalf("could not start MSC/MGW api server: %s", err.Error())
		}
	}()
	return nil
}

func (n *NetworkInstance) Start() error {
	if _, err := n.Bsc.Exec(func() any { n.Bsc.Start(); return nil }); err != nil {
		return err
	}
	n.Population.Start(n.ctx)
	logger.AppLog.Infof("starting simulation %s", n.simId)
	return nil
}

func (n *NetworkInstance) Stop() error {
	// this function should always overtake the start function
	n.Population.Stop()
	_, err := n.Bsc.Exec(func() any { n.Bsc.Stop(); return nil })
	return err
}

// Close stops the northbound server of the instance.
func (n *NetworkInstance) Close() {
	if n.apiServer != nil {
		if err := n.apiServer.Close(); err != nil {
			logger.AppLog.Warnf("could not stop MSC/MGW api server: %v", err)
		}
	}
}
