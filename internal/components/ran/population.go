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
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/giuliocarot0/gitc"
	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/measgen"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
)

type PopulationConfig struct {
	NumOfMs        int           `yaml:"numOfMs" json:"numOfMs"`
	ArrivalRate    float64       `yaml:"arrivalRate" json:"arrivalRate"`
	Mobility       string        `yaml:"mobility" json:"mobility"`
	MeasInterval   time.Duration `yaml:"measInterval" json:"measInterval"`
	ActivNackRatio float64       `yaml:"activNackRatio" json:"activNackRatio"`
	HoFailureRatio float64       `yaml:"hoFailureRatio" json:"hoFailureRatio"`
	ImsiPrefix     string        `yaml:"imsiPrefix" json:"imsiPrefix"`
}

func DefaultPopulationConfig() PopulationConfig {
	return PopulationConfig{
		NumOfMs:      10,
		ArrivalRate:  1,
		Mobility:     measgen.ProfilePedestrian,
		MeasInterval: 480 * time.Millisecond,
		ImsiPrefix:   "00101",
	}
}

// Population is the set of simulated mobile stations. It runs as the MS gitc
// task and routes the BSC commands to the addressed MS.
type Population struct {
	cfg   PopulationConfig
	cells []measgen.Cell
	simId string
	send  models.SendFunc

	mu     sync.RWMutex
	ms     map[string]*Ms
	byConn map[models.ConnID]*Ms

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPopulation(cfg PopulationConfig, cells []measgen.Cell, simId string, send models.SendFunc) *Population {
	if cfg.MeasInterval <= 0 {
		cfg.MeasInterval = DefaultPopulationConfig().MeasInterval
	}
	if cfg.ImsiPrefix == "" {
		cfg.ImsiPrefix = DefaultPopulationConfig().ImsiPrefix
	}
	return &Population{
		cfg:    cfg,
		cells:  cells,
		simId:  simId,
		send:   send,
		ms:     make(map[string]*Ms),
		byConn: make(map[models.ConnID]*Ms),
	}
}

func (p *Population) InitPopulation() error {
	if len(p.cells) == 0 {
		return errors.New("no cells to camp on")
	}
	probe := rand.New(rand.NewPCG(1, 1))
	if _, err := measgen.New(p.cfg.Mobility, p.cells, p.cells[0].BtsNr, probe); err != nil {
		return err
	}
	err := gitc.StartTask(models.MsTask, p.HandleMessage, 1024)
	return errors.Wrap(err, "could not start MS task")
}

// HandleMessage is the MS task body.
func (p *Population) HandleMessage(msg gitc.Message) {
	switch msg.Type {
	case models.BscToMsType:
		if cmd, ok := msg.Payload.(*models.BscToMsMsg); ok {
			p.Handle(cmd)
		}
	default:
		logger.MsLog.Warnf("unexpected message type %d from %s", msg.Type, msg.From)
	}
}

// Add creates an MS camping on the BTS servingBts without starting its clock.
func (p *Population) Add(id string, servingBts int, seed uint64) (*Ms, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	gen, err := measgen.New(p.cfg.Mobility, p.cells, servingBts, rng)
	if err != nil {
		return nil, errors.Wrapf(err, "ms %s", id)
	}
	ms := newMs(p, id, gen, rng)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.ms[id]; dup {
		return nil, errors.Errorf("ms %s already exists", id)
	}
	p.ms[id] = ms
	monitoring.MsTotal.WithLabelValues(p.simId, ms.state.String()).Inc()
	return ms, nil
}

// Start spawns the configured number of MSs, spaced by exponential
// inter-arrival times, each one ticking on its own goroutine.
func (p *Population) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for i := 0; i < p.cfg.NumOfMs; i++ {
			if p.cfg.ArrivalRate > 0 {
				select {
				case <-time.After(expRand(p.cfg.ArrivalRate)):
				case <-ctx.Done():
					return
				}
			}
			id := fmt.Sprintf("%s%010d", p.cfg.ImsiPrefix, i+1)
			cell := p.cells[rand.IntN(len(p.cells))]
			ms, err := p.Add(id, cell.BtsNr, rand.Uint64())
			if err != nil {
				logger.MsLog.Errorf("cannot power up: %v", err)
				continue
			}
			ms.log.Infof("powered up on bts %d", cell.BtsNr)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				ms.run(ctx, p.cfg.MeasInterval)
			}()
		}
	}()
}

// Stop halts every MS clock and forgets the population. Connections still
// held on the BSC side are cleared by the caller.
func (p *Population) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
		p.cancel = nil
	}
	p.mu.Lock()
	gone := p.ms
	p.ms = make(map[string]*Ms)
	p.byConn = make(map[models.ConnID]*Ms)
	p.mu.Unlock()

	for _, ms := range gone {
		monitoring.MsTotal.WithLabelValues(p.simId, ms.State().String()).Dec()
	}
}

// Handle routes a BSC command by connection, falling back to the MS identity
// for commands sent before the connection is known to the MS.
func (p *Population) Handle(cmd *models.BscToMsMsg) {
	p.mu.RLock()
	ms := p.byConn[cmd.ConnId]
	if ms == nil || cmd.ConnId == "" {
		ms = p.ms[cmd.MsId]
	}
	p.mu.RUnlock()
	if ms == nil {
		// channel activations for handover arrive before any MS owns the channel
		if cmd.Kind == models.RadioChanActivate {
			p.ackActivation(cmd)
			return
		}
		logger.MsLog.Debugf("no ms for command %d (ms %q, conn %q)", cmd.Kind, cmd.MsId, cmd.ConnId)
		return
	}
	ms.handle(cmd)
}

func (p *Population) ackActivation(cmd *models.BscToMsMsg) {
	msg := &models.MsToBscMsg{
		Kind:      models.RadioChanActivAck,
		TimeStamp: time.Now(),
		ConnId:    cmd.ConnId,
		BtsNr:     cmd.BtsNr,
		Chan:      cmd.Chan,
	}
	if err := p.send(models.MsTask, models.BscTask, models.MsToBscType, msg); err != nil {
		logger.MsLog.Errorf("sending activation ack: %v", err)
	}
}

func (p *Population) Get(id string) *Ms {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ms[id]
}

func (p *Population) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ms)
}

func (p *Population) List() []MsInfo {
	p.mu.RLock()
	all := make([]*Ms, 0, len(p.ms))
	for _, ms := range p.ms {
		all = append(all, ms)
	}
	p.mu.RUnlock()

	infos := make([]MsInfo, 0, len(all))
	for _, ms := range all {
		infos = append(infos, ms.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Id < infos[j].Id })
	return infos
}

func (p *Population) bind(id models.ConnID, ms *Ms) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byConn[id] = ms
}

func (p *Population) unbind(id models.ConnID) {
	if id == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byConn, id)
}

// exponential random variable with mean 1/λ
func expRand(lambda float64) time.Duration {
	u := rand.Float64()
	return time.Duration(-math.Log(1-u) / lambda * float64(time.Second))
}
