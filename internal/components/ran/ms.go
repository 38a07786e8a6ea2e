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
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/measgen"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/monitoring"
)

// Layer 3 messages the simulated MS sends. Only the protocol discriminator
// and message type matter to the simulated MSC.
var (
	CmServiceRequest = []byte{0x05, 0x24, 0x11, 0x03, 0x57, 0x58, 0xa6}
	CcDisconnect     = []byte{0x03, 0x25, 0x02, 0xe0, 0x90}
	SmsCpData        = []byte{0x09, 0x01, 0x05, 0x00, 0x01, 0x00, 0x00}
)

// An Ms is one simulated mobile station together with the BTS side of its
// radio link: it acknowledges channel activations and answers RR commands.
type Ms struct {
	mu  sync.Mutex
	Id  string
	pop *Population
	log *logrus.Entry
	rng *rand.Rand

	state  models.MsState
	radio  models.RadioCondition
	gen    measgen.Generator
	connId models.ConnID
	chanNr uint32
	stats  *models.DtapStats
}

type MsInfo struct {
	Id     string        `json:"id"`
	State  string        `json:"state"`
	Radio  string        `json:"radio"`
	Bts    int           `json:"bts"`
	ConnId models.ConnID `json:"connId,omitempty"`
	Chan   uint32        `json:"chan,omitempty"`
}

func (ms *Ms) Info() MsInfo {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return MsInfo{
		Id:     ms.Id,
		State:  ms.state.String(),
		Radio:  ms.radio.String(),
		Bts:    ms.gen.Serving(),
		ConnId: ms.connId,
		Chan:   ms.chanNr,
	}
}

func (ms *Ms) State() models.MsState {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state
}

func (ms *Ms) setState(s models.MsState) {
	if s == ms.state {
		return
	}
	monitoring.MsTotal.WithLabelValues(ms.pop.simId, ms.state.String()).Dec()
	monitoring.MsTotal.WithLabelValues(ms.pop.simId, s.String()).Inc()
	ms.log.Debugf("%s -> %s", ms.state, s)
	ms.state = s
}

func (ms *Ms) connected() bool {
	return ms.connId != "" && ms.chanNr != 0
}

func (ms *Ms) toBsc(kind models.RadioEventKind, msg *models.MsToBscMsg) {
	msg.Kind = kind
	msg.TimeStamp = time.Now()
	msg.MsId = ms.Id
	msg.ConnId = ms.connId
	msg.BtsNr = ms.gen.Serving()
	if msg.Chan == 0 {
		msg.Chan = ms.chanNr
	}
	if err := ms.pop.send(ms.Id, models.BscTask, models.MsToBscType, msg); err != nil {
		ms.log.Errorf("sending %s to the BSC: %v", kind, err)
	}
}

// rtpAddr is where the BTS terminates the RTP stream of a channel.
func rtpAddr(btsNr int, chanNr uint32) (string, uint16) {
	return fmt.Sprintf("172.16.%d.1", btsNr), 16384 + uint16(chanNr%4096)*2
}

// tick advances the radio and call state by one measurement period.
func (ms *Ms) tick() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var radioProc models.MsProcedure
	ms.radio, radioProc = NextState(radioTransitions, ms.radio, ms.rng.Float64())
	if radioProc == models.LossOfRadio && ms.connected() {
		ms.log.Info("radio link lost")
		ms.toBsc(models.RadioConnFailure, &models.MsToBscMsg{})
		return
	}

	next, proc := NextState(callTransitions, ms.state, ms.rng.Float64())
	switch proc {
	case models.CallSetup:
		ms.log.Info("call setup")
		ms.toBsc(models.RadioConnRequest, &models.MsToBscMsg{Payload: CmServiceRequest})
		ms.setState(next)
	case models.SmsTransfer:
		if ms.connected() {
			ms.sendDtap(SmsCpData)
		}
	case models.CallRelease:
		if ms.connected() {
			ms.log.Info("call release")
			ms.sendDtap(CcDisconnect)
		} else {
			ms.setState(next)
		}
	}

	if ms.connected() {
		mr := ms.gen.NextReport(ms.radio)
		ms.toBsc(models.RadioMeasReport, &models.MsToBscMsg{MeasRep: mr})
	}
}

func (ms *Ms) sendDtap(payload []byte) {
	ms.stats.NewMessage(true, int64(len(payload)), time.Now())
	ms.toBsc(models.RadioMoDtap, &models.MsToBscMsg{Payload: payload})
}

// handle runs a command of the BSC on the MS task.
func (ms *Ms) handle(cmd *models.BscToMsMsg) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	switch cmd.Kind {
	case models.RadioConnAccepted:
		ms.connId = cmd.ConnId
		ms.chanNr = cmd.Chan
		ms.setState(models.MsDedicated)
		ms.pop.bind(cmd.ConnId, ms)
		ms.log.Infof("on SDCCH %d, connection %s", cmd.Chan, cmd.ConnId)

	case models.RadioChanActivate:
		if ms.rng.Float64() < ms.pop.cfg.ActivNackRatio {
			ms.toBsc(models.RadioChanActivNack, &models.MsToBscMsg{Chan: cmd.Chan})
			return
		}
		ms.toBsc(models.RadioChanActivAck, &models.MsToBscMsg{Chan: cmd.Chan})

	case models.RadioAssignmentCommand:
		ms.chanNr = cmd.Chan
		if cmd.Mode.IsSpeech() {
			ms.setState(models.MsInCall)
		}
		ip, port := rtpAddr(ms.gen.Serving(), cmd.Chan)
		ms.toBsc(models.RadioAssignmentComplete, &models.MsToBscMsg{BoundIP: ip, BoundPort: port})

	case models.RadioHandoverCommand:
		prev := ms.state
		ms.setState(models.MsHandover)
		if ms.rng.Float64() < ms.pop.cfg.HoFailureRatio {
			ms.log.Infof("handover to bts %d failed, back on %d", cmd.BtsNr, ms.chanNr)
			ms.toBsc(models.RadioHandoverFailure, &models.MsToBscMsg{Chan: cmd.Chan})
			ms.setState(prev)
			return
		}
		ms.chanNr = cmd.Chan
		ms.gen.SetServing(cmd.BtsNr)
		ip, port := rtpAddr(cmd.BtsNr, cmd.Chan)
		ms.toBsc(models.RadioHandoverComplete, &models.MsToBscMsg{BoundIP: ip, BoundPort: port})
		ms.setState(prev)

	case models.RadioModeModify:
		if cmd.Mode.IsSpeech() {
			ms.setState(models.MsInCall)
		}
		ms.toBsc(models.RadioModeModifyAck, &models.MsToBscMsg{Chan: cmd.Chan})

	case models.RadioPdchRelease:
		ms.toBsc(models.RadioPdchReleased, &models.MsToBscMsg{Chan: cmd.Chan})

	case models.RadioMtDtap:
		ms.stats.NewMessage(false, int64(len(cmd.Payload)), time.Now())

	case models.RadioChanRelease:
		// releases of a channel the MS already left are ignored
		if cmd.Chan != ms.chanNr && cmd.ConnId != "" {
			return
		}
		ms.log.Infof("channel %d released, idle", cmd.Chan)
		ms.pop.unbind(ms.connId)
		ms.connId = ""
		ms.chanNr = 0
		ms.setState(models.MsIdle)
	}
}

func (ms *Ms) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ms.tick()
		case <-ctx.Done():
			return
		}
	}
}

func newMs(p *Population, id string, gen measgen.Generator, rng *rand.Rand) *Ms {
	return &Ms{
		Id:    id,
		pop:   p,
		log:   logger.MsLog.WithField("ms", id),
		rng:   rng,
		state: models.MsIdle,
		radio: models.RadioGood,
		gen:   gen,
		stats: models.NewDtapStats(time.Now()),
	}
}
