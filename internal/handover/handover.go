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


package handover

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/utils"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/penalty"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

var (
	ErrInterBscNotImplemented = errors.New("inter-BSC handover not implemented")
	ErrUnknownNeighbor        = errors.New("neighbor does not belong to this network")
	ErrAlgorithmExists        = errors.New("handover algorithm already registered")
	ErrHandoverInProgress     = errors.New("handover already in progress")
	ErrNoSubscriber           = errors.New("channel carries no subscriber connection")
)

// Scope is a bit set so that counts can cover several kinds at once.
type Scope int

const (
	ScopeNone       Scope = 0
	ScopeIntraCell  Scope = 0x1
	ScopeIntraBsc   Scope = 0x2
	ScopeInterBscMO Scope = 0x4
	ScopeInterBscMT Scope = 0x8
	ScopeAll        Scope = 0xf
)

var scopeNames = map[Scope]string{
	ScopeNone:       "No Handover",
	ScopeIntraCell:  "Assignment",
	ScopeIntraBsc:   "Handover",
	ScopeInterBscMO: "Inter-BSC-Handover (MO)",
	ScopeInterBscMT: "Inter-BSC-Handover (MT)",
	ScopeAll:        "Any Handover",
}

func (s Scope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("scope 0x%x", int(s))
}

type Result int

const (
	ResultOK Result = iota
	ResultFailNoChannel
	ResultFailRRHoFail
	ResultFailTimeout
	ResultConnRelease
	ResultError
)

var resultNames = map[Result]string{
	ResultOK:            "Complete",
	ResultFailNoChannel: "Failure (no channel could be allocated)",
	ResultFailRRHoFail:  "Failure (MS sent RR Handover Failure)",
	ResultFailTimeout:   "Failure (timeout)",
	ResultConnRelease:   "Connection released",
	ResultError:         "Failure",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "Failure"
}

// Handover is the record of one handover or intra-cell assignment in
// progress. The owning connection holds it until the procedure ends.
type Handover struct {
	Scope       Scope
	OldChan     radio.ChanHandle
	NewChan     radio.ChanHandle
	NewBtsNr    int
	NewType     models.ChanType
	InterCell   bool
	AlgorithmID int
	Started     time.Time

	sub      Subscriber
	oldBtsNr int
	span     trace.Span
	t3103    utils.Timer
	ended    bool
}

func (ho *Handover) String() string {
	return fmt.Sprintf("%s bts %d -> bts %d %s", ho.Scope, ho.oldBtsNr, ho.NewBtsNr, ho.NewType)
}

// OldBtsNr is the BTS the connection is moving away from.
func (ho *Handover) OldBtsNr() int {
	return ho.oldBtsNr
}

func (ho *Handover) Subscriber() Subscriber {
	return ho.sub
}

// DecisionState is what a decision algorithm remembers per connection.
type DecisionState struct {
	Penalties *penalty.Set
	Failures  int
}

func NewDecisionState(now func() time.Time) *DecisionState {
	return &DecisionState{Penalties: penalty.NewSet(now)}
}

// Subscriber is the view of a subscriber connection the handover code needs.
type Subscriber interface {
	ID() models.ConnID
	Chan() radio.ChanHandle
	SecondaryChan() radio.ChanHandle
	Handover() *Handover
	DecisionState() *DecisionState
	// CodecList is the speech codec list agreed with the MSC. nil means
	// none was received.
	CodecList() []models.SpeechCodecType
	// RequestHandover hands a new record to the connection FSM, which calls
	// Logic.Start when it accepts it.
	RequestHandover(ho *Handover) error
	// HandoverEnded tells the connection how its handover ended.
	HandoverEnded(ho *Handover, result Result)
}

type Subscribers interface {
	Subscriber(id models.ConnID) Subscriber
}

// Algorithm is a pluggable handover decision engine.
type Algorithm interface {
	ID() int
	OnMeasurementReport(ch *radio.Channel, mr *models.MeasRep)
	OnChanActivNack(ho *Handover)
	OnHandoverFailure(ho *Handover)
}

// Registry keeps the decision algorithms in registration order.
type Registry struct {
	algs []Algorithm
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(a Algorithm) error {
	if r.Get(a.ID()) != nil {
		return errors.Wrapf(ErrAlgorithmExists, "id %d", a.ID())
	}
	r.algs = append(r.algs, a)
	return nil
}

func (r *Registry) Get(id int) Algorithm {
	for _, a := range r.algs {
		if a.ID() == id {
			return a
		}
	}
	return nil
}

func (r *Registry) IDs() []int {
	ids := make([]int, 0, len(r.algs))
	for _, a := range r.algs {
		ids = append(ids, a.ID())
	}
	return ids
}
