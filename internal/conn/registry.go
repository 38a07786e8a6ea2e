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

package conn

import (
	"sort"

	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

var ErrConnExists = errors.New("connection id already in use")

// Registry holds every live connection. A connection removes itself when
// it terminates.
type Registry struct {
	deps  *Deps
	conns map[models.ConnID]*Conn
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:  &deps,
		conns: make(map[models.ConnID]*Conn),
	}
}

// SetLogic attaches the handover logic, which itself needs the registry.
func (r *Registry) SetLogic(l *handover.Logic) {
	r.deps.Logic = l
}

func (r *Registry) Deps() *Deps {
	return r.deps
}

// Create starts a connection in Init for the signalling channel lchan.
func (r *Registry) Create(id models.ConnID, lchan radio.ChanHandle) (*Conn, error) {
	if _, ok := r.conns[id]; ok {
		return nil, errors.Wrapf(ErrConnExists, "%s", id)
	}
	c := newConn(id, lchan, r.deps)
	c.onTerminate = func(c *Conn) {
		delete(r.conns, c.id)
	}
	r.conns[id] = c
	return c, nil
}

func (r *Registry) Get(id models.ConnID) *Conn {
	return r.conns[id]
}

// Subscriber implements handover.Subscribers.
func (r *Registry) Subscriber(id models.ConnID) handover.Subscriber {
	if c := r.conns[id]; c != nil {
		return c
	}
	return nil
}

// ByChan finds the connection holding h as primary or secondary channel.
func (r *Registry) ByChan(h radio.ChanHandle) *Conn {
	if h == 0 {
		return nil
	}
	for _, c := range r.conns {
		if c.lchan == h || c.secondary == h {
			return c
		}
	}
	return nil
}

// List returns the connections ordered by id.
func (r *Registry) List() []*Conn {
	list := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

func (r *Registry) Len() int {
	return len(r.conns)
}

// Dispatch delivers ev to connection id.
func (r *Registry) Dispatch(id models.ConnID, ev Event) error {
	c := r.conns[id]
	if c == nil {
		return errors.Errorf("unknown connection %s", id)
	}
	return c.Dispatch(ev)
}

// ClearAll terminates every connection, used when the simulation stops.
func (r *Registry) ClearAll() {
	for _, c := range r.List() {
		c.terminate("BSC stopped")
	}
}

var _ handover.Subscribers = (*Registry)(nil)
var _ handover.Subscriber = (*Conn)(nil)
