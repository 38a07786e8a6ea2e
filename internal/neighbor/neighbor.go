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


package neighbor

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

var ErrBsicRange = errors.New("BSIC value out of range for its kind")

type BsicKind int

const (
	// BsicNone matches any BSIC on the ARFCN.
	BsicNone BsicKind = iota
	Bsic6Bit
	Bsic9Bit
)

func (k BsicKind) mask() uint16 {
	switch k {
	case Bsic6Bit:
		return 0x3f
	case Bsic9Bit:
		return 0x1ff
	default:
		return 0
	}
}

// Key identifies a neighbor cell the way the MS sees it.
type Key struct {
	Arfcn    uint16   `json:"arfcn" yaml:"arfcn"`
	BsicKind BsicKind `json:"bsicKind" yaml:"bsicKind"`
	Bsic     uint16   `json:"bsic" yaml:"bsic"`
}

func (k Key) String() string {
	switch k.BsicKind {
	case Bsic6Bit:
		return fmt.Sprintf("ARFCN %d BSIC %d", k.Arfcn, k.Bsic&0x3f)
	case Bsic9Bit:
		return fmt.Sprintf("ARFCN %d BSIC %d(9bit)", k.Arfcn, k.Bsic&0x1ff)
	default:
		return fmt.Sprintf("ARFCN %d (any BSIC)", k.Arfcn)
	}
}

func (k Key) checkRange() error {
	switch k.BsicKind {
	case Bsic6Bit:
		if k.Bsic > 0x3f {
			return errors.Wrapf(ErrBsicRange, "%d > 63", k.Bsic)
		}
	case Bsic9Bit:
		if k.Bsic > 0x1ff {
			return errors.Wrapf(ErrBsicRange, "%d > 511", k.Bsic)
		}
	}
	return nil
}

// Match tells whether a stored entry key satisfies search. Without exact,
// an entry with BsicNone matches any BSIC on its ARFCN, and a search with
// BsicNone matches any entry on that ARFCN. With exact, the BSIC kinds must
// be identical.
func Match(entry, search Key, exact bool) bool {
	if entry.Arfcn != search.Arfcn {
		return false
	}

	switch entry.BsicKind {
	case BsicNone:
		if !exact {
			return true
		}
	case Bsic6Bit, Bsic9Bit:
	default:
		return false
	}

	if !exact && search.BsicKind == BsicNone {
		return true
	}
	mask := entry.BsicKind.mask()
	return search.BsicKind == entry.BsicKind && search.Bsic&mask == entry.Bsic&mask
}

// Entry is one neighbor key with the core network cell identifiers it maps to.
type Entry struct {
	Key   Key               `json:"key"`
	Cells models.CellIdList `json:"cells"`
}

// List is the neighbor identity store. Entries keep insertion order, which
// decides among several wildcard matches. When a Store is attached every
// mutation is written through before it becomes visible.
type List struct {
	mu      sync.RWMutex
	entries []*Entry
	store   Store
}

func NewList(store Store) *List {
	return &List{store: store}
}

// Load replaces the in-memory entries with the content of the store.
func (l *List) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	loaded, err := l.store.LoadEntries(ctx)
	if err != nil {
		return errors.Wrap(err, "load neighbor entries")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
	for i := range loaded {
		e := loaded[i]
		l.entries = append(l.entries, &e)
	}
	logger.NeighLog.Infof("loaded %d neighbor entries", len(l.entries))
	return nil
}

func (l *List) find(key Key, exact bool) *Entry {
	var wildcard *Entry
	for _, e := range l.entries {
		if Match(e.Key, key, true) {
			return e
		}
		if !exact && Match(e.Key, key, false) {
			wildcard = e
		}
	}
	return wildcard
}

// Add creates the entry for key or appends cells to the one that exists.
// It returns the resulting number of identifiers.
func (l *List) Add(ctx context.Context, key Key, cells *models.CellIdList) (int, error) {
	if err := key.checkRange(); err != nil {
		return 0, err
	}
	if cells == nil {
		cells = &models.CellIdList{Kind: models.CellIdBss}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.find(key, true)
	var next *Entry
	if existing == nil {
		next = &Entry{Key: key, Cells: *cells.Clone()}
	} else {
		merged := existing.Cells.Clone()
		if _, err := merged.Add(cells); err != nil {
			return existing.Cells.Len(), errors.Wrapf(err, "add to %s", key)
		}
		next = &Entry{Key: existing.Key, Cells: *merged}
	}

	if l.store != nil {
		if err := l.store.SaveEntry(ctx, *next); err != nil {
			return 0, errors.Wrapf(err, "persist %s", key)
		}
	}

	if existing == nil {
		l.entries = append(l.entries, next)
	} else {
		existing.Cells = next.Cells
	}
	logger.NeighLog.Debugf("%s -> %s", key, next.Cells.String())
	return next.Cells.Len(), nil
}

// Get returns a copy of the identifiers for key. An exact match wins over a
// wildcard one; among wildcard matches the last added wins.
func (l *List) Get(key Key) *models.CellIdList {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e := l.find(key, false)
	if e == nil {
		return nil
	}
	return e.Cells.Clone()
}

// Del removes the entry with exactly this key.
func (l *List) Del(ctx context.Context, key Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if !Match(e.Key, key, true) {
			continue
		}
		if l.store != nil {
			if err := l.store.DeleteEntry(ctx, e.Key); err != nil {
				return false, errors.Wrapf(err, "delete %s", key)
			}
		}
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
		return true, nil
	}
	return false, nil
}

func (l *List) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		if err := l.store.ClearEntries(ctx); err != nil {
			return errors.Wrap(err, "clear neighbor entries")
		}
	}
	l.entries = nil
	return nil
}

// Iter calls fn for every entry in insertion order until fn returns false.
// fn must not modify the list.
func (l *List) Iter(fn func(key Key, cells *models.CellIdList) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if !fn(e.Key, &e.Cells) {
			return
		}
	}
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a snapshot of all entries.
func (l *List) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, Entry{Key: e.Key, Cells: *e.Cells.Clone()})
	}
	return out
}
