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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	s, err := NewStore("", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore("sqlite", "x.db")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)

	_, err = NewStore("etcd", "")
	assert.Error(t, err)
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	assert.Error(t, NewSQLiteStore("").Init(context.Background()))
}

func TestListPersistsThroughSQLite(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "neighbors.db")

	store := NewSQLiteStore(dbPath)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() {
		_ = store.Close()
	})

	l := NewList(store)
	_, err := l.Add(ctx, Key{Arfcn: 1}, lacCi(1, 1))
	require.NoError(t, err)
	_, err = l.Add(ctx, Key{Arfcn: 2, BsicKind: Bsic6Bit, Bsic: 7}, lacCi(2, 2))
	require.NoError(t, err)
	_, err = l.Add(ctx, Key{Arfcn: 1}, lacCi(1, 3))
	require.NoError(t, err)
	_, err = l.Add(ctx, Key{Arfcn: 3}, lacCi(3, 3))
	require.NoError(t, err)
	ok, err := l.Del(ctx, Key{Arfcn: 3})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Close())
	reopened := NewSQLiteStore(dbPath)
	require.NoError(t, reopened.Init(ctx))
	t.Cleanup(func() {
		_ = reopened.Close()
	})

	restored := NewList(reopened)
	require.NoError(t, restored.Load(ctx))
	entries := restored.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, Key{Arfcn: 1}, entries[0].Key)
	assert.Equal(t, 2, entries[0].Cells.Len())
	assert.Equal(t, Key{Arfcn: 2, BsicKind: Bsic6Bit, Bsic: 7}, entries[1].Key)

	require.NoError(t, restored.Clear(ctx))
	loaded, err := reopened.LoadEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestMemoryStoreKeepsOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Init(ctx))

	l := NewList(store)
	for _, arfcn := range []uint16{5, 1, 9} {
		_, err := l.Add(ctx, Key{Arfcn: arfcn}, lacCi(arfcn, arfcn))
		require.NoError(t, err)
	}

	restored := NewList(store)
	require.NoError(t, restored.Load(ctx))
	var order []uint16
	for _, e := range restored.Entries() {
		order = append(order, e.Key.Arfcn)
	}
	assert.Equal(t, []uint16{5, 1, 9}, order)
	assert.NoError(t, CloseIfSupported(store))
}
