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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

func lacCi(pairs ...uint16) *models.CellIdList {
	l := &models.CellIdList{Kind: models.CellIdLacAndCi}
	for i := 0; i+1 < len(pairs); i += 2 {
		l.Ids = append(l.Ids, models.CellIdentifier{Lac: pairs[i], Ci: pairs[i+1]})
	}
	return l
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "ARFCN 10 (any BSIC)", Key{Arfcn: 10}.String())
	assert.Equal(t, "ARFCN 10 BSIC 63", Key{Arfcn: 10, BsicKind: Bsic6Bit, Bsic: 63}.String())
	assert.Equal(t, "ARFCN 10 BSIC 300(9bit)", Key{Arfcn: 10, BsicKind: Bsic9Bit, Bsic: 300}.String())
}

func TestMatch(t *testing.T) {
	wild := Key{Arfcn: 1}
	six := Key{Arfcn: 1, BsicKind: Bsic6Bit, Bsic: 2}

	assert.True(t, Match(wild, six, false))
	assert.False(t, Match(wild, six, true))
	assert.True(t, Match(wild, wild, true))
	assert.True(t, Match(six, six, true))
	assert.True(t, Match(six, wild, false))
	assert.False(t, Match(six, wild, true))
	assert.False(t, Match(six, Key{Arfcn: 1, BsicKind: Bsic6Bit, Bsic: 3}, false))
	assert.False(t, Match(six, Key{Arfcn: 2, BsicKind: Bsic6Bit, Bsic: 2}, false))
	assert.False(t, Match(six, Key{Arfcn: 1, BsicKind: Bsic9Bit, Bsic: 2}, false))
	assert.False(t, Match(Key{Arfcn: 1, BsicKind: BsicKind(9)}, six, false))
}

func TestAddThenGetExact(t *testing.T) {
	ctx := context.Background()
	l := NewList(nil)
	key := Key{Arfcn: 20, BsicKind: Bsic6Bit, Bsic: 5}

	n, err := l.Add(ctx, key, lacCi(1, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := l.Get(key)
	require.NotNil(t, got)
	assert.Equal(t, lacCi(1, 100).Ids, got.Ids)
	assert.Nil(t, l.Get(Key{Arfcn: 21, BsicKind: Bsic6Bit, Bsic: 5}))
}

func TestWildcardOnlyWithoutExact(t *testing.T) {
	ctx := context.Background()
	l := NewList(nil)

	_, err := l.Add(ctx, Key{Arfcn: 1}, lacCi(1, 1))
	require.NoError(t, err)
	_, err = l.Add(ctx, Key{Arfcn: 1, BsicKind: Bsic6Bit, Bsic: 2}, lacCi(2, 2))
	require.NoError(t, err)

	got := l.Get(Key{Arfcn: 1, BsicKind: Bsic6Bit, Bsic: 2})
	require.NotNil(t, got)
	assert.Equal(t, uint16(2), got.Ids[0].Ci)

	got = l.Get(Key{Arfcn: 1, BsicKind: Bsic6Bit, Bsic: 7})
	require.NotNil(t, got)
	assert.Equal(t, uint16(1), got.Ids[0].Ci)
}

func TestAddAppendsUpToCapacity(t *testing.T) {
	ctx := context.Background()
	l := NewList(nil)
	key := Key{Arfcn: 3, BsicKind: Bsic6Bit, Bsic: 1}

	_, err := l.Add(ctx, key, lacCi(1, 1))
	require.NoError(t, err)
	n, err := l.Add(ctx, key, lacCi(1, 2, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "second add appends and skips the duplicate")
	assert.Equal(t, 1, l.Len())

	full := &models.CellIdList{Kind: models.CellIdLacAndCi}
	for ci := uint16(10); full.Len() < models.CellIdListCapacity-2; ci++ {
		full.Ids = append(full.Ids, models.CellIdentifier{Lac: 1, Ci: ci})
	}
	n, err = l.Add(ctx, key, full)
	require.NoError(t, err)
	assert.Equal(t, models.CellIdListCapacity, n)

	_, err = l.Add(ctx, key, lacCi(9, 9))
	require.Error(t, err)
	assert.Equal(t, models.ErrCellIdListFull, errors.Cause(err))
	assert.Equal(t, models.CellIdListCapacity, l.Get(key).Len())
}

func TestAddRejectsOtherKind(t *testing.T) {
	ctx := context.Background()
	l := NewList(nil)
	key := Key{Arfcn: 3}

	_, err := l.Add(ctx, key, lacCi(1, 1))
	require.NoError(t, err)
	_, err = l.Add(ctx, key, &models.CellIdList{Kind: models.CellIdCi, Ids: []models.CellIdentifier{{Ci: 5}}})
	assert.Equal(t, models.ErrCellIdKindMismatch, errors.Cause(err))
}

func TestAddBsicRange(t *testing.T) {
	ctx := context.Background()
	l := NewList(nil)

	_, err := l.Add(ctx, Key{Arfcn: 1, BsicKind: Bsic6Bit, Bsic: 64}, lacCi(1, 1))
	assert.Equal(t, ErrBsicRange, errors.Cause(err))
	_, err = l.Add(ctx, Key{Arfcn: 1, BsicKind: Bsic9Bit, Bsic: 512}, lacCi(1, 1))
	assert.Equal(t, ErrBsicRange, errors.Cause(err))
	_, err = l.Add(ctx, Key{Arfcn: 1, BsicKind: Bsic9Bit, Bsic: 511}, lacCi(1, 1))
	assert.NoError(t, err)
	assert.Equal(t, 1, l.Len())
}

func TestDelClearIter(t *testing.T) {
	ctx := context.Background()
	l := NewList(nil)
	for arfcn := uint16(1); arfcn <= 3; arfcn++ {
		_, err := l.Add(ctx, Key{Arfcn: arfcn}, lacCi(arfcn, arfcn))
		require.NoError(t, err)
	}

	var seen []uint16
	l.Iter(func(key Key, _ *models.CellIdList) bool {
		seen = append(seen, key.Arfcn)
		return key.Arfcn < 2
	})
	assert.Equal(t, []uint16{1, 2}, seen)

	ok, err := l.Del(ctx, Key{Arfcn: 2, BsicKind: Bsic6Bit, Bsic: 1})
	require.NoError(t, err)
	assert.False(t, ok, "delete needs the exact key")

	ok, err = l.Del(ctx, Key{Arfcn: 2})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, l.Len())

	require.NoError(t, l.Clear(ctx))
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Get(Key{Arfcn: 1}))
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	l := NewList(nil)
	key := Key{Arfcn: 4}
	_, err := l.Add(ctx, key, lacCi(1, 1))
	require.NoError(t, err)

	got := l.Get(key)
	got.Ids[0].Ci = 99
	assert.Equal(t, uint16(1), l.Get(key).Ids[0].Ci)
}
