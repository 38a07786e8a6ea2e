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

package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// CellIdListCapacity is the 48.008 limit of identifiers in one Cell
// Identifier List.
const CellIdListCapacity = 127

var (
	ErrCellIdListFull     = errors.New("cell identifier list capacity exceeded")
	ErrCellIdKindMismatch = errors.New("cell identifier kind differs from list kind")
)

type CellIdKind int

const (
	CellIdWholeGlobal CellIdKind = iota
	CellIdLacAndCi
	CellIdCi
	CellIdLai
	CellIdLac
	CellIdBss
)

var cellIdKindNames = map[CellIdKind]string{
	CellIdWholeGlobal: "CGI",
	CellIdLacAndCi:    "LAC-CI",
	CellIdCi:          "CI",
	CellIdLai:         "LAI",
	CellIdLac:         "LAC",
	CellIdBss:         "BSS",
}

func (k CellIdKind) String() string {
	if name, ok := cellIdKindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

func ParseCellIdKind(s string) (CellIdKind, bool) {
	for k, name := range cellIdKindNames {
		if strings.EqualFold(name, s) {
			return k, true
		}
	}
	return CellIdBss, false
}

// CellIdentifier holds the union of all identifier fields. Only the fields
// meaningful for the list kind are compared.
type CellIdentifier struct {
	Mcc uint16 `json:"mcc,omitempty" yaml:"mcc,omitempty"`
	Mnc uint16 `json:"mnc,omitempty" yaml:"mnc,omitempty"`
	Lac uint16 `json:"lac,omitempty" yaml:"lac,omitempty"`
	Ci  uint16 `json:"ci,omitempty" yaml:"ci,omitempty"`
}

func (id CellIdentifier) equal(other CellIdentifier, kind CellIdKind) bool {
	switch kind {
	case CellIdWholeGlobal:
		return id == other
	case CellIdLacAndCi:
		return id.Lac == other.Lac && id.Ci == other.Ci
	case CellIdCi:
		return id.Ci == other.Ci
	case CellIdLai:
		return id.Mcc == other.Mcc && id.Mnc == other.Mnc && id.Lac == other.Lac
	case CellIdLac:
		return id.Lac == other.Lac
	default:
		return true
	}
}

func (id CellIdentifier) format(kind CellIdKind) string {
	switch kind {
	case CellIdWholeGlobal:
		return fmt.Sprintf("%03d-%02d-%d-%d", id.Mcc, id.Mnc, id.Lac, id.Ci)
	case CellIdLacAndCi:
		return fmt.Sprintf("%d-%d", id.Lac, id.Ci)
	case CellIdCi:
		return fmt.Sprintf("%d", id.Ci)
	case CellIdLai:
		return fmt.Sprintf("%03d-%02d-%d", id.Mcc, id.Mnc, id.Lac)
	case CellIdLac:
		return fmt.Sprintf("%d", id.Lac)
	default:
		return "BSS"
	}
}

// CellIdList is a 48.008 Cell Identifier List: one kind, many identifiers.
type CellIdList struct {
	Kind CellIdKind       `json:"kind" yaml:"kind"`
	Ids  []CellIdentifier `json:"ids,omitempty" yaml:"ids,omitempty"`
}

func (l *CellIdList) Len() int {
	return len(l.Ids)
}

func (l *CellIdList) Contains(id CellIdentifier) bool {
	for _, have := range l.Ids {
		if have.equal(id, l.Kind) {
			return true
		}
	}
	return false
}

// Add appends the identifiers of src that are not yet present. Either all
// new identifiers are appended or, on error, none is. Returns the number of
// identifiers added.
func (l *CellIdList) Add(src *CellIdList) (int, error) {
	if src == nil {
		return 0, nil
	}
	if src.Kind != l.Kind {
		if len(l.Ids) > 0 || l.Kind != CellIdBss {
			return 0, errors.Wrapf(ErrCellIdKindMismatch, "cannot add %s to %s list", src.Kind, l.Kind)
		}
	}

	var fresh []CellIdentifier
	for _, id := range src.Ids {
		if l.Contains(id) {
			continue
		}
		dup := false
		for _, f := range fresh {
			if f.equal(id, src.Kind) {
				dup = true
				break
			}
		}
		if !dup {
			fresh = append(fresh, id)
		}
	}
	if len(l.Ids)+len(fresh) > CellIdListCapacity {
		return 0, errors.Wrapf(ErrCellIdListFull, "%d + %d identifiers", len(l.Ids), len(fresh))
	}

	l.Kind = src.Kind
	l.Ids = append(l.Ids, fresh...)
	return len(fresh), nil
}

func (l *CellIdList) Clone() *CellIdList {
	c := &CellIdList{Kind: l.Kind}
	if len(l.Ids) > 0 {
		c.Ids = append([]CellIdentifier(nil), l.Ids...)
	}
	return c
}

func (l *CellIdList) String() string {
	parts := make([]string, 0, len(l.Ids))
	for _, id := range l.Ids {
		parts = append(parts, id.format(l.Kind))
	}
	return fmt.Sprintf("%s[%s]", l.Kind, strings.Join(parts, ","))
}
