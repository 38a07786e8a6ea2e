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


package radio

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
)

const TimeslotsPerTrx = 8

// Codec lists the speech codecs a BTS supports besides full rate V1.
type Codec struct {
	HR  bool `yaml:"hr" json:"hr"`
	EFR bool `yaml:"efr" json:"efr"`
	AMR bool `yaml:"amr" json:"amr"`
}

type TrxConfig struct {
	Arfcn     uint16   `yaml:"arfcn" json:"arfcn"`
	Disabled  bool     `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Timeslots []string `yaml:"timeslots" json:"timeslots"`
}

type BtsConfig struct {
	Nr       int                    `yaml:"nr" json:"nr"`
	Bsic     uint8                  `yaml:"bsic" json:"bsic"`
	Lac      uint16                 `yaml:"lac" json:"lac"`
	Ci       uint16                 `yaml:"ci" json:"ci"`
	Codec    Codec                  `yaml:"codec" json:"codec"`
	Handover *models.HandoverConfig `yaml:"handover,omitempty" json:"handover,omitempty"`
	Trx      []TrxConfig            `yaml:"trx" json:"trx"`
}

type Bts struct {
	Nr    int
	Bsic  uint8
	Lac   uint16
	Ci    uint16
	Codec Codec
	Ho    *models.HandoverConfig
	Trx   []*Trx
}

type Trx struct {
	Nr     int
	Arfcn  uint16
	Usable bool
	Ts     [TimeslotsPerTrx]*Timeslot

	bts *Bts
}

type Timeslot struct {
	Nr    int
	Pchan models.Pchan
	// PchanIs is what a dynamic timeslot currently runs as. Equal to Pchan
	// for static timeslots.
	PchanIs models.Pchan
	Usable  bool

	trx    *Trx
	lchans []*Channel
}

func (b *Bts) String() string {
	return fmt.Sprintf("bts=%d", b.Nr)
}

// C0 returns the BCCH carrier.
func (b *Bts) C0() *Trx {
	if len(b.Trx) == 0 {
		return nil
	}
	return b.Trx[0]
}

func (b *Bts) C0Arfcn() uint16 {
	if c0 := b.C0(); c0 != nil {
		return c0.Arfcn
	}
	return 0
}

// ForEachChannel calls fn for every allocated channel of the BTS in
// TRX/timeslot/subslot order until fn returns false.
func (b *Bts) ForEachChannel(fn func(ch *Channel) bool) {
	for _, trx := range b.Trx {
		for _, ts := range trx.Ts {
			for _, ch := range ts.lchans {
				if ch == nil {
					continue
				}
				if !fn(ch) {
					return
				}
			}
		}
	}
}

func (t *Trx) Bts() *Bts { return t.bts }

func (ts *Timeslot) Trx() *Trx { return ts.trx }

// Capacity is the number of logical channels the timeslot holds in its
// current configuration.
func (ts *Timeslot) Capacity() int {
	return pchanCapacity(ts.PchanIs)
}

// InUse counts allocated channels on the timeslot.
func (ts *Timeslot) InUse() int {
	n := 0
	for _, ch := range ts.lchans {
		if ch != nil {
			n++
		}
	}
	return n
}

func pchanCapacity(p models.Pchan) int {
	switch p {
	case models.PchanTCHF:
		return 1
	case models.PchanTCHH:
		return 2
	case models.PchanSDCCH8:
		return 8
	default:
		return 0
	}
}

func newBts(cfg BtsConfig) (*Bts, error) {
	if len(cfg.Trx) == 0 {
		return nil, errors.Errorf("bts %d has no TRX", cfg.Nr)
	}
	ho := cfg.Handover
	if ho == nil {
		ho = models.DefaultHandoverConfig()
	}
	ho.Normalize()

	bts := &Bts{
		Nr:    cfg.Nr,
		Bsic:  cfg.Bsic,
		Lac:   cfg.Lac,
		Ci:    cfg.Ci,
		Codec: cfg.Codec,
		Ho:    ho,
	}
	for i, tc := range cfg.Trx {
		if len(tc.Timeslots) > TimeslotsPerTrx {
			return nil, errors.Errorf("bts %d trx %d: %d timeslots configured", cfg.Nr, i, len(tc.Timeslots))
		}
		trx := &Trx{Nr: i, Arfcn: tc.Arfcn, Usable: !tc.Disabled, bts: bts}
		for tn := 0; tn < TimeslotsPerTrx; tn++ {
			pchan := models.PchanNone
			if tn < len(tc.Timeslots) {
				p, ok := models.ParsePchan(tc.Timeslots[tn])
				if !ok {
					return nil, errors.Errorf("bts %d trx %d ts %d: unknown pchan %q", cfg.Nr, i, tn, tc.Timeslots[tn])
				}
				pchan = p
			}
			ts := &Timeslot{Nr: tn, Pchan: pchan, PchanIs: pchan, Usable: pchan != models.PchanNone, trx: trx}
			if pchan.IsDynamic() {
				ts.PchanIs = models.PchanPDCH
			}
			ts.lchans = make([]*Channel, maxCapacity(pchan))
			trx.Ts[tn] = ts
		}
		bts.Trx = append(bts.Trx, trx)
	}
	return bts, nil
}

func maxCapacity(p models.Pchan) int {
	switch p {
	case models.PchanTCHFPDCH:
		return 1
	case models.PchanTCHFTCHHPDCH:
		return 2
	default:
		return pchanCapacity(p)
	}
}

func sortBts(list []*Bts) {
	sort.Slice(list, func(i, j int) bool { return list[i].Nr < list[j].Nr })
}
