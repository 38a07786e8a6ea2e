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
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// HandoverConfig is the per-BTS handover configuration. Penalty values are
// in seconds, levels in dBm unless named rxlev.
type HandoverConfig struct {
	HoActive  bool `yaml:"hoActive" json:"hoActive"`
	Algorithm int  `yaml:"algorithm" json:"algorithm"`

	AsActive         bool `yaml:"asActive" json:"asActive"`
	FullTdma         bool `yaml:"fullTdma" json:"fullTdma"`
	RxlevAvgWin      int  `yaml:"rxlevAvgWin" json:"rxlevAvgWin"`
	RxqualAvgWin     int  `yaml:"rxqualAvgWin" json:"rxqualAvgWin"`
	RxlevNeighAvgWin int  `yaml:"rxlevNeighAvgWin" json:"rxlevNeighAvgWin"`
	MinRxlev         int  `yaml:"minRxlev" json:"minRxlev"`
	MinRxqual        int  `yaml:"minRxqual" json:"minRxqual"`
	MaxDistance      int  `yaml:"maxDistance" json:"maxDistance"`
	PwrInterval      int  `yaml:"pwrInterval" json:"pwrInterval"`
	PwrHysteresis    int  `yaml:"pwrHysteresis" json:"pwrHysteresis"`
	AfsBiasRxlev     int  `yaml:"afsBiasRxlev" json:"afsBiasRxlev"`
	AfsBiasRxqual    int  `yaml:"afsBiasRxqual" json:"afsBiasRxqual"`
	TchfMinSlots     int  `yaml:"tchfMinSlots" json:"tchfMinSlots"`
	TchhMinSlots     int  `yaml:"tchhMinSlots" json:"tchhMinSlots"`
	HoMax            int  `yaml:"hoMax" json:"hoMax"`
	PenaltyMaxDist   int  `yaml:"penaltyMaxDist" json:"penaltyMaxDist"`
	PenaltyFailedHo  int  `yaml:"penaltyFailedHo" json:"penaltyFailedHo"`
	PenaltyFailedAs  int  `yaml:"penaltyFailedAs" json:"penaltyFailedAs"`
	Retries          int  `yaml:"retries" json:"retries"`
}

func DefaultHandoverConfig() *HandoverConfig {
	return &HandoverConfig{
		HoActive:         false,
		Algorithm:        2,
		AsActive:         true,
		FullTdma:         false,
		RxlevAvgWin:      10,
		RxqualAvgWin:     1,
		RxlevNeighAvgWin: 10,
		MinRxlev:         -100,
		MinRxqual:        5,
		MaxDistance:      9999,
		PwrInterval:      6,
		PwrHysteresis:    3,
		AfsBiasRxlev:     0,
		AfsBiasRxqual:    0,
		TchfMinSlots:     0,
		TchhMinSlots:     0,
		HoMax:            9999,
		PenaltyMaxDist:   300,
		PenaltyFailedHo:  60,
		PenaltyFailedAs:  60,
		Retries:          0,
	}
}

// UnmarshalYAML decodes over the defaults so that omitted keys keep them.
func (c *HandoverConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain HandoverConfig
	p := plain(*DefaultHandoverConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = HandoverConfig(p)
	return nil
}

func (c *HandoverConfig) UnmarshalJSON(data []byte) error {
	type plain HandoverConfig
	p := plain(*DefaultHandoverConfig())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = HandoverConfig(p)
	return nil
}

// Normalize clamps values that would break the decision loop.
func (c *HandoverConfig) Normalize() {
	if c.PwrInterval < 1 {
		c.PwrInterval = 1
	}
	if c.RxlevAvgWin < 1 {
		c.RxlevAvgWin = 1
	}
	if c.RxqualAvgWin < 1 {
		c.RxqualAvgWin = 1
	}
	if c.RxlevNeighAvgWin < 1 {
		c.RxlevNeighAvgWin = 1
	}
}
