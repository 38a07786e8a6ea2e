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

package simulator

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/core"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/components/ran"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/conn"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/handover"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/neighbor"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/observability"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

const DefaultCongestionCheckInterval = 10

type AppConfig struct {
	OamPort       uint16                      `yaml:"oamPort"`
	MscApiPort    uint16                      `yaml:"mscApiPort"`
	MetricsPort   int                         `yaml:"metricsPort"`
	LogLevel      string                      `yaml:"logLevel"`
	ReportCaller  bool                        `yaml:"reportCaller"`
	InitOnStartup bool                        `yaml:"initOnStartup"`
	Tracing       observability.TracingConfig `yaml:"tracing"`
	NeighborStore NeighborStoreConfig         `yaml:"neighborStore"`
	/* Custom configuration parameters */
	NetConfig *NetworkConfig `yaml:"simulationProfile"`
}

type NeighborStoreConfig struct {
	Backend    string `yaml:"backend"` // memory | sqlite
	SqlitePath string `yaml:"sqlitePath"`
}

// NeighborBssEntry maps a neighbor key to cells of another BSS.
type NeighborBssEntry struct {
	Key   neighbor.Key      `yaml:"key" json:"key"`
	Cells models.CellIdList `yaml:"cells" json:"cells"`
}

type NetworkConfig struct {
	Bts                     []radio.BtsConfig    `yaml:"bts" json:"bts"`
	NeighborBss             []NeighborBssEntry   `yaml:"neighborBss" json:"neighborBss"`
	CongestionCheckInterval int                  `yaml:"congestionCheckInterval" json:"congestionCheckInterval"`
	Timers                  conn.Timers          `yaml:"timers" json:"timers"`
	T3103                   time.Duration        `yaml:"t3103" json:"t3103"`
	Msc                     core.MscConfig       `yaml:"msc" json:"msc"`
	Mgw                     core.MgwConfig       `yaml:"mgw" json:"mgw"`
	Ms                      ran.PopulationConfig `yaml:"ms" json:"ms"`
}

func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		CongestionCheckInterval: DefaultCongestionCheckInterval,
		Timers:                  conn.DefaultTimers(),
		T3103:                   handover.DefaultT3103,
		Msc:                     core.DefaultMscConfig(),
		Mgw:                     core.DefaultMgwConfig(),
		Ms:                      ran.DefaultPopulationConfig(),
	}
}

// UnmarshalYAML decodes over the defaults so that omitted keys keep them.
func (c *NetworkConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain NetworkConfig
	p := plain(DefaultNetworkConfig())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = NetworkConfig(p)
	return nil
}

func (c *NetworkConfig) UnmarshalJSON(data []byte) error {
	type plain NetworkConfig
	p := plain(DefaultNetworkConfig())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = NetworkConfig(p)
	return nil
}

func (c *NetworkConfig) Validate() error {
	if len(c.Bts) == 0 {
		return errors.New("simulation profile defines no BTS")
	}
	for _, bts := range c.Bts {
		if len(bts.Trx) == 0 {
			return errors.Errorf("bts %d has no TRX", bts.Nr)
		}
	}
	if c.Ms.ArrivalRate < 0 {
		return errors.Errorf("negative MS arrival rate %f", c.Ms.ArrivalRate)
	}
	return nil
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		OamPort:     8081,
		MscApiPort:  8082,
		MetricsPort: 9090,
		LogLevel:    "info",
		Tracing:     observability.DefaultTracingConfig(),
		NeighborStore: NeighborStoreConfig{
			Backend: "memory",
		},
	}
}

func ParseConfig(data []byte) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if cfg.InitOnStartup && cfg.NetConfig == nil {
		return nil, errors.New("when initializing from startup, simulation profile must be defined in config file")
	}
	if cfg.NetConfig != nil {
		if err := cfg.NetConfig.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func InitConfig(configPath string) *AppConfig {
	yamlFile, err := os.ReadFile(configPath)
	if err != nil {
		logger.CfgLog.Fatalf("cannot read config file #%v ", err)
	}
	cfg, err := ParseConfig(yamlFile)
	if err != nil {
		logger.CfgLog.Fatalf("error: %v", err)
	}
	return cfg
}

func (cfg *AppConfig) Dumps() string {
	d, err := yaml.Marshal(&cfg)
	if err != nil {
		logger.CfgLog.Fatalf("error: %v", err)
	}
	return string(d)
}
