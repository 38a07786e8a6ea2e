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

package main

import (
	"flag"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/simulator"
)

func main() {
	configPath := flag.String("config", "config/bsc-simulator.yaml", "path to the simulator configuration")
	flag.Parse()

	app := simulator.NewBscSimulatorApp(*configPath)
	app.Run()
}
