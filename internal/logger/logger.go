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

package logger

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	log *logrus.Logger

	AppLog   *logrus.Entry
	CfgLog   *logrus.Entry
	OamLog   *logrus.Entry
	ConnLog  *logrus.Entry
	HoLog    *logrus.Entry
	HodecLog *logrus.Entry
	NeighLog *logrus.Entry
	RadioLog *logrus.Entry
	MscLog   *logrus.Entry
	MgwLog   *logrus.Entry
	MsLog    *logrus.Entry
)

func init() {
	log = logrus.New()
	log.SetReportCaller(false)
	log.SetOutput(os.Stdout)
	log.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
		DisableColors:   true,
	}

	base := log.WithFields(logrus.Fields{"component": "BSC"})
	AppLog = base.WithField("category", "App")
	CfgLog = base.WithField("category", "CFG")
	OamLog = base.WithField("category", "OAM")
	ConnLog = base.WithField("category", "SUBSCR_CONN")
	HoLog = base.WithField("category", "HO")
	HodecLog = base.WithField("category", "HODEC")
	NeighLog = base.WithField("category", "NEIGH")
	RadioLog = base.WithField("category", "RSL")
	MscLog = base.WithField("category", "MSC")
	MgwLog = base.WithField("category", "MGW")
	MsLog = base.WithField("category", "MS")
}

// SetLogLevel accepts any level name understood by logrus. Unknown names
// leave the current level untouched.
func SetLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		AppLog.Warnf("unknown log level %q, keeping %s", level, log.GetLevel())
		return
	}
	log.SetLevel(lvl)
}

func SetReportCaller(enable bool) {
	log.SetReportCaller(enable)
}

func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
