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

// ConnID identifies a subscriber connection for its whole lifetime.
type ConnID string

type ChanType int

const (
	ChanNone ChanType = iota
	ChanSDCCH
	ChanTCHF
	ChanTCHH
	ChanUnknown
)

func (t ChanType) String() string {
	switch t {
	case ChanNone:
		return "NONE"
	case ChanSDCCH:
		return "SDCCH"
	case ChanTCHF:
		return "TCH/F"
	case ChanTCHH:
		return "TCH/H"
	default:
		return "UNKNOWN"
	}
}

func (t ChanType) IsTCH() bool {
	return t == ChanTCHF || t == ChanTCHH
}

// Pchan is the physical channel configuration of a timeslot.
type Pchan int

const (
	PchanNone Pchan = iota
	PchanCCCH
	PchanSDCCH8
	PchanTCHF
	PchanTCHH
	PchanPDCH
	PchanTCHFPDCH
	PchanTCHFTCHHPDCH
)

var pchanNames = map[Pchan]string{
	PchanNone:         "NONE",
	PchanCCCH:         "CCCH",
	PchanSDCCH8:       "SDCCH8",
	PchanTCHF:         "TCH/F",
	PchanTCHH:         "TCH/H",
	PchanPDCH:         "PDCH",
	PchanTCHFPDCH:     "TCH/F_PDCH",
	PchanTCHFTCHHPDCH: "TCH/F_TCH/H_PDCH",
}

func (p Pchan) String() string {
	if name, ok := pchanNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParsePchan is used by the configuration loader.
func ParsePchan(s string) (Pchan, bool) {
	for p, name := range pchanNames {
		if name == s {
			return p, true
		}
	}
	return PchanNone, false
}

func (p Pchan) IsDynamic() bool {
	return p == PchanTCHFPDCH || p == PchanTCHFTCHHPDCH
}

// PchanForChanType maps a logical channel type to the timeslot config it runs on.
func PchanForChanType(t ChanType) Pchan {
	switch t {
	case ChanTCHF:
		return PchanTCHF
	case ChanTCHH:
		return PchanTCHH
	case ChanSDCCH:
		return PchanSDCCH8
	default:
		return PchanNone
	}
}

// ChanMode is the 04.08 channel mode of a logical channel.
type ChanMode int

const (
	ModeSign ChanMode = iota
	ModeSpeechV1
	ModeSpeechEFR
	ModeSpeechAMR
	ModeData14k5
	ModeData12k0
	ModeData6k0
	ModeData3k6
)

var chanModeNames = map[ChanMode]string{
	ModeSign:      "SIGNALLING",
	ModeSpeechV1:  "SPEECH_V1",
	ModeSpeechEFR: "SPEECH_EFR",
	ModeSpeechAMR: "SPEECH_AMR",
	ModeData14k5:  "DATA_14k5",
	ModeData12k0:  "DATA_12k0",
	ModeData6k0:   "DATA_6k0",
	ModeData3k6:   "DATA_3k6",
}

func (m ChanMode) String() string {
	if name, ok := chanModeNames[m]; ok {
		return name
	}
	return "UNKNOWN"
}

func ParseChanMode(s string) (ChanMode, bool) {
	for m, name := range chanModeNames {
		if name == s {
			return m, true
		}
	}
	return ModeSign, false
}

func (m ChanMode) IsSpeech() bool {
	return m == ModeSpeechV1 || m == ModeSpeechEFR || m == ModeSpeechAMR
}

// SpeechCodecType as negotiated with the MSC (48.008 3.2.2.103).
type SpeechCodecType int

const (
	CodecFR1 SpeechCodecType = iota
	CodecFR2
	CodecFR3
	CodecHR1
	CodecHR3
)

func (c SpeechCodecType) String() string {
	switch c {
	case CodecFR1:
		return "FR1"
	case CodecFR2:
		return "FR2"
	case CodecFR3:
		return "FR3"
	case CodecHR1:
		return "HR1"
	case CodecHR3:
		return "HR3"
	default:
		return "UNKNOWN"
	}
}

// ChosenChannel encodes 48.008 3.2.2.33.
func ChosenChannel(mode ChanMode, t ChanType) uint8 {
	var channelMode, channel uint8

	switch mode {
	case ModeSpeechV1, ModeSpeechEFR, ModeSpeechAMR:
		channelMode = 0x9
	case ModeSign:
		channelMode = 0x8
	case ModeData14k5:
		channelMode = 0xe
	case ModeData12k0:
		channelMode = 0xb
	case ModeData6k0:
		channelMode = 0xc
	case ModeData3k6:
		channelMode = 0xd
	}

	switch t {
	case ChanNone:
		channel = 0x0
	case ChanSDCCH:
		channel = 0x1
	case ChanTCHF:
		channel = 0x8
	case ChanTCHH:
		channel = 0x9
	}

	return channelMode<<4 | channel
}

// PermittedSpeech encodes 48.008 3.2.2.11 octet 5. ok is false when the
// combination carries no speech version.
func PermittedSpeech(t ChanType, mode ChanMode) (uint8, bool) {
	switch t {
	case ChanTCHH:
		switch mode {
		case ModeSpeechV1:
			return 0x05, true
		case ModeSpeechAMR:
			return 0x25, true
		}
	case ChanTCHF:
		switch mode {
		case ModeSpeechV1:
			return 0x01, true
		case ModeSpeechEFR:
			return 0x11, true
		case ModeSpeechAMR:
			return 0x21, true
		}
	}
	return 0, false
}

// RxlevToDbm converts a 0..63 RXLEV value into dBm.
func RxlevToDbm(rxlev int) int {
	return rxlev - 110
}

func DbmToRxlev(dbm int) int {
	rxlev := dbm + 110
	if rxlev < 0 {
		return 0
	}
	if rxlev > 63 {
		return 63
	}
	return rxlev
}
