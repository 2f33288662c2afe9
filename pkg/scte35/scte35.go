// Package scte35 builds SCTE-35 splice_info_section payloads for ad
// insertion cues carried in the MPEG-TS output, adapted from a DASH/CMAF
// emsg-box generator to a transport-stream splice cue.
package scte35

import (
	"errors"

	"github.com/Comcast/gots/v2"
	"github.com/Comcast/gots/v2/scte35"
)

const (
	// SchemeIDURI is kept for callers that still need to advertise SCTE-35
	// binary signaling in a DASH MPD alongside the TS output.
	SchemeIDURI = "urn:scte:scte35:2013:bin"
)

// IsValidSCTE35Interval reports whether adsPerMinute is one of the supported
// cadences (1, 2, or 3 avails per minute).
func IsValidSCTE35Interval(adsPerMinute int) error {
	switch adsPerMinute {
	case 1, 2, 3:
		return nil
	default:
		return errors.New("scte35 per minute must be 1, 2, or 3")
	}
}

// Cue is a splice_insert cue ready to be multiplexed into the TS output as
// its own PID, in place of the DASH emsg box the same math used to produce.
type Cue struct {
	SpliceTime90k uint64 // PTS-domain 90kHz ticks the splice applies at
	Duration90k   uint64
	EventID       uint32
	OutOfNetwork  bool
	Payload       []byte // splice_info_section bytes, including CRC
}

// CreateSpliceCueAhead returns the splice cue due if the segment (segStart,
// segEnd] (in timescale units) covers the announce point 7s ahead of a
// scheduled avail start. perMinute selects the avail cadence:
//
//	1: 10s after the full minute (20s duration)
//	2: 10s and 40s after the full minute (10s duration each)
//	3: 10s, 36s, 46s after the full minute (10s duration each)
//
// Returns (nil, nil) if segment does not cover an announce point.
func CreateSpliceCueAhead(segStart, segEnd, timescale uint64, perMinute int) (*Cue, error) {
	if err := IsValidSCTE35Interval(perMinute); err != nil {
		return nil, err
	}
	modMinute := segStart % (60 * timescale)
	minuteStart := segStart - modMinute
	var spliceInsertTimes []uint64
	adDuration := 10 * timescale
	switch perMinute {
	case 1:
		adDuration = 20 * timescale
		spliceInsertTimes = []uint64{minuteStart + 10*timescale}
	case 2:
		spliceInsertTimes = []uint64{minuteStart + 10*timescale, minuteStart + 40*timescale}
	case 3:
		spliceInsertTimes = []uint64{minuteStart + 10*timescale, minuteStart + 36*timescale, minuteStart + 46*timescale}
	}
	// We do not need to look into the next minute, since the first avail
	// starts 10s after the full minute.
	inInterval := false
	var spliceTime uint64
	for _, sit := range spliceInsertTimes {
		announceTime := sit - 7*timescale
		if segStart < announceTime && announceTime <= segEnd {
			inInterval = true
			spliceTime = sit
			break
		}
	}
	if !inInterval {
		return nil, nil
	}
	eventID := uint32(spliceTime / timescale)
	p := SpliceInsertParams{
		PtsTime:                    uint64(spliceTime*90000/timescale) % (1 << 33),
		Duration:                   uint64(adDuration * 90000 / timescale),
		SpliceEventID:              eventID,
		Tier:                       4095,
		UniqueProgramID:            0,
		AvailNum:                   0,
		AvailsExpected:             0,
		SpliceEventCancelIndicator: false,
		OutOfNetworkIndicator:      true,
		SpliceImmediateFlag:        false,
		AutoReturn:                 true,
	}
	return &Cue{
		SpliceTime90k: p.PtsTime,
		Duration90k:   p.Duration,
		EventID:       eventID,
		OutOfNetwork:  p.OutOfNetworkIndicator,
		Payload:       CreateSpliceInsertPayload(p),
	}, nil
}

// NewEmergencyCue returns an immediate splice_insert cue directing a
// downstream splicer into out-of-network (emergency/alternate) content.
// eventID should be unique per cue issued for a channel so repeated
// emergency transitions are distinguishable in the splice_info_section.
func NewEmergencyCue(eventID uint32) *Cue {
	p := SpliceInsertParams{
		SpliceEventID:         eventID,
		Tier:                  4095,
		OutOfNetworkIndicator: true,
		SpliceImmediateFlag:   true,
	}
	return &Cue{
		EventID:      eventID,
		OutOfNetwork: true,
		Payload:      CreateSpliceInsertPayload(p),
	}
}

type SpliceInsertParams struct {
	PtsTime                    uint64
	Duration                   uint64
	SpliceEventID              uint32
	Tier                       uint16
	UniqueProgramID            uint16
	AvailNum                   uint8
	AvailsExpected             uint8
	SpliceEventCancelIndicator bool
	OutOfNetworkIndicator      bool
	SpliceImmediateFlag        bool
	AutoReturn                 bool
}

// CreateSpliceInsertPayload creates a SCTE-35 splice_info_section including CRC.
func CreateSpliceInsertPayload(p SpliceInsertParams) []byte {
	s := scte35.CreateSCTE35()
	s.SetTier(uint16(p.Tier))
	cmd := scte35.CreateSpliceInsertCommand()
	cmd.SetUniqueProgramId(p.UniqueProgramID)
	cmd.SetEventID(p.SpliceEventID)
	cmd.SetAvailNum(p.AvailNum)
	cmd.SetAvailsExpected(p.AvailsExpected)
	cmd.SetIsEventCanceled(p.SpliceEventCancelIndicator)
	if p.Duration != 0 {
		cmd.SetHasDuration(true)
		cmd.SetDuration(gots.PTS(p.Duration))
		cmd.SetIsAutoReturn(p.AutoReturn)
	}
	cmd.SetHasPTS(true)
	cmd.SetPTS(gots.PTS(p.PtsTime))
	cmd.SetIsOut(p.OutOfNetworkIndicator)
	cmd.SetSpliceImmediate(p.SpliceImmediateFlag)
	s.SetCommandInfo(cmd)
	return s.UpdateData()
}
