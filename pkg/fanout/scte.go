package fanout

import "github.com/retrovue/broadcastd/pkg/scte35"

// scteSyncByte is the MPEG-TS packet sync byte (ISO/IEC 13818-1 §2.4.3.2).
const scteSyncByte = 0x47

// tsPacketSize is the standard (non-FEC) MPEG-TS packet length in bytes.
const tsPacketSize = 188

// CueInjector wraps an SCTE-35 splice cue into a single TS packet on its own
// PID, using a pointer_field section-start (as splice_info_section is a PSI
// table) and padding the remainder with stuffing bytes (0xFF).
type CueInjector struct {
	PID uint16
	cc  uint8
}

// NewCueInjector returns an injector that tags cues onto pid. A private PID
// in the 0x0100-0x1FFE range is typical; callers are responsible for
// advertising it in the program's PMT.
func NewCueInjector(pid uint16) *CueInjector {
	return &CueInjector{PID: pid}
}

// Wrap packages cue.Payload as one TS packet. The splice_info_section must
// fit in a single packet (183 bytes of payload after the 4-byte TS header
// and 1-byte pointer field); a longer section is truncated to 183 bytes.
// Every splice_insert command this package emits is well under that size.
func (i *CueInjector) Wrap(cue *scte35.Cue) []byte {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = scteSyncByte
	pkt[1] = 0x40 | byte(i.PID>>8&0x1F) // payload_unit_start_indicator=1, top 5 PID bits
	pkt[2] = byte(i.PID & 0xFF)
	pkt[3] = 0x10 | (i.cc & 0x0F) // no scrambling, payload only, continuity_counter
	i.cc++

	const headerLen = 4
	pkt[headerLen] = 0x00 // pointer_field: section starts immediately after

	payload := cue.Payload
	avail := tsPacketSize - headerLen - 1
	n := len(payload)
	if n > avail {
		n = avail
	}
	copy(pkt[headerLen+1:], payload[:n])
	for i := headerLen + 1 + n; i < tsPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// InjectCue multiplexes cue onto the router's output immediately, ahead of
// whatever upstream bytes arrive next, broadcasting it to every current
// subscriber exactly like a regular chunk (subject to the same
// drop-on-full, never-block policy).
func (r *Router) InjectCue(injector *CueInjector, cue *scte35.Cue) {
	if cue == nil {
		return
	}
	r.broadcast(Chunk(injector.Wrap(cue)))
}
