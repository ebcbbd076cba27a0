package tidsp

import (
	"bytes"
	"sync"

	"github.com/pion/rtp"
)

// RTPPacket is an alias to pion's rtp.Packet.
type RTPPacket = rtp.Packet

// RTPDepacketizer reassembles RTP packets into encoded frames.
type RTPDepacketizer interface {
	// Depacketize processes an RTP packet and returns a complete frame if available.
	// Returns nil if the frame is not yet complete.
	Depacketize(packet *RTPPacket) (*EncodedFrame, error)

	// DepacketizeBytes processes raw RTP packet bytes.
	DepacketizeBytes(data []byte) (*EncodedFrame, error)

	// Reset clears any buffered partial frames.
	Reset()
}

// MPEG-4 visual start codes.
var mp4vStartCodePrefix = []byte{0x00, 0x00, 0x01}

const (
	mp4vVOPStartCode = 0xb6
	mp4vVOLStartMin  = 0x20
	mp4vVOLStartMax  = 0x2f
)

// MP4VDepacketizer reassembles MPEG-4 part 2 visual elementary stream
// frames from RTP (RFC 6416). The payload is the raw stream; the marker bit
// ends a VOP.
type MP4VDepacketizer struct {
	frameData         []byte
	timestamp         uint32
	started           bool
	lastCompletedTs   uint32
	hasCompletedFrame bool
	mu                sync.Mutex
}

// NewMP4VDepacketizer creates a new MPEG-4 visual RTP depacketizer.
func NewMP4VDepacketizer() *MP4VDepacketizer {
	return &MP4VDepacketizer{}
}

// Depacketize processes an RTP packet and returns a complete frame if available.
// The caller owns the returned frame.
func (d *MP4VDepacketizer) Depacketize(pkt *RTPPacket) (*EncodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(pkt.Payload) == 0 {
		return nil, nil
	}

	// Discard late-arriving packets for already completed frames
	if d.hasCompletedFrame && IsRTPTimestampOlder(pkt.Header.Timestamp, d.lastCompletedTs) {
		return nil, nil
	}

	// A new timestamp without a marker on the previous frame means the
	// tail was lost; drop the partial frame.
	if d.started && d.timestamp != pkt.Header.Timestamp {
		d.frameData = d.frameData[:0]
	}
	d.timestamp = pkt.Header.Timestamp
	d.started = true

	d.frameData = append(d.frameData, pkt.Payload...)

	if !pkt.Header.Marker {
		return nil, nil
	}

	frame := &EncodedFrame{
		Data:      d.frameData,
		FrameType: MP4VFrameType(d.frameData),
		Timestamp: d.timestamp,
	}
	d.lastCompletedTs = d.timestamp
	d.hasCompletedFrame = true
	d.started = false
	d.frameData = nil
	return frame, nil
}

// DepacketizeBytes processes raw RTP packet bytes.
func (d *MP4VDepacketizer) DepacketizeBytes(data []byte) (*EncodedFrame, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return nil, err
	}
	return d.Depacketize(&pkt)
}

// Reset clears any buffered partial frames.
func (d *MP4VDepacketizer) Reset() {
	d.mu.Lock()
	d.frameData = nil
	d.timestamp = 0
	d.started = false
	d.lastCompletedTs = 0
	d.hasCompletedFrame = false
	d.mu.Unlock()
}

// MP4VFrameType returns the coding type of the first VOP in data: Key for
// an I-VOP, Delta for P/B/S-VOPs, Unknown when no VOP header is present.
func MP4VFrameType(data []byte) FrameType {
	for i := 0; ; {
		j := bytes.Index(data[i:], mp4vStartCodePrefix)
		if j < 0 {
			return FrameTypeUnknown
		}
		pos := i + j + len(mp4vStartCodePrefix)
		if pos+1 >= len(data) {
			return FrameTypeUnknown
		}
		if data[pos] == mp4vVOPStartCode {
			if data[pos+1]>>6 == 0 {
				return FrameTypeKey
			}
			return FrameTypeDelta
		}
		i = pos
	}
}

// HasMP4VConfig reports whether data carries a video object layer header,
// which a decoder needs before the first VOP.
func HasMP4VConfig(data []byte) bool {
	for i := 0; ; {
		j := bytes.Index(data[i:], mp4vStartCodePrefix)
		if j < 0 {
			return false
		}
		pos := i + j + len(mp4vStartCodePrefix)
		if pos >= len(data) {
			return false
		}
		if c := data[pos]; c >= mp4vVOLStartMin && c <= mp4vVOLStartMax {
			return true
		}
		i = pos
	}
}

// IsRTPTimestampOlder returns true if ts1 is older than or equal to ts2,
// handling 32-bit wraparound correctly per RTP timestamp comparison rules.
func IsRTPTimestampOlder(ts1, ts2 uint32) bool {
	if ts1 == ts2 {
		return true
	}
	// ts1 is older if (ts2 - ts1) < 2^31
	diff := ts2 - ts1
	return diff < 0x80000000
}
