// Core frame geometry and color format types shared by the session and codecs.
package tidsp

// Fourcc packs four characters into a little-endian color format tag.
func Fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// ColorFormat is a fourcc pixel format tag.
type ColorFormat uint32

var (
	ColorFormatI420 = ColorFormat(Fourcc('I', '4', '2', '0')) // YUV 4:2:0 planar
	ColorFormatUYVY = ColorFormat(Fourcc('U', 'Y', 'V', 'Y')) // YUV 4:2:2 packed
)

func (c ColorFormat) String() string {
	switch c {
	case ColorFormatI420:
		return "I420"
	case ColorFormatUYVY:
		return "UYVY"
	default:
		return "Unknown"
	}
}

// ParseColorFormat returns the color format named s ("I420" or "UYVY").
func ParseColorFormat(s string) (ColorFormat, bool) {
	switch s {
	case "I420", "i420", "":
		return ColorFormatI420, true
	case "UYVY", "uyvy":
		return ColorFormatUYVY, true
	default:
		return 0, false
	}
}

// OutputBufferSize returns the payload size of one decoded frame, assuming
// planar 4:2:0 output regardless of the negotiated color format.
func OutputBufferSize(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	return width * height * 3 / 2
}

// ProfileForResolution maps a frame area to the node profile id:
//
//	area >  640x480 -> 4
//	area >  352x288 -> 3
//	area >  176x144 -> 2
//	otherwise       -> 1
func ProfileForResolution(width, height int) uint32 {
	area := width * height
	switch {
	case area > 640*480:
		return 4
	case area > 352*288:
		return 3
	case area > 176*144:
		return 2
	default:
		return 1
	}
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-VOP, can be decoded independently
	FrameTypeDelta             // P/B-VOP, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame holds one reassembled elementary stream frame.
type EncodedFrame struct {
	Data      []byte    // Encoded bitstream data
	FrameType FrameType // Key for I-VOPs
	Timestamp uint32    // RTP timestamp (90kHz clock for video)
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := &EncodedFrame{FrameType: f.FrameType, Timestamp: f.Timestamp}
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return clone
}
