package tidsp

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// MP4VDecoderName is the registry name of the MPEG-4 part 2 decoder.
const MP4VDecoderName = "mp4vdec"

var mp4vdecUUID = uuid.MustParse("7e4b8541-47a1-11d6-b156-00b0d017674b")

func init() {
	RegisterCodec(MP4VDecoderName, func(options map[string]any) (CodecDescriptor, error) {
		return NewMP4VDecoder(options)
	})
}

// MP4VOptions tunes the MPEG-4 part 2 decoder node.
type MP4VOptions struct {
	PerformanceMode int32  `mapstructure:"performance_mode" yaml:"performance_mode"`
	MaxFramerate    uint32 `mapstructure:"max_framerate" yaml:"max_framerate"`
	MaxBitrate      uint32 `mapstructure:"max_bitrate" yaml:"max_bitrate"`
	Mode            uint32 `mapstructure:"mode" yaml:"mode"`
	Preroll         int32  `mapstructure:"preroll" yaml:"preroll"`
}

// MP4VDecoder is the codec descriptor for mp4vdec_sn.dll64P.
type MP4VDecoder struct {
	opts MP4VOptions
}

// NewMP4VDecoder builds the decoder descriptor from free-form options.
func NewMP4VDecoder(options map[string]any) (*MP4VDecoder, error) {
	opts := MP4VOptions{MaxFramerate: 1, MaxBitrate: 1}
	if options != nil {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &opts,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(options); err != nil {
			return nil, fmt.Errorf("mp4vdec options: %w", err)
		}
	}
	return &MP4VDecoder{opts: opts}, nil
}

// Options returns the decoded options.
func (d *MP4VDecoder) Options() MP4VOptions { return d.opts }

func (d *MP4VDecoder) Name() string     { return MP4VDecoderName }
func (d *MP4VDecoder) UUID() uuid.UUID  { return mp4vdecUUID }
func (d *MP4VDecoder) Filename() string { return DeviceLibraryDir + "mp4vdec_sn.dll64P" }

// MP4VCreateArgs is the node creation record of the decoder.
type MP4VCreateArgs struct {
	NumStreams uint16

	InID, InType, InCount    uint16
	OutID, OutType, OutCount uint16

	MaxWidth     uint32
	MaxHeight    uint32
	ColorFormat  uint32 // 4 = UYVY, 1 = I420
	MaxFramerate uint32
	MaxBitrate   uint32
	Endianness   uint32
	Profile      uint32
	MaxLevel     int32 // -1 = unconstrained
	Mode         uint32
	Preroll      int32
	DisplayWidth uint32
}

// MP4VCreateArgsSize is the encoded size of MP4VCreateArgs.
const MP4VCreateArgsSize = 64

// Marshal encodes the record. The leading size word excludes itself.
func (a *MP4VCreateArgs) Marshal() []byte {
	buf := make([]byte, MP4VCreateArgsSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], MP4VCreateArgsSize-4)
	le.PutUint16(buf[4:], a.NumStreams)
	le.PutUint16(buf[6:], a.InID)
	le.PutUint16(buf[8:], a.InType)
	le.PutUint16(buf[10:], a.InCount)
	le.PutUint16(buf[12:], a.OutID)
	le.PutUint16(buf[14:], a.OutType)
	le.PutUint16(buf[16:], a.OutCount)
	// buf[18:20] reserved
	le.PutUint32(buf[20:], a.MaxWidth)
	le.PutUint32(buf[24:], a.MaxHeight)
	le.PutUint32(buf[28:], a.ColorFormat)
	le.PutUint32(buf[32:], a.MaxFramerate)
	le.PutUint32(buf[36:], a.MaxBitrate)
	le.PutUint32(buf[40:], a.Endianness)
	le.PutUint32(buf[44:], a.Profile)
	le.PutUint32(buf[48:], uint32(a.MaxLevel))
	le.PutUint32(buf[52:], a.Mode)
	le.PutUint32(buf[56:], uint32(a.Preroll))
	le.PutUint32(buf[60:], a.DisplayWidth)
	return buf
}

// CreateArgs implements ArgsCreator.
func (d *MP4VDecoder) CreateArgs(s *Session) (uint32, []byte, error) {
	profile := ProfileForResolution(s.Width, s.Height)
	color := uint32(1)
	if s.ColorFormat == ColorFormatUYVY {
		color = 4
	}
	args := MP4VCreateArgs{
		NumStreams:   2,
		InID:         uint16(PortInput),
		InCount:      uint16(len(s.Port(PortInput).Buffers)),
		OutID:        uint16(PortOutput),
		OutCount:     uint16(len(s.Port(PortOutput).Buffers)),
		MaxWidth:     uint32(s.Width),
		MaxHeight:    uint32(s.Height),
		ColorFormat:  color,
		MaxFramerate: d.opts.MaxFramerate,
		MaxBitrate:   d.opts.MaxBitrate,
		Endianness:   1,
		Profile:      profile,
		MaxLevel:     -1,
		Mode:         d.opts.Mode,
		Preroll:      d.opts.Preroll,
	}
	return profile, args.Marshal(), nil
}

// Parameter record sizes. The output record carries per-macroblock tables
// sized for 720x576.
const (
	mp4vMaxMacroblocks = 720 * 576 / 256

	MP4VInParamsSize  = 16
	MP4VOutParamsSize = 16 + 4*mp4vMaxMacroblocks + 4 + mp4vMaxMacroblocks
)

// MP4VOutParams is the decoded head of the output parameter record.
type MP4VOutParams struct {
	FrameIndex    uint32
	BytesConsumed uint32
	ErrorCode     int32
	FrameType     uint32 // 0 = I-VOP
}

// ParseMP4VOutParams decodes the output parameter record head.
func ParseMP4VOutParams(buf []byte) (MP4VOutParams, error) {
	if len(buf) < 16 {
		return MP4VOutParams{}, fmt.Errorf("mp4vdec: out params too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	return MP4VOutParams{
		FrameIndex:    le.Uint32(buf[0:]),
		BytesConsumed: le.Uint32(buf[4:]),
		ErrorCode:     int32(le.Uint32(buf[8:])),
		FrameType:     le.Uint32(buf[12:]),
	}, nil
}

// SetupParams implements ParamsSetter.
func (d *MP4VDecoder) SetupParams(s *Session) error {
	if err := s.SetupParams(s.Port(PortInput), MP4VInParamsSize, d.setupInParams); err != nil {
		return err
	}
	out := s.Port(PortOutput)
	if err := s.SetupParams(out, MP4VOutParamsSize, nil); err != nil {
		return err
	}
	out.RecvHook = d.outRecv
	return nil
}

// setupInParams writes the input record. Of frame index, buffer count,
// ring-io block size and performance mode only the last is set.
func (d *MP4VDecoder) setupInParams(_ *Session, b *DMABuffer) {
	binary.LittleEndian.PutUint32(b.Data[12:], uint32(d.opts.PerformanceMode))
}

func (d *MP4VDecoder) outRecv(s *Session, b *Buffer) {
	p, err := ParseMP4VOutParams(b.Params.Data)
	if err != nil {
		s.Logger().WithError(err).Warn("bad output params")
		return
	}
	b.Keyframe = p.FrameType == 0
	s.Logger().Debugf("error: 0x%x, frame number: %d, frame type: %d",
		uint32(p.ErrorCode), p.FrameIndex, p.FrameType)
}
