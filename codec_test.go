package tidsp

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestCodecRegistry(t *testing.T) {
	if !slices.Contains(Codecs(), MP4VDecoderName) {
		t.Fatalf("Codecs() = %v, missing %s", Codecs(), MP4VDecoderName)
	}

	if _, err := LookupCodec("h263dec", nil); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("LookupCodec(unknown) = %v, want ErrUnknownCodec", err)
	}

	RegisterCodec("registry-test", func(options map[string]any) (CodecDescriptor, error) {
		return bareCodec{}, nil
	})
	c, err := LookupCodec("registry-test", nil)
	if err != nil {
		t.Fatalf("LookupCodec failed: %v", err)
	}
	if c.Name() != "bare" {
		t.Errorf("Name() = %q, want bare", c.Name())
	}
}

func TestMP4VDecoderOptions(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]any
		want    MP4VOptions
		wantErr bool
	}{
		{"defaults", nil, MP4VOptions{MaxFramerate: 1, MaxBitrate: 1}, false},
		{"typed", map[string]any{"performance_mode": 2, "max_bitrate": 4000000},
			MP4VOptions{PerformanceMode: 2, MaxFramerate: 1, MaxBitrate: 4000000}, false},
		{"weakly typed", map[string]any{"max_framerate": "30"},
			MP4VOptions{MaxFramerate: 30, MaxBitrate: 1}, false},
		{"unknown key", map[string]any{"deblock": true}, MP4VOptions{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := LookupCodec(MP4VDecoderName, tt.options)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("LookupCodec failed: %v", err)
			}
			got := c.(*MP4VDecoder).Options()
			if got != tt.want {
				t.Errorf("Options() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMP4VDecoderDescriptor(t *testing.T) {
	d, err := NewMP4VDecoder(nil)
	if err != nil {
		t.Fatalf("NewMP4VDecoder failed: %v", err)
	}
	if d.UUID().String() != "7e4b8541-47a1-11d6-b156-00b0d017674b" {
		t.Errorf("UUID() = %s", d.UUID())
	}
	if d.Filename() != "/lib/dsp/mp4vdec_sn.dll64P" {
		t.Errorf("Filename() = %s", d.Filename())
	}
	if MP4VOutParamsSize != 8120 {
		t.Errorf("MP4VOutParamsSize = %d, want 8120", MP4VOutParamsSize)
	}
}

func TestMP4VCreateArgsLayout(t *testing.T) {
	args := MP4VCreateArgs{
		NumStreams: 2, InCount: 3, OutID: 1, OutCount: 4,
		MaxWidth: 640, MaxHeight: 480, ColorFormat: 4,
		MaxFramerate: 25, MaxBitrate: 1, Endianness: 1,
		Profile: 3, MaxLevel: -1, Preroll: -2, DisplayWidth: 800,
	}
	buf := args.Marshal()
	if len(buf) != MP4VCreateArgsSize {
		t.Fatalf("len = %d, want %d", len(buf), MP4VCreateArgsSize)
	}

	le := binary.LittleEndian
	u16 := map[int]uint16{4: 2, 6: 0, 10: 3, 12: 1, 16: 4}
	for off, want := range u16 {
		if got := le.Uint16(buf[off:]); got != want {
			t.Errorf("u16 at %d = %d, want %d", off, got, want)
		}
	}
	u32 := map[int]uint32{
		0: 60, 20: 640, 24: 480, 28: 4, 32: 25, 36: 1, 40: 1,
		44: 3, 48: 0xffffffff, 56: 0xfffffffe, 60: 800,
	}
	for off, want := range u32 {
		if got := le.Uint32(buf[off:]); got != want {
			t.Errorf("u32 at %d = %#x, want %#x", off, got, want)
		}
	}
}

func newMP4VEnv(t *testing.T, options map[string]any, opts ...Option) (*testEnv, *MP4VDecoder) {
	t.Helper()
	d, err := NewMP4VDecoder(options)
	if err != nil {
		t.Fatalf("NewMP4VDecoder failed: %v", err)
	}
	f := newFakeBridge(t)
	a := &countingAllocator{}
	base := []Option{
		WithLogger(quietLogger()),
		WithBufferManager(&dmmManager{mapper: f, mem: a}),
	}
	s := NewSession("mp4v", f, d, append(base, opts...)...)
	return &testEnv{bridge: f, alloc: a, s: s}, d
}

func TestMP4VDecoderSession(t *testing.T) {
	env, _ := newMP4VEnv(t, map[string]any{"performance_mode": 3},
		WithGeometry(640, 480), WithColorFormat(ColorFormatUYVY), WithBufferCount(3, 2))
	env.init(t)
	s, f := env.s, env.bridge

	if f.attrs.ProfileID != 3 {
		t.Errorf("ProfileID = %d, want 3", f.attrs.ProfileID)
	}
	if len(f.args) != MP4VCreateArgsSize {
		t.Fatalf("create args = %d bytes, want %d", len(f.args), MP4VCreateArgsSize)
	}
	le := binary.LittleEndian
	checks := []struct {
		off  int
		want uint32
	}{
		{20, 640}, {24, 480}, {28, 4}, {44, 3}, {48, 0xffffffff},
	}
	for _, c := range checks {
		if got := le.Uint32(f.args[c.off:]); got != c.want {
			t.Errorf("create args word at %d = %#x, want %#x", c.off, got, c.want)
		}
	}
	if in, out := le.Uint16(f.args[10:]), le.Uint16(f.args[16:]); in != 3 || out != 2 {
		t.Errorf("buffer counts = %d/%d, want 3/2", in, out)
	}
	if !f.called("Register node /lib/dsp/mp4vdec_sn.dll64P") {
		t.Error("decoder node not registered")
	}

	for i, b := range s.Port(PortInput).Buffers {
		if b.Params == nil || b.Params.Size != MP4VInParamsSize {
			t.Fatalf("input %d params not set up", i)
		}
		if got := le.Uint32(b.Params.Data[12:]); got != 3 {
			t.Errorf("input %d performance mode = %d, want 3", i, got)
		}
	}
	for i, b := range s.Port(PortOutput).Buffers {
		if b.Params == nil || b.Params.Size != MP4VOutParamsSize {
			t.Fatalf("output %d params not set up", i)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	env.assertReleased(t)
}

func TestMP4VDecoderKeyframe(t *testing.T) {
	var types []FrameType
	env, _ := newMP4VEnv(t, nil, WithGeometry(176, 144), WithBufferHandler(func(s *Session, b *Buffer) {
		if b.Port().ID == PortOutput {
			types = append(types, b.FrameType())
		}
	}))
	frameType := uint32(0)
	env.bridge.onBuffer = func(port PortID, rec *MailboxRecord) {
		if port != PortOutput {
			return
		}
		params := env.bridge.mem[rec.ParamData]
		binary.LittleEndian.PutUint32(params[12:], frameType)
		frameType++
	}
	env.init(t)
	defer env.s.Close()

	if _, err := env.s.WaitEvent(DefaultWaitTimeout); err != nil {
		t.Fatalf("WaitEvent failed: %v", err)
	}
	want := []FrameType{FrameTypeKey, FrameTypeDelta}
	if !slices.Equal(types, want) {
		t.Errorf("frame types = %v, want %v", types, want)
	}
}

func TestParseMP4VOutParams(t *testing.T) {
	if _, err := ParseMP4VOutParams(make([]byte, 15)); err == nil {
		t.Error("short record accepted")
	}
	buf := make([]byte, MP4VOutParamsSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], 7)
	le.PutUint32(buf[4:], 1234)
	le.PutUint32(buf[8:], 0xfffffffe)
	le.PutUint32(buf[12:], 1)
	p, err := ParseMP4VOutParams(buf)
	if err != nil {
		t.Fatalf("ParseMP4VOutParams failed: %v", err)
	}
	want := MP4VOutParams{FrameIndex: 7, BytesConsumed: 1234, ErrorCode: -2, FrameType: 1}
	if p != want {
		t.Errorf("got %+v, want %+v", p, want)
	}
}

func TestCodecPassThroughs(t *testing.T) {
	env := newTestEnv(t)
	s := env.s

	if !s.HandleExtraData([]byte{0, 0, 1, 0x20}) {
		t.Error("HandleExtraData not consumed")
	}
	if len(env.codec.extraData) != 4 {
		t.Errorf("codec saw %d bytes of extra data, want 4", len(env.codec.extraData))
	}
	s.FlushCodec()
	if env.codec.flushes != 1 {
		t.Errorf("flushes = %d, want 1", env.codec.flushes)
	}
	if got := s.Latency(40 * time.Millisecond); got != 80*time.Millisecond {
		t.Errorf("Latency = %v, want 80ms", got)
	}

	bare := NewSession("bare", newFakeBridge(t), bareCodec{}, WithLogger(quietLogger()))
	if bare.HandleExtraData([]byte{1}) {
		t.Error("bare codec consumed extra data")
	}
	bare.FlushCodec()
	if got := bare.Latency(time.Second); got != 0 {
		t.Errorf("bare Latency = %v, want 0", got)
	}
}
