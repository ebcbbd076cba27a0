package tidsp

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CodecDescriptor identifies a device-side algorithm. The optional
// capabilities below are discovered once, when the Session is created.
type CodecDescriptor interface {
	Name() string
	// UUID is the device library and node identifier.
	UUID() uuid.UUID
	// Filename is the device library path.
	Filename() string
}

// ArgsCreator builds the node creation arguments and profile id.
// A codec without it cannot start a node.
type ArgsCreator interface {
	CreateArgs(s *Session) (profileID uint32, args []byte, err error)
}

// ParamsSetter configures per-port parameter buffers after node creation.
type ParamsSetter interface {
	SetupParams(s *Session) error
}

// ParamsSender sends codec parameters to a freshly created node.
type ParamsSender interface {
	SendParams(s *Session, node Node) error
}

// ParamsUpdater reacts to a "buffer status changed" device event.
type ParamsUpdater interface {
	UpdateParams(s *Session, node Node, status uint32)
}

// ExtraDataHandler consumes out-of-band configuration data (e.g. codec
// headers delivered outside the stream).
type ExtraDataHandler interface {
	HandleExtraData(s *Session, data []byte) bool
}

// BufferFlusher discards codec-side buffered state.
type BufferFlusher interface {
	FlushBuffer(s *Session)
}

// LatencyReporter reports the algorithm latency for a frame duration.
type LatencyReporter interface {
	Latency(s *Session, frameDuration time.Duration) time.Duration
}

// codecHooks holds the capabilities resolved from a descriptor.
type codecHooks struct {
	args      ArgsCreator
	setup     ParamsSetter
	send      ParamsSender
	update    ParamsUpdater
	extraData ExtraDataHandler
	flush     BufferFlusher
	latency   LatencyReporter
}

func resolveCodecHooks(c CodecDescriptor) codecHooks {
	var h codecHooks
	h.args, _ = c.(ArgsCreator)
	h.setup, _ = c.(ParamsSetter)
	h.send, _ = c.(ParamsSender)
	h.update, _ = c.(ParamsUpdater)
	h.extraData, _ = c.(ExtraDataHandler)
	h.flush, _ = c.(BufferFlusher)
	h.latency, _ = c.(LatencyReporter)
	return h
}

// CodecFactory builds a descriptor from decoded codec options. options may
// be nil.
type CodecFactory func(options map[string]any) (CodecDescriptor, error)

// codecRegistry holds codec factories by name.
var codecRegistry = struct {
	sync.RWMutex
	factories map[string]CodecFactory
}{factories: make(map[string]CodecFactory)}

// RegisterCodec makes a codec available by name.
func RegisterCodec(name string, f CodecFactory) {
	codecRegistry.Lock()
	codecRegistry.factories[name] = f
	codecRegistry.Unlock()
}

// LookupCodec builds the named codec.
func LookupCodec(name string, options map[string]any) (CodecDescriptor, error) {
	codecRegistry.RLock()
	f, ok := codecRegistry.factories[name]
	codecRegistry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return f(options)
}

// Codecs returns the registered codec names, sorted.
func Codecs() []string {
	codecRegistry.RLock()
	defer codecRegistry.RUnlock()
	names := make([]string, 0, len(codecRegistry.factories))
	for name := range codecRegistry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
