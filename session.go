package tidsp

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the node lifecycle state of a Session.
type State int

const (
	StateClosed State = iota
	StateOpened
	StateAttached
	StateNodeAllocated
	StateNodeCreated
	StateParamsConfigured
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateAttached:
		return "attached"
	case StateNodeAllocated:
		return "node-allocated"
	case StateNodeCreated:
		return "node-created"
	case StateParamsConfigured:
		return "params-configured"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// DeviceError is the sticky device error code; zero means healthy.
type DeviceError uint32

const (
	DeviceErrorNone DeviceError = iota
	DeviceErrorAlgorithm
)

func (e DeviceError) String() string {
	switch e {
	case DeviceErrorNone:
		return "none"
	case DeviceErrorAlgorithm:
		return "algorithm error"
	default:
		return fmt.Sprintf("device error %d", uint32(e))
	}
}

// Notification slots, in registration and wait order.
const (
	eventMessageReady = iota
	eventMMUFault
	eventSysError
	eventCount
)

// Default session parameters.
const (
	DefaultInputBuffers  = 2
	DefaultOutputBuffers = 2
	DefaultWaitTimeout   = 100 * time.Millisecond
	DefaultSendTimeout   = 0
)

// BufferHandler receives every completed buffer. The handler owns the
// buffer until it resubmits it.
type BufferHandler func(s *Session, b *Buffer)

// Session is one decode activity on the device.
//
// A Session is not safe for concurrent use.
type Session struct {
	owner  any
	bridge Bridge
	dmm    BufferManager
	log    *logrus.Entry

	codec CodecDescriptor
	hooks codecHooks

	state  State
	opened bool
	proc   Processor
	node   Node
	ports  [2]*Port
	events [eventCount]Notification

	algCtrl *DMABuffer

	Width       int
	Height      int
	ColorFormat ColorFormat

	outputBufferSize int
	deviceError      DeviceError
	fatal            error

	procIndex    uint32
	nrInput      int
	nrOutput     int
	mailboxAPI   int
	handleBuffer BufferHandler
	nodeAttrs    NodeAttrs
	sendTimeout  time.Duration
	registerLibs []DeviceLibrary
}

// Option configures a Session.
type Option func(*Session)

// WithGeometry sets the frame size.
func WithGeometry(width, height int) Option {
	return func(s *Session) { s.Width, s.Height = width, height }
}

// WithColorFormat sets the output color format tag.
func WithColorFormat(c ColorFormat) Option {
	return func(s *Session) { s.ColorFormat = c }
}

// WithBufferManager replaces the default DMA buffer manager.
func WithBufferManager(m BufferManager) Option {
	return func(s *Session) { s.dmm = m }
}

// WithLogger sets the logger; the owner is attached as field "client".
func WithLogger(l *logrus.Logger) Option {
	return func(s *Session) { s.log = l.WithField("client", s.owner) }
}

// WithBufferHandler sets the callback for completed buffers.
func WithBufferHandler(h BufferHandler) Option {
	return func(s *Session) { s.handleBuffer = h }
}

// WithBufferCount sets the slot count of each port.
func WithBufferCount(input, output int) Option {
	return func(s *Session) { s.nrInput, s.nrOutput = input, output }
}

// WithProcessor selects the processor index to attach to.
func WithProcessor(index uint32) Option {
	return func(s *Session) { s.procIndex = index }
}

// WithMailboxAPI selects the mailbox record layout version.
func WithMailboxAPI(version int) Option {
	return func(s *Session) { s.mailboxAPI = version }
}

// NewSession creates a closed Session for owner. The mailbox, parameter
// and payload buffers are allocated by Init. If bridge also implements
// MemoryMapper and no BufferManager option is given, the default manager
// is built on top of it.
func NewSession(owner any, bridge Bridge, codec CodecDescriptor, opts ...Option) *Session {
	s := &Session{
		owner:       owner,
		bridge:      bridge,
		codec:       codec,
		hooks:       resolveCodecHooks(codec),
		ColorFormat: ColorFormatI420,
		nrInput:     DefaultInputBuffers,
		nrOutput:    DefaultOutputBuffers,
		mailboxAPI:  DefaultMailboxAPIVersion,
		nodeAttrs: NodeAttrs{
			Priority: DefaultNodePriority,
			Timeout:  DefaultNodeTimeout,
		},
		sendTimeout:  DefaultSendTimeout,
		registerLibs: DeviceLibraries(),
	}
	s.log = logrus.StandardLogger().WithField("client", owner)
	s.ports[PortInput] = newPort(PortInput, DMAToDevice)
	s.ports[PortOutput] = newPort(PortOutput, DMAFromDevice)
	for _, opt := range opts {
		opt(s)
	}
	if s.dmm == nil {
		if m, ok := bridge.(MemoryMapper); ok {
			s.dmm = NewBufferManager(m)
		}
	}
	return s
}

// Owner returns the caller-supplied owner handle.
func (s *Session) Owner() any { return s.owner }

// Codec returns the active codec descriptor.
func (s *Session) Codec() CodecDescriptor { return s.codec }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// DeviceError returns the sticky device error code.
func (s *Session) DeviceError() DeviceError { return s.deviceError }

// Err returns the protocol violation that poisoned the Session, if any.
func (s *Session) Err() error { return s.fatal }

// Port returns the input or output port.
func (s *Session) Port(id PortID) *Port {
	if int(id) >= len(s.ports) {
		return nil
	}
	return s.ports[id]
}

// Node returns the device node handle, zero before creation.
func (s *Session) Node() Node { return s.node }

// Processor returns the attached processor handle.
func (s *Session) Processor() Processor { return s.proc }

// Bridge returns the transport.
func (s *Session) Bridge() Bridge { return s.bridge }

// BufferManager returns the DMA buffer manager.
func (s *Session) BufferManager() BufferManager { return s.dmm }

// Logger returns the session log entry.
func (s *Session) Logger() *logrus.Entry { return s.log }

// OutputBufferSize returns the derived payload size, zero before Init.
func (s *Session) OutputBufferSize() int { return s.outputBufferSize }

// SendMessage sends msg to the node.
func (s *Session) SendMessage(msg Message) error {
	if s.node == 0 {
		return ErrNotRunning
	}
	return bridgeErr("send message", s.bridge.SendMessage(s.node, msg, s.sendTimeout))
}

// HandleExtraData passes out-of-band configuration data to the codec.
// It reports false when the codec does not consume it.
func (s *Session) HandleExtraData(data []byte) bool {
	if s.hooks.extraData == nil {
		return false
	}
	return s.hooks.extraData.HandleExtraData(s, data)
}

// FlushCodec asks the codec to discard buffered state.
func (s *Session) FlushCodec() {
	if s.hooks.flush != nil {
		s.hooks.flush.FlushBuffer(s)
	}
}

// Latency returns the codec latency for a frame duration, zero when the
// codec does not report one.
func (s *Session) Latency(frameDuration time.Duration) time.Duration {
	if s.hooks.latency == nil {
		return 0
	}
	return s.hooks.latency.Latency(s, frameDuration)
}

// setDeviceError enters the sticky device error state.
func (s *Session) setDeviceError(code DeviceError, reason string) {
	s.log.WithField("code", code).Error(reason)
	s.deviceError = code
}
