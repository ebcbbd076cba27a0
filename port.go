package tidsp

import "fmt"

// PortID identifies one of the two data ports of a Session.
type PortID uint8

const (
	PortInput  PortID = 0 // host -> device
	PortOutput PortID = 1 // device -> host
)

func (p PortID) String() string {
	switch p {
	case PortInput:
		return "input"
	case PortOutput:
		return "output"
	default:
		return fmt.Sprintf("port(%d)", uint8(p))
	}
}

// PortHook is invoked by the exchange protocol on a single buffer.
type PortHook func(s *Session, b *Buffer)

// Buffer is one buffer slot of a port.
type Buffer struct {
	port *Port

	Payload *DMABuffer // frame data
	Mailbox *DMABuffer // exchange record, allocated when the node runs
	Params  *DMABuffer // optional codec parameters

	Keyframe bool // set by the codec on completed output buffers
	Pinned   bool // payload stays mapped across exchanges
	Clean    bool // skip the next payload sync pass once
	used     bool
}

// Port returns the owning port.
func (b *Buffer) Port() *Port { return b.port }

// Used reports whether an exchange is in flight.
func (b *Buffer) Used() bool { return b.used }

// FrameType reports the keyframe flag of a completed output buffer.
func (b *Buffer) FrameType() FrameType {
	if b.port == nil || b.port.ID != PortOutput {
		return FrameTypeUnknown
	}
	if b.Keyframe {
		return FrameTypeKey
	}
	return FrameTypeDelta
}

// Bytes returns the in-use part of the payload.
func (b *Buffer) Bytes() []byte {
	if b.Payload == nil {
		return nil
	}
	return b.Payload.Data[:b.Payload.Len]
}

// Port is a data port with a fixed direction and its buffer slots.
type Port struct {
	ID      PortID
	Dir     DMADirection
	Buffers []Buffer

	// SendHook runs before a buffer is handed to the device.
	SendHook PortHook
	// RecvHook runs when a buffer comes back, before the used flag clears.
	RecvHook PortHook
}

func newPort(id PortID, dir DMADirection) *Port {
	return &Port{ID: id, Dir: dir}
}

// FreeBuffer returns an idle slot that holds a payload, or nil.
func (p *Port) FreeBuffer() *Buffer {
	for i := range p.Buffers {
		b := &p.Buffers[i]
		if !b.used && b.Payload != nil {
			return b
		}
	}
	return nil
}

// InFlight returns the number of slots with an exchange in flight.
func (p *Port) InFlight() int {
	n := 0
	for i := range p.Buffers {
		if p.Buffers[i].used {
			n++
		}
	}
	return n
}

// allocBuffers replaces the slot array with n empty slots, releasing the
// payload buffers of the previous array first.
func (p *Port) allocBuffers(m BufferManager, n int) error {
	err := p.flush(m)
	p.Buffers = make([]Buffer, n)
	for i := range p.Buffers {
		p.Buffers[i].port = p
	}
	return err
}

// flush releases every slot's payload buffer. Mailbox and parameter
// buffers are left alone.
func (p *Port) flush(m BufferManager) error {
	var first error
	for i := range p.Buffers {
		b := &p.Buffers[i]
		if b.Payload == nil {
			continue
		}
		if err := m.Free(b.Payload); err != nil && first == nil {
			first = err
		}
		b.Payload = nil
	}
	return first
}

// ParamsInit fills a freshly allocated parameter buffer.
type ParamsInit func(s *Session, b *DMABuffer)

// SetupParams gives every slot of p a zeroed, bidirectional parameter
// buffer of size bytes, runs init over it when non-nil and maps it for
// reuse across exchanges.
func (s *Session) SetupParams(p *Port, size int, init ParamsInit) error {
	for i := range p.Buffers {
		b, err := s.dmm.Calloc(s.proc, size, DMABidirectional)
		if err != nil {
			return err
		}
		b.Len = size
		if init != nil {
			init(s, b)
		}
		if err := s.dmm.Map(b); err != nil {
			s.free(&b)
			return err
		}
		s.free(&p.Buffers[i].Params)
		p.Buffers[i].Params = b
	}
	return nil
}
