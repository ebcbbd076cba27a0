package tidsp

import (
	"errors"
	"fmt"
	"time"
)

// WaitEvent waits up to timeout for a device notification and dispatches
// every pending node message. It reports false with a nil error when no
// notification arrived in time.
//
// A protocol violation poisons the Session: the returned error matches
// ErrProtocolViolation and every later call returns it again.
func (s *Session) WaitEvent(timeout time.Duration) (bool, error) {
	if s.fatal != nil {
		return false, s.fatal
	}
	if s.events[eventMessageReady] == 0 {
		return false, ErrNotRunning
	}

	s.log.Debug("waiting for events")
	index, err := s.bridge.WaitForEvents(s.events[:], timeout)
	if err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			s.log.Debug("timed out waiting for events")
			return false, nil
		}
		s.log.WithError(err).Error("failed waiting for events")
		return false, bridgeErr("wait for events", err)
	}

	switch index {
	case eventMessageReady:
		return true, s.drain()
	case eventMMUFault:
		s.log.Error("got DSP MMUFAULT")
		return true, ErrMMUFault
	case eventSysError:
		s.log.Error("got DSP SYSERROR")
		return true, ErrSysError
	default:
		return true, fmt.Errorf("tidsp: unexpected event index %d", index)
	}
}

// drain polls the node's message queue until it is empty.
func (s *Session) drain() error {
	for s.node != 0 {
		msg, err := s.bridge.GetMessage(s.node, 0)
		if err != nil {
			return nil
		}
		s.log.Debugf("got dsp message: 0x%x 0x%x 0x%x", uint32(msg.Cmd), msg.Arg1, msg.Arg2)
		if err := s.dispatch(msg); err != nil {
			s.log.Errorf("%+v", err)
			s.fatal = err
			return err
		}
	}
	return nil
}

func (s *Session) dispatch(msg Message) error {
	switch msg.Cmd.Family() {
	case FamilyBuffer:
		return s.bufferDone(msg)
	case FamilyFlush:
		s.log.Debug("got flush")
	case FamilyStop:
		s.log.Debug("got stop")
	case FamilyAlgControl:
		s.log.Debug("got alg ctrl")
		s.free(&s.algCtrl)
	case FamilyDeviceEvent:
		s.deviceEvent(msg)
	default:
		s.log.Warnf("unhandled command: 0x%x", uint32(msg.Cmd.Family())<<8)
	}
	return nil
}

// bufferDone completes the exchange whose mailbox address is msg.Arg1.
func (s *Session) bufferDone(msg Message) error {
	id := PortID(msg.Cmd.Sub())
	var p *Port
	for _, port := range s.ports {
		if port.ID == id {
			p = port
			break
		}
	}
	if p == nil {
		return protocolErrorf(msg.Cmd, "bad port index: %d", id)
	}

	s.log.Debugf("got %s buffer", p.ID)

	var b *Buffer
	for i := range p.Buffers {
		if mb := p.Buffers[i].Mailbox; mb != nil && mb.Map == msg.Arg1 {
			b = &p.Buffers[i]
			break
		}
	}
	if b == nil {
		return protocolErrorf(msg.Cmd, "buffer mismatch: no mailbox at 0x%x", msg.Arg1)
	}
	if !b.used {
		return protocolErrorf(msg.Cmd, "completion for idle buffer at 0x%x", msg.Arg1)
	}

	s.sync(s.dmm.End(b.Mailbox, b.Mailbox.Size), "mailbox end")
	rec, err := DecodeMailbox(b.Mailbox.Data, s.mailboxAPI)
	if err != nil {
		return protocolErrorf(msg.Cmd, "%v", err)
	}

	payload := b.Payload
	if payload == nil || rec.UserData != payload.ID {
		return protocolErrorf(msg.Cmd, "user tag 0x%x does not match slot payload", rec.UserData)
	}
	if int64(rec.BufferLen) > int64(payload.Size) {
		return protocolErrorf(msg.Cmd, "wrong buffer size: %d > %d", rec.BufferLen, payload.Size)
	}
	payload.Len = int(rec.BufferLen)

	if b.Pinned {
		s.sync(s.dmm.End(payload, payload.Len), "payload end")
	} else {
		s.sync(s.dmm.Unmap(payload), "payload unmap")
	}

	if rec.ParamVirt != 0 {
		if b.Params == nil || b.Params.ID != rec.ParamVirt {
			return protocolErrorf(msg.Cmd, "param tag 0x%x does not match slot params", rec.ParamVirt)
		}
		s.sync(s.dmm.End(b.Params, b.Params.Size), "params end")
	}

	if p.RecvHook != nil {
		p.RecvHook(s, b)
	}

	b.used = false

	if s.handleBuffer != nil {
		s.handleBuffer(s, b)
	}
	return nil
}

func (s *Session) deviceEvent(msg Message) {
	if msg.Arg1 == eventArgStatus && msg.Arg2 == eventPlaybackCompleted {
		s.log.Debug("playback completed")
		return
	}

	if msg.Arg1 == eventArgStatus && msg.Arg2&eventBufferStatusChanged == eventBufferStatusChanged {
		if s.hooks.update != nil {
			s.hooks.update.UpdateParams(s, s.node, msg.Arg2)
		}
		return
	}

	s.log.Warnf("DSP event: cmd=0x%04X, arg1=%d, arg2=0x%04X", uint32(msg.Cmd), msg.Arg1, msg.Arg2)
	if msg.Arg2&eventFatalMask == eventFatalMask {
		s.setDeviceError(DeviceErrorAlgorithm, "algo error")
	}
}
