package tidsp

import "fmt"

// Submit hands b to the device. The slot stays in flight until its
// completion is dispatched by WaitEvent; submitting it again before then
// fails with ErrBufferInFlight.
//
// Input buffers carry Payload.Len bytes of stream data. Output buffers are
// sent with a zero length and come back with whatever the device wrote.
func (s *Session) Submit(b *Buffer) error {
	if s.fatal != nil {
		return s.fatal
	}
	if s.node == 0 {
		return ErrNotRunning
	}
	if b.used {
		return ErrBufferInFlight
	}
	if b.Payload == nil {
		return ErrNoPayload
	}
	if b.Mailbox == nil {
		return ErrNoMailbox
	}
	port := b.port
	payload := b.Payload
	if payload.Len < 0 || payload.Len > payload.Size {
		return fmt.Errorf("%w: %d of %d", ErrInvalidLength, payload.Len, payload.Size)
	}

	s.log.Debugf("sending %s buffer", port.ID)
	b.used = true

	if port.SendHook != nil {
		port.SendHook(s, b)
	}

	if b.Params != nil {
		s.sync(s.dmm.Begin(b.Params, b.Params.Size), "params begin")
	}

	if b.Pinned {
		if !b.Clean {
			s.sync(s.dmm.Begin(payload, payload.Len), "payload begin")
		} else {
			b.Clean = false
		}
	} else if err := s.dmm.Map(payload); err != nil {
		b.used = false
		return err
	}

	rec := MailboxRecord{
		BufferData: payload.Map,
		BufferSize: uint32(payload.Size),
		StreamID:   uint32(port.ID),
		UserData:   payload.ID,
	}
	if port.ID == PortInput {
		rec.BufferLen = uint32(payload.Len)
	}
	if b.Params != nil {
		rec.ParamData = b.Params.Map
		rec.ParamSize = uint32(b.Params.Len)
		rec.ParamVirt = b.Params.ID
	}
	if err := rec.Encode(b.Mailbox.Data, s.mailboxAPI); err != nil {
		s.abortSubmit(b)
		return err
	}
	s.sync(s.dmm.Begin(b.Mailbox, MailboxSize(s.mailboxAPI)), "mailbox begin")

	err := s.SendMessage(Message{
		Cmd:  MakeCommand(FamilyBuffer, uint8(port.ID)),
		Arg1: b.Mailbox.Map,
	})
	if err != nil {
		s.abortSubmit(b)
	}
	return err
}

// abortSubmit returns b to the host after a failed send. An unpinned
// payload is unmapped so the next Submit maps and flushes it again.
func (s *Session) abortSubmit(b *Buffer) {
	b.used = false
	if !b.Pinned {
		s.sync(s.dmm.Unmap(b.Payload), "payload unmap")
	}
}

// sync logs a failed cache synchronization; the exchange proceeds.
func (s *Session) sync(err error, what string) {
	if err != nil {
		s.log.WithError(err).Warnf("%s failed", what)
	}
}

// QueueInput copies data into an idle input buffer and submits it.
func (s *Session) QueueInput(data []byte) error {
	b := s.ports[PortInput].FreeBuffer()
	if b == nil {
		return ErrNoFreeBuffer
	}
	if len(data) > b.Payload.Size {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), b.Payload.Size)
	}
	b.Payload.Len = copy(b.Payload.Data, data)
	return s.Submit(b)
}

// PinBuffer maps b's payload once and keeps it mapped across exchanges.
// The next Submit skips its payload sync pass.
func (s *Session) PinBuffer(b *Buffer) error {
	if b.used {
		return ErrBufferInFlight
	}
	if b.Payload == nil {
		return ErrNoPayload
	}
	if err := s.dmm.Map(b.Payload); err != nil {
		return err
	}
	b.Pinned = true
	b.Clean = true
	return nil
}

// SendAlgControl sends an algorithm control command with params to the
// node. The parameter buffer stays pending until the device acks it.
func (s *Session) SendAlgControl(cmd uint32, params []byte) error {
	if s.fatal != nil {
		return s.fatal
	}
	if s.node == 0 {
		return ErrNotRunning
	}
	if s.algCtrl != nil {
		return ErrAlgControlPending
	}
	size := len(params)
	if size == 0 {
		size = 4
	}
	b, err := s.dmm.Calloc(s.proc, size, DMABidirectional)
	if err != nil {
		return err
	}
	b.Len = copy(b.Data, params)
	if err := s.dmm.Map(b); err != nil {
		s.free(&b)
		return err
	}
	err = s.SendMessage(Message{
		Cmd:  MakeCommand(FamilyAlgControl, 0),
		Arg1: cmd,
		Arg2: b.Map,
	})
	if err != nil {
		s.free(&b)
		return err
	}
	s.algCtrl = b
	return nil
}
