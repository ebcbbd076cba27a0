package tidsp

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Init brings the Session from closed to running: open, attach, register
// the device libraries, create the node, configure codec parameters, run
// the node and pre-fill the output port. On failure every acquired
// resource is released before the error is returned.
func (s *Session) Init() error {
	if s.state != StateClosed {
		return fmt.Errorf("tidsp: init in state %s", s.state)
	}
	if s.dmm == nil {
		return errors.New("tidsp: no buffer manager")
	}
	if err := s.start(); err != nil {
		s.log.WithError(err).Error("dsp init failed")
		if cerr := s.Close(); cerr != nil {
			s.log.WithError(cerr).Warn("cleanup after failed init")
		}
		return err
	}
	return nil
}

func (s *Session) start() error {
	s.deviceError = DeviceErrorNone
	s.fatal = nil

	if err := s.bridge.Open(); err != nil {
		return bridgeErr("dsp open", err)
	}
	s.opened = true
	s.state = StateOpened

	proc, err := s.bridge.Attach(s.procIndex)
	if err != nil {
		return bridgeErr("dsp attach", err)
	}
	s.proc = proc
	s.state = StateAttached

	if err := s.ports[PortInput].allocBuffers(s.dmm, s.nrInput); err != nil {
		return err
	}
	if err := s.ports[PortOutput].allocBuffers(s.dmm, s.nrOutput); err != nil {
		return err
	}

	s.outputBufferSize = OutputBufferSize(s.Width, s.Height)
	if s.outputBufferSize == 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, s.Width, s.Height)
	}

	if err := s.createNode(); err != nil {
		return err
	}
	return s.run()
}

// registerLibraries registers the support libraries and the codec's own
// library and node.
func (s *Session) registerLibraries() error {
	for _, lib := range s.registerLibs {
		err := s.bridge.Register(lib.UUID(), LibraryTypeLibrary, lib.File())
		if err == nil {
			continue
		}
		if !lib.Required() {
			s.log.WithError(err).Debugf("ignoring %s library registration failure", lib)
			continue
		}
		return bridgeErr(fmt.Sprintf("register %s library", lib), err)
	}

	s.log.Infof("algo=%s", s.codec.Filename())

	if err := s.bridge.Register(s.codec.UUID(), LibraryTypeLibrary, s.codec.Filename()); err != nil {
		return bridgeErr("register algo node library", err)
	}
	if err := s.bridge.Register(s.codec.UUID(), LibraryTypeNode, s.codec.Filename()); err != nil {
		return bridgeErr("register algo node", err)
	}
	return nil
}

func (s *Session) createNode() error {
	if err := s.registerLibraries(); err != nil {
		return err
	}

	if s.hooks.args == nil {
		return fmt.Errorf("%w: %s", ErrNoCreateArgs, s.codec.Name())
	}
	profile, args, err := s.hooks.args.CreateArgs(s)
	if err != nil {
		return fmt.Errorf("tidsp: create args: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: %s", ErrNoCreateArgs, s.codec.Name())
	}

	attrs := s.nodeAttrs
	attrs.ProfileID = profile
	node, err := s.bridge.AllocateNode(s.proc, s.codec.UUID(), args, attrs)
	if err != nil {
		return bridgeErr("dsp node allocate", err)
	}
	s.state = StateNodeAllocated

	if err := s.bridge.CreateNode(node); err != nil {
		if ferr := s.bridge.FreeNode(node); ferr != nil {
			s.log.WithError(ferr).Error("dsp node free failed")
		}
		return bridgeErr("dsp node create", err)
	}
	s.node = node
	s.state = StateNodeCreated
	s.log.Info("dsp node created")

	if s.hooks.setup != nil {
		if err := s.hooks.setup.SetupParams(s); err != nil {
			return fmt.Errorf("tidsp: setup params: %w", err)
		}
	}
	if s.hooks.send != nil {
		if err := s.hooks.send.SendParams(s, node); err != nil {
			return fmt.Errorf("tidsp: send params: %w", err)
		}
	}
	s.state = StateParamsConfigured
	return nil
}

func (s *Session) run() error {
	if err := s.bridge.RunNode(s.node); err != nil {
		return bridgeErr("dsp node run", err)
	}
	s.log.Info("dsp node running")

	n, err := s.bridge.RegisterNodeNotify(s.node, NotifyNodeMessageReady)
	if err != nil {
		return bridgeErr("register for notifications", err)
	}
	s.events[eventMessageReady] = n

	if n, err = s.bridge.RegisterProcessorNotify(s.proc, NotifyMMUFault); err != nil {
		return bridgeErr("register for DSP_MMUFAULT", err)
	}
	s.events[eventMMUFault] = n

	if n, err = s.bridge.RegisterProcessorNotify(s.proc, NotifySysError); err != nil {
		return bridgeErr("register for DSP_SYSERROR", err)
	}
	s.events[eventSysError] = n

	if err := s.SendMessage(Message{Cmd: MakeCommand(FamilyPlay, 0)}); err != nil {
		return err
	}

	size := MailboxSize(s.mailboxAPI)
	for _, p := range s.ports {
		for i := range p.Buffers {
			b, err := s.dmm.Alloc(s.proc, size, DMABidirectional)
			if err != nil {
				return err
			}
			p.Buffers[i].Mailbox = b
			if err := s.dmm.Map(b); err != nil {
				return err
			}
		}
	}

	for _, p := range s.ports {
		for i := range p.Buffers {
			b, err := s.dmm.Alloc(s.proc, s.outputBufferSize, p.Dir)
			if err != nil {
				return err
			}
			p.Buffers[i].Payload = b
		}
	}

	s.state = StateRunning

	out := s.ports[PortOutput]
	for i := range out.Buffers {
		if err := s.Submit(&out.Buffers[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close tears the Session down. Every step is attempted regardless of
// earlier failures; only the detach and close results are reported.
// Close is idempotent. A Session whose Init never opened the bridge makes
// no bridge calls at all.
func (s *Session) Close() error {
	s.stop()

	var result *multierror.Error
	if s.deviceError == DeviceErrorNone && s.proc != 0 {
		if err := s.bridge.Detach(s.proc); err != nil {
			s.log.WithError(err).Error("dsp detach failed")
			result = multierror.Append(result, bridgeErr("dsp detach", err))
		}
	}
	s.proc = 0

	if s.opened {
		if err := s.bridge.Close(); err != nil {
			s.log.WithError(err).Error("dsp close failed")
			result = multierror.Append(result, bridgeErr("dsp close", err))
		}
		s.opened = false
	}

	s.state = StateClosed
	return result.ErrorOrNil()
}

// stop releases the node and every buffer hanging off the ports.
func (s *Session) stop() {
	if s.node == 0 {
		s.releaseBuffers()
		return
	}
	s.state = StateStopping

	for _, p := range s.ports {
		if err := p.flush(s.dmm); err != nil {
			s.log.WithError(err).Warn("port flush failed")
		}
	}

	if err := s.SendMessage(Message{Cmd: MakeCommand(FamilyStop, 0)}); err != nil {
		s.log.WithError(err).Debug("stop message not delivered")
	}

	for _, p := range s.ports {
		for i := range p.Buffers {
			s.free(&p.Buffers[i].Params)
		}
	}

	for i, n := range s.events {
		if n == 0 {
			continue
		}
		if err := s.bridge.ReleaseNotify(n); err != nil {
			s.log.WithError(err).Warn("release notification failed")
		}
		s.events[i] = 0
	}

	s.free(&s.algCtrl)

	if s.deviceError == DeviceErrorNone {
		status, err := s.bridge.TerminateNode(s.node)
		if err != nil || status != 0 {
			s.log.WithError(err).Errorf("dsp node terminate failed: 0x%x", status)
		}
	}

	if err := s.bridge.FreeNode(s.node); err != nil {
		s.log.WithError(err).Error("dsp node free failed")
	} else {
		s.log.Info("dsp node deleted")
	}
	s.node = 0

	s.releaseBuffers()
	s.log.Info("dsp node terminated")
}

// releaseBuffers frees every remaining slot buffer and resets both ports
// to zero slots.
func (s *Session) releaseBuffers() {
	for _, p := range s.ports {
		for i := range p.Buffers {
			b := &p.Buffers[i]
			s.free(&b.Mailbox)
			s.free(&b.Params)
			s.free(&b.Payload)
		}
		p.Buffers = nil
	}
}

// free releases *b and clears the reference.
func (s *Session) free(b **DMABuffer) {
	if *b == nil {
		return
	}
	if err := s.dmm.Free(*b); err != nil {
		s.log.WithError(err).Warn("dma buffer free failed")
	}
	*b = nil
}
