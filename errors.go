package tidsp

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrInvalidGeometry   = errors.New("tidsp: frame geometry yields zero output buffer size")
	ErrNoCreateArgs      = errors.New("tidsp: codec cannot build node creation arguments")
	ErrNotRunning        = errors.New("tidsp: session is not running")
	ErrBufferInFlight    = errors.New("tidsp: buffer already submitted")
	ErrNoPayload         = errors.New("tidsp: buffer has no payload")
	ErrNoMailbox         = errors.New("tidsp: buffer has no mailbox")
	ErrNoFreeBuffer      = errors.New("tidsp: no free buffer on port")
	ErrFrameTooLarge     = errors.New("tidsp: frame exceeds payload capacity")
	ErrInvalidLength     = errors.New("tidsp: payload length out of range")
	ErrAlgControlPending = errors.New("tidsp: algorithm control already pending")
	ErrWaitTimeout       = errors.New("tidsp: timed out waiting for events")
	ErrMMUFault          = errors.New("tidsp: device MMU fault")
	ErrSysError          = errors.New("tidsp: device system error")
	ErrUnknownCodec      = errors.New("tidsp: unknown codec")

	// ErrProtocolViolation marks a broken wire-protocol assumption. It is
	// never retryable; the Session refuses further work once it is raised.
	ErrProtocolViolation = errors.New("tidsp: protocol violation")
)

// ProtocolError describes an invariant violation observed on the wire.
type ProtocolError struct {
	Command Command
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tidsp: protocol violation (cmd=0x%04x): %s", uint32(e.Command), e.Reason)
}

// Is reports ErrProtocolViolation as a match.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocolViolation }

// protocolErrorf builds a ProtocolError annotated with the current stack.
func protocolErrorf(cmd Command, format string, args ...any) error {
	return pkgerrors.WithStack(&ProtocolError{Command: cmd, Reason: fmt.Sprintf(format, args...)})
}

// BridgeError records a failed bridge or memory call.
type BridgeError struct {
	Op  string
	Err error
}

func (e *BridgeError) Error() string { return "tidsp: " + e.Op + " failed: " + e.Err.Error() }
func (e *BridgeError) Unwrap() error { return e.Err }

func bridgeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BridgeError{Op: op, Err: err}
}
