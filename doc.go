// Package tidsp drives a DSP video decoding coprocessor from the host side,
// exchanging work and results through shared memory and a fixed-format
// message mailbox.
//
// Key pieces include:
//   - Session: one decode activity, from bridge open to full teardown
//   - Port and Buffer: the two data ports and their buffer slots
//   - The buffer exchange protocol (Submit) and event dispatcher (WaitEvent)
//   - CodecDescriptor: per-algorithm node arguments and hooks (mp4vdec)
//   - Bridge, MemoryMapper and BufferManager: the transport contracts
//
// # Architecture
//
//	Init:    Open -> Attach -> Register libraries -> Allocate/Create node
//	         -> codec params -> Run -> notifications -> play -> pre-fill output
//	Runtime: QueueInput/Submit -> device -> WaitEvent -> dispatch -> callbacks
//	Close:   flush -> stop -> release params/events -> terminate -> free node
//	         -> release mailboxes -> detach -> close
//
// # Concurrency
//
// A Session has no internal locking. Drive it from one goroutine, polling
// WaitEvent in a loop; Submit never blocks and completions are only observed
// through WaitEvent.
//
// # Native Library
//
// PuregoBridge loads the libtidsp_bridge shim (a thin wrapper over the
// DSP bridge driver ioctls). Set TIDSP_BRIDGE_LIB_PATH to override the
// search path. By default the package uses purego (CGO_ENABLED=0).
package tidsp
