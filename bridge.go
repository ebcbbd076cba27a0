package tidsp

import (
	"time"

	"github.com/google/uuid"
)

// Opaque device-side handles. Zero means "none".
type (
	Processor    uintptr
	Node         uintptr
	Notification uintptr
)

// LibraryType selects how a device library is registered.
type LibraryType uint32

const (
	LibraryTypeNode    LibraryType = 0 // DSP_DCD_NODETYPE
	LibraryTypeLibrary LibraryType = 2 // DSP_DCD_LIBRARYTYPE
)

func (t LibraryType) String() string {
	switch t {
	case LibraryTypeNode:
		return "node"
	case LibraryTypeLibrary:
		return "library"
	default:
		return "unknown"
	}
}

// NotifyClass names the event class a notification is registered for.
type NotifyClass uint32

const (
	NotifyNodeMessageReady NotifyClass = 0x0200 // DSP_NODEMESSAGEREADY
	NotifySysError         NotifyClass = 0x0400 // DSP_SYSERROR
	NotifyMMUFault         NotifyClass = 0x0800 // DSP_MMUFAULT
)

func (c NotifyClass) String() string {
	switch c {
	case NotifyNodeMessageReady:
		return "message-ready"
	case NotifySysError:
		return "sys-error"
	case NotifyMMUFault:
		return "mmu-fault"
	default:
		return "unknown"
	}
}

// NodeAttrs are the scheduling attributes passed at node allocation.
type NodeAttrs struct {
	Priority  int32
	Timeout   time.Duration
	ProfileID uint32
}

// Default node attributes.
const (
	DefaultNodePriority = 5
	DefaultNodeTimeout  = 1000 * time.Millisecond
)

// Bridge is the coprocessor session/node transport.
//
// Calls are synchronous. WaitForEvents returns an error wrapping
// ErrWaitTimeout when no notification fires within the timeout.
type Bridge interface {
	Open() error
	Close() error

	Attach(index uint32) (Processor, error)
	Detach(proc Processor) error

	// Register makes a device library known to the bridge.
	Register(id uuid.UUID, typ LibraryType, path string) error

	AllocateNode(proc Processor, id uuid.UUID, args []byte, attrs NodeAttrs) (Node, error)
	CreateNode(node Node) error
	RunNode(node Node) error
	TerminateNode(node Node) (exitStatus uint32, err error)
	FreeNode(node Node) error

	SendMessage(node Node, msg Message, timeout time.Duration) error
	// GetMessage returns the next pending message; a zero timeout polls.
	GetMessage(node Node, timeout time.Duration) (Message, error)

	RegisterNodeNotify(node Node, class NotifyClass) (Notification, error)
	RegisterProcessorNotify(proc Processor, class NotifyClass) (Notification, error)
	ReleaseNotify(n Notification) error
	// WaitForEvents blocks until one of events fires and returns its index.
	WaitForEvents(events []Notification, timeout time.Duration) (int, error)
}

// MemoryMapper is the device address-space surface of the bridge used by
// the default BufferManager.
type MemoryMapper interface {
	// Map makes host visible to the device and returns the device address.
	Map(proc Processor, host []byte) (uint32, error)
	Unmap(proc Processor, addr uint32) error
	// Flush writes back host cache lines so the device reads current data.
	Flush(proc Processor, host []byte) error
	// Invalidate discards host cache lines so the host reads device data.
	Invalidate(proc Processor, host []byte) error
}
