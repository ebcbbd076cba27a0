//go:build (darwin || linux) && !nobridge

// DSP bridge binding via libtidsp_bridge using purego.

package tidsp

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

var (
	bridgeLibOnce    sync.Once
	bridgeLibHandle  uintptr
	bridgeLibInitErr error
)

// libtidsp_bridge function pointers. Every call returns zero or a negated
// errno; handles are returned through heap-allocated out parameters.
var (
	tidspOpen   func() int32
	tidspClose  func(handle int32) int32
	tidspAttach func(handle int32, index uint32, procOut uintptr) int32
	tidspDetach func(handle int32, proc uintptr) int32

	tidspRegister func(handle int32, uuid uintptr, typ uint32, path string) int32

	tidspNodeAllocate  func(handle int32, proc, uuid, args uintptr, argsLen uint32, priority int32, timeoutMs, profile uint32, nodeOut uintptr) int32
	tidspNodeCreate    func(handle int32, node uintptr) int32
	tidspNodeRun       func(handle int32, node uintptr) int32
	tidspNodeTerminate func(handle int32, node uintptr, statusOut uintptr) int32
	tidspNodeFree      func(handle int32, node uintptr) int32

	tidspNodePutMessage func(handle int32, node uintptr, cmd, arg1, arg2, timeoutMs uint32) int32
	tidspNodeGetMessage func(handle int32, node uintptr, msgOut uintptr, timeoutMs uint32) int32

	tidspNodeRegisterNotify func(handle int32, node uintptr, class uint32, notifyOut uintptr) int32
	tidspProcRegisterNotify func(handle int32, proc uintptr, class uint32, notifyOut uintptr) int32
	tidspNotifyFree         func(notify uintptr) int32
	tidspWaitForEvents      func(handle int32, events uintptr, count uint32, indexOut uintptr, timeoutMs uint32) int32

	tidspMap        func(handle int32, proc, addr uintptr, size uint32, mapOut uintptr) int32
	tidspUnmap      func(handle int32, proc uintptr, mapped uint32) int32
	tidspFlush      func(handle int32, proc, addr uintptr, size uint32) int32
	tidspInvalidate func(handle int32, proc, addr uintptr, size uint32) int32

	tidspLastError func() uintptr
)

// bridgeMessage mirrors struct dsp_msg. It must be heap-allocated when
// passed to the library.
type bridgeMessage struct {
	Cmd  uint32
	Arg1 uint32
	Arg2 uint32
}

func loadBridgeLib() error {
	bridgeLibOnce.Do(func() {
		bridgeLibInitErr = openBridgeLib()
	})
	return bridgeLibInitErr
}

func openBridgeLib() error {
	var lastErr error
	for _, path := range libraryPaths("libtidsp_bridge", os.Getenv("TIDSP_BRIDGE_LIB_PATH")) {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		bridgeLibHandle = handle
		registerBridgeSymbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libtidsp_bridge: %w", lastErr)
	}
	return errors.New("libtidsp_bridge not found in any standard location")
}

func registerBridgeSymbols() {
	h := bridgeLibHandle
	purego.RegisterLibFunc(&tidspOpen, h, "tidsp_open")
	purego.RegisterLibFunc(&tidspClose, h, "tidsp_close")
	purego.RegisterLibFunc(&tidspAttach, h, "tidsp_attach")
	purego.RegisterLibFunc(&tidspDetach, h, "tidsp_detach")
	purego.RegisterLibFunc(&tidspRegister, h, "tidsp_register")

	purego.RegisterLibFunc(&tidspNodeAllocate, h, "tidsp_node_allocate")
	purego.RegisterLibFunc(&tidspNodeCreate, h, "tidsp_node_create")
	purego.RegisterLibFunc(&tidspNodeRun, h, "tidsp_node_run")
	purego.RegisterLibFunc(&tidspNodeTerminate, h, "tidsp_node_terminate")
	purego.RegisterLibFunc(&tidspNodeFree, h, "tidsp_node_free")

	purego.RegisterLibFunc(&tidspNodePutMessage, h, "tidsp_node_put_message")
	purego.RegisterLibFunc(&tidspNodeGetMessage, h, "tidsp_node_get_message")

	purego.RegisterLibFunc(&tidspNodeRegisterNotify, h, "tidsp_node_register_notify")
	purego.RegisterLibFunc(&tidspProcRegisterNotify, h, "tidsp_proc_register_notify")
	purego.RegisterLibFunc(&tidspNotifyFree, h, "tidsp_notify_free")
	purego.RegisterLibFunc(&tidspWaitForEvents, h, "tidsp_wait_for_events")

	purego.RegisterLibFunc(&tidspMap, h, "tidsp_map")
	purego.RegisterLibFunc(&tidspUnmap, h, "tidsp_unmap")
	purego.RegisterLibFunc(&tidspFlush, h, "tidsp_flush")
	purego.RegisterLibFunc(&tidspInvalidate, h, "tidsp_invalidate")

	purego.RegisterLibFunc(&tidspLastError, h, "tidsp_last_error")
}

// IsBridgeAvailable checks if libtidsp_bridge can be loaded.
func IsBridgeAvailable() bool {
	return loadBridgeLib() == nil
}

// errnoErr converts a negated errno result into an error.
func errnoErr(rc int32) error {
	if rc >= 0 {
		return nil
	}
	errno := unix.Errno(-rc)
	if errno == unix.ETIME || errno == unix.ETIMEDOUT {
		return fmt.Errorf("%w: %w", ErrWaitTimeout, errno)
	}
	if tidspLastError == nil {
		return errno
	}
	if detail := goStringFromPtr(tidspLastError()); detail != "" {
		return fmt.Errorf("%s: %w", detail, errno)
	}
	return errno
}

func millis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Millisecond)
}

// PuregoBridge drives the DSP bridge driver through libtidsp_bridge.
// It implements both Bridge and MemoryMapper.
type PuregoBridge struct {
	handle int32
}

// NewPuregoBridge loads libtidsp_bridge. The bridge is not opened until
// Open is called.
func NewPuregoBridge() (*PuregoBridge, error) {
	if err := loadBridgeLib(); err != nil {
		return nil, fmt.Errorf("dsp bridge not available: %w", err)
	}
	return &PuregoBridge{handle: -1}, nil
}

func (b *PuregoBridge) Open() error {
	rc := tidspOpen()
	if rc < 0 {
		return errnoErr(rc)
	}
	b.handle = rc
	return nil
}

func (b *PuregoBridge) Close() error {
	if b.handle < 0 {
		return nil
	}
	err := errnoErr(tidspClose(b.handle))
	b.handle = -1
	return err
}

func (b *PuregoBridge) Attach(index uint32) (Processor, error) {
	proc := new(uintptr)
	if err := errnoErr(tidspAttach(b.handle, index, uintptr(unsafe.Pointer(proc)))); err != nil {
		return 0, err
	}
	return Processor(*proc), nil
}

func (b *PuregoBridge) Detach(proc Processor) error {
	return errnoErr(tidspDetach(b.handle, uintptr(proc)))
}

func (b *PuregoBridge) Register(id uuid.UUID, typ LibraryType, path string) error {
	raw := new([16]byte)
	*raw = dspUUID(id)
	return errnoErr(tidspRegister(b.handle, uintptr(unsafe.Pointer(raw)), uint32(typ), path))
}

func (b *PuregoBridge) AllocateNode(proc Processor, id uuid.UUID, args []byte, attrs NodeAttrs) (Node, error) {
	raw := new([16]byte)
	*raw = dspUUID(id)
	node := new(uintptr)
	var argp uintptr
	if len(args) > 0 {
		argp = uintptr(unsafe.Pointer(&args[0]))
	}
	rc := tidspNodeAllocate(b.handle, uintptr(proc), uintptr(unsafe.Pointer(raw)),
		argp, uint32(len(args)), attrs.Priority, millis(attrs.Timeout), attrs.ProfileID,
		uintptr(unsafe.Pointer(node)))
	if err := errnoErr(rc); err != nil {
		return 0, err
	}
	return Node(*node), nil
}

func (b *PuregoBridge) CreateNode(node Node) error {
	return errnoErr(tidspNodeCreate(b.handle, uintptr(node)))
}

func (b *PuregoBridge) RunNode(node Node) error {
	return errnoErr(tidspNodeRun(b.handle, uintptr(node)))
}

func (b *PuregoBridge) TerminateNode(node Node) (uint32, error) {
	status := new(uint32)
	err := errnoErr(tidspNodeTerminate(b.handle, uintptr(node), uintptr(unsafe.Pointer(status))))
	return *status, err
}

func (b *PuregoBridge) FreeNode(node Node) error {
	return errnoErr(tidspNodeFree(b.handle, uintptr(node)))
}

func (b *PuregoBridge) SendMessage(node Node, msg Message, timeout time.Duration) error {
	return errnoErr(tidspNodePutMessage(b.handle, uintptr(node), uint32(msg.Cmd), msg.Arg1, msg.Arg2, millis(timeout)))
}

func (b *PuregoBridge) GetMessage(node Node, timeout time.Duration) (Message, error) {
	out := new(bridgeMessage)
	if err := errnoErr(tidspNodeGetMessage(b.handle, uintptr(node), uintptr(unsafe.Pointer(out)), millis(timeout))); err != nil {
		return Message{}, err
	}
	return Message{Cmd: Command(out.Cmd), Arg1: out.Arg1, Arg2: out.Arg2}, nil
}

func (b *PuregoBridge) RegisterNodeNotify(node Node, class NotifyClass) (Notification, error) {
	n := new(uintptr)
	if err := errnoErr(tidspNodeRegisterNotify(b.handle, uintptr(node), uint32(class), uintptr(unsafe.Pointer(n)))); err != nil {
		return 0, err
	}
	return Notification(*n), nil
}

func (b *PuregoBridge) RegisterProcessorNotify(proc Processor, class NotifyClass) (Notification, error) {
	n := new(uintptr)
	if err := errnoErr(tidspProcRegisterNotify(b.handle, uintptr(proc), uint32(class), uintptr(unsafe.Pointer(n)))); err != nil {
		return 0, err
	}
	return Notification(*n), nil
}

func (b *PuregoBridge) ReleaseNotify(n Notification) error {
	return errnoErr(tidspNotifyFree(uintptr(n)))
}

func (b *PuregoBridge) WaitForEvents(events []Notification, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, errors.New("tidsp: no events to wait for")
	}
	list := make([]uintptr, len(events))
	for i, n := range events {
		list[i] = uintptr(n)
	}
	index := new(uint32)
	rc := tidspWaitForEvents(b.handle, uintptr(unsafe.Pointer(&list[0])), uint32(len(list)),
		uintptr(unsafe.Pointer(index)), millis(timeout))
	if err := errnoErr(rc); err != nil {
		return 0, err
	}
	return int(*index), nil
}

func (b *PuregoBridge) Map(proc Processor, host []byte) (uint32, error) {
	if len(host) == 0 {
		return 0, errors.New("tidsp: cannot map empty region")
	}
	mapped := new(uint32)
	rc := tidspMap(b.handle, uintptr(proc), uintptr(unsafe.Pointer(&host[0])), uint32(len(host)), uintptr(unsafe.Pointer(mapped)))
	if err := errnoErr(rc); err != nil {
		return 0, err
	}
	return *mapped, nil
}

func (b *PuregoBridge) Unmap(proc Processor, addr uint32) error {
	return errnoErr(tidspUnmap(b.handle, uintptr(proc), addr))
}

func (b *PuregoBridge) Flush(proc Processor, host []byte) error {
	if len(host) == 0 {
		return nil
	}
	return errnoErr(tidspFlush(b.handle, uintptr(proc), uintptr(unsafe.Pointer(&host[0])), uint32(len(host))))
}

func (b *PuregoBridge) Invalidate(proc Processor, host []byte) error {
	if len(host) == 0 {
		return nil
	}
	return errnoErr(tidspInvalidate(b.handle, uintptr(proc), uintptr(unsafe.Pointer(&host[0])), uint32(len(host))))
}

var (
	_ Bridge       = (*PuregoBridge)(nil)
	_ MemoryMapper = (*PuregoBridge)(nil)
)
