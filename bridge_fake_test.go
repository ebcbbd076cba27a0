package tidsp

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var errInjected = errors.New("injected failure")

// fakeBridge simulates the device side of the bridge. Buffer exchanges are
// echoed back through the mailbox bytes the host wrote.
type fakeBridge struct {
	t testing.TB

	calls []string
	fail  map[string]error

	proc  Processor
	node  Node
	nodes int
	notes map[Notification]NotifyClass
	next  uintptr

	sent  []Message
	queue []Message
	raise []int

	// mem maps device addresses to host regions.
	mem      map[uint32][]byte
	nextAddr uint32
	flushes  int
	invals   int

	api        int
	echo       bool
	outputLen  int
	onBuffer   func(port PortID, rec *MailboxRecord)
	exitStatus uint32
	attrs      NodeAttrs
	args       []byte
	waitEvents []Notification
}

func newFakeBridge(t testing.TB) *fakeBridge {
	return &fakeBridge{
		t:         t,
		fail:      make(map[string]error),
		notes:     make(map[Notification]NotifyClass),
		mem:       make(map[uint32][]byte),
		next:      0x100,
		nextAddr:  0x10000000,
		api:       DefaultMailboxAPIVersion,
		echo:      true,
		outputLen: 64,
	}
}

func (f *fakeBridge) record(call string) error {
	f.calls = append(f.calls, call)
	if err, ok := f.fail[call]; ok {
		return err
	}
	op, _, _ := strings.Cut(call, " ")
	return f.fail[op]
}

func (f *fakeBridge) handle() uintptr {
	f.next += 0x10
	return f.next
}

func (f *fakeBridge) called(op string) bool {
	for _, c := range f.calls {
		if c == op || strings.HasPrefix(c, op+" ") {
			return true
		}
	}
	return false
}

func (f *fakeBridge) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

// ops returns the recorded calls whose operation is one of names, in order.
func (f *fakeBridge) ops(names ...string) []string {
	var out []string
	for _, c := range f.calls {
		op, _, _ := strings.Cut(c, " ")
		for _, n := range names {
			if op == n {
				out = append(out, op)
				break
			}
		}
	}
	return out
}

func (f *fakeBridge) Open() error  { return f.record("Open") }
func (f *fakeBridge) Close() error { return f.record("Close") }

func (f *fakeBridge) Attach(index uint32) (Processor, error) {
	if err := f.record("Attach"); err != nil {
		return 0, err
	}
	f.proc = Processor(f.handle())
	return f.proc, nil
}

func (f *fakeBridge) Detach(proc Processor) error {
	if proc != f.proc {
		f.t.Errorf("Detach(%#x), attached %#x", proc, f.proc)
	}
	return f.record("Detach")
}

func (f *fakeBridge) Register(id uuid.UUID, typ LibraryType, path string) error {
	return f.record(fmt.Sprintf("Register %s %s", typ, path))
}

func (f *fakeBridge) AllocateNode(proc Processor, id uuid.UUID, args []byte, attrs NodeAttrs) (Node, error) {
	if err := f.record("AllocateNode"); err != nil {
		return 0, err
	}
	f.attrs = attrs
	f.args = append([]byte(nil), args...)
	f.node = Node(f.handle())
	f.nodes++
	return f.node, nil
}

func (f *fakeBridge) CreateNode(node Node) error { return f.record("CreateNode") }
func (f *fakeBridge) RunNode(node Node) error    { return f.record("RunNode") }

func (f *fakeBridge) TerminateNode(node Node) (uint32, error) {
	return f.exitStatus, f.record("TerminateNode")
}

func (f *fakeBridge) FreeNode(node Node) error {
	if node != f.node {
		f.t.Errorf("FreeNode(%#x), allocated %#x", node, f.node)
	}
	f.nodes--
	return f.record("FreeNode")
}

func (f *fakeBridge) SendMessage(node Node, msg Message, timeout time.Duration) error {
	if err := f.record("SendMessage " + msg.Cmd.Family().String()); err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	if !f.echo {
		return nil
	}
	switch msg.Cmd.Family() {
	case FamilyBuffer:
		f.completeBuffer(msg)
	case FamilyAlgControl:
		f.queue = append(f.queue, Message{Cmd: MakeCommand(FamilyAlgControl, 0)})
	}
	return nil
}

// completeBuffer plays the device: it consumes input payloads and fills
// output payloads, writes the length back into the mailbox and queues the
// completion message.
func (f *fakeBridge) completeBuffer(msg Message) {
	box, ok := f.mem[msg.Arg1]
	if !ok {
		f.t.Errorf("buffer message for unmapped mailbox %#x", msg.Arg1)
		return
	}
	rec, err := DecodeMailbox(box, f.api)
	if err != nil {
		f.t.Errorf("decode mailbox: %v", err)
		return
	}
	port := PortID(msg.Cmd.Sub())
	if port == PortOutput {
		payload, ok := f.mem[rec.BufferData]
		if !ok {
			f.t.Errorf("output payload %#x not mapped", rec.BufferData)
			return
		}
		n := min(f.outputLen, len(payload))
		for i := range payload[:n] {
			payload[i] = byte(i)
		}
		rec.BufferLen = uint32(n)
	}
	if f.onBuffer != nil {
		f.onBuffer(port, &rec)
	}
	if err := rec.Encode(box, f.api); err != nil {
		f.t.Errorf("encode mailbox: %v", err)
		return
	}
	f.queue = append(f.queue, msg)
}

func (f *fakeBridge) GetMessage(node Node, timeout time.Duration) (Message, error) {
	if len(f.queue) == 0 {
		return Message{}, errors.New("no message")
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, nil
}

func (f *fakeBridge) RegisterNodeNotify(node Node, class NotifyClass) (Notification, error) {
	if err := f.record("RegisterNodeNotify " + class.String()); err != nil {
		return 0, err
	}
	n := Notification(f.handle())
	f.notes[n] = class
	return n, nil
}

func (f *fakeBridge) RegisterProcessorNotify(proc Processor, class NotifyClass) (Notification, error) {
	if err := f.record("RegisterProcessorNotify " + class.String()); err != nil {
		return 0, err
	}
	n := Notification(f.handle())
	f.notes[n] = class
	return n, nil
}

func (f *fakeBridge) ReleaseNotify(n Notification) error {
	if _, ok := f.notes[n]; !ok {
		f.t.Errorf("ReleaseNotify(%#x): unknown notification", n)
	}
	delete(f.notes, n)
	return f.record("ReleaseNotify")
}

func (f *fakeBridge) WaitForEvents(events []Notification, timeout time.Duration) (int, error) {
	if err := f.record("WaitForEvents"); err != nil {
		return 0, err
	}
	f.waitEvents = append([]Notification(nil), events...)
	if len(f.raise) > 0 {
		i := f.raise[0]
		f.raise = f.raise[1:]
		return i, nil
	}
	if len(f.queue) > 0 {
		return 0, nil
	}
	return 0, fmt.Errorf("%w: ETIME", ErrWaitTimeout)
}

func (f *fakeBridge) Map(proc Processor, host []byte) (uint32, error) {
	if err := f.record("Map"); err != nil {
		return 0, err
	}
	for {
		f.nextAddr += 0x1000
		if _, used := f.mem[f.nextAddr]; f.nextAddr != 0 && !used {
			break
		}
	}
	f.mem[f.nextAddr] = host
	return f.nextAddr, nil
}

func (f *fakeBridge) Unmap(proc Processor, addr uint32) error {
	if _, ok := f.mem[addr]; !ok {
		f.t.Errorf("Unmap(%#x): not mapped", addr)
	}
	delete(f.mem, addr)
	return f.record("Unmap")
}

func (f *fakeBridge) Flush(proc Processor, host []byte) error {
	f.flushes++
	return nil
}

func (f *fakeBridge) Invalidate(proc Processor, host []byte) error {
	f.invals++
	return nil
}

// injectDone queues a buffer completion for b with the given length, as if
// the device had written it.
func (f *fakeBridge) injectDone(b *Buffer, n uint32) {
	f.t.Helper()
	rec, err := DecodeMailbox(b.Mailbox.Data, f.api)
	if err != nil {
		f.t.Fatalf("decode mailbox: %v", err)
	}
	rec.BufferLen = n
	if err := rec.Encode(b.Mailbox.Data, f.api); err != nil {
		f.t.Fatalf("encode mailbox: %v", err)
	}
	f.queue = append(f.queue, Message{
		Cmd:  MakeCommand(FamilyBuffer, uint8(b.port.ID)),
		Arg1: b.Mailbox.Map,
	})
}

// countingAllocator is a heap-backed hostAllocator that tracks live regions.
type countingAllocator struct {
	live int
}

func (a *countingAllocator) alloc(size int) ([]byte, error) {
	a.live++
	return make([]byte, size), nil
}

func (a *countingAllocator) free(mem []byte) error {
	a.live--
	return nil
}

// testCodec is a minimal descriptor with every optional hook.
type testCodec struct {
	args    []byte
	profile uint32
	argsErr error

	setups    int
	sends     int
	updates   []uint32
	flushes   int
	extraData []byte
}

func (c *testCodec) Name() string     { return "test" }
func (c *testCodec) UUID() uuid.UUID  { return uuid.MustParse("00000000-0000-0000-0000-000000000001") }
func (c *testCodec) Filename() string { return DeviceLibraryDir + "test.dll64P" }

func (c *testCodec) CreateArgs(s *Session) (uint32, []byte, error) {
	return c.profile, c.args, c.argsErr
}

func (c *testCodec) SetupParams(s *Session) error {
	c.setups++
	return s.SetupParams(s.Port(PortOutput), 16, nil)
}

func (c *testCodec) SendParams(s *Session, node Node) error {
	c.sends++
	return nil
}

func (c *testCodec) UpdateParams(s *Session, node Node, status uint32) {
	c.updates = append(c.updates, status)
}

func (c *testCodec) HandleExtraData(s *Session, data []byte) bool {
	c.extraData = append(c.extraData[:0], data...)
	return true
}

func (c *testCodec) FlushBuffer(s *Session) { c.flushes++ }

func (c *testCodec) Latency(s *Session, d time.Duration) time.Duration { return 2 * d }

// bareCodec has no optional hooks.
type bareCodec struct{}

func (bareCodec) Name() string     { return "bare" }
func (bareCodec) UUID() uuid.UUID  { return uuid.Nil }
func (bareCodec) Filename() string { return DeviceLibraryDir + "bare.dll64P" }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testEnv struct {
	bridge *fakeBridge
	alloc  *countingAllocator
	codec  *testCodec
	s      *Session
}

func newTestEnv(t testing.TB, opts ...Option) *testEnv {
	t.Helper()
	f := newFakeBridge(t)
	a := &countingAllocator{}
	c := &testCodec{args: make([]byte, 8), profile: 2}
	base := []Option{
		WithGeometry(176, 144),
		WithLogger(quietLogger()),
		WithBufferManager(&dmmManager{mapper: f, mem: a}),
	}
	s := NewSession("test-client", f, c, append(base, opts...)...)
	return &testEnv{bridge: f, alloc: a, codec: c, s: s}
}

func (e *testEnv) init(t testing.TB) {
	t.Helper()
	if err := e.s.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
}

// assertReleased checks that every host region and device mapping is gone.
func (e *testEnv) assertReleased(t *testing.T) {
	t.Helper()
	if e.alloc.live != 0 {
		t.Errorf("%d DMA buffers still allocated", e.alloc.live)
	}
	if len(e.bridge.mem) != 0 {
		t.Errorf("%d device mappings still live", len(e.bridge.mem))
	}
	if len(e.bridge.notes) != 0 {
		t.Errorf("%d notifications still registered", len(e.bridge.notes))
	}
}
