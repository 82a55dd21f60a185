package xbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const fakeAddr = "3:7"

// fakeHandle is an in-memory DeviceHandle. Reads block on a channel the test
// feeds; Close unblocks them. The per-step hooks let tests inject events at
// specific points of the open sequence.
type fakeHandle struct {
	vid uint16
	pid uint16
	eps []EndpointDesc

	identityHook  func()
	endpointsHook func()
	claimHook     func()
	claimErr      error

	reads     chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	writeGate chan struct{} // when non-nil, WriteInterrupt blocks on it

	mu       sync.Mutex
	writes   [][]byte
	claimed  bool
	released bool
	closed   bool
	halted   bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		vid: ReceiverVID,
		pid: ReceiverPID,
		eps: []EndpointDesc{
			{Address: 0x81, Attributes: 0x03, MaxPacketSize: 32},
			{Address: 0x01, Attributes: 0x03, MaxPacketSize: 32},
		},
		reads:   make(chan []byte, 8),
		closeCh: make(chan struct{}),
	}
}

func (h *fakeHandle) Identity() (uint16, uint16, error) {
	if h.identityHook != nil {
		h.identityHook()
	}
	return h.vid, h.pid, nil
}

func (h *fakeHandle) Endpoints() ([]EndpointDesc, error) {
	if h.endpointsHook != nil {
		h.endpointsHook()
	}
	return h.eps, nil
}

func (h *fakeHandle) Claim(iface int) error {
	if h.claimHook != nil {
		h.claimHook()
	}
	if h.claimErr != nil {
		return h.claimErr
	}
	h.mu.Lock()
	h.claimed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) ReadInterrupt(ep uint8, buf []byte) (int, error) {
	select {
	case data := <-h.reads:
		n := copy(buf, data)
		return n, nil
	case <-h.closeCh:
		return 0, ErrNoDevice
	}
}

func (h *fakeHandle) WriteInterrupt(ep uint8, data []byte) (int, error) {
	if h.writeGate != nil {
		<-h.writeGate
	}
	h.mu.Lock()
	h.writes = append(h.writes, append([]byte(nil), data...))
	h.mu.Unlock()
	return len(data), nil
}

func (h *fakeHandle) HaltFlush(ep uint8) error {
	h.mu.Lock()
	h.halted = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.closeCh) })
	return nil
}

func (h *fakeHandle) snapshot() (claimed, released, closed bool, writes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.claimed, h.released, h.closed, len(h.writes)
}

// fakeBackend serves one fakeHandle per Open call at a fixed address.
type fakeBackend struct {
	events chan Event

	mu      sync.Mutex
	handle  *fakeHandle
	openErr error
	opens   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan Event, 8), handle: newFakeHandle()}
}

func (b *fakeBackend) Events() <-chan Event { return b.events }

func (b *fakeBackend) Open(address string) (DeviceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	if address != fakeAddr {
		return nil, ErrNotFound
	}
	return b.handle, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) attach() { b.events <- Event{Kind: EventAttach, Address: fakeAddr} }
func (b *fakeBackend) detach() { b.events <- Event{Kind: EventDetach, Address: fakeAddr} }

// callbackRecorder captures callback invocations for later assertions.
type callbackRecorder struct {
	mu    sync.Mutex
	calls []struct {
		slot  Slot
		state State
	}
}

func (r *callbackRecorder) callback(slot Slot, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		slot  Slot
		state State
	}{slot, state})
}

func (r *callbackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *callbackRecorder) last() (Slot, State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.calls[len(r.calls)-1]
	return c.slot, c.state
}

func testConfig() Config {
	return Config{
		StabilizeWait: 20 * time.Millisecond,
		StabilizePoll: 5 * time.Millisecond,
		SettleWait:    5 * time.Millisecond,
		RetryDelay:    time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startDriver runs the driver in the background and returns a stop function
// that cancels it and waits for Run to return.
func startDriver(t *testing.T, d *Driver) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func TestDriverOpenSequence(t *testing.T) {
	b := newFakeBackend()
	rec := &callbackRecorder{}
	d, err := NewDriver(b, testConfig(), rec.callback)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	stop := startDriver(t, d)
	defer stop()

	if d.Connected() {
		t.Fatal("Connected before any device")
	}

	b.attach()
	waitFor(t, "ready state", d.Connected)

	claimed, _, _, _ := b.handle.snapshot()
	if !claimed {
		t.Error("interface not claimed")
	}

	// The player indicator command goes out once the receiver is up.
	waitFor(t, "led write", func() bool { _, _, _, w := b.handle.snapshot(); return w >= 1 })
	b.handle.mu.Lock()
	led := b.handle.writes[0]
	b.handle.mu.Unlock()
	if len(led) != 12 || led[2] != 0x08 || led[3] != 0x42 {
		t.Errorf("led command = % 02x, want 12 bytes with [2]=0x08 [3]=0x42", led)
	}

	// Feed one input report through the pump and expect a callback.
	b.handle.reads <- makeInputReport(0x8000, btnA, 10, 200)
	waitFor(t, "input callback", func() bool { return rec.count() >= 1 })
	slot, st := rec.last()
	if slot != Slot1 || !st.Connected || st.RightTrigger != 200 || !st.Buttons.A {
		t.Errorf("callback = slot %d state %+v", slot, st)
	}
	if got, err := d.State(Slot1); err != nil || !got.Connected {
		t.Errorf("State(Slot1) = %+v, %v", got, err)
	}

	// Unplug: the bound slot gets a disconnect callback and everything is
	// released.
	before := rec.count()
	b.detach()
	waitFor(t, "no-device state", func() bool { return d.Lifecycle() == StateNoDevice })
	waitFor(t, "disconnect callback", func() bool { return rec.count() > before })
	slot, st = rec.last()
	if slot != Slot1 || st.Connected {
		t.Errorf("disconnect callback = slot %d state %+v", slot, st)
	}
	_, released, closed, _ := b.handle.snapshot()
	if !released || !closed {
		t.Errorf("handle released=%v closed=%v after detach, want both", released, closed)
	}
	if _, err := d.State(Slot1); !errors.Is(err, ErrNotFound) {
		t.Errorf("State after detach err = %v, want %v", err, ErrNotFound)
	}
}

func TestDriverRemovalDuringStabilize(t *testing.T) {
	b := newFakeBackend()
	cfg := testConfig()
	cfg.StabilizeWait = 100 * time.Millisecond
	d, err := NewDriver(b, cfg, nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	stop := startDriver(t, d)
	defer stop()

	b.attach()
	waitFor(t, "opening state", func() bool { return d.Lifecycle() == StateOpening })
	time.Sleep(10 * time.Millisecond) // inside the stabilize window
	b.detach()

	waitFor(t, "no-device state", func() bool { return d.Lifecycle() == StateNoDevice })
	claimed, _, closed, writes := b.handle.snapshot()
	if claimed || !closed || writes != 0 {
		t.Errorf("claimed=%v closed=%v writes=%d, want unclaimed closed handle with no writes",
			claimed, closed, writes)
	}
}

func TestDriverRemovalAtCheckpoints(t *testing.T) {
	// Inject the detach during each descriptor-phase step of the open
	// sequence and verify the driver unwinds to no-device without leaking
	// the handle.
	hooks := []struct {
		name string
		set  func(h *fakeHandle, fire func())
	}{
		{name: "identity", set: func(h *fakeHandle, fire func()) { h.identityHook = fire }},
		{name: "endpoints", set: func(h *fakeHandle, fire func()) { h.endpointsHook = fire }},
		{name: "claim", set: func(h *fakeHandle, fire func()) { h.claimHook = fire }},
	}
	for _, tt := range hooks {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			d, err := NewDriver(b, testConfig(), nil)
			if err != nil {
				t.Fatalf("NewDriver: %v", err)
			}
			stop := startDriver(t, d)
			defer stop()

			tt.set(b.handle, func() {
				b.detach()
				// Give the event loop time to flag the removal before the
				// open sequence reaches its next checkpoint.
				time.Sleep(30 * time.Millisecond)
			})

			b.attach()
			waitFor(t, "opening state", func() bool { return d.Lifecycle() == StateOpening })
			waitFor(t, "unwind to no-device", func() bool { return d.Lifecycle() == StateNoDevice })

			if d.Connected() {
				t.Error("driver reports connected after removal")
			}
			_, _, closed, writes := b.handle.snapshot()
			if !closed {
				t.Error("handle leaked: not closed")
			}
			if writes != 0 {
				t.Errorf("%d writes sent on a device that never became ready", writes)
			}
		})
	}
}

func TestDriverRejectsForeignDevice(t *testing.T) {
	b := newFakeBackend()
	b.handle.vid = 0x1234
	b.handle.pid = 0x5678
	d, err := NewDriver(b, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	stop := startDriver(t, d)
	defer stop()

	b.attach()
	waitFor(t, "device rejected", func() bool {
		_, _, closed, _ := b.handle.snapshot()
		return closed && d.Lifecycle() == StateNoDevice
	})
	claimed, _, _, _ := b.handle.snapshot()
	if claimed {
		t.Error("claimed an interface on a foreign device")
	}
}

func TestDriverMissingInterruptEndpoints(t *testing.T) {
	b := newFakeBackend()
	b.handle.eps = []EndpointDesc{
		{Address: 0x82, Attributes: 0x02, MaxPacketSize: 512}, // bulk only
	}
	d, err := NewDriver(b, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	stop := startDriver(t, d)
	defer stop()

	b.attach()
	waitFor(t, "device rejected", func() bool {
		_, _, closed, _ := b.handle.snapshot()
		return closed && d.Lifecycle() == StateNoDevice
	})
}

func TestDriverRetriesAfterOpenError(t *testing.T) {
	b := newFakeBackend()
	b.mu.Lock()
	b.openErr = ErrBusy
	b.mu.Unlock()
	d, err := NewDriver(b, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	stop := startDriver(t, d)
	defer stop()

	b.attach()
	waitFor(t, "failed open attempt", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.opens >= 1
	})
	waitFor(t, "no-device state", func() bool { return d.Lifecycle() == StateNoDevice })

	// The next attach succeeds.
	b.mu.Lock()
	b.openErr = nil
	b.mu.Unlock()
	b.attach()
	waitFor(t, "ready state", d.Connected)
}

func TestDriverArgValidation(t *testing.T) {
	if _, err := NewDriver(nil, Config{}, nil); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("NewDriver(nil backend) err = %v, want %v", err, ErrInvalidArg)
	}

	d, err := NewDriver(newFakeBackend(), testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if _, err := d.State(Slot(-1)); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("State(-1) err = %v, want %v", err, ErrInvalidArg)
	}
	if _, err := d.State(SlotMax); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("State(SlotMax) err = %v, want %v", err, ErrInvalidArg)
	}
	if _, err := d.State(Slot1); !errors.Is(err, ErrNotFound) {
		t.Errorf("State(Slot1) err = %v, want %v", err, ErrNotFound)
	}
	if err := d.SetRumble(Slot1, 10, 10); !errors.Is(err, ErrNotSupported) {
		t.Errorf("SetRumble err = %v, want %v", err, ErrNotSupported)
	}
}

func TestSendPlayerLEDDropsWhilePending(t *testing.T) {
	b := newFakeBackend()
	d, err := NewDriver(b, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	h := newFakeHandle()
	h.writeGate = make(chan struct{})
	d.devMu.Lock()
	d.handle = h
	d.epOut = 0x01
	d.haveOut = true
	d.devMu.Unlock()

	d.sendPlayerLED(Slot1)
	d.sendPlayerLED(Slot2) // dropped: previous command still in flight
	close(h.writeGate)

	waitFor(t, "write completion", func() bool {
		_, _, _, w := h.snapshot()
		return w >= 1
	})
	time.Sleep(10 * time.Millisecond)
	if _, _, _, w := h.snapshot(); w != 1 {
		t.Errorf("writes = %d, want 1", w)
	}

	// Once the pending flag clears, the next command goes through.
	d.sendPlayerLED(Slot2)
	waitFor(t, "second write", func() bool {
		_, _, _, w := h.snapshot()
		return w == 2
	})
	h.mu.Lock()
	second := h.writes[1]
	h.mu.Unlock()
	if second[3] != 0x43 {
		t.Errorf("second led command [3] = %#02x, want 0x43", second[3])
	}
}

func TestSendPlayerLEDNoDevice(t *testing.T) {
	d, err := NewDriver(newFakeBackend(), testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	// No handle wired up: must be a no-op, not a panic.
	d.sendPlayerLED(Slot1)
}

func TestLifecycleStateString(t *testing.T) {
	tests := []struct {
		state LifecycleState
		want  string
	}{
		{StateNoDevice, "no-device"},
		{StateOpening, "opening"},
		{StateReady, "ready"},
		{StateClosing, "closing"},
		{LifecycleState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
