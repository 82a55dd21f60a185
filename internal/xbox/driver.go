package xbox

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nuketownada/xbox-elrs/internal/syncutil"
	"github.com/nuketownada/xbox-elrs/internal/telemetry"
)

// LifecycleState is the driver's device state machine position.
type LifecycleState int32

const (
	StateNoDevice LifecycleState = iota
	StateOpening
	StateReady
	StateClosing
)

func (s LifecycleState) String() string {
	switch s {
	case StateNoDevice:
		return "no-device"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Lock budgets on the per-slot state table.
const (
	reportLockTimeout = 10 * time.Millisecond
	readLockTimeout   = 50 * time.Millisecond
)

const inTransferSize = 32

// Config tunes the driver. Zero values select the defaults the receiver was
// validated with.
type Config struct {
	// VID/PID gate device acceptance. Defaults to the Microsoft receiver.
	VID uint16
	PID uint16
	// Interface to claim on the receiver. The first wireless slot lives on
	// interface 0.
	Interface int
	// StabilizeWait is how long to let the device settle after open before
	// touching descriptors. The receiver enumerates unreliably without it.
	StabilizeWait time.Duration
	// StabilizePoll is the granularity at which the stabilize wait checks
	// for removal.
	StabilizePoll time.Duration
	// SettleWait is the pause between endpoint discovery and the interface
	// claim.
	SettleWait time.Duration
	// RetryDelay is inserted before resubmitting after a transient transfer
	// error.
	RetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.VID == 0 {
		c.VID = ReceiverVID
	}
	if c.PID == 0 {
		c.PID = ReceiverPID
	}
	if c.StabilizeWait <= 0 {
		c.StabilizeWait = 5 * time.Second
	}
	if c.StabilizePoll <= 0 {
		c.StabilizePoll = 500 * time.Millisecond
	}
	if c.SettleWait <= 0 {
		c.SettleWait = 500 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Millisecond
	}
}

// Driver owns the receiver's device lifecycle and per-slot controller state.
//
// Two internal goroutines cooperate: the event loop consumes backend hotplug
// notifications (it must never block for long), and the device loop performs
// the multi-second open sequence. Removal is signalled to an in-flight open
// through the gone marker, checked at every blocking checkpoint.
type Driver struct {
	backend Backend
	cfg     Config
	cb      Callback
	log     *logrus.Entry

	state atomic.Int32 // LifecycleState
	gone  atomic.Bool

	stateMu *syncutil.TimedMutex
	slots   [SlotMax]State

	// Pending attach hand-off from the event loop to the device loop.
	pendMu   sync.Mutex
	pendAddr string
	wake     chan struct{}

	// Device fields, owned by the device loop / close path; devMu guards
	// the reads done from the report path's LED command.
	devMu      sync.Mutex
	handle     DeviceHandle
	epIn       uint8
	epOut      uint8
	haveOut    bool
	outPending atomic.Bool
	pumpDone   chan struct{}
}

// NewDriver creates a driver on the given backend. The callback may be nil.
func NewDriver(backend Backend, cfg Config, cb Callback) (*Driver, error) {
	if backend == nil {
		return nil, ErrInvalidArg
	}
	cfg.applyDefaults()
	return &Driver{
		backend: backend,
		cfg:     cfg,
		cb:      cb,
		log:     logrus.WithField("component", "xbox"),
		stateMu: syncutil.NewTimedMutex(),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Lifecycle returns the current device state.
func (d *Driver) Lifecycle() LifecycleState {
	return LifecycleState(d.state.Load())
}

// Connected reports whether the receiver dongle is open and ready. It says
// nothing about whether a wheel is bound to a slot; see State for that.
func (d *Driver) Connected() bool {
	return d.Lifecycle() == StateReady
}

// State returns a snapshot of one slot's controller state. ErrNotFound means
// the snapshot is valid but no controller is bound to the slot.
func (d *Driver) State(slot Slot) (State, error) {
	if slot < 0 || slot >= SlotMax {
		return State{}, ErrInvalidArg
	}
	if !d.stateMu.Acquire(readLockTimeout) {
		return State{}, ErrTimeout
	}
	st := d.slots[slot]
	d.stateMu.Release()
	if !st.Connected {
		return st, ErrNotFound
	}
	return st, nil
}

// SetRumble is a stub; the wireless rumble command is not implemented.
func (d *Driver) SetRumble(slot Slot, left, right uint8) error {
	return ErrNotSupported
}

// Run processes hotplug events until ctx is cancelled. It owns the device
// lifecycle: callers interact only through the callback and accessors.
func (d *Driver) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.deviceLoop(ctx)
	}()

	events := d.backend.Events()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			d.handleEvent(ev)
		}
	}

	// Wake the device loop so it can observe cancellation.
	select {
	case d.wake <- struct{}{}:
	default:
	}
	wg.Wait()

	// Tear down whatever is open. An in-flight open has already observed
	// ctx through its checkpoints by the time deviceLoop returned.
	d.gone.Store(true)
	d.closeDevice(false)
	return ctx.Err()
}

// handleEvent runs in the event loop and must not block: opening is deferred
// to the device loop, removal only flags an in-flight open.
func (d *Driver) handleEvent(ev Event) {
	switch ev.Kind {
	case EventAttach:
		d.log.WithField("address", ev.Address).Info("device attached")
		d.pendMu.Lock()
		pending := d.pendAddr != ""
		if !pending && d.Lifecycle() == StateNoDevice {
			d.pendAddr = ev.Address
		}
		d.pendMu.Unlock()
		if !pending {
			select {
			case d.wake <- struct{}{}:
			default:
			}
		}

	case EventDetach:
		d.log.Warn("device removed")
		telemetry.DeviceRemovals.Inc()
		d.gone.Store(true)
		d.closeDevice(true)
	}
}

// deviceLoop performs open sequences away from the event loop because they
// block for seconds.
func (d *Driver) deviceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
		if ctx.Err() != nil {
			return
		}
		d.pendMu.Lock()
		addr := d.pendAddr
		d.pendAddr = ""
		d.pendMu.Unlock()
		if addr == "" {
			continue
		}
		if !d.state.CompareAndSwap(int32(StateNoDevice), int32(StateOpening)) {
			continue
		}
		d.openDevice(ctx, addr)
	}
}

// openDevice runs the multi-step open sequence. Every checkpoint consults
// the gone marker (and ctx) and unwinds on failure, releasing everything
// acquired so far. Exactly one open or close sequence is active at a time.
func (d *Driver) openDevice(ctx context.Context, addr string) {
	log := d.log.WithField("address", addr)

	fail := func(h DeviceHandle, released bool) {
		if h != nil {
			if !released {
				h.Release()
			}
			h.Close()
		}
		d.state.Store(int32(StateNoDevice))
	}

	d.gone.Store(false)
	h, err := d.backend.Open(addr)
	if err != nil {
		log.WithError(err).Error("open failed")
		d.state.Store(int32(StateNoDevice))
		return
	}

	// The receiver needs several seconds on the bus before its descriptors
	// read back reliably. Poll for removal while waiting.
	log.WithField("wait", d.cfg.StabilizeWait).Info("device opened, stabilizing")
	if !d.interruptibleSleep(ctx, d.cfg.StabilizeWait, d.cfg.StabilizePoll) {
		log.Warn("device lost during stabilization")
		fail(h, true) // nothing claimed yet
		return
	}

	vid, pid, err := h.Identity()
	if err != nil || d.gone.Load() {
		log.WithError(err).Error("descriptor read failed")
		fail(h, true)
		return
	}
	log.WithFields(logrus.Fields{
		"vid": strconv.FormatUint(uint64(vid), 16),
		"pid": strconv.FormatUint(uint64(pid), 16),
	}).Info("device identified")
	if vid != d.cfg.VID || pid != d.cfg.PID {
		log.Warn("not the wireless receiver, ignoring")
		fail(h, true)
		return
	}

	eps, err := h.Endpoints()
	if err != nil || d.gone.Load() {
		log.WithError(err).Error("config descriptor walk failed")
		fail(h, true)
		return
	}
	var epIn, epOut uint8
	for _, ep := range eps {
		if !ep.IsInterrupt() {
			continue
		}
		if ep.IsIn() && epIn == 0 {
			epIn = ep.Address
		} else if !ep.IsIn() && epOut == 0 {
			epOut = ep.Address
		}
	}
	if epIn == 0 || epOut == 0 || d.gone.Load() {
		log.WithFields(logrus.Fields{"in": epIn, "out": epOut}).
			Error("interrupt endpoints missing or device gone")
		fail(h, true)
		return
	}
	log.WithFields(logrus.Fields{"in": epIn, "out": epOut}).Info("endpoints found")

	if !d.interruptibleSleep(ctx, d.cfg.SettleWait, d.cfg.SettleWait) {
		log.Warn("device gone before claim")
		fail(h, true)
		return
	}

	if err := h.Claim(d.cfg.Interface); err != nil {
		log.WithError(err).Error("interface claim failed")
		fail(h, true)
		return
	}

	if d.gone.Load() {
		log.Warn("device gone after claim")
		fail(h, false)
		return
	}

	// Wire up the transfers and start polling.
	pumpDone := make(chan struct{})
	d.devMu.Lock()
	d.handle = h
	d.epIn = epIn
	d.epOut = epOut
	d.haveOut = true
	d.outPending.Store(false)
	d.pumpDone = pumpDone
	d.devMu.Unlock()

	go d.pump(h, epIn, pumpDone)

	// Light the player indicator in case the wheel is already on.
	d.sendPlayerLED(Slot1)

	d.state.Store(int32(StateReady))
	if d.gone.Load() {
		// Removal slipped in between the last checkpoint and Ready; the
		// detach handler saw us still opening, so the unwind is ours.
		log.Warn("device gone at end of open")
		d.closeDevice(true)
		return
	}
	telemetry.DeviceOpens.Inc()
	log.Info("receiver ready")
}

// interruptibleSleep waits for total, polling the gone marker every step.
// It reports false if the device went away or ctx was cancelled.
func (d *Driver) interruptibleSleep(ctx context.Context, total, step time.Duration) bool {
	deadline := time.Now().Add(total)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return !d.gone.Load()
		}
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
		if d.gone.Load() {
			return false
		}
	}
}

// pump keeps exactly one inbound transfer in flight: complete, parse,
// resubmit. It exits on device loss and leaves cleanup to the removal path.
func (d *Driver) pump(h DeviceHandle, ep uint8, done chan struct{}) {
	defer close(done)
	buf := make([]byte, inTransferSize)
	for {
		n, err := h.ReadInterrupt(ep, buf)
		switch {
		case err == nil:
			if n > 0 {
				d.parseReport(Slot1, buf[:n])
			}
		case errors.Is(err, ErrNoDevice):
			d.log.Warn("device gone during transfer")
			return
		case errors.Is(err, ErrCancelled):
			// Cancelled transfers resubmit immediately, without logging.
		default:
			d.log.WithError(err).Warn("in transfer failed")
			time.Sleep(d.cfg.RetryDelay)
		}
		if d.gone.Load() {
			return
		}
	}
}

// closeDevice tears the device down. When an open sequence is in flight it
// does nothing beyond the already-set gone marker: the open sequence owns
// the unwind. deviceGone indicates the hardware is already off the bus, so
// endpoint operations would be pointless.
func (d *Driver) closeDevice(deviceGone bool) {
	if !d.state.CompareAndSwap(int32(StateReady), int32(StateClosing)) {
		// Opening: the open sequence observes the gone marker and unwinds.
		// NoDevice/Closing: nothing to do.
		return
	}

	d.devMu.Lock()
	h := d.handle
	epIn := d.epIn
	pumpDone := d.pumpDone
	d.handle = nil
	d.epIn = 0
	d.epOut = 0
	d.haveOut = false
	d.outPending.Store(false)
	d.pumpDone = nil
	d.devMu.Unlock()

	if h != nil {
		if !deviceGone {
			if err := h.HaltFlush(epIn); err != nil && !errors.Is(err, ErrNotSupported) {
				d.log.WithError(err).Debug("endpoint halt/flush failed")
			}
		}
		h.Release()
		h.Close()
	}
	if pumpDone != nil {
		<-pumpDone
	}

	d.state.Store(int32(StateNoDevice))

	// Every slot that had a controller gets one disconnect callback, with
	// the snapshot taken under the lock and delivered outside it.
	type pending struct {
		slot Slot
		st   State
	}
	var notify []pending
	if d.stateMu.Acquire(readLockTimeout) {
		for i := range d.slots {
			if d.slots[i].Connected {
				d.slots[i].Connected = false
				notify = append(notify, pending{Slot(i), d.slots[i]})
			}
		}
		d.stateMu.Release()
	}
	for _, p := range notify {
		if d.cb != nil {
			d.cb(p.slot, p.st)
		}
	}
	d.log.Info("device closed")
}
