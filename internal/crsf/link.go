package crsf

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/nuketownada/xbox-elrs/internal/syncutil"
	"github.com/nuketownada/xbox-elrs/internal/telemetry"
)

var (
	// ErrInvalidConfig indicates a missing or unusable link configuration.
	ErrInvalidConfig = errors.New("crsf: invalid link config")
	// ErrChannelRange indicates an out-of-range channel index.
	ErrChannelRange = errors.New("crsf: channel index out of range")
)

// Lock budgets. The tick path uses a tighter budget than writers so a stalled
// writer degrades one frame rather than delaying the schedule.
const (
	tickLockTimeout  = 5 * time.Millisecond
	writeLockTimeout = 10 * time.Millisecond
)

// Config describes the serial link.
type Config struct {
	// Port is the serial device name, e.g. "/dev/ttyUSB0". Ignored when
	// Writer is set.
	Port string
	// Baud defaults to the CRSF standard 420000.
	Baud int
	// Interval between frames. Defaults to 4ms (250Hz, the usual ELRS rate).
	Interval time.Duration
	// Writer, when non-nil, receives frames instead of a serial port.
	Writer io.Writer
}

// Link owns the current output frame and transmits it periodically.
//
// The channel frame is shared between the caller's update path and the
// transmit goroutine; all access goes through a bounded-wait lock. A tick
// that cannot take the lock in time sends centered values instead of
// blocking the schedule.
type Link struct {
	w        io.Writer
	port     serial.Port // nil when an external Writer was injected
	interval time.Duration

	mu       *syncutil.TimedMutex
	channels Channels
	failsafe Channels

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	log *logrus.Entry
}

// New opens the serial link and starts the periodic transmit task. The link
// starts in the running state, sending centered frames until channels are
// set.
func New(cfg Config) (*Link, error) {
	if cfg.Writer == nil && cfg.Port == "" {
		return nil, ErrInvalidConfig
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 4 * time.Millisecond
	}

	l := &Link{
		interval: interval,
		mu:       syncutil.NewTimedMutex(),
		channels: Centered(),
		failsafe: Centered(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logrus.WithField("component", "crsf"),
	}
	// Default failsafe posture: everything centered, throttle cut.
	l.failsafe[ChThrottle] = ChannelMin

	if cfg.Writer != nil {
		l.w = cfg.Writer
	} else {
		baud := cfg.Baud
		if baud <= 0 {
			baud = Baud
		}
		port, err := serial.Open(cfg.Port, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("crsf: open %s: %w", cfg.Port, err)
		}
		l.port = port
		l.w = port
		l.log.WithFields(logrus.Fields{
			"port": cfg.Port,
			"baud": baud,
		}).Info("serial link opened")
	}

	l.running.Store(true)
	go l.run()
	return l, nil
}

// run is the fixed-period transmit task. time.Ticker fires on an absolute
// schedule, so frame timing does not drift with per-frame work.
func (l *Link) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if l.running.Load() {
				l.sendFrame()
			}
		}
	}
}

func (l *Link) sendFrame() {
	var ch Channels
	if l.mu.Acquire(tickLockTimeout) {
		ch = l.channels
		l.mu.Release()
	} else {
		// Lock contention: send safe defaults rather than a late frame.
		telemetry.LockTimeouts.WithLabelValues("crsf_tick").Inc()
		ch = Centered()
	}

	var frame [FrameSize]byte
	BuildFrame(&ch, &frame)
	if _, err := l.w.Write(frame[:]); err != nil {
		telemetry.SerialErrors.Inc()
		l.log.WithError(err).Warn("frame write failed")
		return
	}
	telemetry.FramesSent.Inc()
}

// SetChannels replaces the whole output frame. Under contention the update
// is dropped; callers push fresh state continuously, so last-writer-wins is
// acceptable.
func (l *Link) SetChannels(ch Channels) {
	if !l.mu.Acquire(writeLockTimeout) {
		telemetry.LockTimeouts.WithLabelValues("crsf_set").Inc()
		return
	}
	l.channels = ch
	l.mu.Release()
}

// SetChannel updates one channel, clamping the value into the valid range.
func (l *Link) SetChannel(idx int, value uint16) error {
	if idx < 0 || idx >= NumChannels {
		return ErrChannelRange
	}
	if !l.mu.Acquire(writeLockTimeout) {
		telemetry.LockTimeouts.WithLabelValues("crsf_set").Inc()
		return nil
	}
	l.channels[idx] = Clamp(value)
	l.mu.Release()
	return nil
}

// Channels returns a snapshot of the current output frame.
func (l *Link) Channels() Channels {
	if !l.mu.Acquire(writeLockTimeout) {
		telemetry.LockTimeouts.WithLabelValues("crsf_get").Inc()
		return Centered()
	}
	ch := l.channels
	l.mu.Release()
	return ch
}

// SetFailsafe stores the frame to fall back to on signal loss. The stored
// frame is not consulted by the transmit tick; disconnect handling writes
// safe values into the live frame instead.
func (l *Link) SetFailsafe(ch Channels) {
	if !l.mu.Acquire(writeLockTimeout) {
		telemetry.LockTimeouts.WithLabelValues("crsf_set").Inc()
		return
	}
	l.failsafe = ch
	l.mu.Release()
}

// Start resumes frame transmission.
func (l *Link) Start() {
	if l.running.CompareAndSwap(false, true) {
		l.log.Info("transmission started")
	}
}

// Stop pauses frame transmission. The periodic task keeps running so Start
// can resume it.
func (l *Link) Stop() {
	if l.running.CompareAndSwap(true, false) {
		l.log.Info("transmission stopped")
	}
}

// Close stops the periodic task and closes the serial port.
func (l *Link) Close() error {
	l.running.Store(false)
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
	if l.port != nil {
		return l.port.Close()
	}
	return nil
}
