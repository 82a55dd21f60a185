package crsf

import (
	"sync"
	"testing"
	"time"
)

// frameSink collects written frames behind a mutex so the test can read them
// while the transmit task is running.
type frameSink struct {
	mu  sync.Mutex
	buf []byte
}

func (s *frameSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// frames splits the accumulated bytes into complete 26-byte frames.
func (s *frameSink) frames() [][FrameSize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][FrameSize]byte
	for off := 0; off+FrameSize <= len(s.buf); off += FrameSize {
		var f [FrameSize]byte
		copy(f[:], s.buf[off:off+FrameSize])
		out = append(out, f)
	}
	return out
}

func decodeFrame(t *testing.T, f [FrameSize]byte) Channels {
	t.Helper()
	if f[0] != SyncByte || f[1] != 24 || f[2] != FrameTypeRCChannelsPacked {
		t.Fatalf("bad frame header % 02x", f[:3])
	}
	if got, want := f[25], CRC8(f[2:25]); got != want {
		t.Fatalf("bad frame crc %#02x, want %#02x", got, want)
	}
	var payload [22]byte
	copy(payload[:], f[3:25])
	var ch Channels
	UnpackChannels(&payload, &ch)
	return ch
}

func newTestLink(t *testing.T, sink *frameSink) *Link {
	t.Helper()
	l, err := New(Config{Writer: sink, Interval: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func waitFrames(t *testing.T, sink *frameSink, min int) [][FrameSize]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs := sink.frames(); len(fs) >= min {
			return fs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", min, len(sink.frames()))
	return nil
}

func TestLinkSendsCenteredByDefault(t *testing.T) {
	sink := &frameSink{}
	newTestLink(t, sink)

	fs := waitFrames(t, sink, 3)
	want := Centered()
	for i, f := range fs[:3] {
		if got := decodeFrame(t, f); got != want {
			t.Errorf("frame %d: channels = %v, want centered", i, got)
		}
	}
}

func TestLinkSetChannels(t *testing.T) {
	sink := &frameSink{}
	l := newTestLink(t, sink)

	ch := Centered()
	ch[ChAileron] = ChannelMax
	ch[ChThrottle] = ChannelMin
	ch[ChAux1] = ChannelMax
	l.SetChannels(ch)

	before := len(sink.frames())
	fs := waitFrames(t, sink, before+3)
	if got := decodeFrame(t, fs[len(fs)-1]); got != ch {
		t.Errorf("channels = %v, want %v", got, ch)
	}
	if got := l.Channels(); got != ch {
		t.Errorf("Channels() = %v, want %v", got, ch)
	}
}

func TestLinkSetChannel(t *testing.T) {
	sink := &frameSink{}
	l := newTestLink(t, sink)

	tests := []struct {
		name    string
		idx     int
		value   uint16
		want    uint16
		wantErr error
	}{
		{name: "in_range", idx: ChElevator, value: 1500, want: 1500},
		{name: "clamp_low", idx: ChRudder, value: 0, want: ChannelMin},
		{name: "clamp_high", idx: ChAux2, value: 5000, want: ChannelMax},
		{name: "index_negative", idx: -1, value: 1000, wantErr: ErrChannelRange},
		{name: "index_too_large", idx: NumChannels, value: 1000, wantErr: ErrChannelRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.SetChannel(tt.idx, tt.value)
			if err != tt.wantErr {
				t.Fatalf("SetChannel err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil {
				if got := l.Channels()[tt.idx]; got != tt.want {
					t.Errorf("channel %d = %d, want %d", tt.idx, got, tt.want)
				}
			}
		})
	}
}

func TestLinkFailsafeNotTransmitted(t *testing.T) {
	// The stored failsafe frame is bookkeeping only; the tick keeps sending
	// the live frame.
	sink := &frameSink{}
	l := newTestLink(t, sink)

	fs := Centered()
	fs[ChAileron] = ChannelMin
	fs[ChThrottle] = ChannelMin
	l.SetFailsafe(fs)

	frames := waitFrames(t, sink, 3)
	if got := decodeFrame(t, frames[len(frames)-1]); got != Centered() {
		t.Errorf("channels = %v, want centered (failsafe must not leak into output)", got)
	}
}

func TestLinkTickFallsBackToCenteredOnContention(t *testing.T) {
	// A tick that cannot take the frame lock within its budget sends
	// centered values instead of waiting.
	sink := &frameSink{}
	l := newTestLink(t, sink)

	ch := Centered()
	ch[ChAileron] = ChannelMax
	l.SetChannels(ch)
	waitFrames(t, sink, len(sink.frames())+2)

	if !l.mu.Acquire(time.Second) {
		t.Fatal("could not take frame lock")
	}
	// Let any tick that copied the frame before we took the lock finish
	// its write.
	time.Sleep(15 * time.Millisecond)
	start := len(sink.frames())
	fs := waitFrames(t, sink, start+3)
	l.mu.Release()

	for _, f := range fs[start:] {
		if got := decodeFrame(t, f); got != Centered() {
			t.Errorf("contended tick sent %v, want centered", got)
		}
	}
}

func TestLinkStopStart(t *testing.T) {
	sink := &frameSink{}
	l := newTestLink(t, sink)

	waitFrames(t, sink, 2)
	l.Stop()
	time.Sleep(20 * time.Millisecond)
	paused := len(sink.frames())
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.frames()); got != paused {
		t.Errorf("frames sent while stopped: %d -> %d", paused, got)
	}

	l.Start()
	waitFrames(t, sink, paused+2)
}

func TestLinkCloseIdempotentStop(t *testing.T) {
	sink := &frameSink{}
	l, err := New(Config{Writer: sink, Interval: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLinkConfigValidation(t *testing.T) {
	if _, err := New(Config{}); err != ErrInvalidConfig {
		t.Fatalf("New(empty) err = %v, want %v", err, ErrInvalidConfig)
	}
}
