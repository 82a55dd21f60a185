// Package mixer transforms controller state into CRSF channel values:
// channel assignment, expo curves, deadbands, endpoint scaling, and
// throttle/brake mixing.
package mixer

import (
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nuketownada/xbox-elrs/internal/crsf"
	"github.com/nuketownada/xbox-elrs/internal/xbox"
)

// Mixer applies a Config to controller state snapshots. Process holds no
// internal state; the installed config is replaced wholesale, never mutated
// in place.
type Mixer struct {
	cfg atomic.Pointer[Config]
}

// New returns a Mixer with the given configuration.
func New(cfg Config) *Mixer {
	m := &Mixer{}
	m.cfg.Store(&cfg)
	logrus.WithField("component", "mixer").
		WithField("throttle_mode", cfg.ThrottleMode.String()).
		Info("mixer initialized")
	return m
}

// SetConfig replaces the configuration for subsequent Process calls.
func (m *Mixer) SetConfig(cfg Config) {
	m.cfg.Store(&cfg)
}

// Config returns a copy of the current configuration.
func (m *Mixer) Config() Config {
	return *m.cfg.Load()
}

// ApplyExpo applies a cubic expo curve to an axis value. The curve is
// output = input*(1-|e|) + input³*e with input and e normalized to [-1, 1].
// Negative-leaning configs soften the center without moving the endpoints.
func ApplyExpo(value int16, expo uint8) int16 {
	if expo == 0 {
		return value
	}
	input := float64(value) / 32768.0
	e := float64(expo) / 100.0
	out := input*(1.0-math.Abs(e)) + input*input*input*e
	return int16(out * 32767.0)
}

// ApplyDeadband collapses values within the deadband percentage of center to
// zero and linearly rescales the remainder to preserve full travel.
func ApplyDeadband(value int16, deadband uint8) int16 {
	if deadband == 0 {
		return value
	}
	threshold := int32(32768) * int32(deadband) / 100
	v := int32(value)
	if v > -threshold && v < threshold {
		return 0
	}
	if v >= threshold {
		return int16((v - threshold) * 32767 / (32768 - threshold))
	}
	return int16((v + threshold) * 32767 / (32768 - threshold))
}

// applyEndpoint scales a value by an endpoint percentage.
func applyEndpoint(value int16, percent uint8) int16 {
	if percent >= 100 {
		return value
	}
	return int16(int32(value) * int32(percent) / 100)
}

// Process maps one controller state snapshot to an output frame. Every
// output channel is within [crsf.ChannelMin, crsf.ChannelMax] for any input.
func (m *Mixer) Process(state *xbox.State) crsf.Channels {
	cfg := m.cfg.Load()

	out := crsf.Centered()

	if !state.Connected {
		// Failsafe posture: centered, throttle cut, disarmed.
		out[crsf.ChThrottle] = crsf.ChannelMin
		setSwitch(&out, cfg.ArmChannel, false)
		return out
	}

	setSwitch(&out, cfg.ArmChannel, true)

	// Steering. The wheel reports an inverted magnitude (center=±max, full
	// turn=0); fold it back into a zero-centered axis before shaping. The
	// same fold also runs in the report parser -- kept both places to match
	// the behavior validated on hardware.
	steering := state.LeftStickX
	if steering >= 0 {
		steering = 32767 - steering
	} else {
		steering = -32767 - steering
	}
	steering = ApplyDeadband(steering, cfg.Deadband.Steering)
	steering = ApplyExpo(steering, cfg.Expo.Steering)
	if cfg.SteeringInvert {
		steering = -steering
	}
	if steering >= 0 {
		steering = applyEndpoint(steering, cfg.SteeringEndpointRight)
	} else {
		steering = applyEndpoint(steering, cfg.SteeringEndpointLeft)
	}
	out[crsf.ChAileron] = crsf.Clamp(crsf.ScaleAxis(steering))

	// Throttle and brake. Right trigger drives, left trigger brakes.
	throttleRaw := state.RightTrigger
	brakeRaw := state.LeftTrigger

	switch cfg.ThrottleMode {
	case ModeCombined:
		combined := int32(throttleRaw) - int32(brakeRaw)
		scaled := int16(combined * 32767 / 255)
		scaled = ApplyExpo(scaled, cfg.Expo.Throttle)
		if scaled >= 0 {
			scaled = applyEndpoint(scaled, cfg.ThrottleEndpoint)
		} else {
			scaled = applyEndpoint(scaled, cfg.BrakeEndpoint)
		}
		if cfg.ThrottleInvert {
			scaled = -scaled
		}
		out[crsf.ChThrottle] = crsf.Clamp(crsf.ScaleAxis(scaled))

	case ModeSeparate:
		throttle := uint8(uint32(throttleRaw) * uint32(cfg.ThrottleEndpoint) / 100)
		if cfg.ThrottleInvert {
			throttle = 255 - throttle
		}
		out[crsf.ChThrottle] = crsf.Clamp(crsf.ScaleTrigger(throttle))
		brake := uint8(uint32(brakeRaw) * uint32(cfg.BrakeEndpoint) / 100)
		out[crsf.ChRudder] = crsf.Clamp(crsf.ScaleTrigger(brake))

	case ModeThrottleOnly:
		throttle := uint8(uint32(throttleRaw) * uint32(cfg.ThrottleEndpoint) / 100)
		if cfg.ThrottleInvert {
			throttle = 255 - throttle
		}
		out[crsf.ChThrottle] = crsf.Clamp(crsf.ScaleTrigger(throttle))
	}

	// Paddle shifters vary by wheel: some report them as bumpers, some as
	// A/B. Accept either so both hardware variants shift.
	setSwitch(&out, cfg.PaddleLeftChannel, state.Buttons.LB || state.Buttons.A)
	setSwitch(&out, cfg.PaddleRightChannel, state.Buttons.RB || state.Buttons.B)

	setSwitch(&out, cfg.ButtonAChannel, state.Buttons.A)
	setSwitch(&out, cfg.ButtonBChannel, state.Buttons.B)
	setSwitch(&out, cfg.ButtonXChannel, state.Buttons.X)
	setSwitch(&out, cfg.ButtonYChannel, state.Buttons.Y)

	return out
}

// setSwitch writes a high/low value to a configured channel, ignoring
// assignments outside the frame.
func setSwitch(out *crsf.Channels, ch int, on bool) {
	if ch < 0 || ch >= crsf.NumChannels {
		return
	}
	out[ch] = crsf.ScaleSwitch(on)
}
