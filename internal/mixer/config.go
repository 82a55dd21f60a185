package mixer

import "github.com/nuketownada/xbox-elrs/internal/crsf"

// ThrottleMode selects how the two triggers map onto output channels.
type ThrottleMode int

const (
	// ModeCombined mixes throttle and brake onto one channel: center is
	// stop, forward is throttle, back is brake. Standard car ESC behavior.
	ModeCombined ThrottleMode = iota
	// ModeSeparate puts throttle and brake on two distinct channels.
	ModeSeparate
	// ModeThrottleOnly outputs throttle and ignores the brake trigger.
	ModeThrottleOnly
)

func (m ThrottleMode) String() string {
	switch m {
	case ModeCombined:
		return "combined"
	case ModeSeparate:
		return "separate"
	case ModeThrottleOnly:
		return "throttle-only"
	default:
		return "unknown"
	}
}

// ExpoSettings holds per-axis expo percentages (0-100). Higher values soften
// the response around center.
type ExpoSettings struct {
	Steering uint8
	Throttle uint8
}

// DeadbandSettings holds per-axis deadband percentages (0-50).
type DeadbandSettings struct {
	Steering uint8
	Throttle uint8
}

// Config is the full mixer configuration. It is consumed as an immutable
// snapshot per Process call and replaced wholesale at runtime.
type Config struct {
	ThrottleMode ThrottleMode
	Expo         ExpoSettings
	Deadband     DeadbandSettings

	SteeringInvert        bool
	SteeringEndpointLeft  uint8 // percent, 0-100
	SteeringEndpointRight uint8

	ThrottleInvert   bool
	ThrottleEndpoint uint8
	BrakeEndpoint    uint8

	// ArmChannel goes high while a controller is connected.
	ArmChannel int

	// Button-to-channel assignments. An assignment outside 0..15 leaves
	// that button unmapped.
	PaddleLeftChannel  int
	PaddleRightChannel int
	ButtonAChannel     int
	ButtonBChannel     int
	ButtonXChannel     int
	ButtonYChannel     int
}

// DefaultConfig returns the tuning for the Xbox 360 wireless racing wheel.
func DefaultConfig() Config {
	return Config{
		ThrottleMode:          ModeCombined,
		Expo:                  ExpoSettings{Steering: 0, Throttle: 0},
		Deadband:              DeadbandSettings{Steering: 3, Throttle: 2},
		SteeringInvert:        false,
		SteeringEndpointLeft:  27,
		SteeringEndpointRight: 28,
		ThrottleInvert:        false,
		ThrottleEndpoint:      46,
		BrakeEndpoint:         28,
		ArmChannel:            crsf.ChAux1,
		PaddleLeftChannel:     crsf.ChAux2,
		PaddleRightChannel:    crsf.ChAux3,
		ButtonAChannel:        crsf.ChAux4,
		ButtonBChannel:        crsf.ChAux5,
		ButtonXChannel:        crsf.ChAux6,
		ButtonYChannel:        crsf.ChAux7,
	}
}
