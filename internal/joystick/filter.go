// Package joystick turns 2D stick samples into actuator packets: smoothing,
// a deadzone, a fail-safe idle watchdog and the WebSocket ingest endpoint.
package joystick

import (
	"time"

	"carlink/internal/protocol"
)

const (
	DefaultDeadzone = 0.04
	DefaultAlpha    = 0.12
)

// Sample is one stick position, both axes in [-1, 1].
type Sample struct {
	X, Y float64
	At   time.Time
	Seq  uint32
}

// Filter applies a radial deadzone and per-axis exponential smoothing.
type Filter struct {
	Deadzone float64
	Alpha    float64

	x, y float64
}

func NewFilter() *Filter {
	return &Filter{Deadzone: DefaultDeadzone, Alpha: DefaultAlpha}
}

// Apply feeds s and returns the axis values to send: throttle from Y and
// steering from X, scaled to the i16 range.
func (f *Filter) Apply(s Sample) (throttle, steering int16) {
	x, y := s.X, s.Y
	if x*x+y*y < f.Deadzone*f.Deadzone {
		x, y = 0, 0
	}
	f.x = f.Alpha*x + (1-f.Alpha)*f.x
	f.y = f.Alpha*y + (1-f.Alpha)*f.y
	return scale(f.y), scale(f.x)
}

func (f *Filter) Reset() { f.x, f.y = 0, 0 }

func scale(v float64) int16 {
	return int16(max(-1, min(1, v)) * protocol.AxisMax)
}
