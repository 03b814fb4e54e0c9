package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ActuatorPacketSize is the length of the binary fast-path frame.
const ActuatorPacketSize = 8

// AxisMax is the magnitude of a full-scale axis value.
const AxisMax = 32767

// ActuatorPacket is the fixed 8-byte joystick frame:
// [seq u32 LE][left i16 LE][right i16 LE].
type ActuatorPacket struct {
	Seq   uint32
	Left  int16 // throttle axis
	Right int16 // steering axis
}

// Encode returns the wire form of p.
func (p ActuatorPacket) Encode() []byte {
	b := make([]byte, ActuatorPacketSize)
	p.Put(b)
	return b
}

// Put writes p into b, which must hold at least ActuatorPacketSize bytes.
func (p ActuatorPacket) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], p.Seq)
	binary.LittleEndian.PutUint16(b[4:6], uint16(p.Left))
	binary.LittleEndian.PutUint16(b[6:8], uint16(p.Right))
}

// DecodeActuator parses an 8-byte actuator frame.
func DecodeActuator(b []byte) (ActuatorPacket, error) {
	if len(b) != ActuatorPacketSize {
		return ActuatorPacket{}, fmt.Errorf("protocol: actuator frame is %d bytes, want %d", len(b), ActuatorPacketSize)
	}
	return ActuatorPacket{
		Seq:   binary.LittleEndian.Uint32(b[0:4]),
		Left:  int16(binary.LittleEndian.Uint16(b[4:6])),
		Right: int16(binary.LittleEndian.Uint16(b[6:8])),
	}, nil
}

// Control converts the packet into a percentage control message:
// steering from the right axis, throttle from the left axis.
func (p ActuatorPacket) Control() Control {
	return Control{
		Steering: Percent(p.Right),
		Throttle: Percent(p.Left),
	}
}

// Percent rescales a full-range axis value to [-100, 100].
func Percent(v int16) int32 {
	pct := math.Round(float64(v) / AxisMax * 100)
	return int32(max(-100, min(100, pct)))
}
