// Package protocol defines the messages exchanged between a controller and a
// vehicle over the control port: tagged JSON messages for the control plane
// and the fixed 8-byte actuator frame used by the joystick fast path.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingType = errors.New("protocol: message has no type tag")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// CarIdentity is the public identity of a vehicle.
type CarIdentity struct {
	Number     uint8  `json:"number"      yaml:"number"`
	DriverName string `json:"driver_name" yaml:"driver_name"`
	TeamName   string `json:"team_name"   yaml:"team_name"`
}

// CarPhysics holds the actuator limits of a vehicle.
type CarPhysics struct {
	MaxSteeringAngle int32 `json:"max_steering_angle" yaml:"max_steering_angle"`
	MaxThrottle      int32 `json:"max_throttle"       yaml:"max_throttle"`
}

// Message is implemented by every tagged message. Type returns the value of
// the "type" discriminator on the wire.
type Message interface {
	Type() string
}

// ClientMessage is a message sent by a controller to a vehicle.
type ClientMessage interface {
	Message
	clientMessage()
}

// ServerMessage is a message sent by a vehicle to its active controller.
type ServerMessage interface {
	Message
	serverMessage()
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Control struct {
	Steering int32 `json:"steering"`
	Throttle int32 `json:"throttle"`
}

type IdentityRequest struct{}

type PhysicsRequest struct{}

type IdentityUpdate struct {
	Identity CarIdentity `json:"identity"`
}

type PhysicsUpdate struct {
	Physics CarPhysics `json:"physics"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type Identity struct {
	Identity CarIdentity `json:"identity"`
}

type Physics struct {
	Physics CarPhysics `json:"physics"`
}

type IdentityUpdated struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type PhysicsUpdated struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorMessage is sent as {"type":"Error"}.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (Ping) Type() string            { return "Ping" }
func (Control) Type() string         { return "Control" }
func (IdentityRequest) Type() string { return "IdentityRequest" }
func (PhysicsRequest) Type() string  { return "PhysicsRequest" }
func (IdentityUpdate) Type() string  { return "IdentityUpdate" }
func (PhysicsUpdate) Type() string   { return "PhysicsUpdate" }

func (Ping) clientMessage()            {}
func (Control) clientMessage()         {}
func (IdentityRequest) clientMessage() {}
func (PhysicsRequest) clientMessage()  {}
func (IdentityUpdate) clientMessage()  {}
func (PhysicsUpdate) clientMessage()   {}

func (Pong) Type() string            { return "Pong" }
func (Identity) Type() string        { return "Identity" }
func (Physics) Type() string         { return "Physics" }
func (IdentityUpdated) Type() string { return "IdentityUpdated" }
func (PhysicsUpdated) Type() string  { return "PhysicsUpdated" }
func (ErrorMessage) Type() string    { return "Error" }

func (Pong) serverMessage()            {}
func (Identity) serverMessage()        {}
func (Physics) serverMessage()         {}
func (IdentityUpdated) serverMessage() {}
func (PhysicsUpdated) serverMessage()  {}
func (ErrorMessage) serverMessage()    {}

// Encode renders m as a JSON object whose first member is the "type" tag,
// followed by the message fields.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	tag, _ := json.Marshal(m.Type())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type envelope struct {
	Type *string `json:"type"`
}

func readTag(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == nil {
		return "", ErrMissingType
	}
	return *env.Type, nil
}

func decodeAs[T Message](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("protocol: decode %s: %w", v.Type(), err)
	}
	return v, nil
}

// DecodeClientMessage parses a tagged JSON client message. An unknown tag
// is an error wrapping ErrUnknownType.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "Ping":
		return decodeAs[Ping](data)
	case "Control":
		return decodeAs[Control](data)
	case "IdentityRequest":
		return IdentityRequest{}, nil
	case "PhysicsRequest":
		return PhysicsRequest{}, nil
	case "IdentityUpdate":
		return decodeAs[IdentityUpdate](data)
	case "PhysicsUpdate":
		return decodeAs[PhysicsUpdate](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
}

// DecodeServerMessage parses a tagged JSON server message.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "Pong":
		return decodeAs[Pong](data)
	case "Identity":
		return decodeAs[Identity](data)
	case "Physics":
		return decodeAs[Physics](data)
	case "IdentityUpdated":
		return decodeAs[IdentityUpdated](data)
	case "PhysicsUpdated":
		return decodeAs[PhysicsUpdated](data)
	case "Error":
		return decodeAs[ErrorMessage](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
}
