// Package socketio encodes and decodes the Engine.IO v4 / Socket.IO v5 text
// framing used by the consultation backend's real-time channel.
package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Engine.IO packet types, sent as the first byte of every WebSocket frame.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// Type is a Socket.IO packet type.
type Type int

const (
	Connect Type = iota
	Disconnect
	Event
	Ack
	ConnectError
	BinaryEvent
	BinaryAck
)

func (t Type) String() string {
	switch t {
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Event:
		return "EVENT"
	case Ack:
		return "ACK"
	case ConnectError:
		return "CONNECT_ERROR"
	case BinaryEvent:
		return "BINARY_EVENT"
	case BinaryAck:
		return "BINARY_ACK"
	}
	return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
}

// ErrBinaryUnsupported is returned for packets carrying binary attachments.
var ErrBinaryUnsupported = errors.New("socketio: binary packets are not supported")

// Packet is one decoded Socket.IO packet.
type Packet struct {
	Type      Type
	Namespace string // always starts with "/"
	ID        *int64 // ack id, nil when no ack is requested
	Data      json.RawMessage
}

// OpenPayload is the body of the Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// NormalizeNamespace turns "expert" into "/expert" and "" into "/".
func NormalizeNamespace(ns string) string {
	if ns == "" {
		return "/"
	}
	if !strings.HasPrefix(ns, "/") {
		return "/" + ns
	}
	return ns
}

// Encode renders p in Socket.IO text form, without the Engine.IO prefix.
func Encode(p Packet) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(p.Type)))
	ns := NormalizeNamespace(p.Namespace)
	if ns != "/" {
		b.WriteString(ns)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.FormatInt(*p.ID, 10))
	}
	if len(p.Data) > 0 {
		b.Write(p.Data)
	}
	return b.String()
}

// EncodeFrame renders p as a complete Engine.IO message frame.
func EncodeFrame(p Packet) []byte {
	return append([]byte{EngineMessage}, Encode(p)...)
}

// Decode parses a Socket.IO packet in text form.
func Decode(s string) (Packet, error) {
	if s == "" {
		return Packet{}, errors.New("socketio: empty packet")
	}
	t := Type(s[0] - '0')
	if t < Connect || t > BinaryAck {
		return Packet{}, fmt.Errorf("socketio: unknown packet type %q", s[0])
	}
	if t == BinaryEvent || t == BinaryAck {
		return Packet{}, ErrBinaryUnsupported
	}
	p := Packet{Type: t, Namespace: "/"}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:end]
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(rest[:digits], 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("socketio: ack id: %w", err)
		}
		p.ID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("socketio: invalid payload for %s packet", t)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// NewEvent builds an EVENT packet for name with the given arguments.
func NewEvent(namespace, name string, id *int64, args ...any) (Packet, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)
	data, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("socketio: marshal %s: %w", name, err)
	}
	return Packet{Type: Event, Namespace: NormalizeNamespace(namespace), ID: id, Data: data}, nil
}

// NewConnect builds a CONNECT packet carrying the auth payload.
func NewConnect(namespace string, auth any) (Packet, error) {
	p := Packet{Type: Connect, Namespace: NormalizeNamespace(namespace)}
	if auth != nil {
		data, err := json.Marshal(auth)
		if err != nil {
			return Packet{}, fmt.Errorf("socketio: marshal auth: %w", err)
		}
		p.Data = data
	}
	return p, nil
}

// EventName splits an EVENT packet into its name and raw arguments.
func (p Packet) EventName() (string, []json.RawMessage, error) {
	if p.Type != Event {
		return "", nil, fmt.Errorf("socketio: %s packet has no event name", p.Type)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil {
		return "", nil, fmt.Errorf("socketio: event payload: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, errors.New("socketio: event payload is empty")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("socketio: event name: %w", err)
	}
	return name, parts[1:], nil
}

// AckArgs returns the arguments of an ACK packet.
func (p Packet) AckArgs() ([]json.RawMessage, error) {
	if p.Type != Ack {
		return nil, fmt.Errorf("socketio: %s packet is not an ack", p.Type)
	}
	if len(p.Data) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return nil, fmt.Errorf("socketio: ack payload: %w", err)
	}
	return args, nil
}

// ErrorMessage extracts the message of a CONNECT_ERROR packet.
func (p Packet) ErrorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	var s string
	if err := json.Unmarshal(p.Data, &s); err == nil {
		return s
	}
	return string(p.Data)
}

// SplitFrame separates the Engine.IO type byte from the frame payload.
func SplitFrame(frame []byte) (byte, string, error) {
	if len(frame) == 0 {
		return 0, "", errors.New("socketio: empty frame")
	}
	if frame[0] < EngineOpen || frame[0] > EngineNoop {
		return 0, "", fmt.Errorf("socketio: unknown engine packet type %q", frame[0])
	}
	return frame[0], string(frame[1:]), nil
}

// ParseOpen decodes the payload of an Engine.IO open packet.
func ParseOpen(payload string) (OpenPayload, error) {
	var op OpenPayload
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return op, fmt.Errorf("socketio: open payload: %w", err)
	}
	return op, nil
}
