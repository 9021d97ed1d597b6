// Package events classifies raw channel events into a closed set of typed
// events and fans them out to subscribers in transport order.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/agrilink/internal/models"
	"github.com/zulandar/agrilink/internal/transport"
)

// ErrUnknownEvent is returned by Decode for event names outside the
// enumerated set.
var ErrUnknownEvent = errors.New("events: unknown event")

// Kind tags each Event variant.
type Kind string

const (
	KindNewMessage       Kind = "new_message"
	KindNewPublicRequest Kind = "new_public_request"
	KindSessionStarted   Kind = "session_started"
	KindSessionEnded     Kind = "session_ended"
	KindSessionDeleted   Kind = "session_deleted"
	KindMessageStatus    Kind = "message_status"
	KindCallStatus       Kind = "call_status"
	KindLiveStarted      Kind = "live_started"
	KindLiveEnded        Kind = "live_ended"
	KindNewComment       Kind = "new_comment"
)

// Kinds lists every Kind in a stable order.
var Kinds = []Kind{
	KindNewMessage, KindNewPublicRequest, KindSessionStarted, KindSessionEnded,
	KindSessionDeleted, KindMessageStatus, KindCallStatus, KindLiveStarted,
	KindLiveEnded, KindNewComment,
}

// Event is the sum type over all inbound channel events. The unexported
// method keeps the set closed to this package.
type Event interface {
	Kind() Kind
	sealed()
}

// NewMessage carries a pushed session message.
type NewMessage struct {
	Message models.SessionMessage
}

// NewPublicRequest carries a freshly posted public request.
type NewPublicRequest struct {
	Request models.PublicRequest
}

// SessionStarted announces a new private session.
type SessionStarted struct {
	Session models.Session
}

// SessionEnded announces that a session was ended by either participant.
type SessionEnded struct {
	SessionID      int64  `json:"session_id"`
	FarmerUsername string `json:"farmer_username,omitempty"`
	ExpertUsername string `json:"expert_username,omitempty"`
	Message        string `json:"message,omitempty"`
}

// SessionDeleted announces that a session was deleted.
type SessionDeleted struct {
	SessionID      int64  `json:"session_id"`
	FarmerUsername string `json:"farmer_username,omitempty"`
	ExpertUsername string `json:"expert_username,omitempty"`
}

// MessageStatus is a delivery-status round trip for one message.
type MessageStatus struct {
	SessionID int64                 `json:"session_id,omitempty"`
	MessageID int64                 `json:"message_id"`
	Status    models.DeliveryStatus `json:"status"`
}

// CallStatus is the remote side's view of a call record.
type CallStatus struct {
	SessionID int64             `json:"session_id"`
	CallID    int64             `json:"call_id"`
	Status    models.CallStatus `json:"status"`
}

// LiveStarted announces a live stream.
type LiveStarted struct {
	SessionID  int64  `json:"session_id,omitempty"`
	Username   string `json:"username,omitempty"`
	StreamURL  string `json:"stream_url,omitempty"`
	StreamType string `json:"stream_type,omitempty"`
	Title      string `json:"title,omitempty"`
}

// LiveEnded announces the end of a live stream.
type LiveEnded struct {
	SessionID int64 `json:"session_id,omitempty"`
}

// NewComment carries a live-stream comment.
type NewComment struct {
	Comment models.LiveComment
}

func (NewMessage) Kind() Kind       { return KindNewMessage }
func (NewPublicRequest) Kind() Kind { return KindNewPublicRequest }
func (SessionStarted) Kind() Kind   { return KindSessionStarted }
func (SessionEnded) Kind() Kind     { return KindSessionEnded }
func (SessionDeleted) Kind() Kind   { return KindSessionDeleted }
func (MessageStatus) Kind() Kind    { return KindMessageStatus }
func (CallStatus) Kind() Kind       { return KindCallStatus }
func (LiveStarted) Kind() Kind      { return KindLiveStarted }
func (LiveEnded) Kind() Kind        { return KindLiveEnded }
func (NewComment) Kind() Kind       { return KindNewComment }

func (NewMessage) sealed()       {}
func (NewPublicRequest) sealed() {}
func (SessionStarted) sealed()   {}
func (SessionEnded) sealed()     {}
func (SessionDeleted) sealed()   {}
func (MessageStatus) sealed()    {}
func (CallStatus) sealed()       {}
func (LiveStarted) sealed()      {}
func (LiveEnded) sealed()        {}
func (NewComment) sealed()       {}

type decoder func(json.RawMessage) (Event, error)

// decoders maps wire event names to their payload decoders. The expert
// namespace uses start_live/end_live, the live namespace live_started/live_ended.
var decoders = map[string]decoder{
	"new_private_message": decodeNewMessage,
	"new_public_request":  decodeNewPublicRequest,
	"private_session_started": func(data json.RawMessage) (Event, error) {
		var s models.Session
		if err := unmarshal(data, &s); err != nil {
			return nil, err
		}
		if s.SessionID == 0 {
			return nil, errors.New("session without session_id")
		}
		return SessionStarted{Session: s}, nil
	},
	"session_ended": func(data json.RawMessage) (Event, error) {
		var ev SessionEnded
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.SessionID == 0 {
			return nil, errors.New("missing session_id")
		}
		return ev, nil
	},
	"session_deleted": func(data json.RawMessage) (Event, error) {
		var ev SessionDeleted
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.SessionID == 0 {
			return nil, errors.New("missing session_id")
		}
		return ev, nil
	},
	"message_status_update": func(data json.RawMessage) (Event, error) {
		var ev MessageStatus
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == 0 {
			return nil, errors.New("missing message_id")
		}
		if ev.Status.Rank() == 0 {
			return nil, fmt.Errorf("unknown delivery status %q", ev.Status)
		}
		return ev, nil
	},
	"call_status_update": func(data json.RawMessage) (Event, error) {
		var ev CallStatus
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.CallID == 0 {
			return nil, errors.New("missing call_id")
		}
		return ev, nil
	},
	"start_live":   decodeLiveStarted,
	"live_started": decodeLiveStarted,
	"end_live":     decodeLiveEnded,
	"live_ended":   decodeLiveEnded,
	"new_comment": func(data json.RawMessage) (Event, error) {
		var c models.LiveComment
		if err := unmarshal(data, &c); err != nil {
			return nil, err
		}
		if c.Comment == "" {
			return nil, errors.New("empty comment")
		}
		return NewComment{Comment: c}, nil
	},
}

// Known reports whether name is one of the enumerated wire events.
func Known(name string) bool {
	_, ok := decoders[name]
	return ok
}

// Decode classifies raw into its typed Event.
func Decode(raw transport.RawEvent) (Event, error) {
	dec, ok := decoders[raw.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.Name)
	}
	ev, err := dec(raw.Data)
	if err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", raw.Name, err)
	}
	return ev, nil
}

func decodeNewMessage(data json.RawMessage) (Event, error) {
	var m models.SessionMessage
	if err := unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.ID == 0 {
		return nil, errors.New("message without id")
	}
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	return NewMessage{Message: m}, nil
}

func decodeNewPublicRequest(data json.RawMessage) (Event, error) {
	var r models.PublicRequest
	if err := unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.RequestID == 0 {
		return nil, errors.New("request without request_id")
	}
	return NewPublicRequest{Request: r}, nil
}

func decodeLiveStarted(data json.RawMessage) (Event, error) {
	var ev LiveStarted
	if len(data) == 0 || string(data) == "null" {
		return ev, nil
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeLiveEnded(data json.RawMessage) (Event, error) {
	var ev LiveEnded
	if len(data) == 0 || string(data) == "null" {
		return ev, nil
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, v)
}
