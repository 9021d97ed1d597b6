package models

import "time"

// CallType is the media kind of a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is audio or video.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// InviteType is the message type announcing a call of this kind.
func (t CallType) InviteType() MessageType {
	if t == CallVideo {
		return MessageVideoCall
	}
	return MessageAudioCall
}

// SignalType is the message type carrying signals for a call of this kind.
func (t CallType) SignalType() MessageType {
	if t == CallVideo {
		return MessageVideoCallSignal
	}
	return MessageAudioCallSignal
}

// CallStatus is the lifecycle status of a CallRecord.
type CallStatus string

const (
	CallOngoing  CallStatus = "ongoing"
	CallReceived CallStatus = "received"
	CallMissed   CallStatus = "missed"
	CallEnded    CallStatus = "ended"
)

// Terminal reports whether the record can no longer change.
func (s CallStatus) Terminal() bool {
	return s == CallMissed || s == CallEnded
}

// CallRecord is a client-side log entry for one call attempt.
type CallRecord struct {
	ID        int64      `json:"call_id" gorm:"primaryKey;autoIncrement:false"`
	SessionID int64      `json:"session_id" gorm:"not null;index"`
	Type      CallType   `json:"type" gorm:"size:8;not null"`
	Caller    string     `json:"caller" gorm:"size:64;not null"`
	Receiver  string     `json:"receiver" gorm:"size:64"`
	Status    CallStatus `json:"status" gorm:"size:16;not null;index"`
	Timestamp time.Time  `json:"timestamp"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
