package models

// MessageType is the kind of a SessionMessage.
type MessageType string

const (
	MessageText            MessageType = "text"
	MessageImage           MessageType = "image"
	MessageVideo           MessageType = "video"
	MessageAudio           MessageType = "audio"
	MessageAudioCall       MessageType = "audio_call"
	MessageVideoCall       MessageType = "video_call"
	MessageAudioCallSignal MessageType = "audio_call_signal"
	MessageVideoCallSignal MessageType = "video_call_signal"
	MessageSessionEnded    MessageType = "session_ended"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio,
		MessageAudioCall, MessageVideoCall,
		MessageAudioCallSignal, MessageVideoCallSignal,
		MessageSessionEnded:
		return true
	}
	return false
}

// IsMedia reports whether content is a media URL.
func (t MessageType) IsMedia() bool {
	return t == MessageImage || t == MessageVideo || t == MessageAudio
}

// IsCallInvite reports whether t announces a new call.
func (t MessageType) IsCallInvite() bool {
	return t == MessageAudioCall || t == MessageVideoCall
}

// IsCallSignal reports whether t carries a peer signaling payload.
func (t MessageType) IsCallSignal() bool {
	return t == MessageAudioCallSignal || t == MessageVideoCallSignal
}

// IsCall reports whether t belongs to call signaling and is hidden from chat.
func (t MessageType) IsCall() bool {
	return t.IsCallInvite() || t.IsCallSignal()
}

// CallKind returns the call type for call invite and signal messages, or ""
// for everything else.
func (t MessageType) CallKind() CallType {
	switch t {
	case MessageAudioCall, MessageAudioCallSignal:
		return CallAudio
	case MessageVideoCall, MessageVideoCallSignal:
		return CallVideo
	}
	return ""
}

// DeliveryStatus tracks a message through the backend.
type DeliveryStatus string

const (
	StatusSent     DeliveryStatus = "sent"
	StatusReceived DeliveryStatus = "received"
	StatusRead     DeliveryStatus = "read"
)

// Rank orders statuses so updates never move backwards.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusReceived:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// SessionMessage is one chat turn within a Session.
type SessionMessage struct {
	ID             int64          `json:"id" gorm:"primaryKey;autoIncrement:false"`
	SessionID      int64          `json:"session_id" gorm:"not null;index"`
	RequestID      *int64         `json:"request_id,omitempty" gorm:"index"`
	SenderUsername string         `json:"sender_username" gorm:"size:64;not null"`
	Type           MessageType    `json:"message_type" gorm:"size:32;not null"`
	Content        string         `json:"content" gorm:"type:text"`
	CreatedAt      Time           `json:"created_at" gorm:"autoCreateTime:false;index"`
	Status         DeliveryStatus `json:"status,omitempty" gorm:"size:16;default:sent"`
}
