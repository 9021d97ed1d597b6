package models

// SessionState is the client-side lifecycle of a consultation session.
type SessionState string

const (
	SessionOpen    SessionState = "open"
	SessionActive  SessionState = "active"
	SessionEnded   SessionState = "ended"
	SessionDeleted SessionState = "deleted"
)

// Terminal reports whether no further transition is allowed.
func (s SessionState) Terminal() bool {
	return s == SessionEnded || s == SessionDeleted
}

// Session is a private farmer/expert conversation, optionally scoped to the
// public request it was opened from.
type Session struct {
	SessionID      int64        `json:"session_id" gorm:"primaryKey;autoIncrement:false"`
	FarmerUsername string       `json:"farmer_username" gorm:"size:64;not null;index:idx_session_pair"`
	ExpertUsername string       `json:"expert_username" gorm:"size:64;not null;index:idx_session_pair"`
	RequestID      *int64       `json:"request_id" gorm:"index"`
	LastMessage    *string      `json:"last_message" gorm:"type:text"`
	CreatedAt      Time         `json:"created_at" gorm:"autoCreateTime:false"`
	State          SessionState `json:"state,omitempty" gorm:"size:16;default:open;index"`
}

// Matches reports whether s is the session between farmer and expert. A nil
// requestID matches any request scope.
func (s Session) Matches(farmer, expert string, requestID *int64) bool {
	if s.FarmerUsername != farmer || s.ExpertUsername != expert {
		return false
	}
	if requestID == nil {
		return true
	}
	return s.RequestID != nil && *s.RequestID == *requestID
}

// Role is the authenticated user's role on the platform.
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleExpert Role = "expert"
	RoleAdmin  Role = "admin"
)
