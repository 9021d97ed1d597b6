package models

import (
	"fmt"
	"time"
)

// PublicRequest is a farmer's open question visible to every expert.
type PublicRequest struct {
	RequestID   int64  `json:"request_id" gorm:"primaryKey;autoIncrement:false"`
	Username    string `json:"username" gorm:"size:64;not null;index"`
	RequestType string `json:"request_type" gorm:"size:16;not null"`
	Content     string `json:"content" gorm:"type:text"`
	CreatedAt   Time   `json:"created_at" gorm:"autoCreateTime:false"`
	Responded   bool   `json:"responded" gorm:"default:false"`
}

// LiveComment is a viewer comment on the live stream.
type LiveComment struct {
	ID          uint   `json:"-" gorm:"primaryKey;autoIncrement"`
	Fingerprint string `json:"-" gorm:"size:64;uniqueIndex"`
	Username    string `json:"username" gorm:"size:64;not null;index"`
	Comment     string `json:"comment" gorm:"type:text;not null"`
	CreatedAt   Time   `json:"created_at" gorm:"autoCreateTime:false;index"`
}

// Key identifies a comment for dedup; the backend assigns no id.
func (c LiveComment) Key() string {
	return fmt.Sprintf("%s|%s|%s", c.Username, c.CreatedAt.UTC().Format(time.RFC3339Nano), c.Comment)
}
