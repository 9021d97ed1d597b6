// Package cache is the local write-through copy of sessions, messages,
// public requests, call records and live comments. The backend stays the
// source of truth; the cache serves the dashboard and offline CLI reads.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/db"
	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Cache persists domain records with GORM.
type Cache struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Open connects to driver/target and migrates the schema.
func Open(driver, target string, log logrus.FieldLogger) (*Cache, error) {
	conn, err := db.Open(driver, target)
	if err != nil {
		return nil, err
	}
	return New(conn, log)
}

// New wraps an existing connection and migrates the schema.
func New(conn *gorm.DB, log logrus.FieldLogger) (*Cache, error) {
	if conn == nil {
		return nil, fmt.Errorf("cache: db is required")
	}
	if err := db.AutoMigrate(conn); err != nil {
		return nil, err
	}
	return &Cache{db: conn, log: logger.OrDefault(log, "cache")}, nil
}

// DB exposes the underlying connection.
func (c *Cache) DB() *gorm.DB { return c.db }

// Close releases the connection pool.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("cache: close: %w", err)
	}
	return sqlDB.Close()
}

// SaveSessions upserts sessions by id.
func (c *Cache) SaveSessions(sessions []models.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	if err := c.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&sessions).Error; err != nil {
		return fmt.Errorf("cache: save sessions: %w", err)
	}
	return nil
}

// SaveMessages upserts messages by id. A stored status never moves back.
func (c *Cache) SaveMessages(msgs []models.SessionMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		for _, m := range msgs {
			var existing models.SessionMessage
			err := tx.Select("status").Where("id = ?", m.ID).Limit(1).Find(&existing).Error
			if err != nil {
				return fmt.Errorf("cache: save message %d: %w", m.ID, err)
			}
			if existing.Status.Rank() > m.Status.Rank() {
				m.Status = existing.Status
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error; err != nil {
				return fmt.Errorf("cache: save message %d: %w", m.ID, err)
			}
		}
		return nil
	})
}

// SavePublicRequests upserts public requests by id. A request once marked
// responded stays responded; backend listings do not carry the flag.
func (c *Cache) SavePublicRequests(reqs []models.PublicRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	ids := make([]int64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.RequestID
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		var answered []int64
		err := tx.Model(&models.PublicRequest{}).
			Where("request_id IN ? AND responded = ?", ids, true).
			Pluck("request_id", &answered).Error
		if err != nil {
			return fmt.Errorf("cache: save public requests: %w", err)
		}
		rows := make([]models.PublicRequest, len(reqs))
		for i, r := range reqs {
			if slices.Contains(answered, r.RequestID) {
				r.Responded = true
			}
			rows[i] = r
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error; err != nil {
			return fmt.Errorf("cache: save public requests: %w", err)
		}
		return nil
	})
}

// SaveCall upserts a call record by id.
func (c *Cache) SaveCall(rec models.CallRecord) error {
	if err := c.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("cache: save call %d: %w", rec.ID, err)
	}
	return nil
}

// SaveComments stores live comments, skipping ones already cached.
func (c *Cache) SaveComments(comments []models.LiveComment) error {
	if len(comments) == 0 {
		return nil
	}
	rows := make([]models.LiveComment, len(comments))
	for i, cm := range comments {
		cm.ID = 0
		cm.Fingerprint = fingerprint(cm)
		rows[i] = cm
	}
	err := c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoNothing: true,
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("cache: save comments: %w", err)
	}
	return nil
}

// Sessions returns cached sessions, newest first. Deleted sessions are
// included only when withDeleted is set.
func (c *Cache) Sessions(withDeleted bool) ([]models.Session, error) {
	var out []models.Session
	q := c.db.Order("created_at DESC").Order("session_id DESC")
	if !withDeleted {
		q = q.Where("state <> ?", models.SessionDeleted)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("cache: list sessions: %w", err)
	}
	return out, nil
}

// Session returns one cached session.
func (c *Cache) Session(id int64) (*models.Session, error) {
	var s models.Session
	if err := c.db.Where("session_id = ?", id).First(&s).Error; err != nil {
		return nil, fmt.Errorf("cache: get session %d: %w", id, err)
	}
	return &s, nil
}

// Messages returns up to limit messages of a session in conversation order.
// A limit of zero or less returns them all.
func (c *Cache) Messages(sessionID int64, limit int) ([]models.SessionMessage, error) {
	var out []models.SessionMessage
	q := c.db.Where("session_id = ?", sessionID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("cache: list messages for %d: %w", sessionID, err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Calls returns up to limit call records, newest first.
func (c *Cache) Calls(limit int) ([]models.CallRecord, error) {
	var out []models.CallRecord
	q := c.db.Order("timestamp DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("cache: list calls: %w", err)
	}
	return out, nil
}

// PublicRequests returns cached public requests, newest first.
func (c *Cache) PublicRequests(openOnly bool) ([]models.PublicRequest, error) {
	var out []models.PublicRequest
	q := c.db.Order("created_at DESC").Order("request_id DESC")
	if openOnly {
		q = q.Where("responded = ?", false)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("cache: list public requests: %w", err)
	}
	return out, nil
}

// Comments returns up to limit live comments, oldest first.
func (c *Cache) Comments(limit int) ([]models.LiveComment, error) {
	var out []models.LiveComment
	q := c.db.Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("cache: list comments: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Counts summarizes cache contents for status displays.
type Counts struct {
	Sessions       int64 `json:"sessions"`
	Messages       int64 `json:"messages"`
	Calls          int64 `json:"calls"`
	PublicRequests int64 `json:"public_requests"`
	Comments       int64 `json:"comments"`
}

// Counts returns row counts per table.
func (c *Cache) Counts() (Counts, error) {
	var out Counts
	for _, q := range []struct {
		model any
		dst   *int64
	}{
		{&models.Session{}, &out.Sessions},
		{&models.SessionMessage{}, &out.Messages},
		{&models.CallRecord{}, &out.Calls},
		{&models.PublicRequest{}, &out.PublicRequests},
		{&models.LiveComment{}, &out.Comments},
	} {
		if err := c.db.Model(q.model).Count(q.dst).Error; err != nil {
			return Counts{}, fmt.Errorf("cache: count: %w", err)
		}
	}
	return out, nil
}

// Purge removes everything cached for a session.
func (c *Cache) Purge(sessionID int64) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.SessionMessage{}).Error; err != nil {
			return fmt.Errorf("cache: purge messages of %d: %w", sessionID, err)
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.CallRecord{}).Error; err != nil {
			return fmt.Errorf("cache: purge calls of %d: %w", sessionID, err)
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.Session{}).Error; err != nil {
			return fmt.Errorf("cache: purge session %d: %w", sessionID, err)
		}
		return nil
	})
}

func fingerprint(c models.LiveComment) string {
	sum := sha256.Sum256([]byte(c.Key()))
	return hex.EncodeToString(sum[:])
}
