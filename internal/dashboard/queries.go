package dashboard

import (
	"time"

	"github.com/zulandar/agrilink/internal/cache"
	"github.com/zulandar/agrilink/internal/events"
	"github.com/zulandar/agrilink/internal/live"
	"github.com/zulandar/agrilink/internal/models"
	"github.com/zulandar/agrilink/internal/relay"
	"github.com/zulandar/agrilink/internal/transport"
)

// Store is the cached data the dashboard reads. *cache.Cache satisfies it.
type Store interface {
	Sessions(withDeleted bool) ([]models.Session, error)
	Session(id int64) (*models.Session, error)
	Messages(sessionID int64, limit int) ([]models.SessionMessage, error)
	Calls(limit int) ([]models.CallRecord, error)
	PublicRequests(openOnly bool) ([]models.PublicRequest, error)
	Counts() (cache.Counts, error)
}

// Status is a point-in-time snapshot of the running client.
type Status struct {
	User        string             `json:"user,omitempty"`
	Role        string             `json:"role,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	Connections []transport.State  `json:"connections"`
	Current     *models.Session    `json:"current_session,omitempty"`
	ActiveCall  *models.CallRecord `json:"active_call,omitempty"`
	Live        live.Broadcast     `json:"live"`
	Events      events.Stats       `json:"events"`
	Relay       *relay.Stats       `json:"relay,omitempty"`
	Cache       *cache.Counts      `json:"cache,omitempty"`
}

// StatusFunc produces the current status.
type StatusFunc func() Status

// clampLimit bounds a client-supplied limit.
func clampLimit(n, def, max int) int {
	switch {
	case n <= 0:
		return def
	case n > max:
		return max
	}
	return n
}
