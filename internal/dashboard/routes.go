package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, store Store, status StatusFunc, hub *Hub, heartbeat time.Duration) {
	api := router.Group("/api")
	api.GET("/status", handleStatus(store, status))
	api.GET("/sessions", handleSessions(store))
	api.GET("/sessions/:id", handleSession(store))
	api.GET("/sessions/:id/messages", handleMessages(store))
	api.GET("/calls", handleCalls(store))
	api.GET("/requests", handleRequests(store))
	api.GET("/events", handleSSE(hub, heartbeat))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
}

func handleStatus(store Store, status StatusFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := status()
		if counts, err := store.Counts(); err == nil {
			st.Cache = &counts
		}
		c.JSON(http.StatusOK, st)
	}
}

func handleSessions(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := store.Sessions(c.Query("all") == "true")
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list)})
	}
}

func handleSession(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		s, err := store.Session(id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func handleMessages(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		msgs, err := store.Messages(id, clampLimit(limit, 100, 1000))
		if err != nil {
			internalError(c, err)
			return
		}
		// Call signaling is plumbing, not conversation.
		if c.Query("calls") != "true" {
			kept := msgs[:0]
			for _, m := range msgs {
				if !m.Type.IsCall() {
					kept = append(kept, m)
				}
			}
			msgs = kept
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "messages": msgs, "count": len(msgs)})
	}
}

func handleCalls(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		calls, err := store.Calls(clampLimit(limit, 50, 500))
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
	}
}

func handleRequests(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqs, err := store.PublicRequests(c.Query("open") == "true")
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requests": reqs, "count": len(reqs)})
	}
}

func sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}

func internalError(c *gin.Context, err error) {
	c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
