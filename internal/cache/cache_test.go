package cache

import (
	"testing"
	"time"

	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	c, err := New(conn, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

var base = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func at(d time.Duration) models.Time { return models.NewTime(base.Add(d)) }

func reqID(v int64) *int64 { return &v }

func TestNew_RequiresDB(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestSaveSessions_Upsert(t *testing.T) {
	c := testCache(t)
	err := c.SaveSessions([]models.Session{
		{SessionID: 1, FarmerUsername: "farmer1", ExpertUsername: "expert1", CreatedAt: at(0), State: models.SessionOpen},
		{SessionID: 2, FarmerUsername: "farmer1", ExpertUsername: "expert2", RequestID: reqID(5), CreatedAt: at(time.Hour), State: models.SessionOpen},
	})
	if err != nil {
		t.Fatalf("SaveSessions: %v", err)
	}
	if err := c.SaveSessions([]models.Session{
		{SessionID: 1, FarmerUsername: "farmer1", ExpertUsername: "expert1", CreatedAt: at(0), State: models.SessionEnded},
	}); err != nil {
		t.Fatalf("SaveSessions update: %v", err)
	}

	list, err := c.Sessions(false)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
	if list[0].SessionID != 2 {
		t.Errorf("first session = %d, want newest (2)", list[0].SessionID)
	}
	if list[0].RequestID == nil || *list[0].RequestID != 5 {
		t.Errorf("request id = %v, want 5", list[0].RequestID)
	}
	s, err := c.Session(1)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.State != models.SessionEnded {
		t.Errorf("State = %q, want %q", s.State, models.SessionEnded)
	}
}

func TestSessions_HidesDeleted(t *testing.T) {
	c := testCache(t)
	c.SaveSessions([]models.Session{
		{SessionID: 1, FarmerUsername: "f", ExpertUsername: "e", CreatedAt: at(0), State: models.SessionDeleted},
		{SessionID: 2, FarmerUsername: "f", ExpertUsername: "e", CreatedAt: at(1), State: models.SessionActive},
	})
	visible, _ := c.Sessions(false)
	all, _ := c.Sessions(true)
	if len(visible) != 1 || len(all) != 2 {
		t.Errorf("visible = %d, all = %d, want 1 and 2", len(visible), len(all))
	}
}

func TestSaveMessages_OrderAndStatus(t *testing.T) {
	c := testCache(t)
	err := c.SaveMessages([]models.SessionMessage{
		{ID: 3, SessionID: 1, SenderUsername: "farmer1", Type: models.MessageText, Content: "c", CreatedAt: at(3 * time.Second), Status: models.StatusRead},
		{ID: 1, SessionID: 1, SenderUsername: "farmer1", Type: models.MessageText, Content: "a", CreatedAt: at(time.Second), Status: models.StatusSent},
		{ID: 2, SessionID: 1, SenderUsername: "expert1", Type: models.MessageText, Content: "b", CreatedAt: at(2 * time.Second), Status: models.StatusSent},
		{ID: 9, SessionID: 2, SenderUsername: "farmer1", Type: models.MessageText, Content: "other", CreatedAt: at(0)},
	})
	if err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	// A stale copy must not downgrade the read status.
	if err := c.SaveMessages([]models.SessionMessage{
		{ID: 3, SessionID: 1, SenderUsername: "farmer1", Type: models.MessageText, Content: "c", CreatedAt: at(3 * time.Second), Status: models.StatusSent},
	}); err != nil {
		t.Fatalf("SaveMessages stale: %v", err)
	}

	msgs, err := c.Messages(1, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	for i, want := range []int64{1, 2, 3} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %d, want %d", i, msgs[i].ID, want)
		}
	}
	if msgs[2].Status != models.StatusRead {
		t.Errorf("Status = %q, want %q", msgs[2].Status, models.StatusRead)
	}
	if !msgs[0].CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("CreatedAt = %v, want %v", msgs[0].CreatedAt, base.Add(time.Second))
	}

	last, _ := c.Messages(1, 2)
	if len(last) != 2 || last[0].ID != 2 || last[1].ID != 3 {
		t.Errorf("Messages(limit 2) = %+v, want ids 2,3", last)
	}
}

func TestSaveCall_Upsert(t *testing.T) {
	c := testCache(t)
	rec := models.CallRecord{ID: 1700, SessionID: 1, Type: models.CallAudio, Caller: "farmer1", Receiver: "expert1", Status: models.CallOngoing, Timestamp: base}
	if err := c.SaveCall(rec); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}
	ended := base.Add(time.Minute)
	rec.Status = models.CallEnded
	rec.EndedAt = &ended
	if err := c.SaveCall(rec); err != nil {
		t.Fatalf("SaveCall update: %v", err)
	}
	c.SaveCall(models.CallRecord{ID: 1800, SessionID: 1, Type: models.CallVideo, Caller: "expert1", Status: models.CallMissed, Timestamp: base.Add(time.Hour)})

	calls, err := c.Calls(0)
	if err != nil {
		t.Fatalf("Calls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].ID != 1800 {
		t.Errorf("newest call = %d, want 1800", calls[0].ID)
	}
	if calls[1].Status != models.CallEnded || calls[1].EndedAt == nil {
		t.Errorf("updated call = %+v", calls[1])
	}
}

func TestSaveComments_Dedup(t *testing.T) {
	c := testCache(t)
	a := models.LiveComment{Username: "amina", Comment: "hello", CreatedAt: at(0)}
	b := models.LiveComment{Username: "amina", Comment: "again", CreatedAt: at(0)}
	if err := c.SaveComments([]models.LiveComment{a, b}); err != nil {
		t.Fatalf("SaveComments: %v", err)
	}
	if err := c.SaveComments([]models.LiveComment{a}); err != nil {
		t.Fatalf("SaveComments repeat: %v", err)
	}
	list, err := c.Comments(0)
	if err != nil {
		t.Fatalf("Comments: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("comments = %d, want 2", len(list))
	}
}

func TestPublicRequests(t *testing.T) {
	c := testCache(t)
	c.SavePublicRequests([]models.PublicRequest{
		{RequestID: 5, Username: "farmer1", RequestType: "text", Content: "leaf rust?", CreatedAt: at(0)},
		{RequestID: 6, Username: "farmer2", RequestType: "image", Content: "/uploads/a.jpg", CreatedAt: at(time.Minute), Responded: true},
	})
	open, err := c.PublicRequests(true)
	if err != nil {
		t.Fatalf("PublicRequests: %v", err)
	}
	if len(open) != 1 || open[0].RequestID != 5 {
		t.Errorf("open = %+v, want request 5", open)
	}
	all, _ := c.PublicRequests(false)
	if len(all) != 2 || all[0].RequestID != 6 {
		t.Errorf("all = %+v, want newest first", all)
	}
}

func TestPublicRequests_RespondedIsSticky(t *testing.T) {
	c := testCache(t)
	c.SavePublicRequests([]models.PublicRequest{
		{RequestID: 5, Username: "farmer1", RequestType: "text", Content: "leaf rust?", CreatedAt: at(0), Responded: true},
	})
	// A later listing from the backend arrives without the flag.
	if err := c.SavePublicRequests([]models.PublicRequest{
		{RequestID: 5, Username: "farmer1", RequestType: "text", Content: "leaf rust? (edited)", CreatedAt: at(0)},
	}); err != nil {
		t.Fatalf("SavePublicRequests: %v", err)
	}
	all, _ := c.PublicRequests(false)
	if len(all) != 1 {
		t.Fatalf("requests = %d, want 1", len(all))
	}
	if !all[0].Responded {
		t.Error("responded flag was cleared by a later save")
	}
	if all[0].Content != "leaf rust? (edited)" {
		t.Errorf("content = %q, want updated content", all[0].Content)
	}
}

func TestCountsAndPurge(t *testing.T) {
	c := testCache(t)
	c.SaveSessions([]models.Session{{SessionID: 1, FarmerUsername: "f", ExpertUsername: "e", CreatedAt: at(0)}})
	c.SaveMessages([]models.SessionMessage{{ID: 1, SessionID: 1, SenderUsername: "f", Type: models.MessageText, Content: "x", CreatedAt: at(0)}})
	c.SaveCall(models.CallRecord{ID: 1, SessionID: 1, Type: models.CallAudio, Caller: "f", Status: models.CallEnded, Timestamp: base})

	got, err := c.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if got.Sessions != 1 || got.Messages != 1 || got.Calls != 1 {
		t.Errorf("Counts = %+v", got)
	}
	if err := c.Purge(1); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	got, _ = c.Counts()
	if got.Sessions != 0 || got.Messages != 0 || got.Calls != 0 {
		t.Errorf("Counts after purge = %+v", got)
	}
}
