package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertJSONTag checks the json name of a struct field.
func assertJSONTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	name := strings.Split(f.Tag.Get("json"), ",")[0]
	if name != expected {
		t.Errorf("%s.%s json name = %q, want %q", typ.Name(), fieldName, name, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(Session{})

	assertGormTag(t, typ, "SessionID", "primaryKey")
	assertGormTag(t, typ, "SessionID", "autoIncrement:false")
	assertGormTag(t, typ, "FarmerUsername", "index:idx_session_pair")
	assertGormTag(t, typ, "ExpertUsername", "index:idx_session_pair")
	assertGormTag(t, typ, "LastMessage", "type:text")
	assertGormTag(t, typ, "CreatedAt", "autoCreateTime:false")
	assertGormTag(t, typ, "State", "default:open")

	assertJSONTag(t, typ, "SessionID", "session_id")
	assertJSONTag(t, typ, "FarmerUsername", "farmer_username")
	assertJSONTag(t, typ, "ExpertUsername", "expert_username")
	assertJSONTag(t, typ, "RequestID", "request_id")
	assertJSONTag(t, typ, "LastMessage", "last_message")

	assertFieldType(t, typ, "RequestID", "*int64")
	assertFieldType(t, typ, "LastMessage", "*string")
	assertFieldType(t, typ, "CreatedAt", "models.Time")
}

func TestSessionMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(SessionMessage{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "Status", "default:sent")

	assertJSONTag(t, typ, "Type", "message_type")
	assertJSONTag(t, typ, "SenderUsername", "sender_username")
	assertJSONTag(t, typ, "CreatedAt", "created_at")

	assertFieldType(t, typ, "Type", "models.MessageType")
	assertFieldType(t, typ, "Status", "models.DeliveryStatus")
}

func TestCallRecord_Fields(t *testing.T) {
	typ := reflect.TypeOf(CallRecord{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Status", "index")
	assertJSONTag(t, typ, "ID", "call_id")

	assertFieldType(t, typ, "EndedAt", "*time.Time")
	assertFieldType(t, typ, "Status", "models.CallStatus")
}

func TestLiveComment_Fields(t *testing.T) {
	typ := reflect.TypeOf(LiveComment{})

	assertGormTag(t, typ, "Fingerprint", "uniqueIndex")
	assertGormTag(t, typ, "Comment", "not null")
	assertJSONTag(t, typ, "ID", "-")
	assertJSONTag(t, typ, "Fingerprint", "-")
}

// --- Time tests ---

func TestParseTime_Layouts(t *testing.T) {
	want := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	inputs := []string{
		"2025-03-14T09:26:53Z",
		"2025-03-14T09:26:53",
		"2025-03-14 09:26:53",
		"2025-03-14T10:26:53+01:00",
		"Fri, 14 Mar 2025 09:26:53 GMT",
	}
	for _, in := range inputs {
		got, err := ParseTime(in)
		if err != nil {
			t.Errorf("ParseTime(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseTime(%q) = %v, want %v", in, got.Time, want)
		}
	}
}

func TestParseTime_Invalid(t *testing.T) {
	if _, err := ParseTime("yesterday"); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
}

func TestParseTime_Empty(t *testing.T) {
	got, err := ParseTime("  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("ParseTime(blank) = %v, want zero", got.Time)
	}
}

func TestSessionMessage_UnmarshalBackendJSON(t *testing.T) {
	raw := `{"id":12,"session_id":3,"sender_username":"amina","message_type":"image",
		"content":"uploads/leaf.jpg","created_at":"2025-03-14 09:26:53","status":"received"}`

	var m SessionMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.ID != 12 || m.SessionID != 3 {
		t.Errorf("ids = (%d, %d), want (12, 3)", m.ID, m.SessionID)
	}
	if m.Type != MessageImage {
		t.Errorf("Type = %q, want %q", m.Type, MessageImage)
	}
	if m.Status != StatusReceived {
		t.Errorf("Status = %q, want %q", m.Status, StatusReceived)
	}
	if m.CreatedAt.Hour() != 9 || m.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want 09:26:53 UTC", m.CreatedAt.Time)
	}
}

func TestSession_NullFields(t *testing.T) {
	raw := `{"session_id":1,"farmer_username":"f","expert_username":"e","request_id":null,"last_message":null,"created_at":null}`
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.RequestID != nil || s.LastMessage != nil {
		t.Error("expected nil request_id and last_message")
	}
	if !s.CreatedAt.IsZero() {
		t.Error("expected zero CreatedAt")
	}
}

func TestTime_Scan(t *testing.T) {
	var tm Time
	if err := tm.Scan("2025-03-14 09:26:53"); err != nil {
		t.Fatalf("Scan(string): %v", err)
	}
	if tm.Day() != 14 {
		t.Errorf("Day = %d, want 14", tm.Day())
	}
	if err := tm.Scan(nil); err != nil || !tm.IsZero() {
		t.Errorf("Scan(nil) = %v, zero=%v", err, tm.IsZero())
	}
	if err := tm.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

// --- Type helper tests ---

func TestMessageType_Helpers(t *testing.T) {
	tests := []struct {
		typ    MessageType
		media  bool
		invite bool
		signal bool
		kind   CallType
	}{
		{MessageText, false, false, false, ""},
		{MessageImage, true, false, false, ""},
		{MessageAudio, true, false, false, ""},
		{MessageAudioCall, false, true, false, CallAudio},
		{MessageVideoCall, false, true, false, CallVideo},
		{MessageAudioCallSignal, false, false, true, CallAudio},
		{MessageVideoCallSignal, false, false, true, CallVideo},
		{MessageSessionEnded, false, false, false, ""},
	}
	for _, tt := range tests {
		if got := tt.typ.IsMedia(); got != tt.media {
			t.Errorf("%s.IsMedia() = %v, want %v", tt.typ, got, tt.media)
		}
		if got := tt.typ.IsCallInvite(); got != tt.invite {
			t.Errorf("%s.IsCallInvite() = %v, want %v", tt.typ, got, tt.invite)
		}
		if got := tt.typ.IsCallSignal(); got != tt.signal {
			t.Errorf("%s.IsCallSignal() = %v, want %v", tt.typ, got, tt.signal)
		}
		if got := tt.typ.CallKind(); got != tt.kind {
			t.Errorf("%s.CallKind() = %q, want %q", tt.typ, got, tt.kind)
		}
		if !tt.typ.Valid() {
			t.Errorf("%s.Valid() = false", tt.typ)
		}
	}
	if MessageType("sticker").Valid() {
		t.Error("sticker should not be valid")
	}
}

func TestCallType_MessageTypes(t *testing.T) {
	if CallVideo.InviteType() != MessageVideoCall || CallVideo.SignalType() != MessageVideoCallSignal {
		t.Error("video call message types wrong")
	}
	if CallAudio.InviteType() != MessageAudioCall || CallAudio.SignalType() != MessageAudioCallSignal {
		t.Error("audio call message types wrong")
	}
}

func TestDeliveryStatus_Rank(t *testing.T) {
	if !(StatusSent.Rank() < StatusReceived.Rank() && StatusReceived.Rank() < StatusRead.Rank()) {
		t.Error("status ranks must be sent < received < read")
	}
	if DeliveryStatus("").Rank() != 0 {
		t.Error("unknown status should rank 0")
	}
}

func TestSession_Matches(t *testing.T) {
	five, seven := int64(5), int64(7)
	s := Session{FarmerUsername: "f", ExpertUsername: "e", RequestID: &five}

	if !s.Matches("f", "e", nil) {
		t.Error("nil request id should match any scope")
	}
	if !s.Matches("f", "e", &five) {
		t.Error("same request id should match")
	}
	if s.Matches("f", "e", &seven) {
		t.Error("different request id must not match")
	}
	if s.Matches("e", "f", nil) {
		t.Error("swapped pair must not match")
	}
}

func TestTerminalStates(t *testing.T) {
	if SessionActive.Terminal() || !SessionEnded.Terminal() || !SessionDeleted.Terminal() {
		t.Error("session terminal states wrong")
	}
	if CallOngoing.Terminal() || CallReceived.Terminal() || !CallMissed.Terminal() || !CallEnded.Terminal() {
		t.Error("call terminal states wrong")
	}
}

func TestLiveComment_Key(t *testing.T) {
	ts, _ := ParseTime("2025-03-14T09:26:53Z")
	a := LiveComment{Username: "u", Comment: "hi", CreatedAt: ts}
	b := LiveComment{Username: "u", Comment: "hi", CreatedAt: ts}
	c := LiveComment{Username: "u", Comment: "hello", CreatedAt: ts}
	if a.Key() != b.Key() {
		t.Error("identical comments should share a key")
	}
	if a.Key() == c.Key() {
		t.Error("different comments should not share a key")
	}
}
