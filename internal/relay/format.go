package relay

import (
	"fmt"
	"strconv"

	"github.com/zulandar/agrilink/internal/events"
	"github.com/zulandar/agrilink/internal/models"
	"github.com/zulandar/agrilink/internal/transport"
)

// Kind names an alert category, matched against relay.events in config.
type Kind string

const (
	KindPublicRequest Kind = "public_request"
	KindIncomingCall  Kind = "incoming_call"
	KindMissedCall    Kind = "missed_call"
	KindSessionEnded  Kind = "session_ended"
	KindConnection    Kind = "connection"
)

// AllKinds lists every alert kind.
var AllKinds = []Kind{KindPublicRequest, KindIncomingCall, KindMissedCall, KindSessionEnded, KindConnection}

// Color constants for alert severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

func alert(kind Kind, severity, title, body string, fields ...Field) Alert {
	return Alert{
		Kind:     kind,
		Title:    title,
		Body:     body,
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// FormatPublicRequest formats a newly posted public request.
func FormatPublicRequest(r models.PublicRequest) Alert {
	body := r.Content
	if r.RequestType != string(models.MessageText) {
		body = fmt.Sprintf("[%s] %s", r.RequestType, r.Content)
	}
	return alert(KindPublicRequest, "info",
		fmt.Sprintf("New question from %s", r.Username), truncate(body, 300),
		Field{Name: "Request", Value: strconv.FormatInt(r.RequestID, 10), Short: true},
		Field{Name: "Type", Value: r.RequestType, Short: true},
	)
}

// FormatCall formats an incoming or missed call. It reports false for
// records that are not worth an alert.
func FormatCall(rec models.CallRecord) (Alert, bool) {
	fields := []Field{
		{Name: "Session", Value: strconv.FormatInt(rec.SessionID, 10), Short: true},
		{Name: "Type", Value: string(rec.Type), Short: true},
	}
	switch rec.Status {
	case models.CallReceived:
		return alert(KindIncomingCall, "info",
			fmt.Sprintf("Incoming %s call from %s", rec.Type, rec.Caller), "", fields...), true
	case models.CallMissed:
		return alert(KindMissedCall, "warning",
			fmt.Sprintf("Missed %s call from %s", rec.Type, rec.Caller), "", fields...), true
	}
	return Alert{}, false
}

// FormatSessionEnded formats a session_ended push.
func FormatSessionEnded(ev events.SessionEnded) Alert {
	title := fmt.Sprintf("Session %d ended", ev.SessionID)
	if ev.FarmerUsername != "" && ev.ExpertUsername != "" {
		title = fmt.Sprintf("Session between %s and %s ended", ev.FarmerUsername, ev.ExpertUsername)
	}
	return alert(KindSessionEnded, "info", title, ev.Message,
		Field{Name: "Session", Value: strconv.FormatInt(ev.SessionID, 10), Short: true})
}

// FormatConnection formats a transport state worth alerting on. Only an
// exhausted reconnect budget or an error state qualifies.
func FormatConnection(s transport.State) (Alert, bool) {
	switch {
	case s.Exhausted:
		return alert(KindConnection, "error",
			fmt.Sprintf("Connection to %s lost", s.Namespace),
			fmt.Sprintf("Gave up after %d reconnect attempts: %s", s.Attempt, s.LastError)), true
	case s.Status == transport.StatusError:
		return alert(KindConnection, "warning",
			fmt.Sprintf("Cannot connect to %s", s.Namespace), s.LastError), true
	}
	return Alert{}, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
