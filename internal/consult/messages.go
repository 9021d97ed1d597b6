package consult

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/gateway"
	"github.com/zulandar/agrilink/internal/models"
)

// Payload is the user-supplied body of a message: text or call content, or
// a file for media types.
type Payload struct {
	Content string
	File    *gateway.File
}

// draft is the validated shape of an outgoing message.
type draft struct {
	Type     string `validate:"required,oneof=text image video audio audio_call video_call audio_call_signal video_call_signal"`
	IsMedia  bool
	Text     string `validate:"required_if=IsMedia false"`
	FileName string `validate:"required_if=IsMedia true"`
	HasData  bool   `validate:"required_if=IsMedia true"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// fieldMessages maps a failing draft field to the user-facing reason.
var fieldMessages = map[string]string{
	"Type":     "unsupported message type",
	"Text":     "message must not be blank",
	"FileName": "select a file to send",
	"HasData":  "selected file has no content",
}

// validatePayload rejects payloads before any network call.
func validatePayload(typ models.MessageType, p Payload) error {
	d := draft{
		Type:    string(typ),
		IsMedia: typ.IsMedia(),
		Text:    strings.TrimSpace(p.Content),
	}
	if p.File != nil {
		d.FileName = strings.TrimSpace(p.File.Name)
		d.HasData = p.File.Reader != nil
	}
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, fieldMessages[verrs[0].Field()])
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// SendMessage validates and posts a message to the open session, then
// appends the acknowledged message locally.
func (s *Store) SendMessage(ctx context.Context, typ models.MessageType, p Payload) (models.SessionMessage, error) {
	if err := validatePayload(typ, p); err != nil {
		return models.SessionMessage{}, err
	}

	creds, _ := s.identity.Credentials()
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return models.SessionMessage{}, ErrNoSession
	}
	cur := *s.current
	gen := s.gen
	s.mu.Unlock()

	if err := s.checkSendAllowed(cur, models.Role(creds.Role)); err != nil {
		return models.SessionMessage{}, err
	}

	log := s.log.WithFields(logrus.Fields{"session_id": cur.SessionID, "type": typ})
	out := gateway.OutgoingMessage{Type: typ, Content: p.Content, File: p.File, RequestID: cur.RequestID}
	if typ.IsMedia() {
		out.Content = ""
	}
	res, err := s.gw.SendMessage(ctx, cur.FarmerUsername, cur.ExpertUsername, out)
	if err != nil {
		if gateway.IsSessionEnded(err) {
			s.mu.Lock()
			s.setSessionState(cur.SessionID, models.SessionEnded)
			if s.gen == gen {
				s.markEnded()
			}
			s.mu.Unlock()
			log.WithError(err).Warn("send refused, session ended")
			return models.SessionMessage{}, fmt.Errorf("consult: send %s: %w: %w", typ, ErrSessionEnded, err)
		}
		log.WithError(err).Warn("send failed")
		return models.SessionMessage{}, fmt.Errorf("consult: send %s: %w", typ, err)
	}

	msg := models.SessionMessage{
		ID:             res.MessageID,
		SessionID:      cur.SessionID,
		RequestID:      cur.RequestID,
		SenderUsername: creds.Username,
		Type:           typ,
		Content:        p.Content,
		CreatedAt:      models.NewTime(s.now()),
		Status:         models.StatusSent,
	}
	if res.Content != "" {
		msg.Content = res.Content
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		log.Debug("session changed while sending, not appending")
		return msg, nil
	}
	stored, added := s.insert(msg)
	if added {
		s.activate()
		s.setPreview(stored)
	}
	s.mu.Unlock()

	if added {
		s.save(func(sink Sink) error { return sink.SaveMessages([]models.SessionMessage{stored}) })
	}
	log.WithField("message_id", stored.ID).Debug("message sent")
	return stored, nil
}

// checkSendAllowed applies the session state machine to a send attempt.
func (s *Store) checkSendAllowed(cur models.Session, role models.Role) error {
	switch cur.State {
	case models.SessionDeleted:
		return fmt.Errorf("%w: session %d was deleted", ErrSessionEnded, cur.SessionID)
	case models.SessionEnded:
		if role == models.RoleExpert && s.policy.AllowExpertAfterEnd {
			return nil
		}
		return fmt.Errorf("%w: session %d", ErrSessionEnded, cur.SessionID)
	}
	return nil
}

// ReceivePushMessage applies a pushed message to the open session. It
// reports whether the message was added; messages for other sessions and
// duplicate ids are ignored.
func (s *Store) ReceivePushMessage(m models.SessionMessage) bool {
	log := s.log.WithFields(logrus.Fields{"session_id": m.SessionID, "message_id": m.ID})

	s.mu.Lock()
	if s.current == nil || s.current.SessionID != m.SessionID || s.current.State == models.SessionDeleted {
		s.mu.Unlock()
		log.Debug("ignoring message for another session")
		return false
	}
	if rid := s.current.RequestID; rid != nil && m.RequestID != nil && *rid != *m.RequestID {
		s.mu.Unlock()
		log.Debug("ignoring message for another request")
		return false
	}
	stored, added := s.insert(m)
	if !added {
		s.mu.Unlock()
		log.Debug("duplicate message ignored")
		return false
	}
	if m.Type == models.MessageSessionEnded {
		s.markEnded()
	} else {
		s.activate()
		s.setPreview(stored)
	}
	var hooks []func(models.SessionMessage)
	if m.Type.IsCall() {
		hooks = slices.Clone(s.callHooks)
	}
	s.mu.Unlock()

	s.save(func(sink Sink) error { return sink.SaveMessages([]models.SessionMessage{stored}) })
	for _, fn := range hooks {
		fn(stored)
	}
	return true
}

// MarkAsRead emits a read receipt for a message of the open session. No
// local state changes until the status update comes back.
func (s *Store) MarkAsRead(messageID int64) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	sessionID := s.current.SessionID
	s.mu.Unlock()

	err := s.emitter.Emit(s.namespace, "mark_message_read", map[string]int64{
		"session_id": sessionID,
		"message_id": messageID,
	})
	if err != nil {
		s.log.WithError(err).WithField("message_id", messageID).Debug("read receipt not sent")
		return fmt.Errorf("consult: mark read %d: %w", messageID, err)
	}
	return nil
}

// ApplyStatusUpdate raises the delivery status of a message of the open
// session. Statuses never regress.
func (s *Store) ApplyStatusUpdate(messageID int64, status models.DeliveryStatus) bool {
	s.mu.Lock()
	i := slices.IndexFunc(s.messages, func(m models.SessionMessage) bool { return m.ID == messageID })
	if i < 0 || status.Rank() <= s.messages[i].Status.Rank() {
		s.mu.Unlock()
		return false
	}
	s.messages[i].Status = status
	updated := s.messages[i]
	s.mu.Unlock()

	s.save(func(sink Sink) error { return sink.SaveMessages([]models.SessionMessage{updated}) })
	return true
}

// Messages returns every message of the open session in order, call
// messages included.
func (s *Store) Messages() []models.SessionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// ChatMessages returns the messages to render: call invites and signals
// are left out.
func (s *Store) ChatMessages() []models.SessionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SessionMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if !m.Type.IsCall() {
			out = append(out, m)
		}
	}
	return out
}

// ResolveMediaURL makes content absolute against the media base.
func (s *Store) ResolveMediaURL(content string) string {
	return ResolveMediaURL(s.mediaBase, content)
}

// ResolveMediaURL joins a relative media path onto base. Absolute http,
// https, data and blob URLs are returned unchanged, so the rewrite is
// idempotent.
func ResolveMediaURL(base, content string) string {
	c := strings.TrimSpace(content)
	if c == "" || base == "" {
		return c
	}
	if u, err := url.Parse(c); err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "data", "blob":
			return c
		}
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(c, "/")
}

// insert places m in created_at order unless its id is already present.
// Media content is made absolute first. Callers hold mu.
func (s *Store) insert(m models.SessionMessage) (models.SessionMessage, bool) {
	if m.ID != 0 {
		if _, dup := s.ids[m.ID]; dup {
			return m, false
		}
		s.ids[m.ID] = struct{}{}
	}
	if m.Type.IsMedia() {
		m.Content = ResolveMediaURL(s.mediaBase, m.Content)
	}
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	i, _ := slices.BinarySearchFunc(s.messages, m, func(e, target models.SessionMessage) int {
		if c := compareMessages(e, target); c != 0 {
			return c
		}
		return -1
	})
	s.messages = slices.Insert(s.messages, i, m)
	return m, true
}

// setPreview updates the session list's last-message preview. Callers hold mu.
func (s *Store) setPreview(m models.SessionMessage) {
	if m.Type != models.MessageText {
		return
	}
	if i := s.sessionIndex(m.SessionID); i >= 0 {
		preview := m.Content
		s.sessions[i].LastMessage = &preview
	}
}

// compareMessages orders by created_at, then id.
func compareMessages(a, b models.SessionMessage) int {
	if c := a.CreatedAt.Compare(b.CreatedAt.Time); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
