package consult

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/zulandar/agrilink/internal/gateway"
	"github.com/zulandar/agrilink/internal/models"
)

// OpeningMessage is posted when an expert responds to a public request.
const OpeningMessage = "Conversation started"

// LoadPublicRequests replaces the public request list from the backend.
func (s *Store) LoadPublicRequests(ctx context.Context) ([]models.PublicRequest, error) {
	list, err := s.gw.PublicRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("consult: load public requests: %w", err)
	}
	s.mu.Lock()
	s.requests = slices.Clone(list)
	s.mu.Unlock()

	s.save(func(sink Sink) error { return sink.SavePublicRequests(list) })
	return list, nil
}

// PublicRequests returns a snapshot of the public request list, newest
// pushes first.
func (s *Store) PublicRequests() []models.PublicRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// CreatePublicRequest validates and posts a public request, then reloads
// the list.
func (s *Store) CreatePublicRequest(ctx context.Context, typ models.MessageType, p Payload) (int64, error) {
	if !typ.IsMedia() && typ != models.MessageText {
		return 0, fmt.Errorf("%w: unsupported request type %q", ErrValidation, typ)
	}
	if err := validatePayload(typ, p); err != nil {
		return 0, err
	}
	in := gateway.PublicRequestInput{Type: typ, Content: p.Content, File: p.File}
	if typ.IsMedia() {
		in.Content = ""
	}
	id, err := s.gw.CreatePublicRequest(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("consult: create public request: %w", err)
	}
	s.log.WithField("request_id", id).Info("public request created")
	if _, err := s.LoadPublicRequests(ctx); err != nil {
		s.log.WithError(err).Warn("reload after create failed")
	}
	return id, nil
}

// RespondToRequest answers a public request, reloads the sessions and opens
// the resulting session scoped to the request.
func (s *Store) RespondToRequest(ctx context.Context, requestID int64) (models.Session, error) {
	res, err := s.gw.RespondToRequest(ctx, requestID, OpeningMessage)
	if err != nil {
		return models.Session{}, fmt.Errorf("consult: respond to request %d: %w", requestID, err)
	}

	s.mu.Lock()
	var answered []models.PublicRequest
	if i := slices.IndexFunc(s.requests, func(r models.PublicRequest) bool { return r.RequestID == requestID }); i >= 0 {
		s.requests[i].Responded = true
		answered = append(answered, s.requests[i])
	}
	s.mu.Unlock()
	s.save(func(sink Sink) error { return sink.SavePublicRequests(answered) })

	if _, err := s.LoadSessions(ctx); err != nil {
		return models.Session{}, err
	}
	sess, err := s.OpenSession(ctx, res.FarmerUsername, res.ExpertUsername, &requestID)
	if errors.Is(err, ErrSessionNotResolved) {
		// Older backends do not tag the session with its request.
		sess, err = s.OpenSession(ctx, res.FarmerUsername, res.ExpertUsername, nil)
	}
	return sess, err
}

// HandleNewPublicRequest prepends a pushed request unless already known.
func (s *Store) HandleNewPublicRequest(r models.PublicRequest) bool {
	s.mu.Lock()
	if slices.ContainsFunc(s.requests, func(e models.PublicRequest) bool { return e.RequestID == r.RequestID }) {
		s.mu.Unlock()
		return false
	}
	s.requests = append([]models.PublicRequest{r}, s.requests...)
	s.mu.Unlock()

	s.save(func(sink Sink) error { return sink.SavePublicRequests([]models.PublicRequest{r}) })
	return true
}
