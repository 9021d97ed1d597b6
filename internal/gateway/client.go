// Package gateway is the typed REST client for the consultation backend.
// Every authenticated request carries the bearer token of the shared
// auth.Session; a 401 expires that session exactly once.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/auth"
	"github.com/zulandar/agrilink/internal/logger"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout = 30 * time.Second
	// maxResponseBody caps how much of a response is read.
	maxResponseBody = 8 << 20
)

// ErrSessionExpired is returned when the backend answers 401. The shared
// session has been logged out by the time the caller sees it.
var ErrSessionExpired = errors.New("gateway: session expired, please log in again")

// APIError is a non-2xx response other than 401.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %d: %s", e.Status, e.Message)
}

// IsSessionEnded reports whether err is the backend refusing an operation
// because the session was already ended.
func IsSessionEnded(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status == http.StatusGone {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "ended") || strings.Contains(msg, "terminée") || strings.Contains(msg, "closed")
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL   string
	Session   *auth.Session
	Timeout   time.Duration
	Transport http.RoundTripper // defaults to http.DefaultTransport
	Log       logrus.FieldLogger
}

// Client is the Request Gateway.
type Client struct {
	baseURL *url.URL
	session *auth.Session
	anon    *http.Client
	authed  *http.Client
	log     logrus.FieldLogger
}

// New creates a Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base url is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("gateway: session is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("gateway: invalid base url %q", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	return &Client{
		baseURL: u,
		session: opts.Session,
		anon:    &http.Client{Timeout: timeout, Transport: base},
		authed: &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: opts.Session, Base: base},
		},
		log: logger.OrDefault(opts.Log, "gateway"),
	}, nil
}

// Session returns the application-session context the client authenticates with.
func (c *Client) Session() *auth.Session {
	return c.session
}

// request describes one call to the backend.
type request struct {
	method      string
	path        string // already escaped
	query       url.Values
	body        io.Reader
	contentType string
	anonymous   bool
}

func jsonRequest(method, path string, payload any) (request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return request{}, fmt.Errorf("gateway: encode %s: %w", path, err)
	}
	return request{method: method, path: path, body: bytes.NewReader(data), contentType: "application/json"}, nil
}

// do executes r and decodes a JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, r request, out any) error {
	gen := c.session.Generation()

	target := c.baseURL.String() + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, r.body)
	if err != nil {
		return fmt.Errorf("gateway: build %s %s: %w", r.method, r.path, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	log := c.log.WithFields(logrus.Fields{"method": r.method, "path": r.path, "request_id": reqID})
	client := c.authed
	if r.anonymous {
		client = c.anon
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		log.WithError(err).Warn("request failed")
		return fmt.Errorf("gateway: %s %s: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("gateway: read %s %s: %w", r.method, r.path, err)
	}
	log = log.WithFields(logrus.Fields{"status": resp.StatusCode, "elapsed": time.Since(start)})

	if resp.StatusCode == http.StatusUnauthorized && !r.anonymous {
		if c.session.Expire(gen, "session expired") {
			log.Warn("backend rejected token, session logged out")
		}
		return ErrSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp.StatusCode, data)
		apiErr.RequestID = reqID
		log.WithField("error", apiErr.Message).Warn("request rejected")
		return apiErr
	}
	log.Debug("request ok")

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("gateway: decode %s %s: %w", r.method, r.path, err)
	}
	return nil
}

// newAPIError maps a failed response to the message shown to the user.
func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	server := payload.Message
	if server == "" {
		server = payload.Error
	}

	msg := server
	switch status {
	case http.StatusBadRequest:
		if msg == "" {
			msg = "invalid request"
		}
	case http.StatusForbidden:
		if msg == "" {
			msg = "access denied"
		}
	case http.StatusNotFound:
		if msg == "" {
			msg = "resource not found"
		}
	case http.StatusInternalServerError:
		msg = "server error, try again later"
	default:
		if msg == "" {
			msg = "unexpected error"
		}
	}
	return &APIError{Status: status, Message: msg}
}
