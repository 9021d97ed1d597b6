// Package auth holds the application-session context: the credentials of
// the logged-in user and the single logout sequence that tears them down.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/logger"
	"golang.org/x/oauth2"
)

var (
	// ErrMissingCredentials is returned when no user is logged in or the
	// credentials lack a token or user id.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrMalformedToken is returned when the access token is not a JWT.
	ErrMalformedToken = errors.New("auth: malformed token")
	// ErrTokenExpired is returned when the token's exp claim has passed.
	ErrTokenExpired = errors.New("auth: token expired")
)

// Credentials identify the logged-in user to the backend.
type Credentials struct {
	UserID   string
	Username string
	Role     string
	Token    string
	Expiry   time.Time // from the token's exp claim; zero when absent
	Subject  string    // from the token's sub claim
}

// Inspect validates the shape of c and fills Expiry and Subject from the
// token claims. The signature is not verified; the backend does that.
func Inspect(c Credentials, now time.Time) (Credentials, error) {
	if strings.TrimSpace(c.Token) == "" || strings.TrimSpace(c.UserID) == "" {
		return c, ErrMissingCredentials
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.Expiry = exp.Time
		if !now.Before(exp.Time) {
			return c, ErrTokenExpired
		}
	}
	if sub, err := claims.GetSubject(); err == nil {
		c.Subject = sub
	}
	return c, nil
}

// Session is the application-session context shared by the gateway, the
// transport and the daemon. Its lifecycle is login to logout.
type Session struct {
	mu         sync.Mutex
	creds      *Credentials
	generation uint64
	hooks      []func(reason string)
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewSession creates an empty, logged-out Session.
func NewSession(log logrus.FieldLogger) *Session {
	return &Session{
		log: logger.OrDefault(log, "auth"),
		now: time.Now,
	}
}

// Login installs credentials after validating them and starts a new
// generation. It returns the validated credentials.
func (s *Session) Login(c Credentials) (Credentials, error) {
	checked, err := Inspect(c, s.now())
	if err != nil {
		return checked, err
	}
	s.mu.Lock()
	s.creds = &checked
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"user": checked.Username, "role": checked.Role, "generation": gen}).Info("logged in")
	return checked, nil
}

// Credentials returns a copy of the current credentials.
func (s *Session) Credentials() (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return Credentials{}, false
	}
	return *s.creds, true
}

// Generation identifies the current login. Callers capture it before a
// request and pass it to Expire so that several concurrent 401s for the
// same login cause one logout.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// OnLogout registers fn to run once per logout, after credentials are
// cleared. Hooks run synchronously in registration order.
func (s *Session) OnLogout(fn func(reason string)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Logout clears credentials and runs the logout hooks. It reports whether
// anything was cleared; repeated calls are no-ops.
func (s *Session) Logout(reason string) bool {
	return s.Expire(s.Generation(), reason)
}

// Expire logs out only if gen is still the current login and credentials
// are present.
func (s *Session) Expire(gen uint64, reason string) bool {
	s.mu.Lock()
	if s.creds == nil || gen != s.generation {
		s.mu.Unlock()
		return false
	}
	s.creds = nil
	hooks := make([]func(string), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	s.log.WithField("reason", reason).Warn("logged out")
	for _, fn := range hooks {
		fn(reason)
	}
	return true
}

// Token implements oauth2.TokenSource so the gateway can use oauth2.Transport
// to attach the bearer header.
func (s *Session) Token() (*oauth2.Token, error) {
	c, ok := s.Credentials()
	if !ok {
		return nil, ErrMissingCredentials
	}
	return &oauth2.Token{
		AccessToken: c.Token,
		TokenType:   "Bearer",
		Expiry:      c.Expiry,
	}, nil
}

var _ oauth2.TokenSource = (*Session)(nil)
