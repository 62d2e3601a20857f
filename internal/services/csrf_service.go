package services

import (
	"sync"
	"time"

	"billing-client/internal/constants"
)

// CSRFService holds the server-issued anti-forgery token bound to the
// current session. The token has its own TTL, independent of the session;
// an expired token is treated as absent.
type CSRFService struct {
	mu       sync.Mutex
	value    string
	issuedAt time.Time
	ttl      time.Duration
}

// NewCSRFService creates a holder with the standard one-hour TTL.
func NewCSRFService() *CSRFService {
	return &CSRFService{ttl: constants.CSRFTokenTTL}
}

// Set stores a freshly issued token. Called whenever a handshake response
// carries one, which keeps the token in sync with session refreshes.
func (c *CSRFService) Set(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.issuedAt = time.Now()
}

// Token returns the current token, or "" when none is held or the TTL has
// passed.
func (c *CSRFService) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value == "" || time.Since(c.issuedAt) > c.ttl {
		return ""
	}
	return c.value
}

// Clear drops the token. Called on logout and on session purge.
func (c *CSRFService) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = ""
	c.issuedAt = time.Time{}
}
