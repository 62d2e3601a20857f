package models

import (
	"encoding/json"
	"time"
)

// Session is the client-side view of a server-issued bearer credential. The
// expiry is computed locally with a safety buffer, so the client gives up on
// a token before the server does.
type Session struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// Valid reports whether the session holds a token that has not passed the
// client-side expiry estimate.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.Expiry)
}

// NearExpiry reports whether the token is inside the refresh buffer window.
func (s Session) NearExpiry(now time.Time, buffer time.Duration) bool {
	return s.Token != "" && s.Expiry.Sub(now) < buffer
}

// SessionStatus is a diagnostic snapshot with no side effects.
type SessionStatus struct {
	HasToken      bool `json:"hasToken"`
	IsValid       bool `json:"isValid"`
	ExpiresInMins int  `json:"expiresInMins"`
}

// HandshakeResult is the outcome of a session handshake.
type HandshakeResult struct {
	Token   string
	Profile json.RawMessage
	Success bool
}

// SessionInitRequest is the session_init handshake body.
type SessionInitRequest struct {
	Type       string `json:"type"`
	Credential string `json:"credential,omitempty"`
}

// SessionInitResponse is the session_init handshake response.
type SessionInitResponse struct {
	SessionToken string          `json:"sessionToken,omitempty"`
	CSRFToken    string          `json:"csrfToken,omitempty"`
	Profile      json.RawMessage `json:"profile,omitempty"`
	Error        string          `json:"error,omitempty"`
	Details      string          `json:"details,omitempty"`
}
