package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"billing-client/internal/constants"
	"billing-client/internal/kv"
	"billing-client/internal/models"
	"billing-client/pkg/logging"
)

const sessionKey = "session"

// AuthService owns the session token lifecycle: handshake, proactive refresh
// inside the expiry buffer, reactive refresh on 401, and persistence across
// restarts. Handshake calls do not go through the request gateway — the
// gateway depends on this service, not the other way around.
type AuthService struct {
	mu      sync.Mutex
	session models.Session

	kv        *kv.Store
	csrf      *CSRFService
	device    *DeviceService
	integrity IntegrityProvider
	creds     CredentialProvider

	client    *resty.Client
	baseURL   string
	signature string

	// backoffBase is the first 5xx/network retry delay; doubles per attempt.
	// Overridable in tests.
	backoffBase time.Duration
}

// NewAuthService creates the session manager and restores any persisted
// unexpired session. creds may be nil when no identity system is wired.
func NewAuthService(baseURL, signature string, store *kv.Store, csrf *CSRFService, device *DeviceService, integrity IntegrityProvider, creds CredentialProvider) *AuthService {
	a := &AuthService{
		kv:          store,
		csrf:        csrf,
		device:      device,
		integrity:   integrity,
		creds:       creds,
		client:      resty.New().SetTimeout(10 * time.Second),
		baseURL:     baseURL,
		signature:   signature,
		backoffBase: constants.HandshakeBackoffBase,
	}
	a.loadSession()
	return a
}

// loadSession restores the persisted session, dropping it if expired.
func (a *AuthService) loadSession() {
	var s models.Session
	ok, err := a.kv.Get(sessionKey, &s)
	if err != nil || !ok {
		return
	}
	if s.Valid(time.Now()) {
		a.session = s
		logging.Infof("auth: restored persisted session, expires in %dm", int(time.Until(s.Expiry).Minutes()))
	} else {
		_ = a.kv.Delete(sessionKey)
	}
}

// InitializeSession returns a valid session token, performing the handshake
// when needed. A cached token inside its validity window is returned without
// a network call unless a new credential is being bound.
func (a *AuthService) InitializeSession(ctx context.Context, credential string) (*models.HandshakeResult, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	now := time.Now()
	if s.Valid(now) && !s.NearExpiry(now, constants.SessionRefreshBuffer) && credential == "" {
		return &models.HandshakeResult{Token: s.Token, Success: true}, nil
	}

	if credential == "" && a.creds != nil {
		c, err := a.creds.Credential(ctx)
		if err != nil {
			logging.Warnf("auth: credential provider failed, continuing anonymous: %v", err)
		} else {
			credential = c
		}
	}

	return a.handshakeWithRetry(ctx, credential)
}

// ForceRefresh performs a handshake regardless of the cached token. The
// purchase verification path uses this so the CSRF token is always freshly
// issued alongside the session it is bound to.
func (a *AuthService) ForceRefresh(ctx context.Context) error {
	credential := ""
	if a.creds != nil {
		if c, err := a.creds.Credential(ctx); err == nil {
			credential = c
		}
	}
	_, err := a.handshakeWithRetry(ctx, credential)
	return err
}

// EnsureSession checks session validity under its own time budget,
// refreshing when needed. Used inside purchase flows where a hung refresh
// must not stall the user.
func (a *AuthService) EnsureSession(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := a.InitializeSession(ctx, "")
	return err
}

// handshakeWithRetry drives the handshake with bounded retries: on 401 with
// a credential, exactly one silent credential refresh; on 5xx or network
// failure, exponential backoff starting at backoffBase, at most
// HandshakeMaxAttempts total attempts.
func (a *AuthService) handshakeWithRetry(ctx context.Context, credential string) (*models.HandshakeResult, error) {
	credentialRefreshed := false

	for attempt := 0; attempt < constants.HandshakeMaxAttempts; attempt++ {
		res, status, err := a.handshake(ctx, credential)

		if err == nil && status == http.StatusOK && res.SessionToken != "" {
			a.storeSession(res)
			logging.Infof("auth: secure session synchronized")
			return &models.HandshakeResult{Token: res.SessionToken, Profile: res.Profile, Success: true}, nil
		}

		if err == nil && status == http.StatusUnauthorized {
			if credential != "" && !credentialRefreshed && a.creds != nil {
				logging.Warnf("auth: server rejected credential, attempting silent refresh")
				fresh, rerr := a.creds.RefreshCredential(ctx)
				if rerr == nil && fresh != "" && fresh != credential {
					credential = fresh
					credentialRefreshed = true
					continue
				}
			}
			a.ClearSession()
			return nil, ErrUnauthorized
		}

		if attempt < constants.HandshakeMaxAttempts-1 {
			backoff := a.backoffBase << attempt
			if err != nil {
				logging.Warnf("auth: handshake network error, retrying in %v: %v", backoff, err)
			} else {
				logging.Warnf("auth: handshake failed (%d), retrying in %v", status, backoff)
			}
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return nil, serr
			}
		}
	}

	return nil, fmt.Errorf("session handshake failed after %d attempts", constants.HandshakeMaxAttempts)
}

// handshake performs one session_init exchange.
func (a *AuthService) handshake(ctx context.Context, credential string) (*models.SessionInitResponse, int, error) {
	deviceID, err := a.device.DeviceID(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve device id: %w", err)
	}
	integrityToken, err := a.integrity.IntegrityToken(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to obtain integrity token: %w", err)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(constants.HeaderSignature, a.signature).
		SetHeader(constants.HeaderDeviceID, deviceID).
		SetHeader(constants.HeaderIntegrityToken, integrityToken).
		SetBody(models.SessionInitRequest{
			Type:       constants.TypeSessionInit,
			Credential: credential,
		}).
		Post(a.baseURL + "/api/index")
	if err != nil {
		return nil, 0, fmt.Errorf("handshake request failed: %w", err)
	}

	var body models.SessionInitResponse
	if uerr := json.Unmarshal(resp.Body(), &body); uerr != nil && resp.StatusCode() == http.StatusOK {
		return nil, resp.StatusCode(), fmt.Errorf("failed to parse handshake response: %w", uerr)
	}
	return &body, resp.StatusCode(), nil
}

// storeSession records and persists a freshly issued session, and keeps the
// CSRF token in step with it.
func (a *AuthService) storeSession(res *models.SessionInitResponse) {
	s := models.Session{
		Token:  res.SessionToken,
		Expiry: time.Now().Add(constants.SessionTokenTTL),
	}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()

	if err := a.kv.Set(sessionKey, s); err != nil {
		logging.Warnf("auth: failed to persist session: %v", err)
	}
	if res.CSRFToken != "" {
		a.csrf.Set(res.CSRFToken)
	}
}

// GetAuthHeader returns "Bearer <token>" after transparently ensuring
// session validity.
func (a *AuthService) GetAuthHeader(ctx context.Context) (string, error) {
	res, err := a.InitializeSession(ctx, "")
	if err != nil {
		return "", err
	}
	return "Bearer " + res.Token, nil
}

// HandleUnauthorized purges the session after a non-handshake call came back
// 401, so the next GetAuthHeader forces a fresh handshake.
func (a *AuthService) HandleUnauthorized() {
	logging.Warnf("auth: unauthorized response detected, purging dead session")
	a.ClearSession()
}

// SessionStatus is a diagnostic read with no side effects.
func (a *AuthService) SessionStatus() models.SessionStatus {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	status := models.SessionStatus{
		HasToken: s.Token != "",
		IsValid:  s.Valid(time.Now()),
	}
	if s.Token != "" {
		status.ExpiresInMins = int(time.Until(s.Expiry).Minutes())
	} else {
		status.ExpiresInMins = -1
	}
	return status
}

// ClearSession wipes the token, its persistence and the bound CSRF token.
func (a *AuthService) ClearSession() {
	a.mu.Lock()
	a.session = models.Session{}
	a.mu.Unlock()

	if err := a.kv.Delete(sessionKey); err != nil {
		logging.Warnf("auth: failed to clear persisted session: %v", err)
	}
	a.csrf.Clear()
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
