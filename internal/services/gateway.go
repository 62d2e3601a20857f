package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"billing-client/internal/constants"
	"billing-client/pkg/logging"
)

// Gateway wraps outbound API calls with the full security header set and the
// bounded retry policy: one retry after a 401 (behind a forced session
// purge), one retry after a raw network failure. The two categories are
// tracked independently, never multiplied.
type Gateway struct {
	client    *resty.Client
	auth      *AuthService
	csrf      *CSRFService
	device    *DeviceService
	integrity IntegrityProvider
	baseURL   string
	signature string

	// Retry waits, overridable in tests.
	unauthorizedWait time.Duration
	networkWait      time.Duration
}

// NewGateway creates the authenticated request gateway.
func NewGateway(baseURL, signature string, auth *AuthService, csrf *CSRFService, device *DeviceService, integrity IntegrityProvider) *Gateway {
	return &Gateway{
		client:           resty.New().SetTimeout(constants.RequestTimeout),
		auth:             auth,
		csrf:             csrf,
		device:           device,
		integrity:        integrity,
		baseURL:          baseURL,
		signature:        signature,
		unauthorizedWait: constants.UnauthorizedRetryWait,
		networkWait:      constants.NetworkRetryWait,
	}
}

// Post sends body to path with the security headers attached, applying the
// gateway retry policy. The returned response may carry any status code; the
// caller interprets the payload.
func (g *Gateway) Post(ctx context.Context, path string, body interface{}) (*resty.Response, error) {
	requestID := newRequestID()

	networkRetried := false
	authRetried := false

	for {
		resp, err := g.do(ctx, path, body, requestID)
		if err != nil {
			if networkRetried {
				return nil, fmt.Errorf("request %s failed after retry: %w", requestID, err)
			}
			networkRetried = true
			logging.Warnf("gateway: [%s] network error, retrying once: %v", requestID, err)
			if serr := sleepCtx(ctx, g.networkWait); serr != nil {
				return nil, serr
			}
			continue
		}

		if resp.StatusCode() == http.StatusUnauthorized && !authRetried {
			authRetried = true
			logging.Warnf("gateway: [%s] unauthorized, retrying with fresh session", requestID)
			g.auth.HandleUnauthorized()
			if serr := sleepCtx(ctx, g.unauthorizedWait); serr != nil {
				return nil, serr
			}
			continue
		}

		if resp.StatusCode() == http.StatusUnauthorized {
			logging.Errorf("gateway: [%s] still unauthorized after refresh, giving up", requestID)
		}
		return resp, nil
	}
}

// do performs a single request with freshly assembled headers.
func (g *Gateway) do(ctx context.Context, path string, body interface{}, requestID string) (*resty.Response, error) {
	deviceID, err := g.device.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}
	integrityToken, err := g.integrity.IntegrityToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain integrity token: %w", err)
	}

	authHeader, err := g.auth.GetAuthHeader(ctx)
	if err != nil {
		// Proceed without a bearer token; the server answers 401 and the
		// retry path forces a handshake.
		logging.Warnf("gateway: [%s] no session available: %v", requestID, err)
		authHeader = ""
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(constants.HeaderAuthorization, authHeader).
		SetHeader(constants.HeaderSignature, g.signature).
		SetHeader(constants.HeaderDeviceID, deviceID).
		SetHeader(constants.HeaderIntegrityToken, integrityToken).
		SetHeader(constants.HeaderCSRFToken, g.csrf.Token()).
		SetHeader(constants.HeaderTimestamp, strconv.FormatInt(time.Now().UnixMilli(), 10)).
		SetHeader(constants.HeaderRequestID, requestID).
		SetBody(body).
		Post(g.baseURL + path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request %s timed out after %v: %w", requestID, constants.RequestTimeout, err)
		}
		return nil, err
	}
	return resp, nil
}

// newRequestID returns a short id correlating client and server logs.
func newRequestID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
