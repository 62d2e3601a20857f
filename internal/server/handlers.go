package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"billing-client/internal/constants"
	"billing-client/internal/models"
	"billing-client/internal/response"
	"billing-client/pkg/logging"
)

// CredentialValidator checks the identity credential presented during a
// session_init handshake and returns the profile payload to echo back.
// A nil validator accepts every handshake with an empty profile.
type CredentialValidator func(c *gin.Context, credential string) (json.RawMessage, error)

// Options wires the verification server's dependencies.
type Options struct {
	DB                 *gorm.DB
	Sessions           SessionStore
	ProtocolSignature  string
	SessionTokenSecret string
	RateLimitPerMinute int
	ValidateCredential CredentialValidator
}

// Server handles the unified /api/index endpoint.
type Server struct {
	opts Options
}

// NewServer creates the handler set.
func NewServer(opts Options) *Server {
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 30
	}
	return &Server{opts: opts}
}

// Router builds the gin engine with all routes registered.
func Router(opts Options) *gin.Engine {
	s := NewServer(opts)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "online"})
	})

	api := r.Group("/api")
	api.Use(s.protocolGuard())
	api.POST("/index", s.handleIndex)

	return r
}

// protocolGuard rejects requests missing the protocol signature, device id or
// integrity token. All three are mandatory on every call, including the
// handshake itself.
func (s *Server) protocolGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(constants.HeaderSignature) != s.opts.ProtocolSignature {
			response.Fail(c, http.StatusUnauthorized, constants.ErrCodeSessionRejected, "invalid protocol signature")
			c.Abort()
			return
		}
		if c.GetHeader(constants.HeaderDeviceID) == "" || c.GetHeader(constants.HeaderIntegrityToken) == "" {
			response.Fail(c, http.StatusUnauthorized, constants.ErrCodeSessionRejected, "missing device identification")
			c.Abort()
			return
		}
		c.Next()
	}
}

// handleIndex dispatches on the body's type discriminator. The raw body is
// kept so each handler can re-bind into its own request struct.
func (s *Server) handleIndex(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		response.Fail(c, http.StatusBadRequest, constants.ErrCodePaymentInvalid, "unreadable request body")
		return
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		response.Fail(c, http.StatusBadRequest, constants.ErrCodePaymentInvalid, "malformed request body")
		return
	}

	switch probe.Type {
	case constants.TypeSessionInit:
		s.handleSessionInit(c, raw)
	case constants.TypeVerifyPurchase:
		s.handleVerifyPurchase(c, raw)
	default:
		response.Fail(c, http.StatusBadRequest, constants.ErrCodePaymentInvalid, "unknown request type")
	}
}

func (s *Server) handleSessionInit(c *gin.Context, raw []byte) {
	var req models.SessionInitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		response.Fail(c, http.StatusBadRequest, constants.ErrCodePaymentInvalid, "malformed session_init body")
		return
	}

	deviceID := c.GetHeader(constants.HeaderDeviceID)

	var profile json.RawMessage
	if s.opts.ValidateCredential != nil {
		p, err := s.opts.ValidateCredential(c, req.Credential)
		if err != nil {
			logging.Warnf("session_init rejected for device %s: %v", deviceID, err)
			response.Fail(c, http.StatusUnauthorized, constants.ErrCodeSessionRejected, "credential rejected")
			return
		}
		profile = p
	}

	sessionToken, err := MintSessionToken(s.opts.SessionTokenSecret, deviceID)
	if err != nil {
		logging.Errorf("failed to mint session token: %v", err)
		response.Fail(c, http.StatusInternalServerError, constants.ErrCodeSessionRejected, "token issuance failed")
		return
	}

	csrfToken := uuid.NewString()
	if err := s.opts.Sessions.SetCSRF(c.Request.Context(), deviceID, csrfToken, constants.CSRFTokenTTL); err != nil {
		logging.Errorf("failed to store CSRF token: %v", err)
		response.Fail(c, http.StatusInternalServerError, constants.ErrCodeSessionRejected, "session storage failed")
		return
	}

	logging.Infof("session established for device %s", deviceID)
	c.JSON(http.StatusOK, models.SessionInitResponse{
		SessionToken: sessionToken,
		CSRFToken:    csrfToken,
		Profile:      profile,
	})
}

func (s *Server) handleVerifyPurchase(c *gin.Context, raw []byte) {
	deviceID := c.GetHeader(constants.HeaderDeviceID)

	claims, ok := s.authorize(c, deviceID)
	if !ok {
		return
	}

	count, err := s.opts.Sessions.IncrRequestCount(c.Request.Context(), deviceID, time.Minute)
	if err != nil {
		logging.Warnf("rate counter unavailable for device %s: %v", deviceID, err)
	} else if count > int64(s.opts.RateLimitPerMinute) {
		response.Fail(c, http.StatusTooManyRequests, constants.ErrCodeRateLimited, "too many verification attempts")
		return
	}

	stored, err := s.opts.Sessions.GetCSRF(c.Request.Context(), deviceID)
	if err != nil {
		logging.Errorf("failed to read CSRF token for device %s: %v", deviceID, err)
		response.Fail(c, http.StatusInternalServerError, constants.ErrCodeCSRFValidationFailed, "session storage failed")
		return
	}
	if stored == "" || c.GetHeader(constants.HeaderCSRFToken) != stored {
		response.Fail(c, http.StatusForbidden, constants.ErrCodeCSRFValidationFailed, "CSRF token mismatch")
		return
	}

	var req models.VerifyPurchaseRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		response.Fail(c, http.StatusBadRequest, constants.ErrCodePaymentInvalid, "malformed verify_purchase body")
		return
	}
	if req.PurchaseToken == "" || req.TransactionID == "" {
		response.Fail(c, http.StatusPaymentRequired, constants.ErrCodePaymentInvalid, "missing purchase token or transaction id")
		return
	}
	if req.ProductID != constants.LifetimeProductID && req.ProductID != constants.LifetimeProductIDLegacy {
		response.Fail(c, http.StatusPaymentRequired, constants.ErrCodePaymentInvalid, "unknown product")
		return
	}

	var existing Transaction
	err = s.opts.DB.Where("transaction_id = ?", req.TransactionID).First(&existing).Error
	if err == nil {
		response.Fail(c, http.StatusConflict, constants.ErrCodeDuplicateTransaction, "transaction already verified")
		return
	}
	if err != gorm.ErrRecordNotFound {
		logging.Errorf("ledger lookup failed for transaction %s: %v", req.TransactionID, err)
		response.Fail(c, http.StatusInternalServerError, constants.ErrCodePaymentInvalid, "ledger unavailable")
		return
	}

	purchasedAt := time.Now()
	if req.Timestamp > 0 {
		purchasedAt = time.UnixMilli(req.Timestamp)
	}
	record := Transaction{
		DeviceID:      claims.DeviceID,
		TransactionID: req.TransactionID,
		ProductID:     req.ProductID,
		PurchaseToken: req.PurchaseToken,
		Tier:          string(models.TierLifetime),
		PurchasedAt:   purchasedAt,
	}
	if err := s.opts.DB.Create(&record).Error; err != nil {
		// Concurrent verification of the same transaction loses the insert
		// race on the unique index; report it like any other replay.
		var dup Transaction
		if s.opts.DB.Where("transaction_id = ?", req.TransactionID).First(&dup).Error == nil {
			response.Fail(c, http.StatusConflict, constants.ErrCodeDuplicateTransaction, "transaction already verified")
			return
		}
		logging.Errorf("ledger insert failed for transaction %s: %v", req.TransactionID, err)
		response.Fail(c, http.StatusInternalServerError, constants.ErrCodePaymentInvalid, "ledger unavailable")
		return
	}

	logging.Infof("verified transaction %s for device %s", req.TransactionID, claims.DeviceID)
	response.Verified(c, string(models.TierLifetime))
}

// authorize validates the bearer session token and checks it was issued to
// the calling device.
func (s *Server) authorize(c *gin.Context, deviceID string) (*SessionClaims, bool) {
	auth := c.GetHeader(constants.HeaderAuthorization)
	if !strings.HasPrefix(auth, "Bearer ") {
		response.Fail(c, http.StatusUnauthorized, constants.ErrCodeSessionRejected, "missing bearer token")
		return nil, false
	}

	claims, err := VerifySessionToken(s.opts.SessionTokenSecret, strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, constants.ErrCodeSessionRejected, "invalid session token")
		return nil, false
	}
	if claims.DeviceID != deviceID {
		response.Fail(c, http.StatusUnauthorized, constants.ErrCodeSessionRejected, "session bound to another device")
		return nil, false
	}
	return claims, true
}
