package constants

import "time"

// Product catalogue. The legacy identifier is still live on Google Play for
// users who bought before the rename.
const (
	LifetimeProductID       = "lifetime_pro_access"
	LifetimeProductIDLegacy = "pro_access_lifetime"
)

// PendingPurchasesStore is the durable queue holding purchases awaiting
// server verification.
const PendingPurchasesStore = "pending-purchases"

// Request body type discriminators for the unified /api/index endpoint.
const (
	TypeSessionInit    = "session_init"
	TypeVerifyPurchase = "verify_purchase"
)

// Security headers shared between the request gateway and the server.
const (
	HeaderAuthorization  = "Authorization"
	HeaderSignature      = "x-ag-signature"
	HeaderDeviceID       = "x-ag-device-id"
	HeaderIntegrityToken = "x-ag-integrity-token"
	HeaderCSRFToken      = "x-csrf-token"
	HeaderTimestamp      = "x-ag-timestamp"
	HeaderRequestID      = "X-Request-ID"
)

// Error codes returned by the verification endpoint.
const (
	ErrCodeDuplicateTransaction = "DUPLICATE_TRANSACTION"
	ErrCodeCSRFValidationFailed = "CSRF_VALIDATION_FAILED"
	ErrCodeSessionRejected      = "SESSION_REJECTED"
	ErrCodePaymentInvalid       = "PAYMENT_INVALID"
	ErrCodeRateLimited          = "RATE_LIMITED"
)

// Session and token lifetimes. The server issues one-hour tokens; the client
// treats them as expiring five minutes early so a request never goes out with
// a token about to die mid-flight.
const (
	SessionTokenTTL      = 55 * time.Minute
	SessionRefreshBuffer = 5 * time.Minute
	CSRFTokenTTL         = time.Hour
)

// Retry and timeout bounds.
const (
	RequestTimeout         = 30 * time.Second
	VerifyTimeout          = 30 * time.Second
	SessionEnsureTimeout   = 5 * time.Second
	HandshakeMaxAttempts   = 3
	HandshakeBackoffBase   = 200 * time.Millisecond
	UnauthorizedRetryWait  = 2 * time.Second
	NetworkRetryWait       = 1 * time.Second
	RetryInterval          = 30 * time.Second
	MaxVerifyRetries       = 200
	RestoreEventWait       = 5 * time.Second
	RestoreEventWaitSilent = 2500 * time.Millisecond
)
