package services

import "errors"

var (
	// ErrUnauthorized means the server rejected the session even after a
	// forced refresh; the user has to re-authenticate.
	ErrUnauthorized = errors.New("session rejected by server")

	// ErrBillingUnsupported means the platform reports no billing support.
	ErrBillingUnsupported = errors.New("billing is not supported on this device")

	// ErrSignInRequired means a purchase was attempted without a bound
	// identity. Verification needs an account to bind the entitlement to.
	ErrSignInRequired = errors.New("sign-in required before purchase")

	// ErrPurchaseIncomplete means the native layer returned without a
	// transaction id, e.g. the user backed out of the purchase sheet.
	ErrPurchaseIncomplete = errors.New("purchase did not complete")
)
