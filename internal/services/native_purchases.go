package services

import (
	"context"
	"regexp"
)

// PurchaseType distinguishes one-time products from subscriptions in the
// native store API.
type PurchaseType string

const (
	PurchaseTypeInApp PurchaseType = "inapp"
	PurchaseTypeSubs  PurchaseType = "subs"
)

// Product is the store listing for a purchasable product.
type Product struct {
	Identifier   string
	Title        string
	Description  string
	Price        string
	CurrencyCode string
}

// PurchaseResult is the outcome of a purchase call. PurchaseToken may be
// empty on platforms that only report a transaction id.
type PurchaseResult struct {
	TransactionID string
	PurchaseToken string
}

// Purchase is an owned purchase as reported by a direct store query.
type Purchase struct {
	ProductID     string
	TransactionID string
	PurchaseToken string
	OrderID       string
}

// Transaction is a transactionUpdated event payload, fired asynchronously
// during restore.
type Transaction struct {
	ProductIdentifier string
	TransactionID     string
	PurchaseToken     string
	TransactionDate   int64
}

// NativePurchases is the call interface of the platform billing plugin. The
// plugin's internals are out of scope; this subsystem only drives it.
type NativePurchases interface {
	IsBillingSupported(ctx context.Context) (bool, error)
	GetProducts(ctx context.Context, identifiers []string, productType PurchaseType) ([]Product, error)
	PurchaseProduct(ctx context.Context, identifier string, productType PurchaseType) (*PurchaseResult, error)
	AcknowledgePurchase(ctx context.Context, purchaseToken string) error
	RestorePurchases(ctx context.Context) error
	GetPurchases(ctx context.Context, productType PurchaseType) ([]Purchase, error)
	// AddTransactionListener registers a transactionUpdated handler and
	// returns a function that removes it.
	AddTransactionListener(fn func(Transaction)) (func(), error)
}

// alreadyOwnedPattern matches the store error text for purchases the account
// already owns. Wording differs across store versions.
var alreadyOwnedPattern = regexp.MustCompile(`(?i)already\s*own|ITEM_ALREADY_OWNED|not\s*purchased`)

// IsAlreadyOwnedError reports whether a purchase error means the product is
// already owned, which routes into the restore flow instead of failing.
func IsAlreadyOwnedError(err error) bool {
	return err != nil && alreadyOwnedPattern.MatchString(err.Error())
}

// UnsupportedNativePurchases is the placeholder plugin for processes without
// a store binding, e.g. the reconciliation daemon. Every purchase operation
// reports billing as unsupported; the retry loop never needs the plugin.
type UnsupportedNativePurchases struct{}

func (UnsupportedNativePurchases) IsBillingSupported(ctx context.Context) (bool, error) {
	return false, nil
}

func (UnsupportedNativePurchases) GetProducts(ctx context.Context, identifiers []string, productType PurchaseType) ([]Product, error) {
	return nil, ErrBillingUnsupported
}

func (UnsupportedNativePurchases) PurchaseProduct(ctx context.Context, identifier string, productType PurchaseType) (*PurchaseResult, error) {
	return nil, ErrBillingUnsupported
}

func (UnsupportedNativePurchases) AcknowledgePurchase(ctx context.Context, purchaseToken string) error {
	return ErrBillingUnsupported
}

func (UnsupportedNativePurchases) RestorePurchases(ctx context.Context) error {
	return ErrBillingUnsupported
}

func (UnsupportedNativePurchases) GetPurchases(ctx context.Context, productType PurchaseType) ([]Purchase, error) {
	return nil, ErrBillingUnsupported
}

func (UnsupportedNativePurchases) AddTransactionListener(fn func(Transaction)) (func(), error) {
	return func() {}, nil
}
