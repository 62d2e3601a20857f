package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"billing-client/internal/constants"
	"billing-client/internal/models"
	"billing-client/internal/queue"
	"billing-client/pkg/logging"
)

// Notifier delivers user-facing billing messages. The UI layer provides the
// real implementation; LogNotifier serves headless processes.
type Notifier interface {
	Notify(message string)
}

// LogNotifier writes user-facing messages to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(message string) {
	logging.Infof("billing: %s", message)
}

// BillingService drives the purchase flow end to end: native purchase,
// acknowledge, durable queueing, optimistic grant, server verification, and
// restore. The ordering inside PurchaseLifetime is a correctness
// requirement: the queue write happens before the grant, and the grant
// before any network call, so a crash at any point leaves the purchase
// recoverable.
type BillingService struct {
	mu             sync.Mutex
	initialized    bool
	removeListener func()
	restored       []Transaction

	// restoreMu serializes restore passes; rapid double restores must not
	// interleave.
	restoreMu sync.Mutex

	native   NativePurchases
	queue    queue.Store
	auth     *AuthService
	gateway  *Gateway
	subs     *SubscriptionService
	creds    CredentialProvider
	notifier Notifier

	// Overridable in tests.
	verifyTimeout        time.Duration
	sessionEnsureTimeout time.Duration
	restoreWait          time.Duration
	restoreWaitSilent    time.Duration
}

// NewBillingService creates the purchase orchestrator. creds may be nil; a
// nil notifier falls back to logging.
func NewBillingService(native NativePurchases, store queue.Store, auth *AuthService, gateway *Gateway, subs *SubscriptionService, creds CredentialProvider, notifier Notifier) *BillingService {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &BillingService{
		native:               native,
		queue:                store,
		auth:                 auth,
		gateway:              gateway,
		subs:                 subs,
		creds:                creds,
		notifier:             notifier,
		verifyTimeout:        constants.VerifyTimeout,
		sessionEnsureTimeout: constants.SessionEnsureTimeout,
		restoreWait:          constants.RestoreEventWait,
		restoreWaitSilent:    constants.RestoreEventWaitSilent,
	}
}

// Initialize checks platform billing support and registers the transaction
// listener. restorePurchases does not return data on the native side — it
// fires transactionUpdated events, which the listener captures.
func (b *BillingService) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	supported, err := b.native.IsBillingSupported(ctx)
	if err != nil {
		return fmt.Errorf("billing support check failed: %w", err)
	}
	if !supported {
		return ErrBillingUnsupported
	}

	if b.removeListener == nil {
		remove, err := b.native.AddTransactionListener(func(t Transaction) {
			if t.TransactionID == "" {
				return
			}
			b.mu.Lock()
			b.restored = append(b.restored, t)
			b.mu.Unlock()
		})
		if err != nil {
			logging.Warnf("billing: failed to register transaction listener: %v", err)
		} else {
			b.removeListener = remove
		}
	}

	b.initialized = true
	logging.Infof("billing: initialized")
	return nil
}

// Teardown removes the transaction listener.
func (b *BillingService) Teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removeListener != nil {
		b.removeListener()
		b.removeListener = nil
	}
	b.initialized = false
}

// GetProducts fetches the store listings for the lifetime product ids.
func (b *BillingService) GetProducts(ctx context.Context) ([]Product, error) {
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}
	return b.native.GetProducts(ctx,
		[]string{constants.LifetimeProductID, constants.LifetimeProductIDLegacy},
		PurchaseTypeInApp)
}

// PurchaseLifetime runs the full purchase pipeline for the lifetime product.
// A verification failure after the native purchase succeeded is not an
// error for the caller: the entry stays queued, the optimistic grant is
// active, and the background loop finishes the job.
func (b *BillingService) PurchaseLifetime(ctx context.Context) error {
	// Verification binds the entitlement to an account, so there is no
	// point starting a purchase without one.
	if !b.hasIdentity(ctx) {
		return ErrSignInRequired
	}

	if err := b.Initialize(ctx); err != nil {
		if errors.Is(err, ErrBillingUnsupported) {
			b.notifier.Notify("Billing is not available on this device.")
		}
		return err
	}

	result, err := b.native.PurchaseProduct(ctx, constants.LifetimeProductID, PurchaseTypeInApp)
	if err != nil {
		if IsAlreadyOwnedError(err) {
			logging.Infof("billing: product already owned, routing to restore")
			_, rerr := b.RestorePurchases(ctx, false)
			return rerr
		}
		b.notifier.Notify("Purchase failed: " + err.Error())
		return fmt.Errorf("purchase failed: %w", err)
	}
	if result.TransactionID == "" {
		return ErrPurchaseIncomplete
	}

	// The user has been charged from here on; everything below is recovery
	// bookkeeping, not gatekeeping.
	if err := b.native.AcknowledgePurchase(ctx, purchaseToken(result)); err != nil {
		logging.Warnf("billing: acknowledge failed (non-fatal): %v", err)
	}

	pending := models.PendingPurchase{
		PurchaseToken: purchaseToken(result),
		ProductID:     constants.LifetimeProductID,
		TransactionID: result.TransactionID,
	}

	// Queue before grant, grant before network. A crash right after the
	// native purchase leaves the queue entry as the only trace, and that is
	// enough to recover the entitlement on next launch.
	if err := b.queue.Add(ctx, constants.PendingPurchasesStore, pending.TransactionID, pending); err != nil {
		logging.Errorf("billing: failed to queue purchase %s: %v", pending.TransactionID, err)
	} else {
		logging.Infof("billing: purchase %s queued for verification", pending.TransactionID)
	}

	b.subs.GrantOptimistic(models.TierLifetime)

	if err := b.auth.EnsureSession(ctx, b.sessionEnsureTimeout); err != nil {
		logging.Warnf("billing: session refresh failed, leaving purchase queued: %v", err)
		b.notifier.Notify("Purchase received — verification will complete automatically.")
		return nil
	}

	verified, tier, err := b.VerifyWithServer(ctx, pending)
	if !verified {
		if err != nil {
			logging.Warnf("billing: verification deferred for %s: %v", pending.TransactionID, err)
		}
		b.notifier.Notify("Lifetime Access Unlocked!")
		return nil
	}

	if err := b.queue.Remove(ctx, constants.PendingPurchasesStore, pending.TransactionID); err != nil {
		logging.Warnf("billing: failed to dequeue verified purchase %s: %v", pending.TransactionID, err)
	}
	b.subs.ApplyServerTier(tier)
	b.notifier.Notify("Lifetime Access Unlocked!")
	return nil
}

// VerifyWithServer verifies one purchase with the backend. The whole
// attempt, including the mandatory pre-call session refresh, runs under a
// single time budget. A 409 DUPLICATE_TRANSACTION counts as verified: the
// purchase was confirmed by an earlier attempt, and treating the replay as
// success is what makes retries safe.
func (b *BillingService) VerifyWithServer(ctx context.Context, p models.PendingPurchase) (bool, models.Tier, error) {
	ctx, cancel := context.WithTimeout(ctx, b.verifyTimeout)
	defer cancel()

	// Forced refresh: the CSRF token is bound to the session, and a refresh
	// reissues both together. Verifying against a stale CSRF token is a
	// known failure mode.
	if err := b.auth.ForceRefresh(ctx); err != nil {
		return false, "", fmt.Errorf("pre-verification session refresh failed: %w", err)
	}

	resp, err := b.gateway.Post(ctx, "/api/index", models.VerifyPurchaseRequest{
		Type:          constants.TypeVerifyPurchase,
		PurchaseToken: p.PurchaseToken,
		ProductID:     p.ProductID,
		TransactionID: p.TransactionID,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logging.Warnf("billing: verification of %s timed out", p.TransactionID)
		}
		return false, "", err
	}

	var body models.VerifyPurchaseResponse
	if uerr := json.Unmarshal(resp.Body(), &body); uerr != nil {
		return false, "", fmt.Errorf("failed to parse verification response: %w", uerr)
	}

	switch {
	case resp.StatusCode() == http.StatusOK && body.Success:
		logging.Infof("billing: server verified purchase %s", p.TransactionID)
		return true, verifiedTier(body.Tier), nil
	case resp.StatusCode() == http.StatusConflict && body.Error == constants.ErrCodeDuplicateTransaction:
		logging.Infof("billing: purchase %s already verified (duplicate), treating as success", p.TransactionID)
		return true, verifiedTier(body.Tier), nil
	default:
		return false, "", fmt.Errorf("verification rejected (%d %s)", resp.StatusCode(), body.Error)
	}
}

// RestorePurchases re-verifies purchases already owned on the platform.
// Event capture is tried first; when no transactionUpdated events arrive
// inside the wait window, the store is queried directly for both purchase
// types. Passes are serialized so concurrent restores cannot double-grant.
func (b *BillingService) RestorePurchases(ctx context.Context, silent bool) (bool, error) {
	b.restoreMu.Lock()
	defer b.restoreMu.Unlock()

	if err := b.Initialize(ctx); err != nil {
		return false, err
	}

	if err := b.auth.EnsureSession(ctx, b.sessionEnsureTimeout); err != nil {
		logging.Warnf("billing: restore proceeding without a fresh session: %v", err)
	}

	b.mu.Lock()
	b.restored = nil
	b.mu.Unlock()

	if err := b.native.RestorePurchases(ctx); err != nil {
		return false, fmt.Errorf("native restore failed: %w", err)
	}

	wait := b.restoreWait
	if silent {
		wait = b.restoreWaitSilent
	}
	if err := sleepCtx(ctx, wait); err != nil {
		return false, err
	}

	b.mu.Lock()
	captured := b.restored
	b.restored = nil
	b.mu.Unlock()
	logging.Infof("billing: restore captured %d transaction events", len(captured))

	candidates := make([]models.PendingPurchase, 0, len(captured))
	for _, t := range captured {
		candidates = append(candidates, models.PendingPurchase{
			PurchaseToken: firstNonEmpty(t.PurchaseToken, t.TransactionID),
			ProductID:     t.ProductIdentifier,
			TransactionID: t.TransactionID,
		})
	}

	queriedDirectly := false
	if len(candidates) == 0 {
		// Event-based restore has lifecycle gaps on some platforms; fall
		// back to asking the store outright.
		queriedDirectly = true
		candidates = b.queryOwnedPurchases(ctx)
	}

	restoredAny := false
	seen := make(map[string]bool)
	for _, c := range candidates {
		if !isLifetimeProduct(c.ProductID) || c.TransactionID == "" || seen[c.TransactionID] {
			continue
		}
		seen[c.TransactionID] = true

		verified, tier, err := b.VerifyWithServer(ctx, c)
		if !verified {
			logging.Warnf("billing: restored purchase %s failed verification: %v", c.TransactionID, err)
			continue
		}

		restoredAny = true
		b.subs.ApplyServerTier(tier)
		if err := b.queue.Remove(ctx, constants.PendingPurchasesStore, c.TransactionID); err != nil {
			logging.Warnf("billing: failed to dequeue restored purchase %s: %v", c.TransactionID, err)
		}
		if !silent {
			b.notifier.Notify("Lifetime status restored!")
		}
	}

	if !restoredAny && len(captured) == 0 && (!queriedDirectly || len(candidates) == 0) {
		if !silent {
			b.notifier.Notify("No active purchases found.")
		}
		return false, nil
	}
	return restoredAny, nil
}

// queryOwnedPurchases asks the native layer for owned purchases of both
// types and shapes them as verification candidates.
func (b *BillingService) queryOwnedPurchases(ctx context.Context) []models.PendingPurchase {
	var candidates []models.PendingPurchase
	for _, pt := range []PurchaseType{PurchaseTypeInApp, PurchaseTypeSubs} {
		purchases, err := b.native.GetPurchases(ctx, pt)
		if err != nil {
			logging.Warnf("billing: owned purchase query (%s) failed: %v", pt, err)
			continue
		}
		for _, p := range purchases {
			candidates = append(candidates, models.PendingPurchase{
				PurchaseToken: firstNonEmpty(p.PurchaseToken, p.TransactionID),
				ProductID:     p.ProductID,
				TransactionID: firstNonEmpty(p.OrderID, p.TransactionID),
			})
		}
	}
	return candidates
}

// hasIdentity reports whether a credential is bound.
func (b *BillingService) hasIdentity(ctx context.Context) bool {
	if b.creds == nil {
		return false
	}
	c, err := b.creds.Credential(ctx)
	return err == nil && c != ""
}

// purchaseToken falls back to the transaction id on platforms that do not
// report a separate token.
func purchaseToken(r *PurchaseResult) string {
	return firstNonEmpty(r.PurchaseToken, r.TransactionID)
}

// verifiedTier maps the server-reported tier, defaulting to lifetime when
// the response omits it.
func verifiedTier(tier string) models.Tier {
	if tier == "" {
		return models.TierLifetime
	}
	return models.Tier(tier).Normalize()
}

// isLifetimeProduct matches the current product id and its legacy alias.
func isLifetimeProduct(productID string) bool {
	return productID == constants.LifetimeProductID || productID == constants.LifetimeProductIDLegacy
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
