package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"billing-client/internal/constants"
	"billing-client/internal/kv"
	"billing-client/internal/models"
	"billing-client/internal/queue"
	"billing-client/internal/server"
)

// fakeNative is a scriptable billing plugin.
type fakeNative struct {
	mu            sync.Mutex
	supported     bool
	purchaseRes   *PurchaseResult
	purchaseErr   error
	owned         []Purchase
	restoreEvents []Transaction
	listener      func(Transaction)
	acknowledged  []string
}

func (f *fakeNative) IsBillingSupported(ctx context.Context) (bool, error) {
	return f.supported, nil
}

func (f *fakeNative) GetProducts(ctx context.Context, ids []string, pt PurchaseType) ([]Product, error) {
	return []Product{{Identifier: constants.LifetimeProductID, Price: "$19.99"}}, nil
}

func (f *fakeNative) PurchaseProduct(ctx context.Context, id string, pt PurchaseType) (*PurchaseResult, error) {
	return f.purchaseRes, f.purchaseErr
}

func (f *fakeNative) AcknowledgePurchase(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acknowledged = append(f.acknowledged, token)
	return nil
}

func (f *fakeNative) RestorePurchases(ctx context.Context) error {
	f.mu.Lock()
	listener := f.listener
	events := f.restoreEvents
	f.mu.Unlock()
	if listener != nil {
		for _, e := range events {
			listener(e)
		}
	}
	return nil
}

func (f *fakeNative) GetPurchases(ctx context.Context, pt PurchaseType) ([]Purchase, error) {
	if pt != PurchaseTypeInApp {
		return nil, nil
	}
	return f.owned, nil
}

func (f *fakeNative) AddTransactionListener(fn func(Transaction)) (func(), error) {
	f.mu.Lock()
	f.listener = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listener = nil
		f.mu.Unlock()
	}, nil
}

// captureNotifier records user-facing messages.
type captureNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureNotifier) Notify(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
}

func (c *captureNotifier) contains(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

type billingEnv struct {
	billing  *BillingService
	queue    queue.Store
	subs     *SubscriptionService
	auth     *AuthService
	native   *fakeNative
	notifier *captureNotifier
	srv      *httptest.Server
	kv       *kv.Store
}

// newBillingEnv wires the full client stack against a real verification
// server instance.
func newBillingEnv(t *testing.T, native *fakeNative, creds CredentialProvider) *billingEnv {
	return newBillingEnvWith(t, native, creds, nil)
}

// newBillingEnvWith additionally wraps the server handler, letting tests
// inject faults in front of an otherwise healthy backend.
func newBillingEnvWith(t *testing.T, native *fakeNative, creds CredentialProvider, wrap func(http.Handler) http.Handler) *billingEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := server.OpenDatabase("", t.TempDir())
	require.NoError(t, err)

	var handler http.Handler = server.Router(server.Options{
		DB:                 db,
		Sessions:           server.NewMemorySessionStore(),
		ProtocolSignature:  testSignature,
		SessionTokenSecret: "test-secret",
		RateLimitPerMinute: 1000,
	})
	if wrap != nil {
		handler = wrap(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := kv.Open(filepath.Join(t.TempDir(), "client.json"))
	require.NoError(t, err)

	csrf := NewCSRFService()
	device := NewDeviceService(store)
	integrity := StaticIntegrityProvider{Token: "attest"}

	auth := NewAuthService(srv.URL, testSignature, store, csrf, device, integrity, creds)
	auth.backoffBase = time.Millisecond

	gateway := NewGateway(srv.URL, testSignature, auth, csrf, device, integrity)
	gateway.unauthorizedWait = time.Millisecond
	gateway.networkWait = time.Millisecond

	subs := NewSubscriptionService(store)
	qs := queue.NewFileStore(store)
	notifier := &captureNotifier{}

	billing := NewBillingService(native, qs, auth, gateway, subs, creds, notifier)
	billing.restoreWait = 20 * time.Millisecond
	billing.restoreWaitSilent = 10 * time.Millisecond

	return &billingEnv{
		billing:  billing,
		queue:    qs,
		subs:     subs,
		auth:     auth,
		native:   native,
		notifier: notifier,
		srv:      srv,
		kv:       store,
	}
}

func workingNative() *fakeNative {
	return &fakeNative{
		supported:   true,
		purchaseRes: &PurchaseResult{TransactionID: "txn-1", PurchaseToken: "pt-1"},
	}
}

func testCreds() CredentialProvider {
	return StaticCredentialProvider{Value: "user-1"}
}

func queueSize(t *testing.T, env *billingEnv) int {
	t.Helper()
	size, err := env.queue.Size(context.Background(), constants.PendingPurchasesStore)
	require.NoError(t, err)
	return size
}

func TestPurchaseLifetimeVerifiesAndUnlocks(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())

	require.NoError(t, env.billing.PurchaseLifetime(context.Background()))

	// Verified on the spot: nothing left queued, the server tier is in, the
	// purchase was acknowledged.
	require.Zero(t, queueSize(t, env))
	state := env.subs.Current()
	require.Equal(t, models.TierLifetime, state.Tier)
	require.Equal(t, models.SourceServerConfirmed, state.Source)
	require.True(t, env.notifier.contains("Lifetime Access Unlocked!"))
	require.Equal(t, []string{"pt-1"}, env.native.acknowledged)
}

func TestPurchaseRequiresIdentity(t *testing.T) {
	env := newBillingEnv(t, workingNative(), nil)

	err := env.billing.PurchaseLifetime(context.Background())
	require.ErrorIs(t, err, ErrSignInRequired)
	require.Zero(t, queueSize(t, env))
}

func TestPurchaseOnUnsupportedPlatform(t *testing.T) {
	native := workingNative()
	native.supported = false
	env := newBillingEnv(t, native, testCreds())

	err := env.billing.PurchaseLifetime(context.Background())
	require.ErrorIs(t, err, ErrBillingUnsupported)
	require.True(t, env.notifier.contains("not available"))
}

func TestPurchaseWithoutTransactionID(t *testing.T) {
	native := workingNative()
	native.purchaseRes = &PurchaseResult{}
	env := newBillingEnv(t, native, testCreds())

	err := env.billing.PurchaseLifetime(context.Background())
	require.ErrorIs(t, err, ErrPurchaseIncomplete)
	require.Zero(t, queueSize(t, env))
	require.Equal(t, models.TierFree, env.subs.Current().Tier)
}

func TestPurchaseStaysQueuedWhenServerUnreachable(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())
	env.srv.Close()
	env.billing.sessionEnsureTimeout = 200 * time.Millisecond

	// The purchase itself succeeds; verification cannot. The flow must not
	// surface an error, and the purchase must be recoverable.
	require.NoError(t, env.billing.PurchaseLifetime(context.Background()))

	require.Equal(t, 1, queueSize(t, env))
	entry, err := env.queue.GetByID(context.Background(), constants.PendingPurchasesStore, "txn-1")
	require.NoError(t, err)
	require.Equal(t, "pt-1", entry.Data.PurchaseToken)

	// Optimistic grant: unlocked locally while verification is pending.
	state := env.subs.Current()
	require.Equal(t, models.TierLifetime, state.Tier)
	require.Equal(t, models.SourceOptimistic, state.Source)
	require.True(t, env.notifier.contains("verification will complete automatically"))
}

func TestDuplicateTransactionTreatedAsVerified(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())

	pending := models.PendingPurchase{
		PurchaseToken: "pt-1",
		ProductID:     constants.LifetimeProductID,
		TransactionID: "txn-dup",
	}

	verified, tier, err := env.billing.VerifyWithServer(context.Background(), pending)
	require.NoError(t, err)
	require.True(t, verified)
	require.Equal(t, models.TierLifetime, tier)

	// The replay comes back 409 DUPLICATE_TRANSACTION, which is still a
	// confirmed purchase.
	verified, tier, err = env.billing.VerifyWithServer(context.Background(), pending)
	require.NoError(t, err)
	require.True(t, verified)
	require.Equal(t, models.TierLifetime, tier)
}

func TestAlreadyOwnedRoutesToRestore(t *testing.T) {
	native := workingNative()
	native.purchaseErr = errors.New("purchase failed: ITEM_ALREADY_OWNED")
	native.restoreEvents = []Transaction{{
		ProductIdentifier: constants.LifetimeProductID,
		TransactionID:     "txn-owned",
		PurchaseToken:     "pt-owned",
	}}
	env := newBillingEnv(t, native, testCreds())

	require.NoError(t, env.billing.PurchaseLifetime(context.Background()))

	state := env.subs.Current()
	require.Equal(t, models.TierLifetime, state.Tier)
	require.Equal(t, models.SourceServerConfirmed, state.Source)
	require.True(t, env.notifier.contains("Lifetime status restored!"))
}

func TestRestoreFallsBackToDirectQuery(t *testing.T) {
	native := workingNative()
	// No transactionUpdated events; the store query is the only source.
	native.owned = []Purchase{{
		ProductID:     constants.LifetimeProductIDLegacy,
		TransactionID: "txn-direct",
		PurchaseToken: "pt-direct",
		OrderID:       "order-direct",
	}}
	env := newBillingEnv(t, native, testCreds())

	restored, err := env.billing.RestorePurchases(context.Background(), false)
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, models.TierLifetime, env.subs.Current().Tier)
}

func TestRestoreIgnoresForeignProducts(t *testing.T) {
	native := workingNative()
	native.restoreEvents = []Transaction{{
		ProductIdentifier: "some_other_product",
		TransactionID:     "txn-foreign",
	}}
	env := newBillingEnv(t, native, testCreds())

	restored, err := env.billing.RestorePurchases(context.Background(), false)
	require.NoError(t, err)
	require.False(t, restored)
	require.Equal(t, models.TierFree, env.subs.Current().Tier)
}

func TestRestoreWithNoPurchases(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())

	restored, err := env.billing.RestorePurchases(context.Background(), false)
	require.NoError(t, err)
	require.False(t, restored)
	require.True(t, env.notifier.contains("No active purchases found."))
}

func TestSilentRestoreSuppressesNotices(t *testing.T) {
	native := workingNative()
	native.restoreEvents = []Transaction{{
		ProductIdentifier: constants.LifetimeProductID,
		TransactionID:     "txn-silent",
		PurchaseToken:     "pt-silent",
	}}
	env := newBillingEnv(t, native, testCreds())

	restored, err := env.billing.RestorePurchases(context.Background(), true)
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, models.TierLifetime, env.subs.Current().Tier)
	require.Zero(t, env.notifier.count())
}

func TestDoubleRestoreIsStable(t *testing.T) {
	native := workingNative()
	native.restoreEvents = []Transaction{{
		ProductIdentifier: constants.LifetimeProductID,
		TransactionID:     "txn-twice",
		PurchaseToken:     "pt-twice",
	}}
	env := newBillingEnv(t, native, testCreds())

	restored, err := env.billing.RestorePurchases(context.Background(), false)
	require.NoError(t, err)
	require.True(t, restored)
	first := env.subs.Current()

	// The second pass re-verifies via the duplicate path; the entitlement
	// must not flap.
	restored, err = env.billing.RestorePurchases(context.Background(), false)
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, first, env.subs.Current())
}

func TestGetProducts(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())

	products, err := env.billing.GetProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, constants.LifetimeProductID, products[0].Identifier)
}

func TestIsAlreadyOwnedError(t *testing.T) {
	require.True(t, IsAlreadyOwnedError(errors.New("ITEM_ALREADY_OWNED")))
	require.True(t, IsAlreadyOwnedError(errors.New("You already own this item")))
	require.True(t, IsAlreadyOwnedError(errors.New("item is Already  Owned")))
	require.True(t, IsAlreadyOwnedError(errors.New("product not purchased")))
	require.False(t, IsAlreadyOwnedError(errors.New("user cancelled")))
	require.False(t, IsAlreadyOwnedError(nil))
}
