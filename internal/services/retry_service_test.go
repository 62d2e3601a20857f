package services

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"billing-client/internal/constants"
	"billing-client/internal/models"
)

func newRetryService(env *billingEnv, maxRetries int) *RetryService {
	return NewRetryService(env.billing, env.queue, env.auth, env.subs, 50*time.Millisecond, maxRetries)
}

func seedQueue(t *testing.T, env *billingEnv, txn, productID string) {
	t.Helper()
	require.NoError(t, env.queue.Add(context.Background(), constants.PendingPurchasesStore, txn, models.PendingPurchase{
		PurchaseToken: "pt-" + txn,
		ProductID:     productID,
		TransactionID: txn,
	}))
}

func TestRunPassVerifiesAndRemoves(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())
	seedQueue(t, env, "txn-a", constants.LifetimeProductID)
	seedQueue(t, env, "txn-b", constants.LifetimeProductID)

	s := newRetryService(env, constants.MaxVerifyRetries)
	require.Equal(t, 2, s.RunPass(context.Background()))

	require.Zero(t, queueSize(t, env))
	state := env.subs.Current()
	require.Equal(t, models.TierLifetime, state.Tier)
	require.Equal(t, models.SourceServerConfirmed, state.Source)
}

func TestRunPassIncrementsRetryOnFailure(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())
	// The server rejects unknown products, so this entry cannot verify.
	seedQueue(t, env, "txn-bad", "unknown_product")

	s := newRetryService(env, constants.MaxVerifyRetries)
	require.Zero(t, s.RunPass(context.Background()))

	entry, err := env.queue.GetByID(context.Background(), constants.PendingPurchasesStore, "txn-bad")
	require.NoError(t, err)
	require.Equal(t, 1, entry.RetryCount)
}

func TestRunPassRecoversAfterServerOutage(t *testing.T) {
	// Verification endpoint down, handshake still answering: the closest
	// shape to a partial backend outage. Handshakes must keep working or the
	// session precheck would skip the pass before verification is attempted.
	var outage atomic.Bool
	outage.Store(true)
	env := newBillingEnvWith(t, workingNative(), testCreds(), func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			r.Body = io.NopCloser(bytes.NewReader(body))
			if outage.Load() && strings.Contains(string(body), constants.TypeVerifyPurchase) {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	seedQueue(t, env, "txn-outage", constants.LifetimeProductID)

	s := newRetryService(env, constants.MaxVerifyRetries)

	// Passes during the outage burn retries but change nothing else.
	require.Zero(t, s.RunPass(context.Background()))
	require.Zero(t, s.RunPass(context.Background()))

	entry, err := env.queue.GetByID(context.Background(), constants.PendingPurchasesStore, "txn-outage")
	require.NoError(t, err)
	require.Equal(t, 2, entry.RetryCount)
	require.Equal(t, models.TierFree, env.subs.Current().Tier)

	// Server back: the same entry verifies and leaves the queue with no user
	// action involved.
	outage.Store(false)
	require.Equal(t, 1, s.RunPass(context.Background()))

	require.Zero(t, queueSize(t, env))
	state := env.subs.Current()
	require.Equal(t, models.TierLifetime, state.Tier)
	require.Equal(t, models.SourceServerConfirmed, state.Source)
}

func TestRunPassSkipsWhenSessionUnavailable(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())
	seedQueue(t, env, "txn-a", constants.LifetimeProductID)
	env.srv.Close()

	s := newRetryService(env, constants.MaxVerifyRetries)
	require.Zero(t, s.RunPass(context.Background()))

	// No session means no attempt was made: the retry counter must not move,
	// or a long signed-out stretch would burn through the retry budget.
	entry, err := env.queue.GetByID(context.Background(), constants.PendingPurchasesStore, "txn-a")
	require.NoError(t, err)
	require.Zero(t, entry.RetryCount)
}

func TestRunPassLeavesExhaustedEntries(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())
	seedQueue(t, env, "txn-spent", constants.LifetimeProductID)
	require.NoError(t, env.queue.IncrementRetry(context.Background(), constants.PendingPurchasesStore, "txn-spent"))

	s := newRetryService(env, 1)
	require.Zero(t, s.RunPass(context.Background()))

	// Past the retry bound the entry is parked, not deleted: it stays as an
	// audit trail and for manual recovery.
	require.Equal(t, 1, queueSize(t, env))
	entry, err := env.queue.GetByID(context.Background(), constants.PendingPurchasesStore, "txn-spent")
	require.NoError(t, err)
	require.Equal(t, 1, entry.RetryCount)
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())
	seedQueue(t, env, "txn-a", constants.LifetimeProductID)

	s := newRetryService(env, constants.MaxVerifyRetries)

	// Simulate a pass in flight.
	s.passMu.Lock()
	require.Zero(t, s.RunPass(context.Background()))
	s.passMu.Unlock()

	// With the lock released the entry is processed normally.
	require.Equal(t, 1, s.RunPass(context.Background()))
}

func TestStartRunsImmediatePassAndForegroundTrigger(t *testing.T) {
	env := newBillingEnv(t, workingNative(), testCreds())
	seedQueue(t, env, "txn-a", constants.LifetimeProductID)

	s := NewRetryService(env.billing, env.queue, env.auth, env.subs, time.Hour, constants.MaxVerifyRetries)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	// The startup pass drains the seeded entry without waiting for a tick.
	require.Eventually(t, func() bool {
		return queueSize(t, env) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// A foreground trigger picks up entries queued after startup.
	seedQueue(t, env, "txn-b", constants.LifetimeProductID)
	s.TriggerForeground()
	require.Eventually(t, func() bool {
		return queueSize(t, env) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	s.Wait()
}
