package services

import (
	"context"
	"sync"
	"time"

	"billing-client/internal/constants"
	"billing-client/internal/models"
	"billing-client/internal/queue"
	"billing-client/pkg/logging"
)

// RetryService reconciles queued purchases with the server: one immediate
// pass at startup, a fixed-interval pass while entries remain, and a pass on
// every foreground resume. A mutex guarantees passes never overlap — an
// interval tick and a foreground trigger racing each other would otherwise
// double-verify entries or race on retry counters.
type RetryService struct {
	billing *BillingService
	queue   queue.Store
	auth    *AuthService
	subs    *SubscriptionService

	interval   time.Duration
	maxRetries int

	passMu     sync.Mutex
	foreground chan struct{}
	wg         sync.WaitGroup
}

// NewRetryService creates the background reconciliation loop.
func NewRetryService(billing *BillingService, store queue.Store, auth *AuthService, subs *SubscriptionService, interval time.Duration, maxRetries int) *RetryService {
	if interval <= 0 {
		interval = constants.RetryInterval
	}
	if maxRetries <= 0 {
		maxRetries = constants.MaxVerifyRetries
	}
	return &RetryService{
		billing:    billing,
		queue:      store,
		auth:       auth,
		subs:       subs,
		interval:   interval,
		maxRetries: maxRetries,
		foreground: make(chan struct{}, 1),
	}
}

// Start launches the loop. It stops when ctx is cancelled; Wait blocks until
// the loop has drained.
func (s *RetryService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Immediate pass: recover anything left over from a previous run.
		s.RunPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if size, err := s.queue.Size(ctx, constants.PendingPurchasesStore); err != nil || size == 0 {
					continue
				}
				s.RunPass(ctx)
			case <-s.foreground:
				s.RunPass(ctx)
			}
		}
	}()
}

// Wait blocks until the loop goroutine exits.
func (s *RetryService) Wait() {
	s.wg.Wait()
}

// TriggerForeground requests a pass for an app-foreground transition.
// Non-blocking; coalesces with a pending trigger.
func (s *RetryService) TriggerForeground() {
	select {
	case s.foreground <- struct{}{}:
	default:
	}
}

// RunPass processes the pending queue once. Returns the number of entries
// verified. If another pass is in flight this one is skipped entirely.
func (s *RetryService) RunPass(ctx context.Context) int {
	if !s.passMu.TryLock() {
		logging.Infof("retry: pass already running, skipping")
		return 0
	}
	defer s.passMu.Unlock()

	// A dead credential is not the purchase's fault: when the session
	// cannot be established, skip the whole pass without touching retry
	// counters, so entries are not starved while the user is signed out.
	if !s.auth.SessionStatus().IsValid {
		if err := s.auth.EnsureSession(ctx, constants.SessionEnsureTimeout); err != nil {
			logging.Warnf("retry: no session available, skipping pass: %v", err)
			return 0
		}
	}

	entries, err := s.queue.Active(ctx, constants.PendingPurchasesStore, s.maxRetries)
	if err != nil {
		logging.Errorf("retry: failed to read queue: %v", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}
	logging.Infof("retry: processing %d pending purchases", len(entries))

	verifiedCount := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return verifiedCount
		}

		verified, tier, verr := s.billing.VerifyWithServer(ctx, entry.Data)
		if verified {
			if tier == "" {
				tier = models.TierLifetime
			}
			s.subs.ApplyServerTier(tier)
			if err := s.queue.Remove(ctx, constants.PendingPurchasesStore, entry.ID); err != nil {
				logging.Warnf("retry: failed to remove verified entry %s: %v", entry.ID, err)
			}
			verifiedCount++
			logging.Infof("retry: recovered purchase %s after %d retries", entry.ID, entry.RetryCount)
			continue
		}

		logging.Warnf("retry: verification failed for %s (attempt %d/%d): %v",
			entry.ID, entry.RetryCount+1, s.maxRetries, verr)
		if err := s.queue.IncrementRetry(ctx, constants.PendingPurchasesStore, entry.ID); err != nil {
			logging.Warnf("retry: failed to bump retry counter for %s: %v", entry.ID, err)
		}
	}
	return verifiedCount
}
