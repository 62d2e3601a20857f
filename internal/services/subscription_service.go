package services

import (
	"sync"

	"billing-client/internal/kv"
	"billing-client/internal/models"
	"billing-client/pkg/logging"
)

const subscriptionKey = "subscription"

// SubscriptionService is the local entitlement cache. The server is the
// source of truth; this cache only reflects it, with one escape hatch: an
// optimistic grant right after a purchase so the UI unlocks without waiting
// for verification. Provenance tags make the reconciliation rules explicit.
type SubscriptionService struct {
	mu    sync.Mutex
	kv    *kv.Store
	state models.TierState
}

// NewSubscriptionService loads the cached tier, normalizing legacy values.
func NewSubscriptionService(store *kv.Store) *SubscriptionService {
	s := &SubscriptionService{
		kv:    store,
		state: models.TierState{Tier: models.TierFree, Source: models.SourceServerConfirmed},
	}

	var cached models.TierState
	if ok, err := store.Get(subscriptionKey, &cached); err == nil && ok && cached.Tier != "" {
		cached.Tier = cached.Tier.Normalize()
		if cached.Source == "" {
			cached.Source = models.SourceServerConfirmed
		}
		s.state = cached
	}
	return s
}

// Current returns the cached entitlement state.
func (s *SubscriptionService) Current() models.TierState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GrantOptimistic escalates the tier locally before server confirmation.
// One-way: it never downgrades, and it never replaces a server-confirmed
// value of equal or higher tier.
func (s *SubscriptionService) GrantOptimistic(tier models.Tier) bool {
	tier = tier.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if tier.Rank() <= s.state.Tier.Rank() {
		return false
	}

	s.state = models.TierState{Tier: tier, Source: models.SourceOptimistic}
	s.persist()
	logging.Infof("subscription: optimistic grant of %s tier", tier)
	return true
}

// ApplyServerTier records a server-confirmed tier. Authoritative: it
// overwrites any local value, downgrades included. Returns true when the
// stored state changed.
func (s *SubscriptionService) ApplyServerTier(tier models.Tier) bool {
	tier = tier.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	next := models.TierState{Tier: tier, Source: models.SourceServerConfirmed}
	if s.state == next {
		return false
	}

	if tier.Rank() < s.state.Tier.Rank() {
		logging.Warnf("subscription: server downgraded tier %s -> %s", s.state.Tier, tier)
	}
	s.state = next
	s.persist()
	return true
}

// persist writes the state through to storage. Callers hold mu.
func (s *SubscriptionService) persist() {
	if err := s.kv.Set(subscriptionKey, s.state); err != nil {
		logging.Warnf("subscription: failed to persist tier state: %v", err)
	}
}
