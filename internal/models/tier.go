package models

// Tier is the user's entitlement level.
type Tier string

const (
	TierFree     Tier = "free"
	TierLifetime Tier = "lifetime"

	// Legacy tiers from the old three-tier system. Normalize to lifetime on
	// read; never written anymore.
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// Normalize maps legacy tiers onto the current two-tier system.
func (t Tier) Normalize() Tier {
	switch t {
	case TierPro, TierPremium, TierLifetime:
		return TierLifetime
	case TierFree:
		return TierFree
	default:
		return TierFree
	}
}

// Rank orders tiers for downgrade checks.
func (t Tier) Rank() int {
	if t.Normalize() == TierLifetime {
		return 1
	}
	return 0
}

// TierSource records where a tier value came from. Server-confirmed values
// are authoritative over optimistic ones.
type TierSource string

const (
	SourceOptimistic      TierSource = "optimistic"
	SourceServerConfirmed TierSource = "server-confirmed"
)

// TierState is the locally cached entitlement, tagged with its provenance so
// reconciliation can refuse to overwrite server truth with optimism.
type TierState struct {
	Tier   Tier       `json:"tier"`
	Source TierSource `json:"source"`
}
