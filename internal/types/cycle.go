package types

import (
	"time"

	"github.com/google/uuid"
)

type CycleStatus string

const (
	CycleOpen              CycleStatus = "open"
	CycleSelectionComplete CycleStatus = "selection_complete"
	CycleDisbursing        CycleStatus = "disbursing"
	CycleClosed            CycleStatus = "closed"
)

// Tier is a performance band. Tier1 is the top band.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

var Tiers = [...]Tier{Tier1, Tier2, Tier3}

// Index returns the zero-based position of the tier in per-tier arrays.
func (t Tier) Index() int {
	return int(t) - 1
}

func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// BasisPoints is the denominator for TierShareBP.
const BasisPoints = 10000

// Cycle is a bounded reward period with its own pool and tier configuration.
type Cycle struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`

	// TotalPool is the configured reward pool. When it is zero the pool is
	// derived from PoolPerMember and the number of active participants.
	TotalPool     Money  `json:"totalPool"`
	PoolPerMember Money  `json:"poolPerMember"`
	PoolCap       Money  `json:"poolCap"`
	Currency      string `json:"currency"`

	// TierShareBP is the share of the pool for each tier in basis points.
	TierShareBP    [3]int `json:"tierShareBp"`
	WinnersPerTier [3]int `json:"winnersPerTier"`

	Status        CycleStatus `json:"status"`
	ActiveBatchID *uuid.UUID  `json:"activeBatchId,omitempty"`
	DisbursedAt   *time.Time  `json:"disbursedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResolvePool returns the reward pool for the cycle given the number of
// active participants.
func (c *Cycle) ResolvePool(activeParticipants int) Money {
	if c.TotalPool > 0 {
		return c.TotalPool
	}

	pool := c.PoolPerMember * Money(activeParticipants)
	if c.PoolCap > 0 && pool > c.PoolCap {
		pool = c.PoolCap
	}

	return pool
}

// Participant is a member's snapshot for one cycle.
type Participant struct {
	ID          string `json:"id"`
	CycleID     int64  `json:"cycleId"`
	Points      int64  `json:"points"`
	Active      bool   `json:"active"`
	Destination string `json:"destination"`
}
