package selector

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/openbuilders/reward-disburser/internal/types"
)

type Config struct {
	// Weighted enables point-proportional draws. When it is off every
	// remaining candidate has the same chance.
	Weighted bool
}

type Selector struct {
	config Config
}

func New(config Config) *Selector {
	return &Selector{config: config}
}

// Select draws up to count winners from pool without replacement and returns
// them in draw order. TierRank is the 1-based draw position.
//
// Each draw picks a candidate with probability proportional to its points.
// Candidates with zero points are only drawn once every remaining candidate
// has zero points, or when weighting is disabled; the draw is then uniform.
// When count is at least the pool size the whole pool wins, still in draw
// order.
//
// A nil seed draws from a clock-seeded generator.
func (s *Selector) Select(pool []types.Participant, count int,
	seed *uint64) []types.WinnerSelection {

	if count <= 0 || len(pool) == 0 {
		return nil
	}

	remaining := make([]types.Participant, len(pool))
	copy(remaining, pool)
	// the outcome depends on the seed and the candidate set, not on how the
	// caller happened to order it
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].ID < remaining[j].ID
	})

	if count > len(remaining) {
		count = len(remaining)
	}

	rng := newRand(seed)

	var total int64
	for _, p := range remaining {
		total += weight(p)
	}

	winners := make([]types.WinnerSelection, 0, count)
	for len(winners) < count {
		idx := s.pick(rng, remaining, total)
		picked := remaining[idx]

		total -= weight(picked)
		remaining = append(remaining[:idx], remaining[idx+1:]...)

		winners = append(winners, types.WinnerSelection{
			CycleID:       picked.CycleID,
			ParticipantID: picked.ID,
			Destination:   picked.Destination,
			Points:        picked.Points,
			TierRank:      len(winners) + 1,
			Status:        types.PayoutSelected,
		})
	}

	return winners
}

func (s *Selector) pick(rng *rand.Rand, remaining []types.Participant,
	total int64) int {

	if !s.config.Weighted || total <= 0 {
		return rng.IntN(len(remaining))
	}

	draw := rng.Int64N(total)

	var acc int64
	for i, p := range remaining {
		acc += weight(p)
		if draw < acc {
			return i
		}
	}

	// unreachable while total matches the remaining weights
	return len(remaining) - 1
}

func weight(p types.Participant) int64 {
	if p.Points < 0 {
		return 0
	}
	return p.Points
}

func newRand(seed *uint64) *rand.Rand {
	if seed == nil {
		now := uint64(time.Now().UnixNano())
		return rand.New(rand.NewPCG(now, rand.Uint64()))
	}
	return rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
}
