package tier

import (
	"fmt"
	"sort"

	"github.com/openbuilders/reward-disburser/internal/types"
)

// TiePolicy decides where participants whose points equal a cutoff value go.
type TiePolicy string

const (
	// TiesUp puts every participant equal to a cutoff into the higher tier.
	// Tier sizes may become uneven.
	TiesUp TiePolicy = "up"
	// TiesDown keeps every participant equal to the boundary value in the
	// lower tier.
	TiesDown TiePolicy = "down"
)

const (
	DefaultLowerPercentile = 33
	DefaultUpperPercentile = 66

	// minParticipants is the smallest pool that is split into tiers at all.
	minParticipants = 3
)

type Config struct {
	LowerPercentile int
	UpperPercentile int
	Ties            TiePolicy
}

// Thresholds describes the cutoffs computed for one classification run.
type Thresholds struct {
	Lower  int64     `json:"lower"`
	Upper  int64     `json:"upper"`
	Ties   TiePolicy `json:"ties"`
	Counts [3]int    `json:"counts"`
	// Degenerate is set when the pool was too small or flat to tier, in which
	// case everyone is in tier 1.
	Degenerate bool `json:"degenerate"`
}

type Classifier struct {
	config Config
}

func New(config Config) (*Classifier, error) {
	if config.LowerPercentile == 0 && config.UpperPercentile == 0 {
		config.LowerPercentile = DefaultLowerPercentile
		config.UpperPercentile = DefaultUpperPercentile
	}

	if config.LowerPercentile <= 0 || config.UpperPercentile >= 100 ||
		config.LowerPercentile >= config.UpperPercentile {
		return nil, fmt.Errorf("invalid percentiles %d/%d",
			config.LowerPercentile, config.UpperPercentile)
	}

	switch config.Ties {
	case "":
		config.Ties = TiesUp
	case TiesUp, TiesDown:
	default:
		return nil, fmt.Errorf("unknown tie policy %q", config.Ties)
	}

	return &Classifier{config: config}, nil
}

// Classify assigns every participant to exactly one tier. The thresholds are
// derived from the given points only; no previously stored label is used.
func (c *Classifier) Classify(participants []types.Participant) map[string]types.Tier {
	tiers, _ := c.classify(participants)
	return tiers
}

// Thresholds returns the cutoffs and tier sizes Classify would produce.
func (c *Classifier) Thresholds(participants []types.Participant) Thresholds {
	_, th := c.classify(participants)
	return th
}

func (c *Classifier) classify(participants []types.Participant) (
	map[string]types.Tier, Thresholds) {

	result := make(map[string]types.Tier, len(participants))
	th := Thresholds{Ties: c.config.Ties}

	sorted := make([]types.Participant, len(participants))
	copy(sorted, participants)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Points != sorted[j].Points {
			return sorted[i].Points > sorted[j].Points
		}
		return sorted[i].ID < sorted[j].ID
	})

	n := len(sorted)
	if n < minParticipants || sorted[0].Points == sorted[n-1].Points {
		for _, p := range sorted {
			result[p.ID] = types.Tier1
		}
		th.Degenerate = true
		th.Counts[0] = n
		if n > 0 {
			th.Lower, th.Upper = sorted[n-1].Points, sorted[0].Points
		}
		return result, th
	}

	// ascending view over the descending slice
	asc := func(i int) int64 { return sorted[n-1-i].Points }

	lowerIdx := percentileIndex(n, c.config.LowerPercentile)
	upperIdx := percentileIndex(n, c.config.UpperPercentile)
	if upperIdx < lowerIdx {
		upperIdx = lowerIdx
	}

	th.Lower = asc(lowerIdx)
	th.Upper = asc(upperIdx)

	for _, p := range sorted {
		t := c.tierOf(p.Points, asc, lowerIdx, upperIdx)
		result[p.ID] = t
		th.Counts[t.Index()]++
	}

	return result, th
}

func (c *Classifier) tierOf(points int64, asc func(int) int64,
	lowerIdx, upperIdx int) types.Tier {

	if c.config.Ties == TiesDown {
		switch {
		case points > asc(upperIdx-1):
			return types.Tier1
		case points > asc(lowerIdx-1):
			return types.Tier2
		}
		return types.Tier3
	}

	switch {
	case points >= asc(upperIdx):
		return types.Tier1
	case points >= asc(lowerIdx):
		return types.Tier2
	}
	return types.Tier3
}

// percentileIndex returns round(n*p/100) clamped to [1, n-1].
func percentileIndex(n, p int) int {
	idx := (n*p + 50) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}
