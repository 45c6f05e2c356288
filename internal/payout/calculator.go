package payout

import (
	"fmt"
	"math"
	"sort"

	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/shopspring/decimal"
)

type Policy string

const (
	// PolicyEqual splits a tier pool equally. Leftover cents go to the
	// earliest draw ranks.
	PolicyEqual Policy = "equal"
	// PolicyPoints splits a tier pool proportionally to the winners' points.
	PolicyPoints Policy = "points"
)

type Config struct {
	Policy Policy
}

type Calculator struct {
	config Config
}

func New(config Config) (*Calculator, error) {
	switch config.Policy {
	case "":
		config.Policy = PolicyEqual
	case PolicyEqual, PolicyPoints:
	default:
		return nil, fmt.Errorf("unknown payout policy %q", config.Policy)
	}

	return &Calculator{config: config}, nil
}

// ComputeAmounts returns a copy of winners with ComputedAmount filled in. The
// computed amounts always add up to exactly tierPool. Overrides are kept.
func (c *Calculator) ComputeAmounts(tierPool types.Money,
	winners []types.WinnerSelection) ([]types.WinnerSelection, error) {

	if tierPool < 0 {
		return nil, svcerr.Validation("tier pool must not be negative",
			svcerr.Offender{Field: "tierPool", Reason: "negative amount"})
	}

	out := make([]types.WinnerSelection, len(winners))
	copy(out, winners)
	if len(out) == 0 {
		return out, nil
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return out[order[a]].TierRank < out[order[b]].TierRank
	})

	weights := make([]int64, len(out))
	for pos, idx := range order {
		switch c.config.Policy {
		case PolicyPoints:
			if out[idx].Points < 0 {
				return nil, svcerr.Validation("points must not be negative",
					svcerr.Offender{
						ParticipantID: out[idx].ParticipantID,
						Field:         "points",
						Reason:        "negative",
					})
			}
			weights[pos] = out[idx].Points
		default:
			weights[pos] = 1
		}
	}

	// with all-zero points Allocate falls back to an equal split
	parts, err := Allocate(tierPool, weights)
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeValidation, err, "allocate tier pool")
	}

	for pos, idx := range order {
		out[idx].ComputedAmount = parts[pos]
	}

	return out, nil
}

// SetOverride sets or, with a nil amount, clears the admin override on an
// unsealed selection. The computed amount is never touched.
func SetOverride(selection *types.WinnerSelection, amount *types.Money) error {
	if selection.Sealed {
		return svcerr.New(svcerr.CodeInvalidState,
			"selection %s is sealed", selection.ID)
	}

	if amount != nil && *amount < 0 {
		return svcerr.Validation("override must not be negative",
			svcerr.Offender{
				SelectionID:   selection.ID.String(),
				ParticipantID: selection.ParticipantID,
				Field:         "amount",
				Reason:        "negative amount",
			})
	}

	if amount == nil {
		selection.OverrideAmount = nil
		return nil
	}

	v := *amount
	selection.OverrideAmount = &v
	return nil
}

// CheckSealable verifies that the final amounts fit in the cycle pool.
func CheckSealable(selections []types.WinnerSelection, pool types.Money) error {
	var offenders []svcerr.Offender
	var total types.Money

	for _, s := range selections {
		amount := s.FinalAmount()
		if amount < 0 {
			offenders = append(offenders, svcerr.Offender{
				SelectionID:   s.ID.String(),
				ParticipantID: s.ParticipantID,
				Field:         "amount",
				Reason:        "negative amount",
			})
		}
		total += amount
	}

	if len(offenders) > 0 {
		return svcerr.Validation("selections have invalid amounts", offenders...)
	}

	if total > pool {
		return svcerr.Validation(
			fmt.Sprintf("final amounts %s exceed the cycle pool %s", total, pool),
			svcerr.Offender{Field: "amount", Reason: "pool exceeded"})
	}

	return nil
}

// ParseAmount converts a decimal string in major units to Money. Negative
// values and sub-cent precision are rejected.
func ParseAmount(s string) (types.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, svcerr.Wrap(svcerr.CodeValidation, err, "invalid amount %q", s)
	}
	return fromDecimal(d)
}

// FromFloat converts a float amount in major units to Money.
func FromFloat(f float64) (types.Money, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, svcerr.New(svcerr.CodeValidation, "amount is not a finite number")
	}
	return fromDecimal(decimal.NewFromFloat(f))
}

func fromDecimal(d decimal.Decimal) (types.Money, error) {
	if d.IsNegative() {
		return 0, svcerr.New(svcerr.CodeValidation, "amount %s is negative", d)
	}

	minor := d.Shift(types.MinorDigits)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, svcerr.New(svcerr.CodeValidation,
			"amount %s has more than %d decimals", d, types.MinorDigits)
	}
	if !minor.LessThanOrEqual(decimal.NewFromInt(math.MaxInt64)) {
		return 0, svcerr.New(svcerr.CodeValidation, "amount %s is too large", d)
	}

	return types.Money(minor.IntPart()), nil
}
