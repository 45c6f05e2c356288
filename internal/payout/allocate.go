package payout

import (
	"fmt"
	"sort"

	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/shopspring/decimal"
)

// Allocate splits total into len(weights) parts proportional to weights using
// the largest remainder method. The parts always sum to exactly total.
// Leftover cents go to the largest fractional remainders first and, on equal
// remainders, to the lower index. All-zero weights split equally.
func Allocate(total types.Money, weights []int64) ([]types.Money, error) {
	if total < 0 {
		return nil, fmt.Errorf("negative total %s", total)
	}
	if len(weights) == 0 {
		return nil, nil
	}

	var sum int64
	for i, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("negative weight %d at position %d", w, i)
		}
		sum += w
	}

	if sum == 0 {
		equal := make([]int64, len(weights))
		for i := range equal {
			equal[i] = 1
		}
		weights, sum = equal, int64(len(equal))
	}

	type share struct {
		idx       int
		remainder decimal.Decimal
	}

	parts := make([]types.Money, len(weights))
	shares := make([]share, len(weights))
	divisor := decimal.NewFromInt(sum)
	allocated := types.Money(0)

	for i, w := range weights {
		quota := decimal.NewFromInt(int64(total)).Mul(decimal.NewFromInt(w))
		q, r := quota.QuoRem(divisor, 0)
		parts[i] = types.Money(q.IntPart())
		shares[i] = share{idx: i, remainder: r}
		allocated += parts[i]
	}

	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].remainder.GreaterThan(shares[j].remainder)
	})

	for i := 0; allocated < total; i++ {
		parts[shares[i%len(shares)].idx]++
		allocated++
	}

	return parts, nil
}

// TierPools splits the cycle pool into per-tier pools by basis-point shares.
// When the shares add up to less than 100% the rest of the pool stays
// unallocated.
func TierPools(pool types.Money, shareBP [3]int) ([3]types.Money, error) {
	var pools [3]types.Money

	var totalBP int
	for _, bp := range shareBP {
		if bp < 0 {
			return pools, fmt.Errorf("negative tier share %d", bp)
		}
		totalBP += bp
	}
	if totalBP > types.BasisPoints {
		return pools, fmt.Errorf("tier shares add up to %d basis points", totalBP)
	}
	if totalBP == 0 {
		return pools, nil
	}

	distributable := decimal.NewFromInt(int64(pool)).
		Mul(decimal.NewFromInt(int64(totalBP))).
		Div(decimal.NewFromInt(types.BasisPoints)).
		Floor()

	parts, err := Allocate(types.Money(distributable.IntPart()),
		[]int64{int64(shareBP[0]), int64(shareBP[1]), int64(shareBP[2])})
	if err != nil {
		return pools, err
	}

	copy(pools[:], parts)
	return pools, nil
}
