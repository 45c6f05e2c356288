package provider

import (
	"testing"

	"github.com/openbuilders/reward-disburser/internal/types"
)

func TestNormalizeItemStatus(t *testing.T) {
	tests := map[string]types.ItemStatus{
		"SUCCESS":    types.ItemSuccess,
		" success ":  types.ItemSuccess,
		"FAILED":     types.ItemFailed,
		"RETURNED":   types.ItemFailed,
		"BLOCKED":    types.ItemFailed,
		"UNCLAIMED":  types.ItemUnclaimed,
		"PENDING":    types.ItemPending,
		"ONHOLD":     types.ItemPending,
		"":           types.ItemPending,
		"SOMETHING?": types.ItemPending,
	}

	for raw, want := range tests {
		if got := NormalizeItemStatus(raw); got != want {
			t.Fatalf("%q: want %s, got %s", raw, want, got)
		}
	}
}
