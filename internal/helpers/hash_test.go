package helpers

import "testing"

func TestChecksumIsDeterministic(t *testing.T) {
	a := Checksum([2]string{"cycle", "1"}, [2]string{"admin", "root"})
	b := Checksum([2]string{"cycle", "1"}, [2]string{"admin", "root"})
	if a != b {
		t.Fatalf("expected equal checksums, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestChecksumSeparatesFields(t *testing.T) {
	a := Checksum([2]string{"x", "ab"}, [2]string{"y", "c"})
	b := Checksum([2]string{"x", "a"}, [2]string{"y", "bc"})
	if a == b {
		t.Fatal("expected different checksums for shifted values")
	}
}

func TestNormalizeDestination(t *testing.T) {
	if got := NormalizeDestination("  Alice@Example.COM "); got != "alice@example.com" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}

func TestSortedJoinDoesNotMutate(t *testing.T) {
	in := []string{"b", "a", "c"}
	if got := SortedJoin(in, ","); got != "a,b,c" {
		t.Fatalf("unexpected join: %q", got)
	}
	if in[0] != "b" {
		t.Fatal("input slice was reordered")
	}
}
