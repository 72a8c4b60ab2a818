package splitter

import (
	"errors"
	"math/big"
	"testing"
)

func TestNewLedgerRejectsInvalidRosters(t *testing.T) {
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	cases := []struct {
		name   string
		allocs []Allocation
		cap    *big.Int
	}{
		{name: "empty roster", allocs: nil, cap: big.NewInt(1000)},
		{name: "zero address", allocs: []Allocation{{Share: 100}}, cap: big.NewInt(1000)},
		{name: "zero share", allocs: []Allocation{{Address: payeeA, Share: 0}}, cap: big.NewInt(1000)},
		{name: "duplicate payee", allocs: []Allocation{{Address: payeeA, Share: 10}, {Address: payeeA, Share: 20}}, cap: big.NewInt(1000)},
		{name: "nil cap", allocs: []Allocation{{Address: payeeA, Share: 10}}, cap: nil},
		{name: "zero cap", allocs: []Allocation{{Address: payeeA, Share: 10}}, cap: big.NewInt(0)},
		{name: "negative cap", allocs: []Allocation{{Address: payeeA, Share: 10}}, cap: big.NewInt(-5)},
		{name: "share overflow", allocs: []Allocation{{Address: payeeA, Share: ^uint64(0)}, {Address: payeeB, Share: 1}}, cap: big.NewInt(1000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLedger(tc.allocs, tc.cap); !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestNewLedgerStartsZeroed(t *testing.T) {
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	ledger, err := NewLedger([]Allocation{{Address: payeeA, Share: 5000}, {Address: payeeB, Share: 5000}}, big.NewInt(1000))
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	if ledger.TotalShares != 10000 {
		t.Fatalf("expected total shares 10000, got %d", ledger.TotalShares)
	}
	if ledger.TotalReleased.Sign() != 0 || ledger.PoolBalance.Sign() != 0 {
		t.Fatalf("counters must start at zero")
	}
	if ledger.CapReached {
		t.Fatalf("cap flag must start unset")
	}
	for i := range ledger.Participants {
		if ledger.Participants[i].Released.Sign() != 0 {
			t.Fatalf("participant %d released must start at zero", i)
		}
	}
}

func TestEntitlementCoversLifetimeValue(t *testing.T) {
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	ledger, err := NewLedger(evenSplit(payeeA, payeeB), big.NewInt(100000))
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	ledger.PoolBalance = big.NewInt(1300)
	ledger.TotalReleased = big.NewInt(300)
	ledger.Participants[0].Released = big.NewInt(300)

	// The split covers all value ever received, not just the current pool,
	// so a late withdrawer still collects their share of earlier rounds.
	if got := ledger.Entitlement(payeeB); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("expected entitlement 800, got %s", got)
	}
	if got := ledger.Entitlement(addr(0x99)); got.Sign() != 0 {
		t.Fatalf("expected zero entitlement for stranger, got %s", got)
	}
}

func TestPendingPaymentClampsToRemainingCap(t *testing.T) {
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	ledger, err := NewLedger(evenSplit(payeeA, payeeB), big.NewInt(1000))
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	ledger.PoolBalance = big.NewInt(1300)
	ledger.TotalReleased = big.NewInt(300)
	ledger.Participants[0].Released = big.NewInt(300)

	if got := ledger.PendingPayment(payeeB); got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("expected clamped pending 700, got %s", got)
	}
	if got := ledger.PendingPayment(payeeA); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected pending 500, got %s", got)
	}

	ledger.TotalReleased = big.NewInt(1000)
	if got := ledger.PendingPayment(payeeB); got.Sign() != 0 {
		t.Fatalf("expected zero pending at the cap, got %s", got)
	}
	if got := ledger.RemainingCap(); got.Sign() != 0 {
		t.Fatalf("expected zero remaining cap, got %s", got)
	}
}

func TestCloneIsolatesCounters(t *testing.T) {
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	ledger, err := NewLedger(evenSplit(payeeA, payeeB), big.NewInt(1000))
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	ledger.PoolBalance = big.NewInt(500)

	clone := ledger.Clone()
	clone.PoolBalance.Add(clone.PoolBalance, big.NewInt(100))
	clone.Participants[0].Released.Add(clone.Participants[0].Released, big.NewInt(7))

	if ledger.PoolBalance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("clone mutation leaked into the pool balance")
	}
	if ledger.Participants[0].Released.Sign() != 0 {
		t.Fatalf("clone mutation leaked into participant counters")
	}
}

func TestMatchesConfigurationDetectsDrift(t *testing.T) {
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	allocs := evenSplit(payeeA, payeeB)
	ledger, err := NewLedger(allocs, big.NewInt(1000))
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}

	if err := ledger.MatchesConfiguration(allocs, big.NewInt(1000)); err != nil {
		t.Fatalf("identical roster should match: %v", err)
	}
	reordered := []Allocation{allocs[1], allocs[0]}
	if err := ledger.MatchesConfiguration(reordered, big.NewInt(1000)); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("reordering payees must be rejected, got %v", err)
	}
	extra := append(append([]Allocation{}, allocs...), Allocation{Address: addr(0x03), Share: 1})
	if err := ledger.MatchesConfiguration(extra, big.NewInt(1000)); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("adding payees must be rejected, got %v", err)
	}
}
