package splitter

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
)

// Allocation is one roster entry supplied at construction time: a payee
// address and its fixed proportional share of every unit the pool receives.
type Allocation struct {
	Address [20]byte
	Share   uint64
}

// Participant tracks a payee's immutable share together with the cumulative
// amount already released to it.
type Participant struct {
	Address  [20]byte
	Share    uint64
	Released *big.Int
}

// Ledger is the capped revenue-split state machine. The participant list and
// repayment cap are fixed for the life of the ledger; the counters move only
// through Deposit and Withdraw on the engine.
type Ledger struct {
	Participants  []Participant
	TotalShares   uint64
	RepaymentCap  *big.Int
	TotalReleased *big.Int
	PoolBalance   *big.Int
	CapReached    bool
}

// NewLedger validates the roster and returns a zeroed ledger. Every
// validation failure wraps ErrInvalidConfiguration.
func NewLedger(allocs []Allocation, cap *big.Int) (*Ledger, error) {
	if len(allocs) == 0 {
		return nil, fmt.Errorf("%w: empty payee list", ErrInvalidConfiguration)
	}
	if cap == nil || cap.Sign() <= 0 {
		return nil, fmt.Errorf("%w: repayment cap must be positive", ErrInvalidConfiguration)
	}
	seen := make(map[[20]byte]struct{}, len(allocs))
	participants := make([]Participant, 0, len(allocs))
	totalShares := uint64(0)
	for _, alloc := range allocs {
		if isZeroAddress(alloc.Address) {
			return nil, fmt.Errorf("%w: zero payee address", ErrInvalidConfiguration)
		}
		if alloc.Share == 0 {
			return nil, fmt.Errorf("%w: zero share for %s", ErrInvalidConfiguration, hexAddr(alloc.Address))
		}
		if _, dup := seen[alloc.Address]; dup {
			return nil, fmt.Errorf("%w: duplicate payee %s", ErrInvalidConfiguration, hexAddr(alloc.Address))
		}
		seen[alloc.Address] = struct{}{}
		if totalShares > math.MaxUint64-alloc.Share {
			return nil, fmt.Errorf("%w: share total overflows", ErrInvalidConfiguration)
		}
		totalShares += alloc.Share
		participants = append(participants, Participant{
			Address:  alloc.Address,
			Share:    alloc.Share,
			Released: big.NewInt(0),
		})
	}
	return &Ledger{
		Participants:  participants,
		TotalShares:   totalShares,
		RepaymentCap:  new(big.Int).Set(cap),
		TotalReleased: big.NewInt(0),
		PoolBalance:   big.NewInt(0),
	}, nil
}

// MatchesConfiguration verifies that a persisted ledger was constructed from
// the supplied roster. Shares, ordering, and the cap must agree exactly; any
// drift is a configuration error because the share table is immutable for
// the life of the ledger.
func (l *Ledger) MatchesConfiguration(allocs []Allocation, cap *big.Int) error {
	if l == nil {
		return fmt.Errorf("%w: ledger not initialised", ErrInvalidConfiguration)
	}
	if len(allocs) != len(l.Participants) {
		return fmt.Errorf("%w: roster lists %d payees, ledger has %d", ErrInvalidConfiguration, len(allocs), len(l.Participants))
	}
	for i, alloc := range allocs {
		if alloc.Address != l.Participants[i].Address {
			return fmt.Errorf("%w: payee %d changed address", ErrInvalidConfiguration, i)
		}
		if alloc.Share != l.Participants[i].Share {
			return fmt.Errorf("%w: share changed for %s", ErrInvalidConfiguration, hexAddr(alloc.Address))
		}
	}
	if cap == nil || l.RepaymentCap == nil || cap.Cmp(l.RepaymentCap) != 0 {
		return fmt.Errorf("%w: repayment cap changed", ErrInvalidConfiguration)
	}
	return nil
}

// participantIndex returns the position of addr in the participant list, or
// -1 when the address holds no share.
func (l *Ledger) participantIndex(addr [20]byte) int {
	if l == nil {
		return -1
	}
	for i := range l.Participants {
		if l.Participants[i].Address == addr {
			return i
		}
	}
	return -1
}

// ShareOf returns the share registered for addr, zero when addr is not a
// participant.
func (l *Ledger) ShareOf(addr [20]byte) uint64 {
	idx := l.participantIndex(addr)
	if idx < 0 {
		return 0
	}
	return l.Participants[idx].Share
}

// Entitlement computes the cumulative amount addr has ever been owed:
// (poolBalance + totalReleased) * share / totalShares with floor division
// over all value the pool has ever received. Returns zero for a
// non-participant.
func (l *Ledger) Entitlement(addr [20]byte) *big.Int {
	idx := l.participantIndex(addr)
	if idx < 0 {
		return big.NewInt(0)
	}
	return l.entitlementAt(idx)
}

func (l *Ledger) entitlementAt(idx int) *big.Int {
	if l.TotalShares == 0 {
		return big.NewInt(0)
	}
	lifetime := new(big.Int).Add(newBigInt(l.PoolBalance), newBigInt(l.TotalReleased))
	lifetime.Mul(lifetime, new(big.Int).SetUint64(l.Participants[idx].Share))
	return lifetime.Quo(lifetime, new(big.Int).SetUint64(l.TotalShares))
}

// PendingPayment reports what a withdrawal for addr would pay right now: the
// unclaimed entitlement clamped to the remaining cap. It is a total
// function; non-participants, settled payees, and an exhausted cap all
// yield zero.
func (l *Ledger) PendingPayment(addr [20]byte) *big.Int {
	idx := l.participantIndex(addr)
	if idx < 0 {
		return big.NewInt(0)
	}
	due := new(big.Int).Sub(l.entitlementAt(idx), newBigInt(l.Participants[idx].Released))
	if due.Sign() <= 0 {
		return big.NewInt(0)
	}
	if remaining := l.RemainingCap(); remaining.Cmp(due) < 0 {
		return remaining
	}
	return due
}

// RemainingCap returns repaymentCap - totalReleased, floored at zero.
func (l *Ledger) RemainingCap() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	remaining := new(big.Int).Sub(newBigInt(l.RepaymentCap), newBigInt(l.TotalReleased))
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	return remaining
}

// Clone deep-copies the ledger so callers can hand out snapshots without
// exposing the mutable counters.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	clone := &Ledger{
		Participants:  make([]Participant, len(l.Participants)),
		TotalShares:   l.TotalShares,
		RepaymentCap:  newBigInt(l.RepaymentCap),
		TotalReleased: newBigInt(l.TotalReleased),
		PoolBalance:   newBigInt(l.PoolBalance),
		CapReached:    l.CapReached,
	}
	for i := range l.Participants {
		clone.Participants[i] = Participant{
			Address:  l.Participants[i].Address,
			Share:    l.Participants[i].Share,
			Released: newBigInt(l.Participants[i].Released),
		}
	}
	return clone
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}
