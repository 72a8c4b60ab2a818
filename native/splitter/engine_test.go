package splitter

import (
	"errors"
	"math/big"
	"reflect"
	"testing"

	"revsplit/core/events"
	"revsplit/core/types"
)

type mockState struct {
	ledger   *Ledger
	accounts map[string]*types.Account
}

func newMockState() *mockState {
	return &mockState{accounts: make(map[string]*types.Account)}
}

func (m *mockState) SplitterLedgerGet() (*Ledger, bool, error) {
	if m.ledger == nil {
		return nil, false, nil
	}
	return m.ledger.Clone(), true, nil
}

func (m *mockState) SplitterLedgerPut(ledger *Ledger) error {
	if ledger == nil {
		return nil
	}
	m.ledger = ledger.Clone()
	return nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	if acc, ok := m.accounts[string(addr)]; ok && acc != nil {
		return cloneAccount(acc), nil
	}
	return nil, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		delete(m.accounts, string(addr))
		return nil
	}
	m.accounts[string(addr)] = cloneAccount(account)
	return nil
}

func cloneAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return nil
	}
	clone := *acc
	if acc.Balance != nil {
		clone.Balance = new(big.Int).Set(acc.Balance)
	}
	return &clone
}

func (m *mockState) setAccount(addr [20]byte, amount int64) {
	m.accounts[string(addr[:])] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) account(addr [20]byte) *types.Account {
	if acc, ok := m.accounts[string(addr[:])]; ok {
		return cloneAccount(acc)
	}
	return &types.Account{Balance: big.NewInt(0)}
}

func sumBalances(state *mockState, addrs ...[20]byte) *big.Int {
	total := big.NewInt(0)
	for _, addr := range addrs {
		acc := state.account(addr)
		total = new(big.Int).Add(total, acc.Balance)
	}
	return total
}

type recordingEmitter struct {
	payloads []*types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	payload, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	if e := payload.Event(); e != nil {
		r.payloads = append(r.payloads, e)
	}
}

func (r *recordingEmitter) byType(eventType string) []*types.Event {
	var matched []*types.Event
	for _, evt := range r.payloads {
		if evt.Type == eventType {
			matched = append(matched, evt)
		}
	}
	return matched
}

func addr(last byte) [20]byte {
	var out [20]byte
	out[19] = last
	return out
}

func newTestEngine(t *testing.T, state *mockState, allocs []Allocation, capAmount int64) (*Engine, *recordingEmitter) {
	t.Helper()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetPoolVault(addr(0xAA))
	engine.SetNowFunc(func() int64 { return 100 })
	emitter := &recordingEmitter{}
	engine.SetEmitter(emitter)
	if _, err := engine.Initialise(allocs, big.NewInt(capAmount)); err != nil {
		t.Fatalf("initialise ledger: %v", err)
	}
	return engine, emitter
}

func evenSplit(a, b [20]byte) []Allocation {
	return []Allocation{{Address: a, Share: 5000}, {Address: b, Share: 5000}}
}

func TestInitialiseDetectsRosterDrift(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, _ := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)

	drifted := []Allocation{{Address: payeeA, Share: 5000}, {Address: payeeB, Share: 4000}}
	if _, err := engine.Initialise(drifted, big.NewInt(1000)); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected configuration error for share drift, got %v", err)
	}
	if _, err := engine.Initialise(evenSplit(payeeA, payeeB), big.NewInt(900)); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected configuration error for cap drift, got %v", err)
	}
	if _, err := engine.Initialise(evenSplit(payeeA, payeeB), big.NewInt(1000)); err != nil {
		t.Fatalf("matching roster should reload cleanly: %v", err)
	}
}

func TestDepositAccruesPoolAndEmits(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, emitter := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)

	source := addr(0x0F)
	pool, err := engine.Deposit(source, big.NewInt(600), "ref-1")
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if pool.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected pool 600, got %s", pool)
	}
	if got := state.account(addr(0xAA)).Balance; got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected vault balance 600, got %s", got)
	}

	received := emitter.byType(EventTypePaymentReceived)
	if len(received) != 1 {
		t.Fatalf("expected one PaymentReceived event, got %d", len(received))
	}
	want := map[string]string{
		"from":      "0x" + "000000000000000000000000000000000000000f",
		"amount":    "600",
		"reference": "ref-1",
		"timestamp": "100",
	}
	if !reflect.DeepEqual(received[0].Attributes, want) {
		t.Fatalf("unexpected deposit attributes: %#v", received[0].Attributes)
	}

	// Zero amounts are legal no-op signals and still emit.
	if _, err := engine.Deposit(source, big.NewInt(0), ""); err != nil {
		t.Fatalf("zero deposit failed: %v", err)
	}
	received = emitter.byType(EventTypePaymentReceived)
	if len(received) != 2 {
		t.Fatalf("expected two PaymentReceived events, got %d", len(received))
	}
	if got := received[1].Attributes["amount"]; got != "0" {
		t.Fatalf("expected zero amount attribute, got %q", got)
	}
	if _, ok := received[1].Attributes["reference"]; ok {
		t.Fatalf("empty reference should be omitted")
	}
}

func TestDepositRejectsInvalidAmount(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, emitter := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)

	if _, err := engine.Deposit(addr(0x0F), nil, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
	if _, err := engine.Deposit(addr(0x0F), big.NewInt(-1), ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if len(emitter.payloads) != 0 {
		t.Fatalf("rejected deposits must not emit, got %d events", len(emitter.payloads))
	}
	if state.ledger.PoolBalance.Sign() != 0 {
		t.Fatalf("rejected deposits must not move the pool, got %s", state.ledger.PoolBalance)
	}
}

func TestWithdrawLifecyclePinnedScenario(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	vault := addr(0xAA)
	engine, emitter := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)
	source := addr(0x0F)

	if _, err := engine.Deposit(source, big.NewInt(600), ""); err != nil {
		t.Fatalf("deposit 600 failed: %v", err)
	}

	first, err := engine.Withdraw(payeeA)
	if err != nil {
		t.Fatalf("first withdrawal failed: %v", err)
	}
	if first.Amount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected payment 300, got %s", first.Amount)
	}
	if first.TotalReleased.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected total released 300, got %s", first.TotalReleased)
	}
	if first.RemainingCap.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("expected remaining cap 700, got %s", first.RemainingCap)
	}
	if first.CapReached {
		t.Fatalf("cap must not be reached after the first withdrawal")
	}

	if _, err := engine.Deposit(source, big.NewInt(1000), ""); err != nil {
		t.Fatalf("deposit 1000 failed: %v", err)
	}

	second, err := engine.Withdraw(payeeB)
	if err != nil {
		t.Fatalf("second withdrawal failed: %v", err)
	}
	if second.Amount.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("expected clamped payment 700, got %s", second.Amount)
	}
	if !second.CapReached {
		t.Fatalf("second withdrawal must latch the cap")
	}
	if second.RemainingCap.Sign() != 0 {
		t.Fatalf("expected remaining cap 0, got %s", second.RemainingCap)
	}

	ledger := state.ledger
	if ledger.TotalReleased.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected total released 1000, got %s", ledger.TotalReleased)
	}
	releasedSum := new(big.Int).Add(ledger.Participants[0].Released, ledger.Participants[1].Released)
	if releasedSum.Cmp(ledger.TotalReleased) != 0 {
		t.Fatalf("conservation broken: sum released %s != total released %s", releasedSum, ledger.TotalReleased)
	}
	if ledger.PoolBalance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected residual pool 600, got %s", ledger.PoolBalance)
	}
	if !ledger.CapReached {
		t.Fatalf("cap flag must be latched")
	}
	if total := sumBalances(state, vault, payeeA, payeeB); total.Cmp(big.NewInt(1600)) != 0 {
		t.Fatalf("value conservation broken across accounts: %s", total)
	}
	if got := state.account(payeeA).Balance; got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("payee A should hold 300, got %s", got)
	}
	if got := state.account(payeeB).Balance; got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("payee B should hold 700, got %s", got)
	}

	capEvents := emitter.byType(EventTypeCapReached)
	if len(capEvents) != 1 {
		t.Fatalf("expected exactly one CapReached event, got %d", len(capEvents))
	}
	want := map[string]string{"totalAmount": "1000", "timestamp": "100"}
	if !reflect.DeepEqual(capEvents[0].Attributes, want) {
		t.Fatalf("unexpected CapReached attributes: %#v", capEvents[0].Attributes)
	}

	// The cap is final: residual entitlement is forfeited, further deposits
	// accrue to the pool, and no second CapReached can ever fire.
	if _, err := engine.Withdraw(payeeA); !errors.Is(err, ErrCapExhausted) {
		t.Fatalf("expected ErrCapExhausted for payee A, got %v", err)
	}
	if _, err := engine.Deposit(source, big.NewInt(500), ""); err != nil {
		t.Fatalf("post-cap deposit failed: %v", err)
	}
	if _, err := engine.Withdraw(payeeB); !errors.Is(err, ErrCapExhausted) {
		t.Fatalf("expected ErrCapExhausted for payee B, got %v", err)
	}
	if got := len(emitter.byType(EventTypeCapReached)); got != 1 {
		t.Fatalf("CapReached must stay one-shot, got %d", got)
	}

	released := emitter.byType(EventTypePaymentReleased)
	if len(released) != 2 {
		t.Fatalf("expected two PaymentReleased events, got %d", len(released))
	}
	if released[0].Attributes["amount"] != "300" || released[1].Attributes["amount"] != "700" {
		t.Fatalf("unexpected release amounts: %#v, %#v", released[0].Attributes, released[1].Attributes)
	}
}

func TestWithdrawPreconditionsLeaveStateUntouched(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, emitter := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)

	if _, err := engine.Withdraw(addr(0x99)); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if _, err := engine.Withdraw(payeeA); !errors.Is(err, ErrNothingDue) {
		t.Fatalf("expected ErrNothingDue on an empty pool, got %v", err)
	}

	if _, err := engine.Deposit(addr(0x0F), big.NewInt(100), ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := engine.Withdraw(payeeA); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	// Entitlement is fully claimed; a retry is not actionable.
	if _, err := engine.Withdraw(payeeA); !errors.Is(err, ErrNothingDue) {
		t.Fatalf("expected ErrNothingDue after full claim, got %v", err)
	}

	before := state.ledger.Clone()
	if _, err := engine.Withdraw(addr(0x99)); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if !reflect.DeepEqual(before, state.ledger) {
		t.Fatalf("failed preconditions must not mutate the ledger")
	}
	if got := len(emitter.byType(EventTypePaymentReleased)); got != 1 {
		t.Fatalf("expected a single PaymentReleased event, got %d", got)
	}
}

func TestWithdrawRollsBackWhenTransferFails(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, emitter := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)
	source := addr(0x0F)

	if _, err := engine.Deposit(source, big.NewInt(600), ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	before := state.ledger.Clone()

	transferErr := errors.New("settlement rail offline")
	engine.SetTransferFunc(func(from, to [20]byte, amount *big.Int) error {
		return transferErr
	})
	if _, err := engine.Withdraw(payeeA); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if !reflect.DeepEqual(before, state.ledger) {
		t.Fatalf("failed transfer must restore the ledger exactly")
	}
	if got := len(emitter.byType(EventTypePaymentReleased)); got != 0 {
		t.Fatalf("failed withdrawal must not emit PaymentReleased, got %d", got)
	}

	// A retry sees the same due as if the failed attempt never happened.
	engine.SetTransferFunc(nil)
	retried, err := engine.Withdraw(payeeA)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.Amount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected retried payment 300, got %s", retried.Amount)
	}
}

func TestRollbackPreservesInterleavedDeposit(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, _ := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)
	source := addr(0x0F)

	if _, err := engine.Deposit(source, big.NewInt(600), ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// A deposit lands while the transfer is in flight, then the transfer is
	// rejected. The unwind must keep the deposit.
	engine.SetTransferFunc(func(from, to [20]byte, amount *big.Int) error {
		if _, err := engine.Deposit(source, big.NewInt(250), "mid-flight"); err != nil {
			t.Fatalf("interleaved deposit failed: %v", err)
		}
		return errors.New("rejected")
	})
	if _, err := engine.Withdraw(payeeA); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	ledger := state.ledger
	if ledger.PoolBalance.Cmp(big.NewInt(850)) != 0 {
		t.Fatalf("expected pool 850 after unwind, got %s", ledger.PoolBalance)
	}
	if ledger.TotalReleased.Sign() != 0 {
		t.Fatalf("expected total released 0 after unwind, got %s", ledger.TotalReleased)
	}
	if ledger.Participants[0].Released.Sign() != 0 {
		t.Fatalf("expected released 0 after unwind, got %s", ledger.Participants[0].Released)
	}
}

func TestWithdrawRefusesNestedInvocation(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, _ := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)

	if _, err := engine.Deposit(addr(0x0F), big.NewInt(600), ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	before := state.ledger.Clone()

	var nestedErr error
	engine.SetTransferFunc(func(from, to [20]byte, amount *big.Int) error {
		_, nestedErr = engine.Withdraw(payeeB)
		return nestedErr
	})
	if _, err := engine.Withdraw(payeeA); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected outer withdrawal to fail with ErrTransferFailed, got %v", err)
	}
	if !errors.Is(nestedErr, ErrReentrantWithdrawal) {
		t.Fatalf("expected nested call to fail with ErrReentrantWithdrawal, got %v", nestedErr)
	}
	if !reflect.DeepEqual(before, state.ledger) {
		t.Fatalf("re-entrant attack must leave the ledger untouched")
	}

	// The guard is released on the failure path; a clean retry works.
	engine.SetTransferFunc(nil)
	if _, err := engine.Withdraw(payeeA); err != nil {
		t.Fatalf("retry after guard release failed: %v", err)
	}
}

func TestWithdrawRefusesConcurrentInvocation(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, _ := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)

	if _, err := engine.Deposit(addr(0x0F), big.NewInt(600), ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	engine.SetTransferFunc(func(from, to [20]byte, amount *big.Int) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := engine.Withdraw(payeeA)
		done <- err
	}()

	<-started
	if _, err := engine.Withdraw(payeeB); !errors.Is(err, ErrReentrantWithdrawal) {
		t.Fatalf("expected concurrent withdrawal to fail with ErrReentrantWithdrawal, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("original withdrawal failed: %v", err)
	}

	// Once the first withdrawal completes, the second payee can settle.
	engine.SetTransferFunc(nil)
	if _, err := engine.Withdraw(payeeB); err != nil {
		t.Fatalf("follow-up withdrawal failed: %v", err)
	}
}

func TestWithdrawFailsWhenVaultUnderfunded(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, _ := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)

	if _, err := engine.Deposit(addr(0x0F), big.NewInt(600), ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	// Simulate custody drift: the vault account lost its backing balance.
	state.setAccount(addr(0xAA), 10)
	before := state.ledger.Clone()

	if _, err := engine.Withdraw(payeeA); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed on underfunded vault, got %v", err)
	}
	if !reflect.DeepEqual(before, state.ledger) {
		t.Fatalf("underfunded transfer must restore the ledger exactly")
	}
}

func TestRemainderIsDeferredNotLost(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	payeeC := addr(0x03)
	allocs := []Allocation{
		{Address: payeeA, Share: 3333},
		{Address: payeeB, Share: 3333},
		{Address: payeeC, Share: 3334},
	}
	engine, _ := newTestEngine(t, state, allocs, 20000)
	source := addr(0x0F)

	if _, err := engine.Deposit(source, big.NewInt(1000), ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	for _, payee := range [][20]byte{payeeA, payeeB, payeeC} {
		if _, err := engine.Withdraw(payee); err != nil {
			t.Fatalf("withdrawal failed: %v", err)
		}
	}
	ledger := state.ledger
	if ledger.TotalReleased.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("expected 999 released after floor division, got %s", ledger.TotalReleased)
	}
	if ledger.PoolBalance.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected 1 unit left in the pool, got %s", ledger.PoolBalance)
	}

	// The deferred unit is redistributed as the pool keeps accruing.
	if _, err := engine.Deposit(source, big.NewInt(9000), ""); err != nil {
		t.Fatalf("second deposit failed: %v", err)
	}
	for _, payee := range [][20]byte{payeeA, payeeB, payeeC} {
		if _, err := engine.Withdraw(payee); err != nil {
			t.Fatalf("second withdrawal failed: %v", err)
		}
	}
	ledger = state.ledger
	if ledger.TotalReleased.Cmp(big.NewInt(10000)) != 0 {
		t.Fatalf("expected full 10000 released, got %s", ledger.TotalReleased)
	}
	if ledger.PoolBalance.Sign() != 0 {
		t.Fatalf("expected empty pool, got %s", ledger.PoolBalance)
	}
	wantReleased := []int64{3333, 3333, 3334}
	for i, want := range wantReleased {
		if got := ledger.Participants[i].Released; got.Cmp(big.NewInt(want)) != 0 {
			t.Fatalf("participant %d released %s, want %d", i, got, want)
		}
	}
}

func TestPendingPaymentMatchesNextWithdrawal(t *testing.T) {
	state := newMockState()
	payeeA := addr(0x01)
	payeeB := addr(0x02)
	engine, _ := newTestEngine(t, state, evenSplit(payeeA, payeeB), 1000)
	source := addr(0x0F)

	pending, err := engine.PendingPayment(addr(0x99))
	if err != nil {
		t.Fatalf("pending query failed: %v", err)
	}
	if pending.Sign() != 0 {
		t.Fatalf("non-participants always have zero pending, got %s", pending)
	}

	if _, err := engine.Deposit(source, big.NewInt(600), ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := engine.Withdraw(payeeA); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	if _, err := engine.Deposit(source, big.NewInt(1000), ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Payee B's pending is clamped by the remaining cap, exactly matching
	// what a withdrawal would pay.
	pending, err = engine.PendingPayment(payeeB)
	if err != nil {
		t.Fatalf("pending query failed: %v", err)
	}
	if pending.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("expected clamped pending 700, got %s", pending)
	}
	settled, err := engine.Withdraw(payeeB)
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	if settled.Amount.Cmp(pending) != 0 {
		t.Fatalf("pending %s disagrees with settled payment %s", pending, settled.Amount)
	}

	// Post-cap the query degrades to zero instead of erroring.
	pending, err = engine.PendingPayment(payeeA)
	if err != nil {
		t.Fatalf("pending query failed: %v", err)
	}
	if pending.Sign() != 0 {
		t.Fatalf("expected zero pending once the cap is exhausted, got %s", pending)
	}

	remaining, err := engine.RemainingCap()
	if err != nil {
		t.Fatalf("remaining cap query failed: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Fatalf("expected remaining cap 0, got %s", remaining)
	}
}
