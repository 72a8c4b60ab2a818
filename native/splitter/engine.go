package splitter

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"revsplit/core/events"
	"revsplit/core/types"
)

type engineState interface {
	SplitterLedgerGet() (*Ledger, bool, error)
	SplitterLedgerPut(ledger *Ledger) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// TransferFunc moves settled value out of the pool vault. A rejected
// transfer causes the withdrawal's counters to be unwound exactly.
type TransferFunc func(from [20]byte, to [20]byte, amount *big.Int) error

// Engine wires the revenue-split ledger with persistence, value custody, and
// event emission. Withdrawals run under a re-entrancy guard so at most one
// can be between its effects and its transfer at any time; deposits only
// take the short state lock and interleave freely.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	nowFn      func() int64
	poolVault  [20]byte
	transferFn TransferFunc

	// guardMu protects withdrawing, the held/not-held withdrawal guard.
	guardMu     sync.Mutex
	withdrawing bool

	// stateMu serialises read-modify-write windows on the persisted ledger
	// and accounts. It is never held across an external transfer.
	stateMu sync.Mutex
}

// Withdrawal reports the outcome of a settled withdrawal.
type Withdrawal struct {
	Address       [20]byte
	Amount        *big.Int
	TotalReleased *big.Int
	RemainingCap  *big.Int
	CapReached    bool
	Timestamp     int64
}

// NewEngine constructs a splitter engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn: func() int64 {
			return time.Now().Unix()
		},
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPoolVault configures the holding account for undistributed revenue.
func (e *Engine) SetPoolVault(addr [20]byte) { e.poolVault = addr }

// SetTransferFunc overrides the settlement path. When unset, withdrawals
// move balance from the vault account to the payee account in state.
func (e *Engine) SetTransferFunc(fn TransferFunc) { e.transferFn = fn }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Initialise creates the persisted ledger from the roster on first boot. On
// later boots it verifies the stored share table and cap still match the
// roster and fails with a configuration error on any drift.
func (e *Engine) Initialise(allocs []Allocation, cap *big.Int) (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	existing, ok, err := e.state.SplitterLedgerGet()
	if err != nil {
		return nil, err
	}
	if ok {
		if err := existing.MatchesConfiguration(allocs, cap); err != nil {
			return nil, err
		}
		return existing.Clone(), nil
	}
	ledger, err := NewLedger(allocs, cap)
	if err != nil {
		return nil, err
	}
	if err := e.state.SplitterLedgerPut(ledger); err != nil {
		return nil, err
	}
	return ledger.Clone(), nil
}

// Deposit credits amount to the pool and the vault account and emits
// PaymentReceived. Zero amounts are legal no-op signals and still emit. The
// repayment cap constrains distribution, not acceptance, so no cap check
// happens here.
func (e *Engine) Deposit(source [20]byte, amount *big.Int, reference string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if isZeroAddress(e.poolVault) {
		return nil, errVaultNotSet
	}
	e.stateMu.Lock()
	ledger, ok, err := e.state.SplitterLedgerGet()
	if err != nil {
		e.stateMu.Unlock()
		return nil, err
	}
	if !ok {
		e.stateMu.Unlock()
		return nil, errLedgerNotFound
	}
	if err := e.creditVaultLocked(amount); err != nil {
		e.stateMu.Unlock()
		return nil, err
	}
	ledger.PoolBalance = new(big.Int).Add(newBigInt(ledger.PoolBalance), amount)
	if err := e.state.SplitterLedgerPut(ledger); err != nil {
		e.stateMu.Unlock()
		return nil, err
	}
	pool := newBigInt(ledger.PoolBalance)
	e.stateMu.Unlock()

	e.emit(PaymentReceivedEvent(hexAddr(source), amount.String(), reference, e.now()))
	return pool, nil
}

// Withdraw settles the unclaimed entitlement for addr, clamped to the
// remaining repayment cap. Checks and counter effects commit before the
// value moves; a rejected transfer unwinds the exact deltas so a retry sees
// the same due as if the attempt never happened.
func (e *Engine) Withdraw(addr [20]byte) (*Withdrawal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if isZeroAddress(e.poolVault) {
		return nil, errVaultNotSet
	}
	if !e.acquireWithdrawGuard() {
		return nil, ErrReentrantWithdrawal
	}
	defer e.releaseWithdrawGuard()

	e.stateMu.Lock()
	ledger, ok, err := e.state.SplitterLedgerGet()
	if err != nil {
		e.stateMu.Unlock()
		return nil, err
	}
	if !ok {
		e.stateMu.Unlock()
		return nil, errLedgerNotFound
	}
	idx := ledger.participantIndex(addr)
	if idx < 0 {
		e.stateMu.Unlock()
		return nil, ErrNotAParticipant
	}
	due := new(big.Int).Sub(ledger.entitlementAt(idx), newBigInt(ledger.Participants[idx].Released))
	if due.Sign() <= 0 {
		e.stateMu.Unlock()
		return nil, ErrNothingDue
	}
	remaining := ledger.RemainingCap()
	if remaining.Sign() == 0 {
		e.stateMu.Unlock()
		return nil, ErrCapExhausted
	}
	payment := newBigInt(due)
	if remaining.Cmp(due) < 0 {
		payment = remaining
	}

	participant := &ledger.Participants[idx]
	participant.Released = new(big.Int).Add(newBigInt(participant.Released), payment)
	ledger.TotalReleased = new(big.Int).Add(newBigInt(ledger.TotalReleased), payment)
	ledger.PoolBalance = new(big.Int).Sub(newBigInt(ledger.PoolBalance), payment)
	capJustReached := ledger.TotalReleased.Cmp(ledger.RepaymentCap) == 0
	if err := e.state.SplitterLedgerPut(ledger); err != nil {
		e.stateMu.Unlock()
		return nil, err
	}
	e.stateMu.Unlock()

	if err := e.transfer(addr, payment); err != nil {
		if rbErr := e.rollbackWithdrawal(addr, payment); rbErr != nil {
			return nil, fmt.Errorf("%w: %v (%v)", ErrTransferFailed, err, rbErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	now := e.now()
	e.emit(PaymentReleasedEvent(hexAddr(addr), payment.String(), now))

	result := &Withdrawal{
		Address:   addr,
		Amount:    newBigInt(payment),
		Timestamp: now,
	}
	e.stateMu.Lock()
	final, ok, err := e.state.SplitterLedgerGet()
	if err != nil {
		e.stateMu.Unlock()
		return nil, err
	}
	if !ok {
		e.stateMu.Unlock()
		return nil, errLedgerNotFound
	}
	latched := false
	if capJustReached && !final.CapReached {
		final.CapReached = true
		if err := e.state.SplitterLedgerPut(final); err != nil {
			e.stateMu.Unlock()
			return nil, err
		}
		latched = true
	}
	result.TotalReleased = newBigInt(final.TotalReleased)
	result.RemainingCap = final.RemainingCap()
	result.CapReached = latched
	e.stateMu.Unlock()

	if latched {
		e.emit(CapReachedEvent(result.TotalReleased.String(), now))
	}
	return result, nil
}

// PendingPayment reports what a withdrawal for addr would pay right now. It
// is a total query: non-participants, settled payees, and an exhausted cap
// all yield zero.
func (e *Engine) PendingPayment(addr [20]byte) (*big.Int, error) {
	ledger, err := e.loadLedger()
	if err != nil {
		return nil, err
	}
	return ledger.PendingPayment(addr), nil
}

// RemainingCap reports the undistributed headroom under the repayment cap,
// floored at zero.
func (e *Engine) RemainingCap() (*big.Int, error) {
	ledger, err := e.loadLedger()
	if err != nil {
		return nil, err
	}
	return ledger.RemainingCap(), nil
}

// LedgerView returns a deep copy of the current ledger for read-only
// consumers.
func (e *Engine) LedgerView() (*Ledger, error) {
	ledger, err := e.loadLedger()
	if err != nil {
		return nil, err
	}
	return ledger.Clone(), nil
}

func (e *Engine) loadLedger() (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ledger, ok, err := e.state.SplitterLedgerGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errLedgerNotFound
	}
	return ledger, nil
}

func (e *Engine) acquireWithdrawGuard() bool {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	if e.withdrawing {
		return false
	}
	e.withdrawing = true
	return true
}

func (e *Engine) releaseWithdrawGuard() {
	e.guardMu.Lock()
	e.withdrawing = false
	e.guardMu.Unlock()
}

func (e *Engine) transfer(to [20]byte, amount *big.Int) error {
	if e.transferFn != nil {
		return e.transferFn(e.poolVault, to, amount)
	}
	return e.settleFromVault(to, amount)
}

// settleFromVault moves amount from the vault account to the payee account.
func (e *Engine) settleFromVault(to [20]byte, amount *big.Int) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	vault, err := e.state.GetAccount(e.poolVault[:])
	if err != nil {
		return err
	}
	vault = vault.EnsureDefaults()
	if vault.Balance.Cmp(amount) < 0 {
		return errVaultUnderfunded
	}
	recipient, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	recipient = recipient.EnsureDefaults()
	vault.Balance = new(big.Int).Sub(vault.Balance, amount)
	recipient.Balance = new(big.Int).Add(recipient.Balance, amount)
	if err := e.state.PutAccount(e.poolVault[:], vault); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], recipient)
}

// creditVaultLocked adds amount to the vault account. Caller holds stateMu.
func (e *Engine) creditVaultLocked(amount *big.Int) error {
	vault, err := e.state.GetAccount(e.poolVault[:])
	if err != nil {
		return err
	}
	vault = vault.EnsureDefaults()
	vault.Balance = new(big.Int).Add(vault.Balance, amount)
	return e.state.PutAccount(e.poolVault[:], vault)
}

// rollbackWithdrawal subtracts the exact deltas a failed withdrawal applied.
// It re-reads the ledger so deposits that interleaved with the transfer
// survive the unwind.
func (e *Engine) rollbackWithdrawal(addr [20]byte, payment *big.Int) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	ledger, ok, err := e.state.SplitterLedgerGet()
	if err != nil {
		return fmt.Errorf("%w: %v", errRollbackFailed, err)
	}
	if !ok {
		return errRollbackFailed
	}
	idx := ledger.participantIndex(addr)
	if idx < 0 {
		return errRollbackFailed
	}
	participant := &ledger.Participants[idx]
	participant.Released = new(big.Int).Sub(newBigInt(participant.Released), payment)
	ledger.TotalReleased = new(big.Int).Sub(newBigInt(ledger.TotalReleased), payment)
	ledger.PoolBalance = new(big.Int).Add(newBigInt(ledger.PoolBalance), payment)
	if err := e.state.SplitterLedgerPut(ledger); err != nil {
		return fmt.Errorf("%w: %v", errRollbackFailed, err)
	}
	return nil
}
