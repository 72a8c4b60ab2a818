package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"revsplit/core/events"
	"revsplit/core/state"
	"revsplit/core/types"
	"revsplit/native/common"
	"revsplit/native/splitter"
	"revsplit/observability"
	"revsplit/storage"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Node is the central controller, wiring the splitter engine, persistence,
// the pause switchboard, and event fanout together.
type Node struct {
	db      storage.Database
	manager *state.Manager
	engine  *splitter.Engine
	logger  *slog.Logger
	metrics *observability.SplitterMetrics
	sink    EventSink
	nowFn   func() time.Time

	pauseMu sync.RWMutex
	paused  map[string]bool

	streamMu      sync.Mutex
	streamSeq     uint64
	streamNextID  uint64
	streamSubs    map[uint64]chan LedgerEventUpdate
	streamHistory []LedgerEventUpdate
}

// EventSink receives every published ledger event. Append must not panic;
// errors are logged and never unwind the ledger operation that produced the
// event.
type EventSink interface {
	Append(update LedgerEventUpdate) error
	LastSequence() (uint64, error)
}

// NodeOption customises optional node collaborators.
type NodeOption func(*Node)

// WithEventSink attaches a durable sink that records every published event.
func WithEventSink(sink EventSink) NodeOption {
	return func(n *Node) { n.sink = sink }
}

// WithMetrics attaches the metrics registry updated by ledger operations.
func WithMetrics(metrics *observability.SplitterMetrics) NodeOption {
	return func(n *Node) { n.metrics = metrics }
}

// WithLogger overrides the logger used by the node.
func WithLogger(logger *slog.Logger) NodeOption {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) NodeOption {
	return func(n *Node) {
		if now != nil {
			n.nowFn = now
		}
	}
}

// PoolVaultAddress derives the reserved account that custodies undistributed
// revenue until participants withdraw it.
func PoolVaultAddress() [20]byte {
	digest := ethcrypto.Keccak256([]byte("revsplit/pool-vault"))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// NewNode opens the ledger against the supplied database. On first boot the
// ledger is created from the roster; on subsequent boots the stored ledger
// must match the roster exactly.
func NewNode(db storage.Database, allocs []splitter.Allocation, repaymentCap *big.Int, opts ...NodeOption) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: storage required")
	}

	n := &Node{
		db:         db,
		manager:    state.NewManager(db),
		logger:     slog.Default(),
		nowFn:      time.Now,
		paused:     make(map[string]bool),
		streamSubs: make(map[uint64]chan LedgerEventUpdate),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}

	if n.sink != nil {
		seq, err := n.sink.LastSequence()
		if err != nil {
			return nil, fmt.Errorf("node: read journal cursor: %w", err)
		}
		n.streamSeq = seq
	}

	engine := splitter.NewEngine()
	engine.SetState(n.manager)
	engine.SetEmitter(ledgerEventEmitter{node: n})
	engine.SetPoolVault(PoolVaultAddress())
	engine.SetNowFunc(func() int64 { return n.nowFn().Unix() })
	n.engine = engine

	ledger, err := engine.Initialise(allocs, repaymentCap)
	if err != nil {
		return nil, err
	}

	paused, err := n.manager.SplitterPausesGet()
	if err != nil {
		return nil, fmt.Errorf("node: load pause state: %w", err)
	}
	for module, engaged := range paused {
		n.paused[module] = engaged
	}
	for _, module := range common.Modules() {
		n.metrics.SetPause(module, n.paused[module])
	}

	n.metrics.RecordLedger(ledger.PoolBalance, ledger.TotalReleased, ledger.RemainingCap(), ledger.RepaymentCap)
	return n, nil
}

type ledgerEventEmitter struct {
	node *Node
}

type eventWithPayload interface {
	Event() *types.Event
}

func (e ledgerEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	e.node.publishLedgerEvent(event)
}

// DepositReceipt summarises an accepted deposit.
type DepositReceipt struct {
	Reference   string
	PoolBalance *big.Int
	Timestamp   int64
}

// Deposit credits external revenue into the pool. A reference is minted when
// the caller does not supply one so downstream consumers can deduplicate.
func (n *Node) Deposit(source [20]byte, amount *big.Int, reference string) (*DepositReceipt, error) {
	if err := common.Guard(n, common.ModuleDeposits); err != nil {
		n.metrics.RecordError("deposit", reasonForError(err))
		return nil, err
	}
	if reference = strings.TrimSpace(reference); reference == "" {
		reference = uuid.NewString()
	}
	balance, err := n.engine.Deposit(source, amount, reference)
	if err != nil {
		n.metrics.RecordError("deposit", reasonForError(err))
		return nil, err
	}
	n.metrics.RecordDeposit()
	n.refreshLedgerGauges()
	return &DepositReceipt{
		Reference:   reference,
		PoolBalance: balance,
		Timestamp:   n.nowFn().Unix(),
	}, nil
}

// Withdraw settles the caller's accrued entitlement, clamped to the repayment
// cap.
func (n *Node) Withdraw(addr [20]byte) (*splitter.Withdrawal, error) {
	if err := common.Guard(n, common.ModuleWithdrawals); err != nil {
		n.metrics.RecordError("withdraw", reasonForError(err))
		return nil, err
	}
	started := n.nowFn()
	receipt, err := n.engine.Withdraw(addr)
	if err != nil {
		n.metrics.RecordError("withdraw", reasonForError(err))
		return nil, err
	}
	n.metrics.ObserveWithdraw(n.nowFn().Sub(started))
	n.refreshLedgerGauges()
	return receipt, nil
}

// PendingPayment reports the amount the supplied address could withdraw right
// now. Unknown addresses report zero. Queries are never gated by the pause
// switchboard.
func (n *Node) PendingPayment(addr [20]byte) (*big.Int, error) {
	return n.engine.PendingPayment(addr)
}

// RemainingCap reports the headroom left under the repayment cap.
func (n *Node) RemainingCap() (*big.Int, error) {
	return n.engine.RemainingCap()
}

// LedgerInfo returns a snapshot of the full ledger, including the roster.
func (n *Node) LedgerInfo() (*splitter.Ledger, error) {
	return n.engine.LedgerView()
}

// Balance returns the account backing the supplied address. Missing accounts
// report a zero balance.
func (n *Node) Balance(addr [20]byte) (*types.Account, error) {
	return n.manager.GetAccount(addr[:])
}

// IsPaused reports whether the named switchboard is currently engaged. It
// satisfies common.PauseView.
func (n *Node) IsPaused(module string) bool {
	n.pauseMu.RLock()
	defer n.pauseMu.RUnlock()
	return n.paused[module]
}

// Pause engages the named switchboard and persists it so restarts keep the
// module halted.
func (n *Node) Pause(module string) error {
	return n.setPaused(module, true)
}

// Resume releases the named switchboard.
func (n *Node) Resume(module string) error {
	return n.setPaused(module, false)
}

func (n *Node) setPaused(module string, engaged bool) error {
	module = strings.ToLower(strings.TrimSpace(module))
	if !common.KnownModule(module) {
		return fmt.Errorf("node: unknown module %q", module)
	}
	n.pauseMu.Lock()
	defer n.pauseMu.Unlock()
	next := make(map[string]bool, len(n.paused)+1)
	for name, value := range n.paused {
		next[name] = value
	}
	next[module] = engaged
	if err := n.manager.SplitterPausesPut(next); err != nil {
		return fmt.Errorf("node: persist pause state: %w", err)
	}
	n.paused = next
	n.metrics.SetPause(module, engaged)
	n.logger.Info("switchboard updated", "module", module, "paused", engaged)
	return nil
}

// PauseStatus returns the engaged state of every known switchboard.
func (n *Node) PauseStatus() map[string]bool {
	n.pauseMu.RLock()
	defer n.pauseMu.RUnlock()
	status := make(map[string]bool, len(common.Modules()))
	for _, module := range common.Modules() {
		status[module] = n.paused[module]
	}
	return status
}

func (n *Node) refreshLedgerGauges() {
	if n.metrics == nil {
		return
	}
	ledger, err := n.engine.LedgerView()
	if err != nil {
		return
	}
	n.metrics.RecordLedger(ledger.PoolBalance, ledger.TotalReleased, ledger.RemainingCap(), ledger.RepaymentCap)
}

func reasonForError(err error) string {
	switch {
	case errors.Is(err, splitter.ErrNotAParticipant):
		return "not_a_participant"
	case errors.Is(err, splitter.ErrNothingDue):
		return "nothing_due"
	case errors.Is(err, splitter.ErrCapExhausted):
		return "cap_exhausted"
	case errors.Is(err, splitter.ErrReentrantWithdrawal):
		return "reentrancy"
	case errors.Is(err, splitter.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, splitter.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, common.ErrModulePaused):
		return "paused"
	default:
		return "internal"
	}
}
