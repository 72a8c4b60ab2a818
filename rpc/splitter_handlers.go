package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"revsplit/core"
	"revsplit/crypto"
	"revsplit/native/common"
	"revsplit/native/splitter"
)

type depositParams struct {
	Source    string `json:"source"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type addressParams struct {
	Address string `json:"address"`
}

type eventsParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type historyParams struct {
	Address string `json:"address"`
	Limit   int    `json:"limit,omitempty"`
}

// DepositResult acknowledges an accepted deposit.
type DepositResult struct {
	Reference   string `json:"reference"`
	Amount      string `json:"amount"`
	PoolBalance string `json:"poolBalance"`
	Timestamp   int64  `json:"timestamp"`
}

// WithdrawResult reports a settled withdrawal.
type WithdrawResult struct {
	Address       string `json:"address"`
	Amount        string `json:"amount"`
	TotalReleased string `json:"totalReleased"`
	RemainingCap  string `json:"remainingCap"`
	CapReached    bool   `json:"capReached"`
	Timestamp     int64  `json:"timestamp"`
}

// PendingResult carries the amount currently claimable by a payee.
type PendingResult struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// RemainingCapResult carries the headroom left under the repayment cap.
type RemainingCapResult struct {
	Remaining string `json:"remaining"`
}

// ParticipantResult describes one roster entry inside LedgerInfoResult.
type ParticipantResult struct {
	Address  string `json:"address"`
	Share    uint64 `json:"share"`
	Released string `json:"released"`
	Pending  string `json:"pending"`
}

// LedgerInfoResult is the full ledger snapshot returned by split_info.
type LedgerInfoResult struct {
	Participants  []ParticipantResult `json:"participants"`
	TotalShares   uint64              `json:"totalShares"`
	RepaymentCap  string              `json:"repaymentCap"`
	TotalReleased string              `json:"totalReleased"`
	PoolBalance   string              `json:"poolBalance"`
	RemainingCap  string              `json:"remainingCap"`
	CapReached    bool                `json:"capReached"`
	Paused        map[string]bool     `json:"paused"`
}

// BalanceResult carries a settlement account snapshot.
type BalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// EventResult is one ledger event inside EventsResult.
type EventResult struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EventsResult replays a page of the ledger event stream.
type EventsResult struct {
	Events     []EventResult `json:"events"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// SettlementResult is one persisted settlement row inside HistoryResult.
type SettlementResult struct {
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HistoryResult lists the persisted settlements touching one address.
type HistoryResult struct {
	Address     string             `json:"address"`
	Settlements []SettlementResult `json:"settlements"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, req *RPCRequest) {
	var params depositParams
	if !decodeSingleParam(w, req, &params, "deposit parameters required") {
		return
	}
	source, err := decodeAddressParam(params.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid source address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	receipt, err := s.node.Deposit(source.Raw(), amount, params.Reference)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, DepositResult{
		Reference:   receipt.Reference,
		Amount:      amount.String(),
		PoolBalance: bigString(receipt.PoolBalance),
		Timestamp:   receipt.Timestamp,
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params addressParams
	if !decodeSingleParam(w, req, &params, "withdraw parameters required") {
		return
	}
	addr, err := decodeAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payee address", err.Error())
		return
	}
	withdrawal, err := s.node.Withdraw(addr.Raw())
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, WithdrawResult{
		Address:       crypto.MustAddress(withdrawal.Address).String(),
		Amount:        bigString(withdrawal.Amount),
		TotalReleased: bigString(withdrawal.TotalReleased),
		RemainingCap:  bigString(withdrawal.RemainingCap),
		CapReached:    withdrawal.CapReached,
		Timestamp:     withdrawal.Timestamp,
	})
}

func (s *Server) handlePendingPayment(w http.ResponseWriter, req *RPCRequest) {
	var params addressParams
	if !decodeSingleParam(w, req, &params, "pendingPayment parameters required") {
		return
	}
	addr, err := decodeAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	amount, err := s.node.PendingPayment(addr.Raw())
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to read ledger", err.Error())
		return
	}
	writeResult(w, req.ID, PendingResult{Address: addr.String(), Amount: bigString(amount)})
}

func (s *Server) handleRemainingCap(w http.ResponseWriter, req *RPCRequest) {
	remaining, err := s.node.RemainingCap()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to read ledger", err.Error())
		return
	}
	writeResult(w, req.ID, RemainingCapResult{Remaining: bigString(remaining)})
}

func (s *Server) handleLedgerInfo(w http.ResponseWriter, req *RPCRequest) {
	ledger, err := s.node.LedgerInfo()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to read ledger", err.Error())
		return
	}
	participants := make([]ParticipantResult, 0, len(ledger.Participants))
	for _, p := range ledger.Participants {
		participants = append(participants, ParticipantResult{
			Address:  crypto.MustAddress(p.Address).String(),
			Share:    p.Share,
			Released: bigString(p.Released),
			Pending:  bigString(ledger.PendingPayment(p.Address)),
		})
	}
	writeResult(w, req.ID, LedgerInfoResult{
		Participants:  participants,
		TotalShares:   ledger.TotalShares,
		RepaymentCap:  bigString(ledger.RepaymentCap),
		TotalReleased: bigString(ledger.TotalReleased),
		PoolBalance:   bigString(ledger.PoolBalance),
		RemainingCap:  bigString(ledger.RemainingCap()),
		CapReached:    ledger.CapReached,
		Paused:        s.node.PauseStatus(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, req *RPCRequest) {
	var params addressParams
	if !decodeSingleParam(w, req, &params, "balance parameters required") {
		return
	}
	addr, err := decodeAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	account, err := s.node.Balance(addr.Raw())
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to read account", err.Error())
		return
	}
	writeResult(w, req.ID, BalanceResult{
		Address: addr.String(),
		Balance: bigString(account.Balance),
		Nonce:   account.Nonce,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params eventsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid events parameters", err.Error())
			return
		}
	}
	_, cancel, backlog, err := s.node.SubscribeLedgerEvents(r.Context(), params.Cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to read event stream", err.Error())
		return
	}
	cancel()

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	next := ""
	if len(backlog) > limit {
		backlog = backlog[:limit]
		next = backlog[len(backlog)-1].Cursor
	}
	events := make([]EventResult, 0, len(backlog))
	for _, update := range backlog {
		events = append(events, eventResultFrom(update))
	}
	writeResult(w, req.ID, EventsResult{Events: events, NextCursor: next})
}

func (s *Server) handleHistory(w http.ResponseWriter, req *RPCRequest) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "history recorder not configured", nil)
		return
	}
	var params historyParams
	if !decodeSingleParam(w, req, &params, "history parameters required") {
		return
	}
	addr, err := decodeAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	rows, err := s.history.SettlementsFor("0x"+hex.EncodeToString(addr.Bytes()), params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to read history", err.Error())
		return
	}
	settlements := make([]SettlementResult, 0, len(rows))
	for _, row := range rows {
		settlements = append(settlements, SettlementResult{
			Sequence:  row.Sequence,
			Kind:      row.Kind,
			Amount:    row.Amount,
			Reference: row.Reference,
			Timestamp: row.Timestamp,
		})
	}
	writeResult(w, req.ID, HistoryResult{Address: addr.String(), Settlements: settlements})
}

func eventResultFrom(update core.LedgerEventUpdate) EventResult {
	result := EventResult{Sequence: update.Sequence, Cursor: update.Cursor}
	if update.Event != nil {
		result.Type = update.Event.Type
		result.Attributes = update.Event.Attributes
	}
	return result
}

// decodeSingleParam unwraps the single positional object every splitter
// method expects. It writes the error response itself and reports success.
func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, out interface{}, missing string) bool {
	if len(req.Params) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, missing, nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return false
	}
	return true
}

func decodeAddressParam(raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("address is required")
	}
	return crypto.DecodeAddress(trimmed)
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", trimmed)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// writeLedgerError translates splitter sentinels into JSON-RPC errors so
// clients can distinguish precondition failures from transport faults.
func writeLedgerError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, common.ErrModulePaused):
		writeError(w, http.StatusServiceUnavailable, id, codeModulePaused, "module paused", err.Error())
	case errors.Is(err, splitter.ErrNotAParticipant):
		writeError(w, http.StatusBadRequest, id, codePrecondition, "address holds no share", err.Error())
	case errors.Is(err, splitter.ErrNothingDue):
		writeError(w, http.StatusBadRequest, id, codePrecondition, "nothing due", err.Error())
	case errors.Is(err, splitter.ErrCapExhausted):
		writeError(w, http.StatusBadRequest, id, codePrecondition, "repayment cap exhausted", err.Error())
	case errors.Is(err, splitter.ErrReentrantWithdrawal):
		writeError(w, http.StatusConflict, id, codeBusy, "withdrawal already in progress", err.Error())
	case errors.Is(err, splitter.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, id, codeTransferFailed, "transfer failed", err.Error())
	case errors.Is(err, splitter.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid amount", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "ledger operation failed", err.Error())
	}
}
