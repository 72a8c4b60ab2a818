package common

import "errors"

// Module names accepted by the pause switchboard. Only the two mutating
// paths can be paused; read-only queries are never gated.
const (
	ModuleDeposits    = "deposits"
	ModuleWithdrawals = "withdrawals"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// KnownModule reports whether the supplied name maps to a pausable module.
func KnownModule(module string) bool {
	switch module {
	case ModuleDeposits, ModuleWithdrawals:
		return true
	}
	return false
}

// Modules returns the pausable module names in stable order.
func Modules() []string {
	return []string{ModuleDeposits, ModuleWithdrawals}
}
