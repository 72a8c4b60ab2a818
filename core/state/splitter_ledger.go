package state

import (
	"fmt"
	"math/big"
	"sort"

	"revsplit/native/splitter"
)

var (
	splitterLedgerKey = []byte("splitter/ledger")
	splitterPausesKey = []byte("splitter/pauses")
)

type storedParticipant struct {
	Address  [20]byte
	Share    uint64
	Released *big.Int
}

type storedLedger struct {
	Participants  []storedParticipant
	TotalShares   uint64
	RepaymentCap  *big.Int
	TotalReleased *big.Int
	PoolBalance   *big.Int
	CapReached    bool
}

// SplitterLedgerGet loads the persisted revenue-split ledger. Participant
// order is preserved exactly as written.
func (m *Manager) SplitterLedgerGet() (*splitter.Ledger, bool, error) {
	var stored storedLedger
	ok, err := m.KVGet(splitterLedgerKey, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	ledger := &splitter.Ledger{
		Participants:  make([]splitter.Participant, len(stored.Participants)),
		TotalShares:   stored.TotalShares,
		RepaymentCap:  cloneBig(stored.RepaymentCap),
		TotalReleased: cloneBig(stored.TotalReleased),
		PoolBalance:   cloneBig(stored.PoolBalance),
		CapReached:    stored.CapReached,
	}
	for i, participant := range stored.Participants {
		ledger.Participants[i] = splitter.Participant{
			Address:  participant.Address,
			Share:    participant.Share,
			Released: cloneBig(participant.Released),
		}
	}
	return ledger, true, nil
}

// SplitterLedgerPut persists the ledger.
func (m *Manager) SplitterLedgerPut(ledger *splitter.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("state: nil splitter ledger")
	}
	stored := storedLedger{
		Participants:  make([]storedParticipant, len(ledger.Participants)),
		TotalShares:   ledger.TotalShares,
		RepaymentCap:  cloneBig(ledger.RepaymentCap),
		TotalReleased: cloneBig(ledger.TotalReleased),
		PoolBalance:   cloneBig(ledger.PoolBalance),
		CapReached:    ledger.CapReached,
	}
	for i, participant := range ledger.Participants {
		stored.Participants[i] = storedParticipant{
			Address:  participant.Address,
			Share:    participant.Share,
			Released: cloneBig(participant.Released),
		}
	}
	return m.KVPut(splitterLedgerKey, &stored)
}

// SplitterPausesGet returns the persisted pause switchboard state so an
// engaged pause survives a restart.
func (m *Manager) SplitterPausesGet() (map[string]bool, error) {
	var stored []string
	ok, err := m.KVGet(splitterPausesKey, &stored)
	if err != nil {
		return nil, err
	}
	paused := make(map[string]bool, len(stored))
	if !ok {
		return paused, nil
	}
	for _, module := range stored {
		paused[module] = true
	}
	return paused, nil
}

// SplitterPausesPut persists the set of paused modules in a deterministic
// order.
func (m *Manager) SplitterPausesPut(paused map[string]bool) error {
	names := make([]string, 0, len(paused))
	for module, engaged := range paused {
		if engaged {
			names = append(names, module)
		}
	}
	sort.Strings(names)
	return m.KVPut(splitterPausesKey, names)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
