package state

import (
	"math/big"
	"reflect"
	"testing"

	"revsplit/native/splitter"
	"revsplit/storage"
)

func TestSplitterLedgerRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	if _, ok, err := manager.SplitterLedgerGet(); err != nil || ok {
		t.Fatalf("expected no ledger yet, got ok=%v err=%v", ok, err)
	}

	ledger, err := splitter.NewLedger([]splitter.Allocation{
		{Address: testAddr(0x01), Share: 5000},
		{Address: testAddr(0x02), Share: 5000},
	}, big.NewInt(1000))
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	ledger.PoolBalance = big.NewInt(600)
	ledger.TotalReleased = big.NewInt(300)
	ledger.Participants[0].Released = big.NewInt(300)
	ledger.CapReached = false

	if err := manager.SplitterLedgerPut(ledger); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	reloaded, ok, err := manager.SplitterLedgerGet()
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok {
		t.Fatalf("ledger missing after put")
	}
	if !reflect.DeepEqual(ledger, reloaded) {
		t.Fatalf("ledger did not round-trip:\nwant %#v\ngot  %#v", ledger, reloaded)
	}

	// The cap flag must persist across reloads.
	reloaded.CapReached = true
	if err := manager.SplitterLedgerPut(reloaded); err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	final, _, err := manager.SplitterLedgerGet()
	if err != nil {
		t.Fatalf("final get failed: %v", err)
	}
	if !final.CapReached {
		t.Fatalf("cap flag lost on round-trip")
	}
}

func TestSplitterPausesRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	paused, err := manager.SplitterPausesGet()
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(paused) != 0 {
		t.Fatalf("expected empty switchboard, got %v", paused)
	}

	if err := manager.SplitterPausesPut(map[string]bool{"deposits": true, "withdrawals": false}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	paused, err = manager.SplitterPausesGet()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !paused["deposits"] {
		t.Fatalf("deposits pause lost")
	}
	if paused["withdrawals"] {
		t.Fatalf("disengaged pause must not persist")
	}
}
