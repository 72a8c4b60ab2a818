package splitter

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"revsplit/crypto"
)

func TestParseRosterResolvesPayees(t *testing.T) {
	addrA := crypto.MustAddress(addr(0x01))
	addrB := crypto.MustAddress(addr(0x02))
	doc := fmt.Sprintf(`cap: "1000"
payees:
  - address: %s
    share: 5000
  - address: %s
    share: 5000
`, addrA.String(), addrB.String())

	allocs, capAmount, err := ParseRoster([]byte(doc))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if capAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected cap 1000, got %s", capAmount)
	}
	if len(allocs) != 2 {
		t.Fatalf("expected two payees, got %d", len(allocs))
	}
	if allocs[0].Address != addrA.Raw() || allocs[0].Share != 5000 {
		t.Fatalf("first payee mismatch: %#v", allocs[0])
	}
	if allocs[1].Address != addrB.Raw() || allocs[1].Share != 5000 {
		t.Fatalf("second payee mismatch: %#v", allocs[1])
	}
}

func TestParseRosterRejectsBadDocuments(t *testing.T) {
	addrA := crypto.MustAddress(addr(0x01)).String()
	cases := []struct {
		name string
		doc  string
	}{
		{name: "missing cap", doc: fmt.Sprintf("payees:\n  - address: %s\n    share: 10\n", addrA)},
		{name: "non-numeric cap", doc: fmt.Sprintf("cap: \"plenty\"\npayees:\n  - address: %s\n    share: 10\n", addrA)},
		{name: "invalid address", doc: "cap: \"1000\"\npayees:\n  - address: not-bech32\n    share: 10\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseRoster([]byte(tc.doc)); !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestLoadRosterFeedsConstruction(t *testing.T) {
	addrA := crypto.MustAddress(addr(0x01))
	path := filepath.Join(t.TempDir(), "roster.yaml")
	doc := fmt.Sprintf("cap: \"1000\"\npayees:\n  - address: %s\n    share: 0\n", addrA.String())
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	allocs, capAmount, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	// Structural validation is NewLedger's job; the zero share surfaces there.
	if _, err := NewLedger(allocs, capAmount); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration for zero share, got %v", err)
	}

	if _, _, err := LoadRoster(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing roster file")
	}
}
