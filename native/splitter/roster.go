package splitter

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"revsplit/crypto"
)

// RosterDocument mirrors the YAML document fixing the payees, shares, and
// repayment cap for the ledger. The document is read once at boot; the
// resulting configuration is immutable for the life of the ledger.
type RosterDocument struct {
	Cap    string        `yaml:"cap"`
	Payees []RosterPayee `yaml:"payees"`
}

// RosterPayee is one payee entry in the roster document.
type RosterPayee struct {
	Address string `yaml:"address"`
	Share   uint64 `yaml:"share"`
}

// LoadRoster reads the roster document from disk and resolves it into
// construction inputs. Structural validation (duplicates, zero shares,
// positive cap) happens in NewLedger; this function only decodes.
func LoadRoster(path string) ([]Allocation, *big.Int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	allocs, capAmount, err := ParseRoster(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("roster: %s: %w", path, err)
	}
	return allocs, capAmount, nil
}

// ParseRoster decodes a roster document from raw YAML.
func ParseRoster(raw []byte) ([]Allocation, *big.Int, error) {
	var doc RosterDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse roster: %w", err)
	}
	capText := strings.TrimSpace(doc.Cap)
	if capText == "" {
		return nil, nil, fmt.Errorf("%w: repayment cap required", ErrInvalidConfiguration)
	}
	capAmount, ok := new(big.Int).SetString(capText, 10)
	if !ok {
		return nil, nil, fmt.Errorf("%w: repayment cap %q is not a base-10 integer", ErrInvalidConfiguration, doc.Cap)
	}
	allocs := make([]Allocation, 0, len(doc.Payees))
	for i, payee := range doc.Payees {
		decoded, err := crypto.DecodeAddress(strings.TrimSpace(payee.Address))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: payee %d: %v", ErrInvalidConfiguration, i, err)
		}
		allocs = append(allocs, Allocation{Address: decoded.Raw(), Share: payee.Share})
	}
	return allocs, capAmount, nil
}
