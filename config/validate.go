package config

import (
	"fmt"
	"strings"
)

// ValidateConfig rejects settings the daemon cannot start with.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if strings.TrimSpace(cfg.RosterFile) == "" {
		return fmt.Errorf("config: RosterFile is required")
	}
	if cfg.RPCWriteLimit < 0 {
		return fmt.Errorf("config: RPCWriteLimit must not be negative")
	}
	if cfg.LogMaxSizeMB < 0 || cfg.LogMaxBackups < 0 || cfg.LogMaxAgeDays < 0 {
		return fmt.Errorf("config: log rotation limits must not be negative")
	}
	return nil
}
