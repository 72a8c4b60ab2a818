package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "revsplit.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeDummyKeystore(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "operator.keystore")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
	return path
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revsplit.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != ":8645" {
		t.Fatalf("unexpected RPC address %q", cfg.RPCAddress)
	}
	if cfg.RosterFile != "roster.yaml" || cfg.RPCWriteLimit != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RPCTokenEnv != "REVSPLIT_RPC_TOKEN" || cfg.AdminTokenEnv != "REVSPLIT_ADMIN_TOKEN" {
		t.Fatalf("unexpected token env names: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not persisted: %v", err)
	}
	if _, err := os.Stat(cfg.OperatorKeystorePath); err != nil {
		t.Fatalf("keystore not created: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.RPCAddress != cfg.RPCAddress || reloaded.OperatorKeystorePath != cfg.OperatorKeystorePath {
		t.Fatalf("reload drifted: %+v vs %+v", reloaded, cfg)
	}
}

func TestLoadParsesSettings(t *testing.T) {
	dir := t.TempDir()
	keystorePath := writeDummyKeystore(t, dir)
	path := writeConfig(t, dir, fmt.Sprintf(`RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
RosterFile = "payees.yaml"
JournalFile = "/var/lib/revsplit/journal.db"
HistoryDSN = "host=localhost user=revsplit dbname=revsplit"
OperatorKeystorePath = "%s"
RPCTokenEnv = "TEST_RPC_TOKEN"
AdminTokenEnv = "TEST_ADMIN_TOKEN"
JWTSecretEnv = "TEST_JWT_SECRET"
RPCWriteLimit = 25
LogPath = "/var/log/revsplit/node.log"
LogMaxSizeMB = 64
LogMaxBackups = 3
LogMaxAgeDays = 7
OTELEndpoint = "collector:4318"
OTELInsecure = true
`, keystorePath))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "0.0.0.0:9000" || cfg.RosterFile != "payees.yaml" {
		t.Fatalf("unexpected settings: %+v", cfg)
	}
	if cfg.HistoryDSN != "host=localhost user=revsplit dbname=revsplit" {
		t.Fatalf("unexpected history DSN: %q", cfg.HistoryDSN)
	}
	if cfg.RPCWriteLimit != 25 || !cfg.OTELInsecure || cfg.OTELEndpoint != "collector:4318" {
		t.Fatalf("unexpected settings: %+v", cfg)
	}
	if cfg.JournalPath() != "/var/lib/revsplit/journal.db" {
		t.Fatalf("unexpected journal path: %q", cfg.JournalPath())
	}

	logOpts := cfg.FileLogging()
	if logOpts.Path != "/var/log/revsplit/node.log" || logOpts.MaxSizeMB != 64 || logOpts.MaxBackups != 3 || logOpts.MaxAgeDays != 7 {
		t.Fatalf("unexpected log options: %+v", logOpts)
	}

	t.Setenv("TEST_RPC_TOKEN", "  rpc-secret  ")
	t.Setenv("TEST_ADMIN_TOKEN", "admin-secret")
	t.Setenv("TEST_JWT_SECRET", "jwt-secret")
	if cfg.RPCToken() != "rpc-secret" {
		t.Fatalf("unexpected RPC token: %q", cfg.RPCToken())
	}
	if cfg.AdminToken() != "admin-secret" {
		t.Fatalf("unexpected admin token: %q", cfg.AdminToken())
	}
	if string(cfg.JWTSecret()) != "jwt-secret" {
		t.Fatalf("unexpected JWT secret: %q", cfg.JWTSecret())
	}
}

func TestLoadRejectsDeprecatedLedgerFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `LedgerFile = "journal.db"
`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "LedgerFile") {
		t.Fatalf("expected deprecated-field error, got %v", err)
	}
}

func TestLoadRejectsNegativeWriteLimit(t *testing.T) {
	dir := t.TempDir()
	keystorePath := writeDummyKeystore(t, dir)
	path := writeConfig(t, dir, fmt.Sprintf(`OperatorKeystorePath = "%s"
RPCWriteLimit = -1
`, keystorePath))

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "RPCWriteLimit") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestJournalPathDefaultsUnderDataDir(t *testing.T) {
	cfg := &Config{DataDir: "/srv/revsplit"}
	if got := cfg.JournalPath(); got != filepath.Join("/srv/revsplit", "journal.db") {
		t.Fatalf("unexpected journal path: %q", got)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := &Config{RPCAddress: ":8645", DataDir: "./data", RosterFile: "roster.yaml"}
	if err := ValidateConfig(valid); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if err := ValidateConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if err := ValidateConfig(&Config{DataDir: "./data", RosterFile: "roster.yaml"}); err == nil {
		t.Fatalf("expected error for blank RPC address")
	}
	if err := ValidateConfig(&Config{RPCAddress: ":8645", DataDir: "./data", RosterFile: "roster.yaml", LogMaxSizeMB: -1}); err == nil {
		t.Fatalf("expected error for negative rotation limit")
	}
}
