package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"revsplit/crypto"
	"revsplit/observability/logging"

	"github.com/BurntSushi/toml"
)

// Config captures the daemon settings persisted in revsplit.toml. The payee
// roster itself lives in a separate YAML document named by RosterFile.
type Config struct {
	RPCAddress           string `toml:"RPCAddress"`
	DataDir              string `toml:"DataDir"`
	RosterFile           string `toml:"RosterFile"`
	JournalFile          string `toml:"JournalFile"`
	HistoryDSN           string `toml:"HistoryDSN"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath"`

	RPCTokenEnv   string `toml:"RPCTokenEnv"`
	AdminTokenEnv string `toml:"AdminTokenEnv"`
	JWTSecretEnv  string `toml:"JWTSecretEnv"`
	RPCWriteLimit int    `toml:"RPCWriteLimit"`

	LogPath       string `toml:"LogPath"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`

	OTELEndpoint string `toml:"OTELEndpoint"`
	OTELInsecure bool   `toml:"OTELInsecure"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "LedgerFile" {
			return nil, fmt.Errorf("config file %s uses deprecated LedgerFile field; rename it to JournalFile", path)
		}
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./revsplit-data"
	}
	if strings.TrimSpace(cfg.RosterFile) == "" {
		cfg.RosterFile = "roster.yaml"
	}
	if strings.TrimSpace(cfg.RPCTokenEnv) == "" {
		cfg.RPCTokenEnv = "REVSPLIT_RPC_TOKEN"
	}
	if strings.TrimSpace(cfg.AdminTokenEnv) == "" {
		cfg.AdminTokenEnv = "REVSPLIT_ADMIN_TOKEN"
	}
	if cfg.RPCWriteLimit == 0 {
		cfg.RPCWriteLimit = 5
	}
}

// JournalPath resolves the event journal location, defaulting to a file under
// the data directory.
func (c *Config) JournalPath() string {
	if strings.TrimSpace(c.JournalFile) != "" {
		return c.JournalFile
	}
	return filepath.Join(c.DataDir, "journal.db")
}

// FileLogging maps the log rotation knobs onto the logging options.
func (c *Config) FileLogging() logging.FileOptions {
	return logging.FileOptions{
		Path:       c.LogPath,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
	}
}

// RPCToken reads the bearer token from the configured environment variable.
func (c *Config) RPCToken() string {
	return tokenFromEnv(c.RPCTokenEnv)
}

// AdminToken reads the admin token from the configured environment variable.
func (c *Config) AdminToken() string {
	return tokenFromEnv(c.AdminTokenEnv)
}

// JWTSecret reads the optional HS256 secret from the configured environment
// variable.
func (c *Config) JWTSecret() []byte {
	secret := tokenFromEnv(c.JWTSecretEnv)
	if secret == "" {
		return nil
	}
	return []byte(secret)
}

func tokenFromEnv(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(trimmed))
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:    ":8645",
		DataDir:       "./revsplit-data",
		RosterFile:    "roster.yaml",
		RPCTokenEnv:   "REVSPLIT_RPC_TOKEN",
		AdminTokenEnv: "REVSPLIT_ADMIN_TOKEN",
		RPCWriteLimit: 5,
		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		LogMaxAgeDays: 28,
		OTELInsecure:  true,
	}
	cfg.OperatorKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
