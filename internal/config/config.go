package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"omemo/internal/domain"
)

// Defaults.
const (
	DefaultRelayURL  = "ws://127.0.0.1:8080"
	DefaultListen    = ":8080"
	DefaultPreKeys   = 100
	DefaultPreKeyMin = 25
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	configFileMode = 0o600
	configDirMode  = 0o700
)

var (
	// ErrUnknownAccount is returned when an account is not configured.
	ErrUnknownAccount = errors.New("account not configured")
	// ErrInvalid is returned by Validate.
	ErrInvalid = errors.New("invalid config")
)

// Config is the on-disk configuration.
type Config struct {
	DataDir      string        `yaml:"data_dir"`
	AutoActivate bool          `yaml:"auto_activate"`
	Relay        RelayConfig   `yaml:"relay"`
	PreKeys      PreKeyConfig  `yaml:"prekeys"`
	Logging      LoggingConfig `yaml:"logging"`
	Accounts     []Account     `yaml:"accounts"`

	// Dir is the directory the config was loaded from.
	Dir string `yaml:"-"`
}

// RelayConfig configures both ends of the relay connection.
type RelayConfig struct {
	URL    string `yaml:"url"`
	Listen string `yaml:"listen"`
	// Redis is the address of the redis server backing the relay directory.
	// Empty keeps everything in memory.
	Redis string `yaml:"redis"`
}

// PreKeyConfig controls the one-time pre-key pool.
type PreKeyConfig struct {
	Amount int `yaml:"amount"`
	Min    int `yaml:"min"`
}

// UnmarshalYAML decodes over the current values. An absent min is clamped
// to the decoded amount.
func (p *PreKeyConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Amount *int `yaml:"amount"`
		Min    *int `yaml:"min"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Amount != nil {
		p.Amount = *raw.Amount
	}
	if raw.Min != nil {
		p.Min = *raw.Min
	} else {
		p.Min = min(p.Min, p.Amount)
	}
	return nil
}

// LoggingConfig selects the logrus level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Account is one local account.
type Account struct {
	JID        domain.JID `yaml:"jid"`
	Passphrase string     `yaml:"passphrase,omitempty"`
	// PassphraseEnv names an environment variable holding the passphrase.
	PassphraseEnv string `yaml:"passphrase_env,omitempty"`
}

// Secret returns the passphrase protecting the account's local identity.
func (a Account) Secret() string {
	if a.PassphraseEnv != "" {
		if v, ok := os.LookupEnv(a.PassphraseEnv); ok {
			return v
		}
	}
	return a.Passphrase
}

// Default returns the configuration used when no file exists.
func Default(dir string) Config {
	return Config{
		DataDir:      filepath.Join(dir, "data"),
		AutoActivate: true,
		Relay: RelayConfig{
			URL:    DefaultRelayURL,
			Listen: DefaultListen,
		},
		PreKeys: PreKeyConfig{Amount: DefaultPreKeys, Min: DefaultPreKeyMin},
		Logging: LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Dir:     dir,
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default(filepath.Dir(path))
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.Dir, cfg.DataDir)
	}
	return cfg, cfg.Validate()
}

// Validate checks the pre-key bounds, the logging settings and the
// accounts.
func (c Config) Validate() error {
	if c.PreKeys.Amount <= 0 {
		return fmt.Errorf("%w: prekeys.amount must be positive", ErrInvalid)
	}
	if c.PreKeys.Min < 0 || c.PreKeys.Min > c.PreKeys.Amount {
		return fmt.Errorf("%w: prekeys.min must be within [0, prekeys.amount]", ErrInvalid)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalid, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be text or json", ErrInvalid)
	}
	seen := make(map[domain.JID]struct{}, len(c.Accounts))
	for _, acc := range c.Accounts {
		if strings.TrimSpace(string(acc.JID)) == "" {
			return fmt.Errorf("%w: account without jid", ErrInvalid)
		}
		if _, dup := seen[acc.JID]; dup {
			return fmt.Errorf("%w: account %s listed twice", ErrInvalid, acc.JID)
		}
		seen[acc.JID] = struct{}{}
	}
	return nil
}

// Account returns the configured account jid. An empty jid selects the
// first account.
func (c Config) Account(jid domain.JID) (Account, error) {
	for _, acc := range c.Accounts {
		if jid == "" || acc.JID == jid {
			return acc, nil
		}
	}
	if jid == "" {
		return Account{}, fmt.Errorf("%w: no accounts", ErrUnknownAccount)
	}
	return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, jid)
}

// SetAccount adds acc or replaces the account with the same jid.
func (c *Config) SetAccount(acc Account) {
	for i := range c.Accounts {
		if c.Accounts[i].JID == acc.JID {
			c.Accounts[i] = acc
			return
		}
	}
	c.Accounts = append(c.Accounts, acc)
}

// StorePath is the database file of the account jid.
func (c Config) StorePath(jid domain.JID) string {
	name := strings.NewReplacer("/", "_", "@", "_at_", string(filepath.Separator), "_").Replace(string(jid))
	return filepath.Join(c.DataDir, name+".db")
}

// Logger builds a logrus logger from the logging section.
func (c Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	if c.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// Save writes cfg to path via a temp file, then atomically replaces the
// target.
func Save(path string, cfg Config) error {
	out := cfg
	if rel, err := filepath.Rel(filepath.Dir(path), cfg.DataDir); err == nil && !strings.HasPrefix(rel, "..") {
		out.DataDir = rel
	}
	b, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirMode); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(configFileMode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
