package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fundvault/core/genesis"
	"fundvault/crypto"
	"fundvault/native/oracle"

	"github.com/BurntSushi/toml"
)

const (
	defaultRPCAddress     = ":8080"
	defaultDataDir        = "./fundvault-data"
	defaultNetworkName    = "fundvault-local"
	defaultEnvironment    = "development"
	defaultMinimumUSD     = "50000000000000000000"
	defaultOraclePrice    = "200000000000"
	defaultOracleDecimals = 8
)

// Config is the on-disk daemon configuration. The RPC auth token is
// deliberately absent: it is read from the FUNDVAULT_RPC_TOKEN environment
// variable so secrets never land in the config file.
type Config struct {
	RPCAddress        string `toml:"RPCAddress"`
	DataDir           string `toml:"DataDir"`
	GenesisFile       string `toml:"GenesisFile"`
	NetworkName       string `toml:"NetworkName"`
	Environment       string `toml:"Environment"`
	LogFile           string `toml:"LogFile"`
	OwnerKeystorePath string `toml:"OwnerKeystorePath"`

	OracleRequestTimeoutSeconds int `toml:"OracleRequestTimeoutSeconds"`

	RPCTrustedProxies    []string `toml:"RPCTrustedProxies"`
	RPCTrustProxyHeaders bool     `toml:"RPCTrustProxyHeaders"`
	RPCReadHeaderTimeout int      `toml:"RPCReadHeaderTimeout"`
	RPCReadTimeout       int      `toml:"RPCReadTimeout"`
	RPCWriteTimeout      int      `toml:"RPCWriteTimeout"`
	RPCIdleTimeout       int      `toml:"RPCIdleTimeout"`
	RPCTLSCertFile       string   `toml:"RPCTLSCertFile"`
	RPCTLSKeyFile        string   `toml:"RPCTLSKeyFile"`
	RPCAllowInsecure     bool     `toml:"RPCAllowInsecure"`
	RPCWriteRateLimit    int      `toml:"RPCWriteRateLimit"`
}

// Option adjusts how Load resolves a configuration.
type Option func(*loadOptions)

type loadOptions struct {
	passphraseSource func() (string, error)
}

// WithKeystorePassphrase supplies the passphrase used to encrypt the owner
// keystore when Load has to create one. Loading an existing config whose
// keystore is already on disk does not need it.
func WithKeystorePassphrase(passphrase string) Option {
	return func(o *loadOptions) {
		o.passphraseSource = func() (string, error) { return passphrase, nil }
	}
}

// WithKeystorePassphraseSource defers passphrase resolution until a keystore
// actually has to be created. Daemons pass an interactive prompt here so a
// node with an existing keystore starts without operator input.
func WithKeystorePassphraseSource(source func() (string, error)) Option {
	return func(o *loadOptions) {
		o.passphraseSource = source
	}
}

func (o loadOptions) resolvePassphrase() (string, error) {
	if o.passphraseSource == nil {
		return "", errors.New("owner keystore passphrase required")
	}
	passphrase, err := o.passphraseSource()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("owner keystore passphrase cannot be empty")
	}
	return passphrase, nil
}

// Load loads the configuration from the given path, creating a default
// config, owner keystore and genesis document when the path does not exist.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "AuthToken" {
			return nil, fmt.Errorf("config file %s must not carry AuthToken; export FUNDVAULT_RPC_TOKEN instead", path)
		}
	}

	if err := ensureOwnerKeystore(path, cfg, options); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = defaultEnvironment
	}
	if cfg.RPCTrustedProxies == nil {
		cfg.RPCTrustedProxies = []string{}
	}

	return cfg, nil
}

// ensureOwnerKeystore guarantees the owner keystore referenced by the config
// exists, creating it when missing. Creation is refused without a passphrase
// so the vault owner key is never written unprotected.
func ensureOwnerKeystore(configPath string, cfg *Config, opts loadOptions) error {
	keystorePath := cfg.OwnerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		passphrase, err := opts.resolvePassphrase()
		if err != nil {
			return fmt.Errorf("owner keystore %s does not exist: %w", keystorePath, err)
		}
		if _, _, err := crypto.GenerateToKeystore(keystorePath, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OwnerKeystorePath != keystorePath {
		cfg.OwnerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file alongside a
// fresh owner keystore and a genesis document naming that key as owner.
func createDefault(path string, opts loadOptions) (*Config, error) {
	passphrase, err := opts.resolvePassphrase()
	if err != nil {
		return nil, fmt.Errorf("cannot create default configuration: %w", err)
	}

	keystorePath := defaultKeystorePath(path)
	_, owner, err := crypto.GenerateToKeystore(keystorePath, passphrase)
	if err != nil {
		return nil, err
	}

	genesisPath := defaultGenesisPath(path)
	if err := writeDefaultGenesis(genesisPath, owner.String()); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:        defaultRPCAddress,
		DataDir:           defaultDataDir,
		GenesisFile:       genesisPath,
		NetworkName:       defaultNetworkName,
		Environment:       defaultEnvironment,
		RPCTrustedProxies: []string{},
	}
	cfg.OwnerKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func writeDefaultGenesis(path, owner string) error {
	if _, err := os.Stat(path); err == nil {
		// An existing genesis is never overwritten.
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	spec := &genesis.GenesisSpec{
		GenesisTime: time.Now().UTC().Format(time.RFC3339),
		NetworkName: defaultNetworkName,
		Owner:       owner,
		MinimumUSD:  defaultMinimumUSD,
		Oracle: oracle.FeedSpec{
			Kind:     oracle.FeedKindManual,
			Endpoint: "bootstrap",
			Price:    defaultOraclePrice,
			Decimals: defaultOracleDecimals,
		},
	}
	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
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
	return filepath.Join(configDir(configPath), "owner.keystore")
}

func defaultGenesisPath(configPath string) string {
	return filepath.Join(configDir(configPath), "genesis.json")
}

func configDir(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." {
		return ""
	}
	return dir
}
