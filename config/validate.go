package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidateConfig checks the invariants a daemon needs before it starts
// serving. Load applies defaults but does not validate, so callers that parse
// a config by hand get the same checks.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return errors.New("RPCAddress must be set")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("DataDir must be set")
	}
	if strings.TrimSpace(cfg.GenesisFile) == "" {
		return errors.New("GenesisFile must be set")
	}
	if strings.TrimSpace(cfg.OwnerKeystorePath) == "" {
		return errors.New("OwnerKeystorePath must be set")
	}

	cert := strings.TrimSpace(cfg.RPCTLSCertFile)
	key := strings.TrimSpace(cfg.RPCTLSKeyFile)
	if (cert == "") != (key == "") {
		return errors.New("RPCTLSCertFile and RPCTLSKeyFile must be set together")
	}
	if cert == "" && !cfg.RPCAllowInsecure {
		return errors.New("RPC transport needs RPCTLSCertFile/RPCTLSKeyFile, or RPCAllowInsecure for loopback use")
	}

	if cfg.RPCWriteRateLimit < 0 {
		return errors.New("RPCWriteRateLimit must not be negative")
	}
	for _, timeout := range []struct {
		name  string
		value int
	}{
		{"RPCReadHeaderTimeout", cfg.RPCReadHeaderTimeout},
		{"RPCReadTimeout", cfg.RPCReadTimeout},
		{"RPCWriteTimeout", cfg.RPCWriteTimeout},
		{"RPCIdleTimeout", cfg.RPCIdleTimeout},
		{"OracleRequestTimeoutSeconds", cfg.OracleRequestTimeoutSeconds},
	} {
		if timeout.value < 0 {
			return fmt.Errorf("%s must not be negative", timeout.name)
		}
	}

	return nil
}
