package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fundvault/cmd/internal/passphrase"
	"fundvault/config"
	"fundvault/core"
	"fundvault/core/genesis"
	"fundvault/observability/logging"
	"fundvault/rpc"
	"fundvault/storage"
)

const (
	ownerPassEnv   = "FUNDVAULT_OWNER_PASS"
	genesisPathEnv = "FUNDVAULT_GENESIS"
	serviceName    = "fundvaultd"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides FUNDVAULT_GENESIS and config GenesisFile)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FUNDVAULT_ENV"))
	logger := logging.Setup(serviceName, env)

	passSource := passphrase.NewSource(ownerPassEnv)

	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		logger.Error("Invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	if env == "" {
		env = cfg.Environment
	}
	logger = logging.SetupWithSink(serviceName, env, cfg.LogFile)

	genesisPath, err := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv)
	if err != nil {
		logger.Error("Failed to resolve genesis path", slog.Any("error", err))
		os.Exit(1)
	}

	spec, err := genesis.LoadGenesisSpec(genesisPath)
	if err != nil {
		logger.Error("Failed to load genesis spec", slog.Any("error", err))
		os.Exit(1)
	}
	if cfgNetwork := strings.TrimSpace(cfg.NetworkName); cfgNetwork != "" && cfgNetwork != spec.NetworkName {
		logger.Error("Config network does not match genesis network",
			slog.String("config_network", cfgNetwork),
			slog.String("genesis_network", spec.NetworkName))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db, spec)
	if err != nil {
		logger.Error("Failed to open fund vault", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.OracleRequestTimeoutSeconds > 0 {
		node.SetHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.OracleRequestTimeoutSeconds) * time.Second,
		})
	}

	rpcToken := strings.TrimSpace(os.Getenv("FUNDVAULT_RPC_TOKEN"))
	if rpcToken == "" {
		logger.Warn("FUNDVAULT_RPC_TOKEN is not set; fund write methods will be refused")
	} else {
		logger.Info("RPC write authentication armed",
			logging.MaskField("auth_token", rpcToken))
	}

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		TrustedProxies:    append([]string{}, cfg.RPCTrustedProxies...),
		TrustProxyHeaders: cfg.RPCTrustProxyHeaders,
		AllowInsecure:     cfg.RPCAllowInsecure,
		TLSCertFile:       cfg.RPCTLSCertFile,
		TLSKeyFile:        cfg.RPCTLSKeyFile,
		WriteRateLimit:    cfg.RPCWriteRateLimit,
		ReadHeaderTimeout: time.Duration(cfg.RPCReadHeaderTimeout) * time.Second,
		ReadTimeout:       time.Duration(cfg.RPCReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.RPCWriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.RPCIdleTimeout) * time.Second,
	})

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start(cfg.RPCAddress)
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		if err, ok := <-rpcErrCh; ok && err != nil && err != http.ErrServerClosed {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}()

	logger.Info("Fund vault node initialised and running",
		slog.String("network", spec.NetworkName),
		slog.String("rpc_address", cfg.RPCAddress))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", slog.Any("error", err))
	}
}

type envLookupFunc func(string) (string, bool)

// resolveGenesisPath picks the genesis document: CLI flag, then environment,
// then config, in that order.
func resolveGenesisPath(cliPath, cfgPath string, lookup envLookupFunc) (string, error) {
	if trimmed := strings.TrimSpace(cliPath); trimmed != "" {
		return trimmed, nil
	}

	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, nil
			}
		}
	}

	if trimmed := strings.TrimSpace(cfgPath); trimmed != "" {
		return trimmed, nil
	}

	return "", fmt.Errorf("no genesis file provided; supply one via --genesis, %s, or config GenesisFile", genesisPathEnv)
}

// waitForRPCStartup polls the RPC address until it accepts connections, the
// server goroutine reports an error, or the timeout lapses.
func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
