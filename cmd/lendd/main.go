package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"taolend/audit"
	"taolend/config"
	"taolend/core/events"
	"taolend/core/state"
	"taolend/crypto"
	"taolend/journal"
	"taolend/native/lend"
	"taolend/observability"
	"taolend/observability/logging"
	"taolend/observability/otel"
	"taolend/rpc"
	"taolend/rpc/modules"
	"taolend/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("lendd: fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("lendd", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "lendd",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("lendd: telemetry shutdown", slog.String("error", err.Error()))
			}
		}()
	}

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("lendd: close state database", slog.String("error", err.Error()))
		}
	}()

	manager := state.NewManager(db)
	if err := registerTokens(manager, cfg); err != nil {
		return err
	}
	if err := grantRoles(manager, cfg); err != nil {
		return err
	}

	jnl, err := journal.Open(cfg.JournalDSN, nil)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := jnl.Close(); err != nil {
			logger.Warn("lendd: close journal", slog.String("error", err.Error()))
		}
	}()

	engine, err := buildEngine(cfg, manager, jnl, logger)
	if err != nil {
		return err
	}

	auditor := audit.NewExporter(cfg.AuditDir, engine, manager, jnl, logger)
	if cfg.AuditIntervalSeconds > 0 {
		go auditor.RunEvery(ctx, time.Duration(cfg.AuditIntervalSeconds)*time.Second)
	}

	server := rpc.NewServer(modules.NewLendModule(engine, jnl), jnl, auditor, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("lendd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown rpc server: %w", err)
	}
	return <-errCh
}

func openDatabase(cfg *config.Config, logger *slog.Logger) (storage.Database, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		logger.Warn("lendd: no data directory configured, state is in-memory only")
		return storage.NewMemDB(), nil
	}
	path := filepath.Join(cfg.DataDir, "state")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open state database at %s: %w", path, err)
	}
	logger.Info("lendd: state database open", slog.String("path", path))
	return db, nil
}

func registerTokens(manager *state.Manager, cfg *config.Config) error {
	tokens := []struct {
		symbol   string
		name     string
		decimals uint8
	}{
		{cfg.Pair.AssetSymbol, cfg.Pair.AssetName, cfg.Pair.AssetDecimals},
		{cfg.Pair.CollateralSymbol, cfg.Pair.CollateralName, cfg.Pair.CollateralDecimals},
	}
	for _, token := range tokens {
		if manager.TokenExists(token.symbol) {
			continue
		}
		name := token.name
		if strings.TrimSpace(name) == "" {
			name = strings.ToUpper(strings.TrimSpace(token.symbol))
		}
		if err := manager.RegisterToken(token.symbol, name, token.decimals); err != nil {
			return fmt.Errorf("register token %s: %w", token.symbol, err)
		}
	}
	return nil
}

func grantRoles(manager *state.Manager, cfg *config.Config) error {
	grants := []struct {
		role    string
		members []string
	}{
		{lend.RoleOperator, cfg.Roles.Operators},
		{lend.RoleTimelock, cfg.Roles.Timelocks},
	}
	for _, grant := range grants {
		for _, member := range grant.members {
			addr, err := crypto.DecodeAddress(member)
			if err != nil {
				return fmt.Errorf("role %s: decode address %q: %w", grant.role, member, err)
			}
			if err := manager.GrantRole(grant.role, addr); err != nil {
				return fmt.Errorf("role %s: grant %s: %w", grant.role, member, err)
			}
		}
	}
	return nil
}

func buildEngine(cfg *config.Config, manager *state.Manager, jnl *journal.Journal, logger *slog.Logger) (*lend.Engine, error) {
	engine := lend.NewEngine(pairAddress(cfg), cfg.Pair.AssetSymbol, cfg.Pair.CollateralSymbol)
	engine.SetState(manager)
	engine.SetLedger(manager)
	engine.SetShareMetadata(cfg.Pair.ShareName, cfg.Pair.ShareSymbol, cfg.Pair.ShareDecimals)
	engine.SetEmitter(events.NewMultiEmitter(
		journal.NewSink(jnl, logger),
		observability.MetricsEmitter{},
	))

	engine.RegisterOracle("manual", lend.NewManualOracle())
	signed := lend.NewSignedOracle()
	for _, signer := range cfg.Oracle.Signers {
		addr, err := crypto.DecodeAddress(signer.Address)
		if err != nil {
			return nil, fmt.Errorf("oracle signer %s: decode address: %w", signer.Provider, err)
		}
		var raw [20]byte
		copy(raw[:], addr.Bytes())
		signed.RegisterSigner(signer.Provider, raw)
	}
	engine.RegisterOracle("signed", signed)

	engine.RegisterRateModel("kinked", lend.NewKinkedRateModel(
		cfg.RateModel.BaseRate, cfg.RateModel.Slope1, cfg.RateModel.Slope2, cfg.RateModel.Kink,
	))

	if owner := strings.TrimSpace(cfg.Pair.Owner); owner != "" {
		ownerAddr, err := crypto.DecodeAddress(owner)
		if err != nil {
			return nil, fmt.Errorf("pair owner: decode address: %w", err)
		}
		params, err := cfg.Pair.RiskParameters()
		if err != nil {
			return nil, err
		}
		err = engine.InitPair(ownerAddr, params, cfg.Oracle.Source, "kinked")
		switch {
		case err == nil:
			logger.Info("lendd: pair initialised",
				slog.String("owner", owner),
				slog.String("asset", cfg.Pair.AssetSymbol),
				slog.String("collateral", cfg.Pair.CollateralSymbol))
		case errors.Is(err, lend.ErrPairExists):
			logger.Info("lendd: pair already initialised, config genesis skipped")
		default:
			return nil, fmt.Errorf("init pair: %w", err)
		}
	}
	return engine, nil
}

// pairAddress derives the pair's custody account deterministically from the
// token symbols, so restarts always resolve the same vault account.
func pairAddress(cfg *config.Config) crypto.Address {
	seed := fmt.Sprintf("taolend/pair/%s/%s",
		strings.ToUpper(strings.TrimSpace(cfg.Pair.AssetSymbol)),
		strings.ToUpper(strings.TrimSpace(cfg.Pair.CollateralSymbol)))
	hash := ethcrypto.Keccak256([]byte(seed))
	return crypto.MustNewAddress(hash[12:])
}
