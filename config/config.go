// Package config loads the node's TOML configuration. A missing file is
// replaced with a default one so a fresh checkout starts without ceremony.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"taolend/native/lend"
)

// Config is the root of the lendd configuration file.
type Config struct {
	RPCAddress           string `toml:"RPCAddress"`
	DataDir              string `toml:"DataDir"`
	NetworkName          string `toml:"NetworkName"`
	Environment          string `toml:"Environment"`
	JournalDSN           string `toml:"JournalDSN"`
	AuditDir             string `toml:"AuditDir"`
	AuditIntervalSeconds uint64 `toml:"AuditIntervalSeconds"`

	Pair      PairConfig      `toml:"pair"`
	RateModel RateModelConfig `toml:"rate_model"`
	Oracle    OracleConfig    `toml:"oracle"`
	Roles     RolesConfig     `toml:"roles"`
}

// PairConfig seeds the lending pair at first boot.
type PairConfig struct {
	Owner string `toml:"Owner"`

	AssetSymbol        string `toml:"AssetSymbol"`
	AssetName          string `toml:"AssetName"`
	AssetDecimals      uint8  `toml:"AssetDecimals"`
	CollateralSymbol   string `toml:"CollateralSymbol"`
	CollateralName     string `toml:"CollateralName"`
	CollateralDecimals uint8  `toml:"CollateralDecimals"`

	ShareName     string `toml:"ShareName"`
	ShareSymbol   string `toml:"ShareSymbol"`
	ShareDecimals uint8  `toml:"ShareDecimals"`

	MaxLTVBps                 uint64 `toml:"MaxLTVBps"`
	CleanLiquidationFeeBps    uint64 `toml:"CleanLiquidationFeeBps"`
	DirtyLiquidationFeeBps    uint64 `toml:"DirtyLiquidationFeeBps"`
	ProtocolLiquidationFeeBps uint64 `toml:"ProtocolLiquidationFeeBps"`
	DirtyThresholdBps         uint64 `toml:"DirtyThresholdBps"`
	MaxOracleDeviationBps     uint64 `toml:"MaxOracleDeviationBps"`
	MaxPriceAgeSeconds        uint64 `toml:"MaxPriceAgeSeconds"`
	// DepositLimit and BorrowLimit cap the pools in base units. Empty means
	// unbounded.
	DepositLimit string `toml:"DepositLimit"`
	BorrowLimit  string `toml:"BorrowLimit"`
}

// RateModelConfig carries the kinked two-slope curve coefficients as annual
// rates (0.05 reads five percent APR).
type RateModelConfig struct {
	BaseRate float64 `toml:"BaseRate"`
	Slope1   float64 `toml:"Slope1"`
	Slope2   float64 `toml:"Slope2"`
	Kink     float64 `toml:"Kink"`
}

// OracleConfig selects the boot price source. Source "manual" serves operator
// submitted prices; "signed" requires registered feeder signatures.
type OracleConfig struct {
	Source  string         `toml:"Source"`
	Signers []SignerConfig `toml:"signers"`
}

// SignerConfig registers one price feeder for the signed oracle.
type SignerConfig struct {
	Provider string `toml:"Provider"`
	Address  string `toml:"Address"`
}

// RolesConfig grants the two lower permission tiers at genesis.
type RolesConfig struct {
	Operators []string `toml:"Operators"`
	Timelocks []string `toml:"Timelocks"`
}

// Load reads the configuration from path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Normalise(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalise fills defaults and rejects values the engine cannot run under.
func (c *Config) Normalise() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "taolend-local"
	}
	if strings.TrimSpace(c.JournalDSN) == "" {
		if strings.TrimSpace(c.DataDir) != "" {
			c.JournalDSN = filepath.Join(c.DataDir, "journal.db")
		} else {
			// No data directory means the state store is in-memory too, so an
			// ephemeral journal is consistent with the rest of the node.
			c.JournalDSN = "file::memory:?cache=shared"
		}
	}
	if strings.TrimSpace(c.AuditDir) == "" && strings.TrimSpace(c.DataDir) != "" {
		c.AuditDir = filepath.Join(c.DataDir, "audit")
	}

	if strings.TrimSpace(c.Pair.AssetSymbol) == "" {
		return fmt.Errorf("config: pair.AssetSymbol is required")
	}
	if strings.TrimSpace(c.Pair.CollateralSymbol) == "" {
		return fmt.Errorf("config: pair.CollateralSymbol is required")
	}
	if strings.EqualFold(strings.TrimSpace(c.Pair.AssetSymbol), strings.TrimSpace(c.Pair.CollateralSymbol)) {
		return fmt.Errorf("config: asset and collateral symbols must differ")
	}
	if c.Pair.AssetDecimals == 0 {
		c.Pair.AssetDecimals = 18
	}
	if c.Pair.CollateralDecimals == 0 {
		c.Pair.CollateralDecimals = 18
	}
	if strings.TrimSpace(c.Pair.ShareName) == "" {
		c.Pair.ShareName = fmt.Sprintf("%s Supply Share", strings.ToUpper(strings.TrimSpace(c.Pair.AssetSymbol)))
	}
	if strings.TrimSpace(c.Pair.ShareSymbol) == "" {
		c.Pair.ShareSymbol = "s" + strings.ToUpper(strings.TrimSpace(c.Pair.AssetSymbol))
	}
	if c.Pair.ShareDecimals == 0 {
		c.Pair.ShareDecimals = c.Pair.AssetDecimals
	}

	params, err := c.Pair.RiskParameters()
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.RateModel == (RateModelConfig{}) {
		c.RateModel = RateModelConfig{BaseRate: 0.01, Slope1: 0.04, Slope2: 0.75, Kink: 0.8}
	}
	if c.RateModel.Kink <= 0 || c.RateModel.Kink >= 1 {
		return fmt.Errorf("config: rate_model.Kink must lie in (0,1)")
	}
	if c.RateModel.BaseRate < 0 || c.RateModel.Slope1 < 0 || c.RateModel.Slope2 < 0 {
		return fmt.Errorf("config: rate model coefficients must be non-negative")
	}

	source := strings.ToLower(strings.TrimSpace(c.Oracle.Source))
	if source == "" {
		source = "manual"
	}
	switch source {
	case "manual":
	case "signed":
		if len(c.Oracle.Signers) == 0 {
			return fmt.Errorf("config: oracle.Source \"signed\" requires at least one signer")
		}
	default:
		return fmt.Errorf("config: unknown oracle source %q", c.Oracle.Source)
	}
	c.Oracle.Source = source
	for i, signer := range c.Oracle.Signers {
		if strings.TrimSpace(signer.Provider) == "" {
			return fmt.Errorf("config: oracle.signers[%d].Provider is required", i)
		}
		if strings.TrimSpace(signer.Address) == "" {
			return fmt.Errorf("config: oracle.signers[%d].Address is required", i)
		}
	}
	return nil
}

// RiskParameters converts the pair section into the engine's parameter set.
func (p PairConfig) RiskParameters() (lend.RiskParameters, error) {
	depositLimit, err := parseLimit("pair.DepositLimit", p.DepositLimit)
	if err != nil {
		return lend.RiskParameters{}, err
	}
	borrowLimit, err := parseLimit("pair.BorrowLimit", p.BorrowLimit)
	if err != nil {
		return lend.RiskParameters{}, err
	}
	params := lend.RiskParameters{
		MaxLTVBps:                 p.MaxLTVBps,
		CleanLiquidationFeeBps:    p.CleanLiquidationFeeBps,
		DirtyLiquidationFeeBps:    p.DirtyLiquidationFeeBps,
		ProtocolLiquidationFeeBps: p.ProtocolLiquidationFeeBps,
		DirtyThresholdBps:         p.DirtyThresholdBps,
		MaxOracleDeviationBps:     p.MaxOracleDeviationBps,
		MaxPriceAgeSeconds:        p.MaxPriceAgeSeconds,
		DepositLimit:              depositLimit,
		BorrowLimit:               borrowLimit,
	}
	if params.MaxLTVBps == 0 {
		defaults := lend.DefaultRiskParameters()
		params.MaxLTVBps = defaults.MaxLTVBps
		if params.CleanLiquidationFeeBps == 0 {
			params.CleanLiquidationFeeBps = defaults.CleanLiquidationFeeBps
		}
		if params.DirtyLiquidationFeeBps == 0 {
			params.DirtyLiquidationFeeBps = defaults.DirtyLiquidationFeeBps
		}
		if params.ProtocolLiquidationFeeBps == 0 {
			params.ProtocolLiquidationFeeBps = defaults.ProtocolLiquidationFeeBps
		}
	}
	if params.DirtyThresholdBps == 0 {
		params.DirtyThresholdBps = lend.DefaultRiskParameters().DirtyThresholdBps
	}
	if params.MaxPriceAgeSeconds == 0 {
		params.MaxPriceAgeSeconds = lend.DefaultRiskParameters().MaxPriceAgeSeconds
	}
	return params, nil
}

func parseLimit(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	limit, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || limit.Sign() < 0 {
		return nil, fmt.Errorf("config: %s must be a non-negative base-10 integer", field)
	}
	return limit, nil
}

// createDefault writes a runnable local configuration and returns it.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./taolend-data",
		NetworkName: "taolend-local",
		Environment: "dev",
		Pair: PairConfig{
			AssetSymbol:        "TAO",
			AssetName:          "Tao Token",
			AssetDecimals:      18,
			CollateralSymbol:   "CLT",
			CollateralName:     "Collateral Token",
			CollateralDecimals: 18,
		},
	}
	if err := cfg.Normalise(); err != nil {
		return nil, err
	}
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
