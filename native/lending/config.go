package lending

import (
	"fmt"
	"strings"

	"lendguard/crypto"
)

// Config captures the runtime configuration for the lending risk engine.
type Config struct {
	// DeploymentMode is "production" or "self-test".
	DeploymentMode string               `toml:"DeploymentMode"`
	Pauses         ActionPauses         `toml:"pauses"`
	Market         MarketConfig         `toml:"market"`
	Reserves       []ReserveConfigEntry `toml:"reserves"`
}

// MarketConfig describes the lending market created at genesis.
type MarketConfig struct {
	Address                              string `toml:"Address"`
	Owner                                string `toml:"Owner"`
	RiskCouncil                          string `toml:"RiskCouncil"`
	LiquidationMaxDebtCloseFactorPct     uint64 `toml:"LiquidationMaxDebtCloseFactorPct"`
	InsolvencyRiskUnhealthyLTVPct        uint64 `toml:"InsolvencyRiskUnhealthyLTVPct"`
	MinFullLiquidationValueThreshold     uint64 `toml:"MinFullLiquidationValueThreshold"`
	MaxLiquidatableDebtMarketValueAtOnce uint64 `toml:"MaxLiquidatableDebtMarketValueAtOnce"`
	GlobalAllowedBorrowValue             uint64 `toml:"GlobalAllowedBorrowValue"`
	BorrowDisabled                       bool   `toml:"BorrowDisabled"`

	AutodeleverageEnabled                        bool             `toml:"AutodeleverageEnabled"`
	IndividualAutodeleverageMarginCallPeriodSecs uint64           `toml:"IndividualAutodeleverageMarginCallPeriodSecs"`
	ElevationGroups                              []ElevationGroup `toml:"elevation_groups"`
}

// ReserveConfigEntry describes one reserve created at genesis.
type ReserveConfigEntry struct {
	Address          string        `toml:"Address"`
	Symbol           string        `toml:"Symbol"`
	MintDecimals     uint64        `toml:"MintDecimals"`
	InitialLiquidity uint64        `toml:"InitialLiquidity"`
	Config           ReserveConfig `toml:"config"`
}

// DefaultReserveConfig returns conservative reserve parameters.
func DefaultReserveConfig() ReserveConfig {
	return ReserveConfig{
		Status:                     ReserveActive,
		LoanToValuePct:             70,
		LiquidationThresholdPct:    80,
		MinLiquidationBonusBps:     200,
		MaxLiquidationBonusBps:     1_000,
		BadDebtLiquidationBonusBps: 100,
		BorrowFactorPct:            100,
		ProtocolLiquidationFeePct:  10,
		ProtocolTakeRatePct:        10,
		FlashLoanFeeBps:            9,
		Oracle:                     OracleConfig{MaxAgeSeconds: 60, MaxConfidenceBps: 200},
		Interest:                   DefaultInterestModel,
	}
}

// EnsureDefaults fills zero values with sane defaults.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.DeploymentMode) == "" {
		c.DeploymentMode = ModeProduction.String()
	}
	if c.Market.LiquidationMaxDebtCloseFactorPct == 0 {
		c.Market.LiquidationMaxDebtCloseFactorPct = 20
	}
	if c.Market.InsolvencyRiskUnhealthyLTVPct == 0 {
		c.Market.InsolvencyRiskUnhealthyLTVPct = 95
	}
	for i := range c.Reserves {
		entry := &c.Reserves[i]
		if entry.Config.BorrowFactorPct == 0 {
			entry.Config.BorrowFactorPct = 100
		}
		if entry.Config.Oracle.MaxAgeSeconds == 0 {
			entry.Config.Oracle.MaxAgeSeconds = 60
		}
		if entry.Config.Interest == (InterestModel{}) {
			entry.Config.Interest = DefaultInterestModel
		}
	}
}

// Mode parses the configured deployment mode.
func (c Config) Mode() (DeploymentMode, error) {
	return ParseDeploymentMode(c.DeploymentMode)
}

// Genesis builds the market and reserves described by the configuration.
func (c Config) Genesis() (*LendingMarket, []*Reserve, error) {
	marketAddr, err := decodeConfigAddress("market address", c.Market.Address)
	if err != nil {
		return nil, nil, err
	}
	owner, err := decodeConfigAddress("market owner", c.Market.Owner)
	if err != nil {
		return nil, nil, err
	}
	var council crypto.Address
	if strings.TrimSpace(c.Market.RiskCouncil) != "" {
		if council, err = decodeConfigAddress("risk council", c.Market.RiskCouncil); err != nil {
			return nil, nil, err
		}
	}
	market := &LendingMarket{
		Address:                              marketAddr,
		Owner:                                owner,
		RiskCouncil:                          council,
		LiquidationMaxDebtCloseFactorPct:     c.Market.LiquidationMaxDebtCloseFactorPct,
		InsolvencyRiskUnhealthyLTVPct:        c.Market.InsolvencyRiskUnhealthyLTVPct,
		MinFullLiquidationValueThreshold:     c.Market.MinFullLiquidationValueThreshold,
		MaxLiquidatableDebtMarketValueAtOnce: c.Market.MaxLiquidatableDebtMarketValueAtOnce,
		GlobalAllowedBorrowValue:             c.Market.GlobalAllowedBorrowValue,
		BorrowDisabled:                       c.Market.BorrowDisabled,
		ElevationGroups:                      append([]ElevationGroup(nil), c.Market.ElevationGroups...),
		AutodeleverageEnabled:                c.Market.AutodeleverageEnabled,

		IndividualAutodeleverageMarginCallPeriodSecs: c.Market.IndividualAutodeleverageMarginCallPeriodSecs,
	}
	if err := market.Validate(); err != nil {
		return nil, nil, err
	}

	reserves := make([]*Reserve, 0, len(c.Reserves))
	seen := make(map[crypto.Address]struct{}, len(c.Reserves))
	for i, entry := range c.Reserves {
		addr, err := decodeConfigAddress(fmt.Sprintf("reserves[%d] address", i), entry.Address)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[addr]; dup {
			return nil, nil, fmt.Errorf("reserves[%d]: duplicate address %s", i, entry.Address)
		}
		seen[addr] = struct{}{}
		if err := entry.Config.Validate(); err != nil {
			return nil, nil, fmt.Errorf("reserves[%d] (%s): %w", i, entry.Symbol, err)
		}
		if entry.MintDecimals > maxMintDecimals {
			return nil, nil, fmt.Errorf("reserves[%d]: mint decimals %d above %d", i, entry.MintDecimals, maxMintDecimals)
		}
		reserves = append(reserves, &Reserve{
			Address:       addr,
			LendingMarket: marketAddr,
			Liquidity: ReserveLiquidity{
				MintDecimals:         entry.MintDecimals,
				AvailableAmount:      entry.InitialLiquidity,
				CumulativeBorrowRate: FractionOne,
			},
			Config: entry.Config,
		})
	}
	return market, reserves, nil
}

func decodeConfigAddress(field, value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%s must be set", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}
