package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendguard/crypto"
	"lendguard/native/lending"
)

// Config is the on-disk configuration of a lendguard node: where state lives,
// how ledger slots are derived and the lending market to install at genesis.
type Config struct {
	DataDir string         `toml:"DataDir"`
	Clock   Clock          `toml:"clock"`
	Lending lending.Config `toml:"lending"`
}

// Clock derives ledger slots from wall-clock time. Entities refreshed within
// the same slot count as fresh.
type Clock struct {
	GenesisUnix uint64 `toml:"GenesisUnix"`
	SlotMillis  uint64 `toml:"SlotMillis"`
}

// Slot returns the slot containing unixMillis.
func (c Clock) Slot(unixMillis uint64) uint64 {
	genesis := c.GenesisUnix * 1000
	if c.SlotMillis == 0 || unixMillis <= genesis {
		return 0
	}
	return (unixMillis - genesis) / c.SlotMillis
}

// Load loads the configuration from the given path. A default configuration
// is written when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}

	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./lendguard-data"
	}
	if cfg.Clock.SlotMillis == 0 {
		cfg.Clock.SlotMillis = 400
	}
	cfg.Lending.EnsureDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// createDefault creates and saves a local development configuration with
// freshly generated market identities.
func createDefault(path string) (*Config, error) {
	ids := make([]crypto.Address, 4)
	for i := range ids {
		addr, err := crypto.NewRandomAddress()
		if err != nil {
			return nil, err
		}
		ids[i] = addr
	}

	cfg := &Config{
		DataDir: "./lendguard-data",
		Clock:   Clock{SlotMillis: 400},
		Lending: lending.Config{
			DeploymentMode: lending.ModeProduction.String(),
			Market: lending.MarketConfig{
				Address:                          ids[0].String(),
				Owner:                            ids[1].String(),
				LiquidationMaxDebtCloseFactorPct: 20,
				InsolvencyRiskUnhealthyLTVPct:    95,
				MinFullLiquidationValueThreshold: 2,
			},
			Reserves: []lending.ReserveConfigEntry{
				{Address: ids[2].Encode(crypto.ReservePrefix), Symbol: "USDC", MintDecimals: 6, Config: lending.DefaultReserveConfig()},
				{Address: ids[3].Encode(crypto.ReservePrefix), Symbol: "SOL", MintDecimals: 9, Config: lending.DefaultReserveConfig()},
			},
		},
	}
	if err := ValidateConfig(cfg); err != nil {
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
