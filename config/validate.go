package config

import (
	"fmt"
	"strings"

	"lendguard/native/lending"
)

// MaxReserves bounds the reserves a single market may configure.
const MaxReserves = 64

// ValidateConfig checks that the configuration can boot an engine.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	if cfg.Clock.SlotMillis == 0 {
		return fmt.Errorf("clock: SlotMillis must be positive")
	}
	if _, err := cfg.Lending.Mode(); err != nil {
		return fmt.Errorf("lending: %w", err)
	}
	if len(cfg.Lending.Reserves) == 0 {
		return fmt.Errorf("lending: at least one reserve must be configured")
	}
	if len(cfg.Lending.Reserves) > MaxReserves {
		return fmt.Errorf("lending: %d reserves configured, max %d", len(cfg.Lending.Reserves), MaxReserves)
	}
	symbols := make(map[string]struct{}, len(cfg.Lending.Reserves))
	for i, entry := range cfg.Lending.Reserves {
		symbol := strings.ToUpper(strings.TrimSpace(entry.Symbol))
		if symbol == "" {
			return fmt.Errorf("lending: reserves[%d] symbol must be set", i)
		}
		if _, dup := symbols[symbol]; dup {
			return fmt.Errorf("lending: duplicate reserve symbol %s", symbol)
		}
		symbols[symbol] = struct{}{}
	}
	if _, _, err := cfg.Lending.Genesis(); err != nil {
		return fmt.Errorf("lending: %w", err)
	}
	return nil
}

// ReserveSymbols maps reserve symbols to their configured addresses.
func (cfg *Config) ReserveSymbols() map[string]string {
	out := make(map[string]string, len(cfg.Lending.Reserves))
	for _, entry := range cfg.Lending.Reserves {
		out[strings.ToUpper(strings.TrimSpace(entry.Symbol))] = strings.TrimSpace(entry.Address)
	}
	return out
}

// Engine returns the deployment mode and pause switches to apply at boot.
func (cfg *Config) Engine() (lending.DeploymentMode, lending.ActionPauses, error) {
	mode, err := cfg.Lending.Mode()
	return mode, cfg.Lending.Pauses, err
}
