package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/elys-network/supervault/internal/types"
)

// strategyFile mirrors the YAML layout of STRATEGY_FILE.
type strategyFile struct {
	Strategies []strategyEntry `yaml:"strategies"`
}

type strategyEntry struct {
	Name        string  `yaml:"name"`
	Venue       string  `yaml:"venue"`
	Asset       string  `yaml:"asset"`
	BorrowRatio float64 `yaml:"borrow_ratio"`
	Enabled     *bool   `yaml:"enabled"`
}

// LoadStrategies reads the strategy file and resolves every entry into a typed slot.
// Unknown strategy names are a fatal configuration error.
func LoadStrategies(path string) (*types.StrategyRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file %s: %w", path, err)
	}
	return ParseStrategies(raw)
}

// ParseStrategies resolves the YAML document into a StrategyRegistry.
func ParseStrategies(raw []byte) (*types.StrategyRegistry, error) {
	var file strategyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse strategy file: %w", err)
	}
	if len(file.Strategies) == 0 {
		return nil, fmt.Errorf("strategy file lists no strategies")
	}

	slots := make([]types.StrategySlot, 0, len(file.Strategies))
	for i, entry := range file.Strategies {
		id, err := types.ParseStrategyID(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("strategies[%d]: %w", i, err)
		}
		if !common.IsHexAddress(entry.Asset) {
			return nil, fmt.Errorf("strategies[%d] (%s): asset %q is not a hex address", i, id, entry.Asset)
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		slots = append(slots, types.StrategySlot{
			ID:          id,
			Venue:       types.VenueID(entry.Venue),
			Asset:       common.HexToAddress(entry.Asset),
			BorrowRatio: entry.BorrowRatio,
			Enabled:     enabled,
		})
	}

	registry, err := types.NewStrategyRegistry(slots)
	if err != nil {
		return nil, fmt.Errorf("invalid strategy configuration: %w", err)
	}

	log.Info().Int("strategies", len(slots)).Int("enabled", len(registry.Enabled())).Msg("Strategy registry loaded")
	return registry, nil
}
