package symbols

import (
	"fmt"
	"os"

	"nyyu-pricefeed/internal/models"

	"gopkg.in/yaml.v3"
)

// DefaultPairs seeds the broadcaster when no pairs file is available
var DefaultPairs = []string{
	"BTC/USD",
	"ETH/USD",
	"SOL/USD",
	"XRP/USD",
	"ADA/USD",
	"DOGE/USD",
	"LTC/USD",
	"DOT/USD",
}

// PairsConfig represents the YAML configuration structure
type PairsConfig struct {
	Pairs []string `yaml:"pairs"`
}

// LoadPairsFromYAML loads and validates pairs from a YAML file
func LoadPairsFromYAML(filePath string) ([]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pairs file: %w", err)
	}

	var config PairsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse pairs YAML: %w", err)
	}

	if len(config.Pairs) == 0 {
		return nil, fmt.Errorf("no pairs found in %s", filePath)
	}

	pairs, err := models.NormalizePairs(config.Pairs)
	if err != nil {
		return nil, fmt.Errorf("pairs file %s: %w", filePath, err)
	}
	return pairs, nil
}

// LoadPairsWithFallback tries to load from YAML, falls back to defaults.
// The returned error, if any, explains why the defaults were used.
func LoadPairsWithFallback(filePath string) ([]string, error) {
	pairs, err := LoadPairsFromYAML(filePath)
	if err != nil {
		return append([]string(nil), DefaultPairs...), err
	}
	return pairs, nil
}
