package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type CurrencyConfig struct {
	Symbol    string `yaml:"symbol"`
	Issuer    string `yaml:"issuer"`
	Native    bool   `yaml:"native"`
	Supply    string `yaml:"supply"`
	Precision int    `yaml:"precision"`
}

// LedgerConfig is the parsed ledger.yaml.
type LedgerConfig struct {
	Currencies []models.SupportedCurrency
	FeeRates   map[fees.Category]decimal.Decimal
}

type ledgerFile struct {
	Currencies []CurrencyConfig  `yaml:"currencies"`
	Fees       map[string]string `yaml:"fees"`
}

func LoadLedgerConfig(configFile string) (*LedgerConfig, error) {
	var configPath string
	if filepath.IsAbs(configFile) {
		configPath = configFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		configPath = filepath.Join(wd, configFile)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", configFile, err)
	}
	return ParseLedgerConfig(data)
}

func ParseLedgerConfig(data []byte) (*LedgerConfig, error) {
	var file ledgerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse ledger config: %w", err)
	}

	config := &LedgerConfig{
		Currencies: make([]models.SupportedCurrency, 0, len(file.Currencies)),
		FeeRates:   make(map[fees.Category]decimal.Decimal, len(file.Fees)),
	}

	seen := make(map[string]bool)
	natives := 0
	for i, c := range file.Currencies {
		symbol := strings.ToUpper(strings.TrimSpace(c.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("currency at index %d missing symbol", i)
		}
		if seen[symbol] {
			return nil, fmt.Errorf("currency %s declared twice", symbol)
		}
		seen[symbol] = true

		if c.Native {
			natives++
		} else if c.Issuer == "" {
			return nil, fmt.Errorf("currency %s missing issuer", symbol)
		}
		if c.Precision < 0 || c.Precision > 18 {
			return nil, fmt.Errorf("currency %s has invalid precision %d", symbol, c.Precision)
		}

		supply := decimal.Zero
		if c.Supply != "" {
			parsed, err := decimal.NewFromString(c.Supply)
			if err != nil {
				return nil, fmt.Errorf("currency %s has invalid supply %q: %w", symbol, c.Supply, err)
			}
			if parsed.IsNegative() {
				return nil, fmt.Errorf("currency %s has negative supply", symbol)
			}
			supply = parsed
		}
		config.Currencies = append(config.Currencies, models.SupportedCurrency{
			Symbol:    symbol,
			Issuer:    c.Issuer,
			Native:    c.Native,
			Supply:    supply,
			Precision: c.Precision,
		})
	}
	if natives > 1 {
		return nil, fmt.Errorf("only one native currency may be declared, found %d", natives)
	}

	for name, value := range file.Fees {
		category, err := fees.ParseCategory(strings.ToUpper(name))
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("fee %s has invalid rate %q: %w", name, value, err)
		}
		config.FeeRates[category] = rate
	}

	return config, nil
}

// Rates merges the file's fee rates with per-category overrides from the
// environment.
func (c *LedgerConfig) Rates(overrides map[string]decimal.Decimal) map[fees.Category]decimal.Decimal {
	rates := make(map[fees.Category]decimal.Decimal, len(c.FeeRates)+len(overrides))
	for category, rate := range c.FeeRates {
		rates[category] = rate
	}
	for name, rate := range overrides {
		rates[fees.Category(name)] = rate
	}
	return rates
}

// Precisions maps each currency symbol to its decimal places.
func (c *LedgerConfig) Precisions() map[string]int {
	precision := make(map[string]int, len(c.Currencies))
	for _, currency := range c.Currencies {
		precision[currency.Symbol] = currency.Precision
	}
	return precision
}
