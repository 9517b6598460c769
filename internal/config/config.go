// Package config loads the agent's YAML configuration. Credentials never
// live in the file: venue keys come from the environment and RPC endpoints
// are referenced by environment variable name, resolved at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"swapline/agent/internal/models"
	"swapline/agent/internal/utils/address"
)

// Duration parses YAML values like "30s" or "2m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	// Address the HTTP API binds to.
	Listen string `yaml:"listen"`
	// Path of the bbolt database holding transfer records.
	DB string `yaml:"db"`
	// Directory of the encrypted keystore.
	Keystore string `yaml:"keystore"`

	Networks map[string]NetworkConfig `yaml:"networks"`
	Runner   RunnerConfig             `yaml:"runner"`
	Retry    RetryConfig              `yaml:"retry"`
	Waits    WaitConfig               `yaml:"waits"`
	Quote    QuoteConfig              `yaml:"quote"`
}

type NetworkConfig struct {
	ChainID int64 `yaml:"chain_id"`
	// Name of the environment variable carrying the RPC endpoint, so the
	// URL with its embedded API key stays out of the file.
	RPCURLEnv   string `yaml:"rpc_url_env"`
	ExplorerURL string `yaml:"explorer_url"`
	// Network label the venue uses for withdrawals to this chain.
	LedgerChain      string `yaml:"ledger_chain"`
	MinConfirmations uint64 `yaml:"min_confirmations"`
	// Fixed gas limit for signed transactions; zero estimates per call.
	GasLimit uint64 `yaml:"gas_limit"`
	// Base fee multiple folded into the fee cap; zero means double.
	FeeMultiplier int64 `yaml:"fee_multiplier"`
	// Wei withheld from native-asset deposits on top of transfer gas.
	GasReserveWei int64 `yaml:"gas_reserve_wei"`
	// Upper-cased symbol to token mapping.
	Tokens map[string]models.Token `yaml:"tokens"`
}

// RPCURL resolves the network's RPC endpoint from the environment.
func (n NetworkConfig) RPCURL() (string, error) {
	url := os.Getenv(n.RPCURLEnv)
	if url == "" {
		return "", fmt.Errorf("environment variable %s is not set", n.RPCURLEnv)
	}
	return url, nil
}

type RunnerConfig struct {
	Interval      Duration `yaml:"interval"`
	MaxConcurrent int64    `yaml:"max_concurrent"`
	// Per-service concurrency budgets; zero or negative lifts the cap.
	LedgerBudget int64 `yaml:"ledger_budget"`
	ChainBudget  int64 `yaml:"chain_budget"`
	QuoteBudget  int64 `yaml:"quote_budget"`
}

type RetryConfig struct {
	Base        Duration `yaml:"base"`
	Max         Duration `yaml:"max"`
	MaxAttempts int      `yaml:"max_attempts"`
}

type WaitConfig struct {
	Withdraw     Duration `yaml:"withdraw"`
	Convert      Duration `yaml:"convert"`
	Deposit      Duration `yaml:"deposit"`
	PollInterval Duration `yaml:"poll_interval"`
}

type QuoteConfig struct {
	BaseURL         string  `yaml:"base_url"`
	SlippagePercent float64 `yaml:"slippage_percent"`
	// Largest tolerated negative price impact in percent; zero disables
	// the check.
	MaxPriceImpact float64  `yaml:"max_price_impact"`
	MaxRequotes    int      `yaml:"max_requotes"`
	PlanTTL        Duration `yaml:"plan_ttl"`
}

func Default() *Config {
	return &Config{
		Listen:   ":8000",
		DB:       "agent.db",
		Keystore: "keystore",
		Runner: RunnerConfig{
			Interval:      Duration(2 * time.Second),
			MaxConcurrent: 4,
			LedgerBudget:  4,
			ChainBudget:   8,
			QuoteBudget:   2,
		},
		Retry: RetryConfig{
			Base:        Duration(2 * time.Second),
			Max:         Duration(2 * time.Minute),
			MaxAttempts: 8,
		},
		Waits: WaitConfig{
			Withdraw:     Duration(time.Hour),
			Convert:      Duration(30 * time.Minute),
			Deposit:      Duration(30 * time.Minute),
			PollInterval: Duration(5 * time.Second),
		},
		Quote: QuoteConfig{
			BaseURL:         "https://api.odos.xyz",
			SlippagePercent: 0.5,
			MaxRequotes:     3,
			PlanTTL:         Duration(60 * time.Second),
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DB == "" {
		return fmt.Errorf("db is required")
	}
	if c.Keystore == "" {
		return fmt.Errorf("keystore is required")
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network is required")
	}
	for name, n := range c.Networks {
		if n.ChainID == 0 {
			return fmt.Errorf("networks.%s.chain_id is required", name)
		}
		if n.RPCURLEnv == "" {
			return fmt.Errorf("networks.%s.rpc_url_env is required", name)
		}
		if n.LedgerChain == "" {
			return fmt.Errorf("networks.%s.ledger_chain is required", name)
		}
		if n.GasReserveWei < 0 {
			return fmt.Errorf("networks.%s.gas_reserve_wei must not be negative", name)
		}
		if len(n.Tokens) == 0 {
			return fmt.Errorf("networks.%s needs at least one token", name)
		}
		for symbol, token := range n.Tokens {
			if _, err := address.Checksummed(token.Address); err != nil {
				return fmt.Errorf("networks.%s.tokens.%s: %w", name, symbol, err)
			}
			if token.Decimals < 0 {
				return fmt.Errorf("networks.%s.tokens.%s: decimals must not be negative", name, symbol)
			}
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Quote.BaseURL == "" {
		return fmt.Errorf("quote.base_url is required")
	}
	if c.Quote.SlippagePercent <= 0 {
		return fmt.Errorf("quote.slippage_percent must be positive")
	}
	return nil
}

// Network returns the named network section.
func (c *Config) Network(name string) (NetworkConfig, error) {
	n, ok := c.Networks[name]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("network %s is not configured", name)
	}
	return n, nil
}
