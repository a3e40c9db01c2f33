// Package params holds process configuration, loaded from a .env file and
// environment variables. The engine itself never reads the environment;
// everything is passed down from here.
package params

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Kafka configures the optional fill feed.
type Kafka struct {
	Enabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"exchange.fills"`
}

// Config is the full process configuration.
type Config struct {
	ListenAddr string   `env:"LISTEN_ADDR" envDefault:":8080"`
	DataDir    string   `env:"DATA_DIR" envDefault:"data/exchange.db"`
	LogFile    string   `env:"LOG_FILE"`
	Tickers    []string `env:"TICKERS" envSeparator:"," envDefault:"ABC,XYZ"`

	// DefaultWallet is the endowment for traders registered without an
	// explicit wallet. Policy lives here, not in the engine.
	DefaultWallet string `env:"DEFAULT_WALLET" envDefault:"1000.00"`

	Kafka Kafka
}

// Load reads the .env file at envPath (optional; "" means ./.env) and
// overlays environment variables. Priority: ENV > .env file > defaults.
func Load(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if _, err := decimal.NewFromString(cfg.DefaultWallet); err != nil {
		return Config{}, fmt.Errorf("parse DEFAULT_WALLET %q: %w", cfg.DefaultWallet, err)
	}
	return cfg, nil
}

// DefaultWalletDecimal returns the default endowment as a decimal. Load
// has already validated the string.
func (c Config) DefaultWalletDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(c.DefaultWallet)
	return d
}
