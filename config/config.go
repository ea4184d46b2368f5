/*
config.go - Deployment configuration

PURPOSE:
  Loads server, database, billing-policy and outbox settings from (in
  precedence order) environment variables, an optional config file, and
  built-in defaults. Environment variables use the TUITION_ prefix with
  underscores: TUITION_SERVER_PORT, TUITION_DB_PATH, and so on.

  Billing-policy amounts are integer cents; percent-ish knobs are decimal
  strings so "7.5" survives without float drift.

SEE ALSO:
  - billing/engine.go: billing.Config, the domain view of the policy knobs
  - cmd/server/main.go: the only consumer
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/ledger"
)

type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Billing BillingConfig
	Outbox  OutboxConfig
}

type ServerConfig struct {
	Port int
}

type DBConfig struct {
	Path string
}

// BillingConfig mirrors billing.Config with transport-friendly types.
type BillingConfig struct {
	MinPayment           int64
	MaxPayment           int64
	OverpaymentThreshold int64
	SiblingPercent       string
	ReviewTolerance      int64
	LowTotalRatio        string
}

type OutboxConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// Load reads configuration. A config file is optional; a missing one falls
// back to env vars and defaults, but a malformed one is an error.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("db.path", "tuition.db")

	def := billing.DefaultConfig()
	v.SetDefault("billing.min_payment", int64(def.MinPayment))
	v.SetDefault("billing.max_payment", int64(def.MaxPayment))
	v.SetDefault("billing.overpayment_threshold", int64(def.OverpaymentThreshold))
	v.SetDefault("billing.sibling_percent", def.SiblingPercent.String())
	v.SetDefault("billing.review_tolerance", int64(def.ReviewTolerance))
	v.SetDefault("billing.low_total_ratio", def.LowTotalRatio.String())

	v.SetDefault("outbox.poll_interval", "30s")
	v.SetDefault("outbox.max_attempts", 5)

	v.SetEnvPrefix("TUITION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("server.port"),
		},
		DB: DBConfig{
			Path: v.GetString("db.path"),
		},
		Billing: BillingConfig{
			MinPayment:           v.GetInt64("billing.min_payment"),
			MaxPayment:           v.GetInt64("billing.max_payment"),
			OverpaymentThreshold: v.GetInt64("billing.overpayment_threshold"),
			SiblingPercent:       v.GetString("billing.sibling_percent"),
			ReviewTolerance:      v.GetInt64("billing.review_tolerance"),
			LowTotalRatio:        v.GetString("billing.low_total_ratio"),
		},
		Outbox: OutboxConfig{
			PollInterval: v.GetDuration("outbox.poll_interval"),
			MaxAttempts:  v.GetInt("outbox.max_attempts"),
		},
	}
	return cfg, nil
}

// BillingPolicy converts the transport types into the domain config.
func (c *Config) BillingPolicy() (billing.Config, error) {
	sibling, err := decimal.NewFromString(c.Billing.SiblingPercent)
	if err != nil {
		return billing.Config{}, fmt.Errorf("billing.sibling_percent: %w", err)
	}
	lowRatio, err := decimal.NewFromString(c.Billing.LowTotalRatio)
	if err != nil {
		return billing.Config{}, fmt.Errorf("billing.low_total_ratio: %w", err)
	}
	return billing.Config{
		MinPayment:           ledger.Money(c.Billing.MinPayment),
		MaxPayment:           ledger.Money(c.Billing.MaxPayment),
		OverpaymentThreshold: ledger.Money(c.Billing.OverpaymentThreshold),
		SiblingPercent:       sibling,
		ReviewTolerance:      ledger.Money(c.Billing.ReviewTolerance),
		LowTotalRatio:        lowRatio,
	}, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
