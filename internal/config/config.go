package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
// It is read-only after Load.
type Config struct {
	RPCURL            string
	Pool              string
	TokenX            string
	TokenY            string
	LPToken           string
	Account           string
	PrivateKey        string
	Scale             int
	FeeNumerator      int64
	FeeDenominator    int64
	Tolerance         int64
	RefreshInterval   time.Duration
	ConfirmTimeout    time.Duration
	MaxStaleness      time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	ApproveLPOnRemove bool
	CrossCheck        bool
	Journal           string
	BaselineFile      string
	PGDSN             string
	MetricsAddr       string
	LogLevel          string
	LogFile           string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AMM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("scale", 18)
	v.SetDefault("fee-numerator", 30)
	v.SetDefault("fee-denominator", 10000)
	v.SetDefault("tolerance", 1)
	v.SetDefault("refresh-interval", 5*time.Second)
	v.SetDefault("confirm-timeout", 60*time.Second)
	v.SetDefault("max-staleness", 30*time.Second)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 250*time.Millisecond)
	v.SetDefault("approve-lp-on-remove", false)
	v.SetDefault("cross-check", true)
	v.SetDefault("journal", "./data/operations.jsonl")
	v.SetDefault("baseline-file", "./data/baselines.json")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:            v.GetString("rpc"),
		Pool:              strings.TrimSpace(v.GetString("pool")),
		TokenX:            strings.TrimSpace(v.GetString("token-x")),
		TokenY:            strings.TrimSpace(v.GetString("token-y")),
		LPToken:           strings.TrimSpace(v.GetString("lp-token")),
		Account:           strings.TrimSpace(v.GetString("account")),
		PrivateKey:        strings.TrimPrefix(strings.TrimSpace(v.GetString("private-key")), "0x"),
		Scale:             v.GetInt("scale"),
		FeeNumerator:      v.GetInt64("fee-numerator"),
		FeeDenominator:    v.GetInt64("fee-denominator"),
		Tolerance:         v.GetInt64("tolerance"),
		RefreshInterval:   v.GetDuration("refresh-interval"),
		ConfirmTimeout:    v.GetDuration("confirm-timeout"),
		MaxStaleness:      v.GetDuration("max-staleness"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		ApproveLPOnRemove: v.GetBool("approve-lp-on-remove"),
		CrossCheck:        v.GetBool("cross-check"),
		Journal:           v.GetString("journal"),
		BaselineFile:      v.GetString("baseline-file"),
		PGDSN:             v.GetString("pg-dsn"),
		MetricsAddr:       v.GetString("metrics-addr"),
		LogLevel:          v.GetString("log-level"),
		LogFile:           v.GetString("log-file"),
	}

	return cfg, nil
}

// Addresses is the parsed contract and account set.
type Addresses struct {
	Pool    common.Address
	TokenX  common.Address
	TokenY  common.Address
	LPToken common.Address
	Account common.Address
}

// ParseAddresses validates the configured addresses. LPToken and Account may be empty.
func (c Config) ParseAddresses() (Addresses, error) {
	var out Addresses
	required := []struct {
		name  string
		value string
		dst   *common.Address
	}{
		{"pool", c.Pool, &out.Pool},
		{"token-x", c.TokenX, &out.TokenX},
		{"token-y", c.TokenY, &out.TokenY},
	}
	for _, item := range required {
		if item.value == "" {
			return Addresses{}, fmt.Errorf("%s address is required", item.name)
		}
		addr, err := parseAddress(item.value)
		if err != nil {
			return Addresses{}, fmt.Errorf("%s: %w", item.name, err)
		}
		*item.dst = addr
	}

	optional := []struct {
		name  string
		value string
		dst   *common.Address
	}{
		{"lp-token", c.LPToken, &out.LPToken},
		{"account", c.Account, &out.Account},
	}
	for _, item := range optional {
		if item.value == "" {
			continue
		}
		addr, err := parseAddress(item.value)
		if err != nil {
			return Addresses{}, fmt.Errorf("%s: %w", item.name, err)
		}
		*item.dst = addr
	}
	return out, nil
}

func parseAddress(value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid address: %s", value)
	}
	return common.HexToAddress(value), nil
}
