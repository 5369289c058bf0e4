package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Chain     ChainConfig
	Relayer   RelayerConfig
	Limits    LimitsConfig
	Ticket    TicketConfig
	Reimburse ReimburseConfig
}

type ServerConfig struct {
	Port     int `mapstructure:"port"`
	GRPCPort int `mapstructure:"grpc_port"`
	// TrustedProxies is a comma-separated list of proxy IPs or CIDRs whose
	// X-Forwarded-For is believed. Empty trusts none: the client IP is the
	// connection's remote address.
	TrustedProxies string `mapstructure:"trusted_proxies"`
}

// RedisConfig backs the lock, the rate limiter and the operator nonce cache.
// With Enabled=false the in-memory implementations are used (single process).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// PostgresConfig holds the ledger DSN. Empty DSN selects the in-memory ledger.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ChainConfig struct {
	RPCURL               string `mapstructure:"rpc_url"`
	ChainID              int64  `mapstructure:"chain_id"`
	ContractAddress      string `mapstructure:"contract_address"`
	DomainName           string `mapstructure:"domain_name"`
	DomainVersion        string `mapstructure:"domain_version"`
	ConfirmTimeoutSec    int64  `mapstructure:"confirm_timeout_sec"`
	GasLimitMultiplier   int64  `mapstructure:"gas_limit_multiplier_pct"`
	MinRelayerBalanceWei string `mapstructure:"min_relayer_balance_wei"`
}

// RelayerConfig selects where the relayer signing key comes from.
// KeySource is one of "hex", "keystore", "vault".
type RelayerConfig struct {
	KeySource        string `mapstructure:"key_source"`
	PrivateKey       string `mapstructure:"private_key"`
	KeystorePath     string `mapstructure:"keystore_path"`
	KeystorePassword string `mapstructure:"keystore_password"`
	VaultAddr        string `mapstructure:"vault_addr"`
	VaultToken       string `mapstructure:"vault_token"`
	VaultPath        string `mapstructure:"vault_path"`
	VaultField       string `mapstructure:"vault_field"`
}

type LimitsConfig struct {
	MaxRequests   int   `mapstructure:"max_requests"`
	WindowSec     int64 `mapstructure:"window_sec"`
	IPMaxRequests int   `mapstructure:"ip_max_requests"`
	LockTTLSec    int64 `mapstructure:"lock_ttl_sec"`
}

type TicketConfig struct {
	MainMin        int   `mapstructure:"main_min"`
	MainMax        int   `mapstructure:"main_max"`
	PowerMin       int   `mapstructure:"power_min"`
	PowerMax       int   `mapstructure:"power_max"`
	MaxDeadlineSec int64 `mapstructure:"max_deadline_sec"`
}

type ReimburseConfig struct {
	IntervalSec  int64  `mapstructure:"interval_sec"`
	ThresholdWei string `mapstructure:"threshold_wei"`
	// Operators is a comma-separated list of addresses allowed to trigger a run over HTTP.
	Operators string `mapstructure:"operators"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("chain.domain_name", "0G Lottery")
	v.SetDefault("chain.domain_version", "1")
	v.SetDefault("chain.confirm_timeout_sec", 90)
	v.SetDefault("chain.gas_limit_multiplier_pct", 120)
	v.SetDefault("chain.min_relayer_balance_wei", "10000000000000000")
	v.SetDefault("relayer.key_source", "hex")
	v.SetDefault("relayer.vault_field", "private_key")
	v.SetDefault("limits.max_requests", 5)
	v.SetDefault("limits.window_sec", 60)
	v.SetDefault("limits.ip_max_requests", 30)
	v.SetDefault("limits.lock_ttl_sec", 180)
	v.SetDefault("ticket.main_min", 1)
	v.SetDefault("ticket.main_max", 69)
	v.SetDefault("ticket.power_min", 1)
	v.SetDefault("ticket.power_max", 26)
	v.SetDefault("ticket.max_deadline_sec", 3600)
	v.SetDefault("reimburse.interval_sec", 3600)
	v.SetDefault("reimburse.threshold_wei", "50000000000000000")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                    "PORT",
		"server.grpc_port":               "GRPC_PORT",
		"server.trusted_proxies":         "TRUSTED_PROXIES",
		"redis.enabled":                  "REDIS_ENABLED",
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"postgres.dsn":                   "DATABASE_URL",
		"chain.rpc_url":                  "RPC_URL",
		"chain.chain_id":                 "CHAIN_ID",
		"chain.contract_address":         "LOTTERY_CONTRACT",
		"chain.domain_name":              "EIP712_DOMAIN_NAME",
		"chain.domain_version":           "EIP712_DOMAIN_VERSION",
		"chain.confirm_timeout_sec":      "CONFIRM_TIMEOUT_SEC",
		"chain.gas_limit_multiplier_pct": "GAS_LIMIT_MULTIPLIER_PCT",
		"chain.min_relayer_balance_wei":  "MIN_RELAYER_BALANCE_WEI",
		"relayer.key_source":             "RELAYER_KEY_SOURCE",
		"relayer.private_key":            "RELAYER_PRIVATE_KEY",
		"relayer.keystore_path":          "RELAYER_KEYSTORE_PATH",
		"relayer.keystore_password":      "RELAYER_KEYSTORE_PASSWORD",
		"relayer.vault_addr":             "VAULT_ADDR",
		"relayer.vault_token":            "VAULT_TOKEN",
		"relayer.vault_path":             "RELAYER_VAULT_PATH",
		"relayer.vault_field":            "RELAYER_VAULT_FIELD",
		"limits.max_requests":            "RATE_LIMIT_MAX_REQUESTS",
		"limits.window_sec":              "RATE_LIMIT_WINDOW_SEC",
		"limits.ip_max_requests":         "RATE_LIMIT_IP_MAX_REQUESTS",
		"limits.lock_ttl_sec":            "LOCK_TTL_SEC",
		"ticket.main_min":                "TICKET_MAIN_MIN",
		"ticket.main_max":                "TICKET_MAIN_MAX",
		"ticket.power_min":               "TICKET_POWER_MIN",
		"ticket.power_max":               "TICKET_POWER_MAX",
		"ticket.max_deadline_sec":        "TICKET_MAX_DEADLINE_SEC",
		"reimburse.interval_sec":         "REIMBURSE_INTERVAL_SEC",
		"reimburse.threshold_wei":        "REIMBURSE_THRESHOLD_WEI",
		"reimburse.operators":            "CRON_OPERATORS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.ContractAddress, "LOTTERY_CONTRACT"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}

	switch c.Relayer.KeySource {
	case "hex":
		if c.Relayer.PrivateKey == "" {
			return fmt.Errorf("required config missing: RELAYER_PRIVATE_KEY")
		}
	case "keystore":
		if c.Relayer.KeystorePath == "" {
			return fmt.Errorf("required config missing: RELAYER_KEYSTORE_PATH")
		}
	case "vault":
		if c.Relayer.VaultPath == "" {
			return fmt.Errorf("required config missing: RELAYER_VAULT_PATH")
		}
	default:
		return fmt.Errorf("invalid RELAYER_KEY_SOURCE %q", c.Relayer.KeySource)
	}

	if c.Ticket.MainMax-c.Ticket.MainMin+1 < 5 {
		return fmt.Errorf("ticket main range [%d,%d] cannot hold 5 unique numbers", c.Ticket.MainMin, c.Ticket.MainMax)
	}
	if c.Ticket.PowerMax < c.Ticket.PowerMin {
		return fmt.Errorf("ticket power range [%d,%d] is empty", c.Ticket.PowerMin, c.Ticket.PowerMax)
	}
	if c.Limits.MaxRequests <= 0 || c.Limits.WindowSec <= 0 {
		return fmt.Errorf("rate limit must be positive (max=%d window=%ds)", c.Limits.MaxRequests, c.Limits.WindowSec)
	}
	if c.Chain.ConfirmTimeoutSec <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT_SEC must be positive, got %d", c.Chain.ConfirmTimeoutSec)
	}
	if c.Limits.LockTTLSec <= c.Chain.ConfirmTimeoutSec {
		return fmt.Errorf("LOCK_TTL_SEC (%d) must exceed CONFIRM_TIMEOUT_SEC (%d)", c.Limits.LockTTLSec, c.Chain.ConfirmTimeoutSec)
	}
	for _, w := range []struct{ val, name string }{
		{c.Chain.MinRelayerBalanceWei, "MIN_RELAYER_BALANCE_WEI"},
		{c.Reimburse.ThresholdWei, "REIMBURSE_THRESHOLD_WEI"},
	} {
		if _, err := ParseWei(w.val); err != nil {
			return fmt.Errorf("invalid %s: %w", w.name, err)
		}
	}
	return nil
}

// ParseWei parses a base-10 wei amount.
func ParseWei(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("not a non-negative integer: %q", s)
	}
	return n, nil
}

// OperatorList splits the comma-separated operator addresses.
func (c ReimburseConfig) OperatorList() []string {
	return splitList(c.Operators)
}

// ProxyList splits the comma-separated trusted proxies. Nil means none.
func (c ServerConfig) ProxyList() []string {
	return splitList(c.TrustedProxies)
}

func splitList(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
