package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Auth     AuthConfig      `mapstructure:"auth"`
	Database DatabaseConfig  `mapstructure:"database"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Chain    ChainConfig     `mapstructure:"chain"`
	Breaker  BreakerConfig   `mapstructure:"breaker"`
	Signing  SigningConfig   `mapstructure:"signing"`
	Policy   PolicyConfig    `mapstructure:"policy"`
	Duress   DuressConfig    `mapstructure:"duress"`
	Tiers    TierTable       `mapstructure:"tiers"`
	Accounts []AccountConfig `mapstructure:"accounts"`
}

type ServerConfig struct {
	Port         string `mapstructure:"port"`
	MetricsPath  string `mapstructure:"metrics_path"`
	AuditLogDir  string `mapstructure:"audit_log_dir"`
	ReadOnlyMode bool   `mapstructure:"read_only_mode"`
}

type AuthConfig struct {
	RequireAPIKey bool   `mapstructure:"require_api_key"`
	AdminKey      string `mapstructure:"admin_key"` // guards audit and whitelist admin endpoints
	TwoFASecret   string `mapstructure:"twofa_secret"`
}

type DatabaseConfig struct {
	DSN                string `mapstructure:"dsn"`
	AuditRetentionDays int    `mapstructure:"audit_retention_days"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ChainConfig struct {
	RPCURL           string `mapstructure:"rpc_url"`
	PriceOracleURL   string `mapstructure:"price_oracle_url"`
	VerifierURL      string `mapstructure:"verifier_url"` // contract source verification lookup
	RPCTimeoutMs     int    `mapstructure:"rpc_timeout_ms"`
	GasBaselineSize  int    `mapstructure:"gas_baseline_size"`
	BroadcastRetries int    `mapstructure:"broadcast_retries"`
}

type BreakerConfig struct {
	WindowSize      int     `mapstructure:"window_size"`      // rolling call window
	MinimumCalls    int     `mapstructure:"minimum_calls"`    // calls before the rate is meaningful
	FailureRate     float64 `mapstructure:"failure_rate"`     // e.g. 0.5
	WaitSeconds     int     `mapstructure:"wait_seconds"`     // OPEN -> HALF_OPEN
	PermittedProbes int     `mapstructure:"permitted_probes"` // HALF_OPEN concurrent probes
}

type SigningConfig struct {
	Threshold         int    `mapstructure:"threshold"` // k of n
	Parties           int    `mapstructure:"parties"`   // n
	SessionTTLSecs    int    `mapstructure:"session_ttl_seconds"`
	ParticipantSecret string `mapstructure:"participant_secret"` // HMAC key for shard websocket auth
}

type PolicyConfig struct {
	QuarantineHours     int     `mapstructure:"quarantine_hours"`      // whitelist warn-mode cool-down
	VelocityWarnRatio   float64 `mapstructure:"velocity_warn_ratio"`   // soft warn above ratio of daily max
	GasSpikeMultiplier  float64 `mapstructure:"gas_spike_multiplier"`  // warn above baseline * multiplier
	SmallTransferExempt float64 `mapstructure:"small_transfer_exempt"` // timelock exemption in USD
}

type DuressConfig struct {
	AlertWebhookURL string `mapstructure:"alert_webhook_url"`
	AlertTimeoutMs  int    `mapstructure:"alert_timeout_ms"`
}

// TierLimits is the single source of velocity thresholds per membership
// tier. Accounts reference a tier name, never a denormalized copy.
type TierLimits struct {
	DailyMaxUSD      float64 `mapstructure:"daily_max_usd"` // 0 = unlimited
	PerTxMaxUSD      float64 `mapstructure:"per_tx_max_usd"`
	Require2FAAbove  float64 `mapstructure:"require_2fa_above_usd"`
	RateQPS          float64 `mapstructure:"rate_qps"`
	RateBurst        int     `mapstructure:"rate_burst"`
	AdvancedPolicies bool    `mapstructure:"advanced_policies"`
}

type TierTable struct {
	Orca     TierLimits `mapstructure:"orca"`
	Humpback TierLimits `mapstructure:"humpback"`
	Blue     TierLimits `mapstructure:"blue"`
}

func (t TierTable) Lookup(name string) (TierLimits, bool) {
	switch strings.ToLower(name) {
	case "orca":
		return t.Orca, true
	case "humpback":
		return t.Humpback, true
	case "blue":
		return t.Blue, true
	default:
		return TierLimits{}, false
	}
}

// AccountConfig seeds accounts in single-node mode (no Postgres).
type AccountConfig struct {
	ID             string   `mapstructure:"id"`
	APIKey         string   `mapstructure:"api_key"`
	Tier           string   `mapstructure:"tier"`
	Address        string   `mapstructure:"address"`         // on-chain address the shards sign for
	PINHash        string   `mapstructure:"pin_hash"`        // base64 PBKDF2
	PINSalt        string   `mapstructure:"pin_salt"`        // base64
	DuressPINHash  string   `mapstructure:"duress_pin_hash"` // distinct from primary
	DuressPINSalt  string   `mapstructure:"duress_pin_salt"`
	ShardIDs       []string `mapstructure:"shard_ids"`
	EmergencyEmail string   `mapstructure:"emergency_email"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. SHARDGATE_CHAIN_RPC_URL
	viper.SetEnvPrefix("shardgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.metrics_path", "/metrics")
	viper.SetDefault("server.audit_log_dir", "./logs")
	viper.SetDefault("auth.require_api_key", true)
	viper.SetDefault("database.audit_retention_days", 365)

	viper.SetDefault("chain.rpc_timeout_ms", 5000)
	viper.SetDefault("chain.gas_baseline_size", 20)
	viper.SetDefault("chain.broadcast_retries", 1)

	viper.SetDefault("breaker.window_size", 100)
	viper.SetDefault("breaker.minimum_calls", 10)
	viper.SetDefault("breaker.failure_rate", 0.5)
	viper.SetDefault("breaker.wait_seconds", 30)
	viper.SetDefault("breaker.permitted_probes", 5)

	viper.SetDefault("signing.threshold", 2)
	viper.SetDefault("signing.parties", 3)
	viper.SetDefault("signing.session_ttl_seconds", 120)

	viper.SetDefault("policy.quarantine_hours", 24)
	viper.SetDefault("policy.velocity_warn_ratio", 0.8)
	viper.SetDefault("policy.gas_spike_multiplier", 3.0)
	viper.SetDefault("policy.small_transfer_exempt", 100)

	viper.SetDefault("duress.alert_timeout_ms", 3000)

	// Membership tiers (velocity thresholds live here, never per-account)
	viper.SetDefault("tiers.orca.daily_max_usd", 10_000)
	viper.SetDefault("tiers.orca.per_tx_max_usd", 5_000)
	viper.SetDefault("tiers.orca.require_2fa_above_usd", 2_500)
	viper.SetDefault("tiers.orca.rate_qps", 5)
	viper.SetDefault("tiers.orca.rate_burst", 10)
	viper.SetDefault("tiers.humpback.daily_max_usd", 500_000)
	viper.SetDefault("tiers.humpback.per_tx_max_usd", 100_000)
	viper.SetDefault("tiers.humpback.require_2fa_above_usd", 25_000)
	viper.SetDefault("tiers.humpback.rate_qps", 20)
	viper.SetDefault("tiers.humpback.rate_burst", 40)
	viper.SetDefault("tiers.humpback.advanced_policies", true)
	viper.SetDefault("tiers.blue.daily_max_usd", 0) // unlimited
	viper.SetDefault("tiers.blue.per_tx_max_usd", 0)
	viper.SetDefault("tiers.blue.require_2fa_above_usd", 100_000)
	viper.SetDefault("tiers.blue.rate_qps", 50)
	viper.SetDefault("tiers.blue.rate_burst", 100)
	viper.SetDefault("tiers.blue.advanced_policies", true)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
