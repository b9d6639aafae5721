// Package config handles configuration loading and validation.
package config

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gateway-fm/settleload/internal/pipeline"
	"github.com/gateway-fm/settleload/internal/settlement"
	"github.com/gateway-fm/settleload/internal/settlement/backends"
)

// Config holds settleload configuration.
type Config struct {
	Backend     string
	RPCURL      string // empty = backend default
	RPCUser     string
	RPCPassword string
	ChainID     int64
	UseLegacyTx bool
	SimFee      int64         // Per-transfer fee charged by the sim backend
	SimLatency  time.Duration // Artificial latency of every sim backend call

	Accounts     int
	FundingCount int // 0 = backend default

	Workers         int
	TransactionCap  int // 0 = unbounded
	BaseDelay       time.Duration
	CommitThreshold int
	PollInterval    time.Duration
	QueueTimeout    time.Duration
	QueueCapacity   int

	ListenAddr         string // empty disables the HTTP server
	DatabasePath       string // empty disables persistence
	CORSAllowedOrigins string
	LogLevel           string
	LogFormat          string

	// Info is the resolved backend definition, populated by Load.
	Info *settlement.BackendInfo
}

// Defaults
const (
	DefaultBackend            = backends.Sim
	DefaultChainID            = 31337
	DefaultSimFee             = 1000
	DefaultAccounts           = 10
	DefaultWorkers            = pipeline.DefaultWorkers
	DefaultBaseDelayMS        = 300
	DefaultCommitThreshold    = pipeline.DefaultCommitThreshold
	DefaultPollInterval       = pipeline.DefaultPollInterval
	DefaultQueueTimeout       = pipeline.DefaultQueueTimeout
	DefaultQueueCapacity      = pipeline.DefaultQueueCapacity
	DefaultListenAddr         = ":3001"
	DefaultDatabasePath       = "./data/settleload.db"
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// Configuration keys. Flags use the same names.
const (
	KeyBackend         = "backend"
	KeyRPCURL          = "rpc-url"
	KeyRPCUser         = "rpc-user"
	KeyRPCPassword     = "rpc-password"
	KeyChainID         = "chain-id"
	KeyLegacyTx        = "legacy-tx"
	KeySimFee          = "sim-fee"
	KeySimLatency      = "sim-latency"
	KeyAccounts        = "accounts"
	KeyFundingCount    = "funding-count"
	KeyWorkers         = "workers"
	KeyTransactionCap  = "num-transactions"
	KeyBaseDelayMS     = "tx-time-ms"
	KeyCommitThreshold = "commit-threshold"
	KeyPollInterval    = "poll-interval"
	KeyQueueTimeout    = "queue-timeout"
	KeyQueueCapacity   = "queue-capacity"
	KeyListenAddr      = "listen"
	KeyDatabasePath    = "database"
	KeyCORSOrigins     = "cors-origins"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
)

// envBindings maps keys to their environment variables, first match wins.
// The three core knobs keep their historical names in both cases.
var envBindings = map[string][]string{
	KeyWorkers:         {"CONSUMER_THREADS", "consumer_threads"},
	KeyTransactionCap:  {"NUM_TRANSACTIONS", "num_transactions"},
	KeyBaseDelayMS:     {"ESTIMATED_TX_TIME_IN_MILLIS", "estimated_tx_time_in_millis"},
	KeyBackend:         {"SETTLELOAD_BACKEND"},
	KeyRPCURL:          {"SETTLELOAD_RPC_URL"},
	KeyRPCUser:         {"SETTLELOAD_RPC_USER"},
	KeyRPCPassword:     {"SETTLELOAD_RPC_PASSWORD"},
	KeyChainID:         {"SETTLELOAD_CHAIN_ID"},
	KeyLegacyTx:        {"SETTLELOAD_LEGACY_TX"},
	KeySimFee:          {"SETTLELOAD_SIM_FEE"},
	KeySimLatency:      {"SETTLELOAD_SIM_LATENCY"},
	KeyAccounts:        {"SETTLELOAD_ACCOUNTS"},
	KeyFundingCount:    {"SETTLELOAD_FUNDING_COUNT"},
	KeyCommitThreshold: {"SETTLELOAD_COMMIT_THRESHOLD"},
	KeyPollInterval:    {"SETTLELOAD_POLL_INTERVAL"},
	KeyQueueTimeout:    {"SETTLELOAD_QUEUE_TIMEOUT"},
	KeyQueueCapacity:   {"SETTLELOAD_QUEUE_CAPACITY"},
	KeyListenAddr:      {"SETTLELOAD_LISTEN_ADDR"},
	KeyDatabasePath:    {"SETTLELOAD_DATABASE_PATH"},
	KeyCORSOrigins:     {"SETTLELOAD_CORS_ALLOWED_ORIGINS"},
	KeyLogLevel:        {"SETTLELOAD_LOG_LEVEL"},
	KeyLogFormat:       {"SETTLELOAD_LOG_FORMAT"},
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for key, envs := range envBindings {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyBackend, DefaultBackend)
	v.SetDefault(KeyRPCURL, "")
	v.SetDefault(KeyRPCUser, "")
	v.SetDefault(KeyRPCPassword, "")
	v.SetDefault(KeyChainID, DefaultChainID)
	v.SetDefault(KeyLegacyTx, false)
	v.SetDefault(KeySimFee, DefaultSimFee)
	v.SetDefault(KeySimLatency, time.Duration(0))
	v.SetDefault(KeyAccounts, DefaultAccounts)
	v.SetDefault(KeyFundingCount, 0)
	v.SetDefault(KeyWorkers, DefaultWorkers)
	v.SetDefault(KeyTransactionCap, 0)
	v.SetDefault(KeyBaseDelayMS, DefaultBaseDelayMS)
	v.SetDefault(KeyCommitThreshold, DefaultCommitThreshold)
	v.SetDefault(KeyPollInterval, DefaultPollInterval)
	v.SetDefault(KeyQueueTimeout, DefaultQueueTimeout)
	v.SetDefault(KeyQueueCapacity, DefaultQueueCapacity)
	v.SetDefault(KeyListenAddr, DefaultListenAddr)
	v.SetDefault(KeyDatabasePath, DefaultDatabasePath)
	v.SetDefault(KeyCORSOrigins, DefaultCORSAllowedOrigins)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, DefaultLogFormat)
}

// BindFlags registers every configuration flag on fs and binds it into v.
// Flags take precedence over environment variables.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String(KeyBackend, DefaultBackend, "Settlement backend ("+strings.Join(backends.DefaultRegistry().Names(), ", ")+")")
	fs.String(KeyRPCURL, "", "Settlement node RPC URL (default: backend specific)")
	fs.String(KeyRPCUser, "", "RPC basic auth user")
	fs.String(KeyRPCPassword, "", "RPC basic auth password")
	fs.Int64(KeyChainID, DefaultChainID, "Chain ID (evm backend)")
	fs.Bool(KeyLegacyTx, false, "Send legacy transactions (evm backend)")
	fs.Int64(KeySimFee, DefaultSimFee, "Per-transfer fee (sim backend)")
	fs.Duration(KeySimLatency, 0, "Artificial call latency (sim backend)")
	fs.Int(KeyAccounts, DefaultAccounts, "Number of accounts to provision")
	fs.Int(KeyFundingCount, 0, "Funding count per account (0 = backend default)")
	fs.IntP(KeyWorkers, "w", DefaultWorkers, "Number of workers")
	fs.IntP(KeyTransactionCap, "n", 0, "Number of transactions to generate (0 = unbounded)")
	fs.Int(KeyBaseDelayMS, DefaultBaseDelayMS, "Estimated transaction time in milliseconds")
	fs.Int(KeyCommitThreshold, DefaultCommitThreshold, "Successes per throughput report and batch commit")
	fs.Duration(KeyPollInterval, DefaultPollInterval, "Monitor poll interval")
	fs.Duration(KeyQueueTimeout, DefaultQueueTimeout, "Worker receive timeout")
	fs.Int(KeyQueueCapacity, DefaultQueueCapacity, "Work queue buffer size")
	fs.String(KeyListenAddr, DefaultListenAddr, "HTTP listen address (empty disables)")
	fs.String(KeyDatabasePath, DefaultDatabasePath, "SQLite database path (empty disables)")
	fs.String(KeyCORSOrigins, DefaultCORSAllowedOrigins, "Comma-separated allowed origins, or *")
	fs.String(KeyLogLevel, DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.String(KeyLogFormat, DefaultLogFormat, "Log format (text, json)")

	return errors.Wrap(v.BindPFlags(fs), "bind flags")
}

// Load reads the configuration out of v, resolves the backend and validates.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Backend:            strings.ToLower(strings.TrimSpace(v.GetString(KeyBackend))),
		RPCURL:             v.GetString(KeyRPCURL),
		RPCUser:            v.GetString(KeyRPCUser),
		RPCPassword:        v.GetString(KeyRPCPassword),
		ChainID:            v.GetInt64(KeyChainID),
		UseLegacyTx:        v.GetBool(KeyLegacyTx),
		SimFee:             v.GetInt64(KeySimFee),
		SimLatency:         v.GetDuration(KeySimLatency),
		Accounts:           v.GetInt(KeyAccounts),
		FundingCount:       v.GetInt(KeyFundingCount),
		Workers:            v.GetInt(KeyWorkers),
		TransactionCap:     v.GetInt(KeyTransactionCap),
		BaseDelay:          time.Duration(v.GetInt64(KeyBaseDelayMS)) * time.Millisecond,
		CommitThreshold:    v.GetInt(KeyCommitThreshold),
		PollInterval:       v.GetDuration(KeyPollInterval),
		QueueTimeout:       v.GetDuration(KeyQueueTimeout),
		QueueCapacity:      v.GetInt(KeyQueueCapacity),
		ListenAddr:         v.GetString(KeyListenAddr),
		DatabasePath:       v.GetString(KeyDatabasePath),
		CORSAllowedOrigins: v.GetString(KeyCORSOrigins),
		LogLevel:           strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:          strings.ToLower(v.GetString(KeyLogFormat)),
	}

	cfg.Info = backends.DefaultRegistry().Get(cfg.Backend)
	if cfg.Info == nil {
		return nil, errors.Newf("unknown settlement backend: %s (supported: %s)",
			cfg.Backend, strings.Join(backends.DefaultRegistry().Names(), ", "))
	}
	if cfg.FundingCount == 0 {
		cfg.FundingCount = cfg.Info.DefaultFundingCount
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = cfg.Info.DefaultURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.Newf("workers must be at least 1, got %d", c.Workers)
	}
	if c.TransactionCap < 0 {
		return errors.Newf("transaction cap cannot be negative, got %d", c.TransactionCap)
	}
	if c.BaseDelay <= 0 {
		return errors.Newf("estimated transaction time must be positive, got %s", c.BaseDelay)
	}
	if c.Accounts < 2 {
		return errors.Newf("at least 2 accounts are required, got %d", c.Accounts)
	}
	if c.FundingCount < 1 {
		return errors.Newf("funding count must be positive, got %d", c.FundingCount)
	}
	if c.CommitThreshold < 1 {
		return errors.Newf("commit threshold must be positive, got %d", c.CommitThreshold)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.QueueTimeout <= 0 {
		return errors.New("queue timeout must be positive")
	}
	if c.QueueCapacity < 0 {
		return errors.New("queue capacity cannot be negative")
	}
	if c.Info != nil && c.Info.RequiresRPC && c.RPCURL == "" {
		return errors.Newf("%s backend requires an RPC URL", c.Backend)
	}
	if c.Backend == backends.EVM && c.ChainID <= 0 {
		return errors.New("chain ID must be positive")
	}
	if c.SimFee < 0 {
		return errors.New("sim fee cannot be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Newf("invalid log format: %s", c.LogFormat)
	}
	return nil
}

// SettlementOptions returns the backend factory options.
func (c *Config) SettlementOptions(logger *slog.Logger) settlement.Options {
	return settlement.Options{
		URL:         c.RPCURL,
		User:        c.RPCUser,
		Password:    c.RPCPassword,
		ChainID:     c.ChainID,
		UseLegacyTx: c.UseLegacyTx,
		Fee:         settlement.Amount(c.SimFee),
		Latency:     c.SimLatency,
		Logger:      logger,
	}
}

// PipelineConfig returns the run configuration for one pipeline.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Workers:         c.Workers,
		TransactionCap:  c.TransactionCap,
		BaseDelay:       c.BaseDelay,
		CommitThreshold: c.CommitThreshold,
		PollInterval:    c.PollInterval,
		QueueTimeout:    c.QueueTimeout,
		QueueCapacity:   c.QueueCapacity,
	}
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Newf("invalid log level: %s", s)
	}
	return level, nil
}
