package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Ledger     LedgerConfig
	Network    NetworkConfig
	Gateway    GatewayConfig
	Redis      RedisConfig
	Notify     NotifyConfig
	Formance   FormanceConfig
	Reconciler ReconcilerConfig
	Server     ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	BusyTimeout     time.Duration
	CASRetries      int
}

// LedgerConfig holds the operator identities and the static ledger file
type LedgerConfig struct {
	ConfigFile        string
	OperatorWalletId  string
	OperatorAccountId string
	SecretKey         string // hex encoded 32 byte secretbox key
	FeeOverrides      map[string]decimal.Decimal
}

// NetworkConfig holds external ledger network settings
type NetworkConfig struct {
	HorizonURL   string
	Passphrase   string
	ExplorerURL  string
	NativeSymbol string
	CallTimeout  time.Duration
	TxTimeout    time.Duration
	BaseFee      int64
}

// GatewayConfig holds payment gateway settings
type GatewayConfig struct {
	ServerKey   string
	IrisKey     string
	Production  bool
	CallTimeout time.Duration
}

// RedisConfig holds redis settings used for distributed locks and the notification outbox
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
	LockWait time.Duration
	Stream   string
}

// NotifyConfig holds push notification settings
type NotifyConfig struct {
	Enabled         bool
	CredentialsFile string
	Timeout         time.Duration
}

// FormanceConfig holds the journal mirror settings
type FormanceConfig struct {
	Enabled      bool
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// ReconcilerConfig holds saga recovery sweep settings
type ReconcilerConfig struct {
	PollingInterval time.Duration
	CleanupInterval time.Duration
	StaleAfter      time.Duration
	PendingGrace    time.Duration
	BatchSize       int
}

// ServerConfig holds webhook intake settings
type ServerConfig struct {
	Addr      string
	RateLimit float64
	Burst     int
}
