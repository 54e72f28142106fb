/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

func Load() (*models.Config, error) {
	durations := make(map[string]time.Duration)
	durationDefaults := []struct {
		key          string
		defaultValue time.Duration
	}{
		{"DB_CONN_MAX_LIFETIME", 5 * time.Minute},
		{"DB_CONN_MAX_IDLE_TIME", 30 * time.Second},
		{"DB_PING_TIMEOUT", 5 * time.Second},
		{"DB_BUSY_TIMEOUT", 5 * time.Second},
		{"NETWORK_CALL_TIMEOUT", 30 * time.Second},
		{"NETWORK_TX_TIMEOUT", 2 * time.Minute},
		{"GATEWAY_CALL_TIMEOUT", 20 * time.Second},
		{"REDIS_LOCK_TTL", time.Minute},
		{"REDIS_LOCK_WAIT", 50 * time.Millisecond},
		{"NOTIFY_TIMEOUT", 10 * time.Second},
		{"RECONCILE_POLLING_INTERVAL", 30 * time.Second},
		{"RECONCILE_CLEANUP_INTERVAL", 15 * time.Minute},
		{"RECONCILE_STALE_AFTER", 5 * time.Minute},
		{"RECONCILE_PENDING_GRACE", 15 * time.Minute},
	}
	for _, d := range durationDefaults {
		value, err := getEnvDuration(d.key, d.defaultValue)
		if err != nil {
			return nil, err
		}
		durations[d.key] = value
	}

	feeOverrides := make(map[string]decimal.Decimal)
	for _, category := range fees.Categories {
		rate, ok, err := getEnvDecimal(category.EnvKey())
		if err != nil {
			return nil, err
		}
		if ok {
			feeOverrides[string(category)] = rate
		}
	}

	txTimeout := durations["NETWORK_TX_TIMEOUT"]
	pendingGrace := durations["RECONCILE_PENDING_GRACE"]
	if pendingGrace <= txTimeout {
		return nil, fmt.Errorf("RECONCILE_PENDING_GRACE (%v) must exceed NETWORK_TX_TIMEOUT (%v)", pendingGrace, txTimeout)
	}

	return &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "ledger.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: durations["DB_CONN_MAX_LIFETIME"],
			ConnMaxIdleTime: durations["DB_CONN_MAX_IDLE_TIME"],
			PingTimeout:     durations["DB_PING_TIMEOUT"],
			BusyTimeout:     durations["DB_BUSY_TIMEOUT"],
			CASRetries:      getEnvInt("LEDGER_CAS_RETRIES", 5),
		},
		Ledger: models.LedgerConfig{
			ConfigFile:        getEnvString("LEDGER_CONFIG_FILE", "ledger.yaml"),
			OperatorWalletId:  getEnvString("LEDGER_OPERATOR_WALLET_ID", ""),
			OperatorAccountId: getEnvString("LEDGER_OPERATOR_ACCOUNT_ID", ""),
			SecretKey:         getEnvString("LEDGER_SECRET_KEY", ""),
			FeeOverrides:      feeOverrides,
		},
		Network: models.NetworkConfig{
			HorizonURL:   getEnvString("NETWORK_HORIZON_URL", "https://horizon-testnet.stellar.org"),
			Passphrase:   getEnvString("NETWORK_PASSPHRASE", "Test SDF Network ; September 2015"),
			ExplorerURL:  getEnvString("NETWORK_EXPLORER_URL", "https://stellar.expert/explorer/testnet/tx"),
			NativeSymbol: getEnvString("NETWORK_NATIVE_SYMBOL", "XLM"),
			CallTimeout:  durations["NETWORK_CALL_TIMEOUT"],
			TxTimeout:    txTimeout,
			BaseFee:      int64(getEnvInt("NETWORK_BASE_FEE", 100)),
		},
		Gateway: models.GatewayConfig{
			ServerKey:   getEnvString("MIDTRANS_SERVER_KEY", ""),
			IrisKey:     getEnvString("MIDTRANS_IRIS_KEY", ""),
			Production:  getEnvBool("MIDTRANS_PRODUCTION", false),
			CallTimeout: durations["GATEWAY_CALL_TIMEOUT"],
		},
		Redis: models.RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnvString("REDIS_ADDR", "localhost:6379"),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  durations["REDIS_LOCK_TTL"],
			LockWait: durations["REDIS_LOCK_WAIT"],
			Stream:   getEnvString("REDIS_OUTBOX_STREAM", "ledger:outbox"),
		},
		Notify: models.NotifyConfig{
			Enabled:         getEnvBool("NOTIFY_ENABLED", false),
			CredentialsFile: getEnvString("FIREBASE_CREDENTIALS_FILE", ""),
			Timeout:         durations["NOTIFY_TIMEOUT"],
		},
		Formance: models.FormanceConfig{
			Enabled:      getEnvBool("FORMANCE_ENABLED", false),
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER_NAME", "mox-ledger"),
		},
		Reconciler: models.ReconcilerConfig{
			PollingInterval: durations["RECONCILE_POLLING_INTERVAL"],
			CleanupInterval: durations["RECONCILE_CLEANUP_INTERVAL"],
			StaleAfter:      durations["RECONCILE_STALE_AFTER"],
			PendingGrace:    pendingGrace,
			BatchSize:       getEnvInt("RECONCILE_BATCH_SIZE", 50),
		},
		Server: models.ServerConfig{
			Addr:      getEnvString("SERVER_ADDR", ":8080"),
			RateLimit: getEnvFloat("SERVER_RATE_LIMIT", 10),
			Burst:     getEnvInt("SERVER_RATE_BURST", 20),
		},
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDecimal reports whether key was set. A set but malformed value is an
// error rather than a silent default, since it feeds fee rates.
func getEnvDecimal(key string) (decimal.Decimal, bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
	}
	return d, true, nil
}
