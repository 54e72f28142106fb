package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"mox-ledger-go/internal/api"
	"mox-ledger-go/internal/common"
	"mox-ledger-go/internal/config"
	"mox-ledger-go/internal/secrets"

	"go.uber.org/zap"
)

func printResult(result *api.BootstrapResult) {
	report := common.NewReport(os.Stdout)
	report.Header("LEDGER BOOTSTRAP")
	report.Field("Operator wallet", result.OperatorWalletId)
	report.Field("Grand vault", result.GrandVaultId)
	report.Field("Grand account", fmt.Sprintf("%s (%s)", result.GrandAccountId, result.GrandAddress))
	report.Field("Funding account", fmt.Sprintf("%s (%s)", result.FundingAccountId, result.FundingAddress))
	report.Footer("Set LEDGER_OPERATOR_WALLET_ID=%s and LEDGER_OPERATOR_ACCOUNT_ID=%s",
		result.OperatorWalletId, result.FundingAccountId)
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	genKeyFlag := flag.Bool("genkey", false, "Print a fresh LEDGER_SECRET_KEY and exit")
	nameFlag := flag.String("name", "operator", "Operator wallet name")
	emailFlag := flag.String("email", os.Getenv("LEDGER_OPERATOR_EMAIL"), "Operator wallet email")
	flag.Parse()

	if *genKeyFlag {
		key, err := secrets.GenerateKey()
		if err != nil {
			zap.L().Fatal("Failed to generate key", zap.Error(err))
		}
		fmt.Println(key)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	zap.L().Info("Bootstrapping ledger",
		zap.String("config_file", cfg.Ledger.ConfigFile),
		zap.Int("currencies", len(services.LedgerConfig.Currencies)))

	// Secrets are only read from the environment
	result, err := services.LedgerService.Bootstrap(ctx, api.BootstrapParams{
		Currencies:    services.LedgerConfig.Currencies,
		OperatorName:  *nameFlag,
		OperatorEmail: *emailFlag,
		GrandSecret:   os.Getenv("LEDGER_GRAND_SECRET"),
		FundingSecret: os.Getenv("LEDGER_FUNDING_SECRET"),
	})
	if err != nil {
		zap.L().Fatal("Bootstrap failed", zap.Error(err))
	}

	printResult(result)
	zap.L().Info("Bootstrap complete", zap.String("grand_vault_id", result.GrandVaultId))
}
