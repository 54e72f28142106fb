package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"mox-ledger-go/internal/api"
	"mox-ledger-go/internal/common"
	"mox-ledger-go/internal/config"
	"mox-ledger-go/internal/models"

	"go.uber.org/zap"
)

type checkStats struct {
	wallets int
	assets  int
	drifted int
}

func printChecks(report *common.Report, wallet models.Wallet, checks []api.AssetCheck) int {
	report.Box(fmt.Sprintf("Wallet: %s (%s)", wallet.Name, wallet.Email))

	drifted := 0
	for i, check := range checks {
		status := "ok"
		if check.Err != nil {
			status = check.Err.Error()
			drifted++
		}
		mirrored := ""
		if check.Mirrored != nil {
			mirrored = fmt.Sprintf(" mirror=%s", check.Mirrored.String())
			if !check.Mirrored.Equal(check.Balance) && check.Err == nil {
				status = "mirror drift"
				drifted++
			}
		}
		report.Item(i == len(checks)-1, "%s%s  %s",
			common.Balance(check.Currency, check.Balance),
			mirrored,
			status)
	}
	return drifted
}

func checkWallets(ctx context.Context, report *common.Report, service *api.LedgerService, email string) (checkStats, error) {
	var stats checkStats

	wallets, err := service.GetWallets(ctx, email)
	if err != nil {
		return stats, err
	}
	for _, wallet := range wallets {
		checks, err := service.ReconcileWallet(ctx, wallet.Id)
		if err != nil {
			zap.L().Error("Failed to reconcile wallet", zap.String("wallet_id", wallet.Id), zap.Error(err))
			continue
		}
		stats.wallets++
		stats.assets += len(checks)
		stats.drifted += printChecks(report, wallet, checks)
	}
	return stats, nil
}

func main() {
	ctx := models.WithRequestContext(context.Background(), &models.RequestContext{Source: "reconcile"})

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Only check the wallet with this email")
	skipSweepFlag := flag.Bool("skip-sweep", false, "Only check balances, do not settle stuck work")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	out := common.NewReport(os.Stdout)
	if !*skipSweepFlag {
		report, err := services.Sweeper.Sweep(ctx)
		if err != nil {
			zap.L().Fatal("Reconcile pass failed", zap.Error(err))
		}
		out.Header("RECONCILE PASS")
		out.Field("Examined", report.Examined)
		out.Field("Settled", report.Settled)
		out.Field("Compensated", report.Compensated)
		out.Field("Waiting", report.Waiting)
		out.Field("Trades", report.Trades)
		out.Field("Failed", report.Failed)
		out.Close()
	}

	out.Header("BALANCE CHECK")
	stats, err := checkWallets(ctx, out, services.LedgerService, *emailFlag)
	if err != nil {
		zap.L().Fatal("Failed to list wallets", zap.Error(err))
	}
	out.Footer("SUMMARY: %d assets across %d wallets, %d drifted",
		stats.assets, stats.wallets, stats.drifted)

	if stats.drifted > 0 {
		zap.L().Warn("Balance drift detected", zap.Int("drifted", stats.drifted))
	}
}
