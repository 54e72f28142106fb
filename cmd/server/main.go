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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mox-ledger-go/internal/common"
	"mox-ledger-go/internal/config"
	"mox-ledger-go/internal/server"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	noSweepFlag := flag.Bool("no-sweep", false, "Serve webhooks without running the reconcile sweeper")
	debugFlag := flag.Bool("debug", false, "Run gin in debug mode")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	if !*debugFlag {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting ledger server")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if err := services.LedgerService.HealthCheck(ctx); err != nil {
		zap.L().Fatal("Ledger is not bootstrapped, run cmd/setup first", zap.Error(err))
	}

	if !*noSweepFlag {
		if err := services.Sweeper.Start(ctx); err != nil {
			zap.L().Fatal("Failed to start reconcile sweeper", zap.Error(err))
		}
	}

	srv, err := server.New(services.LedgerService, cfg.Server)
	if err != nil {
		zap.L().Fatal("Failed to create server", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Run(ctx)
	}()

	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		zap.L().Info("Shutdown signal received, stopping...")
	case err := <-serveErr:
		zap.L().Error("Server stopped unexpectedly", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		<-serveErr
		if !*noSweepFlag {
			services.Sweeper.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Server and sweeper stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
