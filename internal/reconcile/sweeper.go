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

// Package reconcile periodically drives transactions stuck mid-saga and
// trades that never received a gateway notification to a terminal state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/settlement"
	"mox-ledger-go/internal/store"
	"mox-ledger-go/internal/transfer"

	"go.uber.org/zap"
)

// SweeperConfig contains configuration for Sweeper
type SweeperConfig struct {
	Store           store.LedgerStore
	Orchestrator    *transfer.Orchestrator
	Reconciler      *settlement.Reconciler // optional; trades are skipped without it
	PollingInterval time.Duration
	CleanupInterval time.Duration
	StaleAfter      time.Duration
	PendingGrace    time.Duration
	BatchSize       int
}

// Sweeper polls the store for work a crash or a lost answer left behind.
type Sweeper struct {
	store        store.LedgerStore
	orchestrator *transfer.Orchestrator
	reconciler   *settlement.Reconciler

	// Finished items, so a slow store does not hand them out again
	processedIds    map[string]time.Time
	mutex           sync.RWMutex
	pollingInterval time.Duration
	cleanupInterval time.Duration
	staleAfter      time.Duration
	pendingGrace    time.Duration
	batchSize       int

	// Control channels
	stopChan chan struct{}
	doneChan chan struct{}
}

// Report summarizes one pass.
type Report struct {
	Examined    int
	Settled     int
	Compensated int
	Waiting     int
	Trades      int
	Failed      int
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		store:           cfg.Store,
		orchestrator:    cfg.Orchestrator,
		reconciler:      cfg.Reconciler,
		processedIds:    make(map[string]time.Time),
		pollingInterval: cfg.PollingInterval,
		cleanupInterval: cfg.CleanupInterval,
		staleAfter:      cfg.StaleAfter,
		pendingGrace:    cfg.PendingGrace,
		batchSize:       cfg.BatchSize,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// Start runs a recovery pass and then sweeps in the background
func (s *Sweeper) Start(ctx context.Context) error {
	zap.L().Info("Starting reconcile sweeper")

	if err := s.performStartupRecovery(ctx); err != nil {
		zap.L().Error("Startup recovery failed", zap.Error(err))
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	go s.pollLoop(ctx)
	go s.cleanupLoop(ctx)

	zap.L().Info("Reconcile sweeper started",
		zap.Duration("polling_interval", s.pollingInterval),
		zap.Duration("stale_after", s.staleAfter),
		zap.Duration("pending_grace", s.pendingGrace))
	return nil
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	zap.L().Info("Stopping reconcile sweeper")
	close(s.stopChan)
	<-s.doneChan
	zap.L().Info("Reconcile sweeper stopped")
}

func (s *Sweeper) pollLoop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				zap.L().Error("Reconcile pass failed", zap.Error(err))
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// performStartupRecovery sweeps everything stuck while the process was down,
// regardless of age.
func (s *Sweeper) performStartupRecovery(ctx context.Context) error {
	zap.L().Info("Starting startup recovery process")

	report, err := s.sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	zap.L().Info("Startup recovery completed",
		zap.Int("examined", report.Examined),
		zap.Int("settled", report.Settled),
		zap.Int("compensated", report.Compensated),
		zap.Int("waiting", report.Waiting),
		zap.Int("failed", report.Failed))
	return nil
}

// Sweep runs one pass over work older than the stale threshold.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	return s.sweep(ctx, time.Now().UTC().Add(-s.staleAfter))
}

func (s *Sweeper) sweep(ctx context.Context, olderThan time.Time) (*Report, error) {
	report := &Report{}

	stuck, err := s.store.ListStuckTransactions(ctx, transfer.RecoverableStates, olderThan, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list stuck transactions: %w", err)
	}

	for i := range stuck {
		tx := &stuck[i]
		if s.isProcessed(tx.Id) {
			continue
		}
		report.Examined++

		outcome, err := s.orchestrator.Recover(ctx, tx, s.pendingGrace)
		if err != nil {
			report.Failed++
			zap.L().Error("Failed to recover transaction",
				zap.String("transaction_id", tx.Id),
				zap.String("saga", string(tx.SagaState)),
				zap.Error(err))
			continue
		}

		switch outcome {
		case transfer.OutcomeSettled:
			report.Settled++
			s.markProcessed(tx.Id)
		case transfer.OutcomeCompensated:
			report.Compensated++
			s.markProcessed(tx.Id)
		default:
			report.Waiting++
		}
		zap.L().Info("Recovered transaction",
			zap.String("transaction_id", tx.Id),
			zap.String("saga", string(tx.SagaState)),
			zap.String("outcome", outcome.String()))
	}

	if s.reconciler == nil {
		return report, nil
	}

	trades, err := s.store.ListStaleTrades(ctx, olderThan, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list stale trades: %w", err)
	}
	for i := range trades {
		trade := &trades[i]
		if s.isProcessed(trade.Id) {
			continue
		}
		report.Trades++

		result, err := s.reconciler.Recheck(ctx, trade)
		if err != nil && !errors.Is(err, failure.ErrDuplicateEvent) {
			report.Failed++
			zap.L().Error("Failed to recheck trade",
				zap.String("trade_id", trade.Id),
				zap.String("reference", trade.Reference),
				zap.Error(err))
			continue
		}
		if result == nil || result.Status != models.TradePending {
			s.markProcessed(trade.Id)
		}
	}

	return report, nil
}
