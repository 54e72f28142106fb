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

package api

import (
	"context"
	"fmt"

	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/secrets"
	"mox-ledger-go/internal/settlement"
	"mox-ledger-go/internal/store"
	"mox-ledger-go/internal/transfer"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// BalanceMirror is the read side of the journal mirror.
type BalanceMirror interface {
	Balances(ctx context.Context, partyId string) (map[string]decimal.Decimal, error)
}

type Deps struct {
	Store        store.LedgerStore
	Orchestrator *transfer.Orchestrator
	Reconciler   *settlement.Reconciler // optional; trades are rejected without it
	Ledger       network.Ledger
	Sealer       *secrets.Sealer
	Mirror       BalanceMirror // optional
}

// LedgerService is the facade the HTTP intake and the CLIs talk to.
type LedgerService struct {
	store      store.LedgerStore
	orch       *transfer.Orchestrator
	reconciler *settlement.Reconciler
	ledger     network.Ledger
	sealer     *secrets.Sealer
	mirror     BalanceMirror
	validate   *validator.Validate
}

func NewLedgerService(deps Deps) (*LedgerService, error) {
	if deps.Store == nil || deps.Orchestrator == nil || deps.Ledger == nil || deps.Sealer == nil {
		return nil, fmt.Errorf("ledger service requires a store, orchestrator, ledger and sealer")
	}
	return &LedgerService{
		store:      deps.Store,
		orch:       deps.Orchestrator,
		reconciler: deps.Reconciler,
		ledger:     deps.Ledger,
		sealer:     deps.Sealer,
		mirror:     deps.Mirror,
		validate:   validator.New(),
	}, nil
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	if _, err := s.store.GetCurrencies(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if _, err := s.store.GetGrandVault(ctx); err != nil {
		return fmt.Errorf("grand vault check failed: %w", err)
	}
	return nil
}
