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

// Package resolver maps a recipient identifier to a vault, a raw on-ledger
// account, or an unregistered email.
package resolver

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type Kind int

const (
	KindVault Kind = iota
	KindUnregistered
	KindRawAccount
)

func (k Kind) String() string {
	switch k {
	case KindVault:
		return "vault"
	case KindUnregistered:
		return "unregistered"
	case KindRawAccount:
		return "raw_account"
	default:
		return "unknown"
	}
}

// Recipient is the outcome of resolution. Tag is 0 exactly when Kind is
// KindUnregistered. Account is set for a raw address that belongs to one of
// our own accounts.
type Recipient struct {
	Kind    Kind
	Tag     uint64
	Email   string
	Address string
	Vault   *models.Vault
	Account *models.Account
}

type Resolver struct {
	store    store.LedgerStore
	validate *validator.Validate
}

func New(s store.LedgerStore) *Resolver {
	return &Resolver{store: s, validate: validator.New()}
}

var errInvalidRecipient = failure.New(failure.Validation, "invalid recipient")

func (r *Resolver) isEmail(s string) bool {
	return r.validate.Var(s, "required,email") == nil
}

// Resolve applies the rules in priority order: email, tagged address,
// numeric tag, and (account level only) raw account address.
func (r *Resolver) Resolve(ctx context.Context, recipient string, level models.Level) (*Recipient, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, errInvalidRecipient
	}

	var tag uint64
	switch {
	case r.isEmail(recipient):
		email := strings.ToLower(recipient)
		wallet, err := r.store.GetWalletByEmail(ctx, email)
		if errors.Is(err, store.ErrWalletNotFound) {
			zap.L().Debug("Recipient email is unregistered", zap.String("email", email))
			return &Recipient{Kind: KindUnregistered, Email: email}, nil
		}
		if err != nil {
			return nil, err
		}
		vault, err := r.store.GetVaultByWallet(ctx, wallet.Id)
		if err != nil {
			return nil, err
		}
		return &Recipient{Kind: KindVault, Tag: vault.Tag, Email: email, Address: vault.Address, Vault: vault}, nil

	case isTaggedAddress(recipient):
		decoded, err := DecodeTag(recipient)
		if err != nil {
			return nil, failure.Wrap(failure.Validation, err, "invalid recipient")
		}
		tag = decoded

	case isNumeric(recipient):
		parsed, err := strconv.ParseUint(recipient, 10, 64)
		if err != nil {
			return nil, failure.Wrap(failure.Validation, err, "invalid recipient")
		}
		tag = parsed

	case level == models.LevelAccount && IsAccountAddress(recipient):
		account, err := r.store.GetAccountByAddress(ctx, recipient)
		if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		return &Recipient{Kind: KindRawAccount, Address: recipient, Account: account}, nil

	default:
		return nil, errInvalidRecipient
	}

	// Tag 0 is the unregistered marker and only an email can carry it
	if tag == 0 {
		return nil, errInvalidRecipient
	}

	vault, err := r.store.GetVaultByTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	return &Recipient{Kind: KindVault, Tag: tag, Address: vault.Address, Vault: vault}, nil
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
