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

package database

const (
	// Wallet queries
	walletColumns = `id, name, email, custodial, banned, created_at, updated_at`

	queryInsertWallet = `
		INSERT INTO wallets (id, name, email, custodial) VALUES (?, ?, ?, ?)
		RETURNING ` + walletColumns

	queryGetWalletById = `
		SELECT ` + walletColumns + `
		FROM wallets
		WHERE id = ?`

	queryGetWalletByEmail = `
		SELECT ` + walletColumns + `
		FROM wallets
		WHERE email = LOWER(?)`

	queryGetWallets = `
		SELECT ` + walletColumns + `
		FROM wallets
		ORDER BY created_at`

	querySetWalletBanned = `
		UPDATE wallets SET banned = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	queryWalletHistoryCount = `
		SELECT COUNT(*) FROM transaction_refs r
		WHERE (r.owner_type = 'VAULT' AND r.owner_id IN (SELECT id FROM vaults WHERE wallet_id = ?))
			OR (r.owner_type = 'ACCOUNT' AND r.owner_id IN (SELECT id FROM accounts WHERE wallet_id = ?))`

	queryDeleteWalletDevices = `DELETE FROM wallet_devices WHERE wallet_id = ?`

	queryDeleteWalletAssets = `DELETE FROM vault_assets WHERE vault_id IN (SELECT id FROM vaults WHERE wallet_id = ?)`

	queryDeleteWalletVault = `DELETE FROM vaults WHERE wallet_id = ?`

	queryDeleteWalletAccounts = `DELETE FROM accounts WHERE wallet_id = ?`

	queryDeleteWallet = `DELETE FROM wallets WHERE id = ?`

	queryInsertDevice = `
		INSERT INTO wallet_devices (id, wallet_id, platform, token) VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET wallet_id = excluded.wallet_id, platform = excluded.platform`

	queryGetDeviceTokens = `
		SELECT token FROM wallet_devices WHERE wallet_id = ? ORDER BY created_at`

	// Account queries
	accountColumns = `id, wallet_id, name, address, banned, snapshot_balance, snapshot_assets, snapshot_at, created_at`

	queryInsertAccount = `
		INSERT INTO accounts (id, wallet_id, name, address, sealed_secret) VALUES (?, ?, ?, ?, ?)
		RETURNING ` + accountColumns

	queryGetAccountById = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE id = ?`

	queryGetAccountByAddress = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE address = ?`

	queryGetWalletAccounts = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE wallet_id = ?
		ORDER BY created_at`

	queryGetAccountSecret = `
		SELECT sealed_secret FROM accounts WHERE id = ?`

	querySetAccountBanned = `
		UPDATE accounts SET banned = ? WHERE id = ?`

	queryUpdateAccountSnapshot = `
		UPDATE accounts SET snapshot_balance = ?, snapshot_assets = ?, snapshot_at = ? WHERE id = ?`

	// Vault queries
	vaultColumns = `id, wallet_id, account_id, tag, address, is_grand_vault, created_at`

	queryInsertVault = `
		INSERT INTO vaults (id, wallet_id, account_id, tag, address, is_grand_vault) VALUES (?, ?, ?, ?, ?, ?)
		RETURNING ` + vaultColumns

	queryGetVaultById = `
		SELECT ` + vaultColumns + ` FROM vaults WHERE id = ?`

	queryGetVaultByTag = `
		SELECT ` + vaultColumns + ` FROM vaults WHERE tag = ?`

	queryGetVaultByWallet = `
		SELECT ` + vaultColumns + ` FROM vaults WHERE wallet_id = ?`

	queryGetGrandVault = `
		SELECT ` + vaultColumns + ` FROM vaults WHERE is_grand_vault = 1`

	queryTagExists = `
		SELECT EXISTS(SELECT 1 FROM vaults WHERE tag = ?)`

	// Currency queries
	currencyColumns = `symbol, issuer, native, supply, supplied_tokens, precision`

	queryUpsertCurrency = `
		INSERT INTO supported_currencies (symbol, issuer, native, supply, precision) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			issuer = excluded.issuer,
			native = excluded.native,
			supply = excluded.supply,
			precision = excluded.precision`

	queryGetCurrency = `
		SELECT ` + currencyColumns + ` FROM supported_currencies WHERE symbol = ?`

	queryGetCurrencies = `
		SELECT ` + currencyColumns + ` FROM supported_currencies ORDER BY symbol`

	// Single conditional update; zero rows means the supply cap would be crossed.
	queryReserveSupply = `
		UPDATE supported_currencies
		SET supplied_tokens = supplied_tokens + ?
		WHERE symbol = ? AND (native = 1 OR supplied_tokens + ? <= supply)`

	queryReleaseSupply = `
		UPDATE supported_currencies
		SET supplied_tokens = MAX(supplied_tokens - ?, 0)
		WHERE symbol = ?`

	// Vault asset queries
	assetColumns = `id, vault_id, currency, balance, last_transaction_id, version, updated_at`

	queryGetVaultAsset = `
		SELECT ` + assetColumns + `
		FROM vault_assets
		WHERE vault_id = ? AND currency = ?`

	queryGetVaultAssets = `
		SELECT ` + assetColumns + `
		FROM vault_assets
		WHERE vault_id = ?
		ORDER BY currency`

	queryInsertVaultAsset = `
		INSERT INTO vault_assets (id, vault_id, currency, balance, version) VALUES (?, ?, ?, ?, ?)`

	queryUpdateVaultAsset = `
		UPDATE vault_assets
		SET balance = ?, last_transaction_id = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`

	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, transaction_id, vault_id, currency, debit_amount, credit_amount, balance_before, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetJournal = `
		SELECT id, transaction_id, vault_id, currency, debit_amount, credit_amount, balance_before, balance_after, created_at
		FROM journal_entries
		WHERE transaction_id = ?
		ORDER BY created_at, id`

	// Summed in Go so the comparison stays in exact decimal arithmetic.
	queryReconcileVaultAsset = `
		SELECT credit_amount, debit_amount
		FROM journal_entries
		WHERE vault_id = ? AND currency = ?`

	// Transaction queries
	transactionColumns = `id, type, reason, currency, amount, fee, rate, category, level,
		sender_id, sender_address, receiver_id, receiver_address, recipient_tag,
		status, saga_state, external_ref, external_error, attempts, hash, hash_link, message,
		parent_id, trade_id, created_at, updated_at, finalized_at`

	queryInsertTransaction = `
		INSERT INTO transactions (id, type, reason, currency, amount, fee, rate, category, level,
			sender_id, sender_address, receiver_id, receiver_address, recipient_tag,
			status, parent_id, trade_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?, ?, ?, ?)
		RETURNING ` + transactionColumns

	queryGetTransaction = `
		SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	// Terminal transitions only ever leave PENDING.
	queryFinalizeTransaction = `
		UPDATE transactions
		SET status = ?, hash = ?, hash_link = ?, message = ?,
			saga_state = CASE WHEN ? = '' THEN saga_state ELSE ? END,
			finalized_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`

	queryAdvanceSaga = `
		UPDATE transactions
		SET saga_state = ?, attempts = attempts + CASE WHEN ? = 'EXTERNAL_PENDING' THEN 1 ELSE 0 END, updated_at = ?
		WHERE id = ? AND saga_state = ?`

	queryUpdateTransactionFee = `
		UPDATE transactions SET fee = ?, rate = ?, updated_at = ? WHERE id = ? AND status = 'PENDING'`

	queryUpdateTransactionReceiver = `
		UPDATE transactions SET receiver_id = ?, receiver_address = ?, recipient_tag = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`

	querySetExternalRef = `
		UPDATE transactions SET external_ref = ?, updated_at = ? WHERE id = ?`

	queryRecordExternalError = `
		UPDATE transactions SET external_error = ?, updated_at = ? WHERE id = ? AND status = 'PENDING'`

	queryInsertTransactionRef = `
		INSERT OR IGNORE INTO transaction_refs (owner_type, owner_id, transaction_id) VALUES (?, ?, ?)`

	queryGetTransactionRefs = `
		SELECT transaction_id FROM transaction_refs
		WHERE owner_type = ? AND owner_id = ?
		ORDER BY created_at, transaction_id`

	queryListRefunds = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE parent_id = ? AND type = 'REFUND'
		ORDER BY created_at`

	queryGetTransactionHistory = `
		SELECT t.id, t.type, t.reason, t.currency, t.amount, t.fee, t.rate, t.category, t.level,
			t.sender_id, t.sender_address, t.receiver_id, t.receiver_address, t.recipient_tag,
			t.status, t.saga_state, t.external_ref, t.external_error, t.attempts, t.hash, t.hash_link, t.message,
			t.parent_id, t.trade_id, t.created_at, t.updated_at, t.finalized_at
		FROM transactions t
		JOIN transaction_refs r ON r.transaction_id = t.id
		WHERE r.owner_type = ? AND r.owner_id = ?
		ORDER BY t.created_at DESC
		LIMIT ? OFFSET ?`

	// Trade queries
	tradeColumns = `id, wallet_id, receiver_account_id, level, trade_type, gateway, reference,
		gateway_transaction_id, currency, amount, fee, rate, pay_currency, pay_amount,
		status, COALESCE(webhook_status, ''), gateway_error, transaction_id, reason, redirect_url, created_at, updated_at`

	queryInsertTrade = `
		INSERT INTO trades (id, wallet_id, receiver_account_id, level, trade_type, gateway, reference,
			gateway_transaction_id, currency, amount, fee, rate, pay_currency, pay_amount, reason, redirect_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + tradeColumns

	queryGetTradeById = `
		SELECT ` + tradeColumns + ` FROM trades WHERE id = ?`

	queryGetTradeByReference = `
		SELECT ` + tradeColumns + ` FROM trades WHERE reference = ?`

	// Check-and-mark in one statement: a replay of the same resulting status
	// matches zero rows.
	queryMarkWebhookStatus = `
		UPDATE trades
		SET webhook_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE reference = ? AND COALESCE(webhook_status, '') != ?
		RETURNING ` + tradeColumns

	queryClearWebhookStatus = `
		UPDATE trades SET webhook_status = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE reference = ? AND webhook_status = ?`

	querySetTradeStatus = `
		UPDATE trades SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	queryAttachTradeTransaction = `
		UPDATE trades SET transaction_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND transaction_id = ''`

	querySetTradeGatewayRef = `
		UPDATE trades SET gateway_transaction_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	queryRecordTradeError = `
		UPDATE trades SET gateway_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	queryGetTradeByGatewayRef = `
		SELECT ` + tradeColumns + ` FROM trades WHERE gateway = ? AND gateway_transaction_id = ?`

	queryListStaleTrades = `
		SELECT ` + tradeColumns + ` FROM trades
		WHERE status = 'pending' AND webhook_status IS NULL AND updated_at < ?
			AND (trade_type = 'buy' OR gateway_error != '')
		ORDER BY updated_at
		LIMIT ?`

	// Pending credit queries
	pendingCreditColumns = `id, email, transaction_id, sender_vault_id, sender_account_id, level, currency, amount, claimed_by, claimed_at, created_at`

	queryInsertPendingCredit = `
		INSERT INTO pending_credits (id, email, transaction_id, sender_vault_id, sender_account_id, level, currency, amount)
		VALUES (?, LOWER(?), ?, ?, ?, ?, ?, ?)
		RETURNING ` + pendingCreditColumns

	queryGetPendingCreditsByEmail = `
		SELECT ` + pendingCreditColumns + ` FROM pending_credits
		WHERE email = LOWER(?) AND claimed_at IS NULL
		ORDER BY created_at`

	queryFindPendingCredit = `
		SELECT ` + pendingCreditColumns + ` FROM pending_credits WHERE transaction_id = ?`

	queryClaimPendingCredit = `
		UPDATE pending_credits SET claimed_by = ?, claimed_at = ?
		WHERE id = ? AND claimed_at IS NULL`

	queryReleasePendingCredit = `
		UPDATE pending_credits SET claimed_by = '', claimed_at = NULL WHERE id = ?`

	queryDeletePendingCredit = `
		DELETE FROM pending_credits WHERE id = ?`
)
