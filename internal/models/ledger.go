package models

// Level selects the identifier space a party lives in.
type Level string

const (
	LevelWallet  Level = "WALLET"
	LevelAccount Level = "ACCOUNT"
)

type TransactionStatus string

const (
	StatusPending TransactionStatus = "PENDING"
	StatusSuccess TransactionStatus = "SUCCESS"
	StatusFailed  TransactionStatus = "FAILED"
)

func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type TransactionType string

const (
	TypeTransfer TransactionType = "TRANSFER"
	TypeNative   TransactionType = "NATIVE"
	TypeBuy      TransactionType = "BUY"
	TypeSell     TransactionType = "SELL"
	TypeRefund   TransactionType = "REFUND"
	TypeFee      TransactionType = "FEE"
)

// SagaState tracks how far a transfer attempt has progressed so a crash between
// steps can be recovered by the reconcile sweep.
type SagaState string

const (
	SagaNone            SagaState = ""
	SagaDebited         SagaState = "DEBITED"
	SagaExternalPending SagaState = "EXTERNAL_PENDING"
	SagaSettled         SagaState = "SETTLED"
	SagaCompensating    SagaState = "COMPENSATING"
	SagaCompensated     SagaState = "COMPENSATED"
)

type TradeStatus string

const (
	TradePending TradeStatus = "pending"
	TradeSuccess TradeStatus = "successful"
	TradeFailed  TradeStatus = "failed"
)

type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Ref owner kinds for the append-only transaction reference lists.
const (
	RefOwnerVault   = "VAULT"
	RefOwnerAccount = "ACCOUNT"
	RefOwnerTrade   = "TRADE"
)
