package models

import "time"

// TxnType enumerates ledger row kinds. Amount sign follows the type: debits are negative.
type TxnType string

const (
	TxnDebit         TxnType = "debit"
	TxnRefundFull    TxnType = "refund_full"
	TxnRefundPartial TxnType = "refund_partial"
	TxnCompensation  TxnType = "compensation"
	TxnPurchase      TxnType = "purchase"
)

// CreditTransaction is an immutable ledger row. A balance is the sum of a user's rows.
type CreditTransaction struct {
	ID        int64     `json:"txn_id"`
	UserID    string    `json:"user_id"`
	JobID     *string   `json:"job_id,omitempty"`
	Amount    int64     `json:"amount"`
	Type      TxnType   `json:"txn_type"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// BalanceSnapshot is a read-optimized copy of a balance as of a ledger row.
type BalanceSnapshot struct {
	UserID     string    `json:"user_id"`
	Balance    int64     `json:"balance"`
	AsOfTxnID  int64     `json:"as_of_txn_id"`
	SnapshotAt time.Time `json:"snapshot_at"`
}
