package ledger

import (
	"context"
	"errors"

	"github.com/Kaligetsagency/dama/match"
)

var (
	// ErrInsufficientFunds is returned by Debit when the account's selected
	// balance cannot cover the amount. No partial debit happens.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownAccount is returned by credit-side operations that matched no
	// account row.
	ErrUnknownAccount = errors.New("unknown account")
)

type TxType string

const (
	TxEntryFee TxType = "entry_fee"
	TxPayout   TxType = "payout"
	TxRefund   TxType = "refund"
)

type TxStatus string

const (
	StatusPending TxStatus = "pending"
	StatusSuccess TxStatus = "success"
	// StatusReconcile marks a balance write that failed after the room was
	// already settled. It is never retried automatically; operators resolve
	// these by hand against the transaction log.
	StatusReconcile TxStatus = "needs_reconciliation"
)

// Gateway is the only path to the durable balance store. Every arithmetic
// change is a single conditional delta the store applies atomically; this
// core never reads a balance, computes, and writes it back.
type Gateway interface {
	// Debit removes amount from the account's balance for the given mode.
	// It fails with ErrInsufficientFunds without touching the balance when
	// the funds are not there.
	Debit(ctx context.Context, accountID string, mode match.Mode, amount int64) error

	// Credit adds amount to the account's balance for the given mode.
	Credit(ctx context.Context, accountID string, mode match.Mode, amount int64) error

	// CreditPlatformFee accrues the given fee into the operator wallet for
	// the given mode.
	CreditPlatformFee(ctx context.Context, mode match.Mode, amount int64) error

	// RecordTransaction appends to the transaction log. Best effort from the
	// caller's point of view; a failed record never unwinds a settlement.
	RecordTransaction(ctx context.Context, accountID string, typ TxType, amount int64, status TxStatus) error

	// UpdateRatings writes both participants' post-match ratings together.
	UpdateRatings(ctx context.Context, winnerID string, winnerRating int, loserID string, loserRating int) error

	// Rating returns the account's current rating. Accounts that have never
	// played report the starting rating.
	Rating(ctx context.Context, accountID string) (int, error)

	Close() error
}
