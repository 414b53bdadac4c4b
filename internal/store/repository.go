package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no deposit exists for the given id.
	ErrNotFound = errors.New("deposit not found")

	// ErrClaimContended is returned when another worker holds the row lock.
	// Not an error condition for the caller: skip and let the next tick retry.
	ErrClaimContended = errors.New("deposit claimed by another worker")

	// ErrTerminalState is returned when a transition is attempted on a
	// deposit that already reached PAID or FAILED.
	ErrTerminalState = errors.New("deposit is in a terminal state")
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// DepositRepository provides access to deposit claim records.
type DepositRepository interface {
	// Create inserts a new PENDING deposit. Intake's only write.
	Create(ctx context.Context, d *model.Deposit) error

	GetByID(ctx context.Context, id uuid.UUID) (*model.Deposit, error)

	// ListByUser returns a user's deposits, newest first.
	ListByUser(ctx context.Context, userID int64, limit int) ([]model.Deposit, error)

	// ListClaimable returns ids of PENDING deposits, oldest created first.
	// Oldest-first matters: duplicate-reference resolution must favor the
	// earlier submitter.
	ListClaimable(ctx context.Context, limit int) ([]uuid.UUID, error)

	// Claim acquires an exclusive cross-process hold on one deposit and
	// loads its current row. The hold lives for the duration of the claim
	// and dies with the holder's connection, so a crashed worker never
	// strands a deposit. Returns ErrClaimContended when another worker
	// already holds it and ErrNotFound when the id does not exist.
	Claim(ctx context.Context, id uuid.UUID) (DepositClaim, error)
}

// DepositClaim is a scoped exclusive hold on a single deposit. Exactly one of
// MarkPaid, MarkFailed, or Release must conclude every claim; Release is safe
// to defer unconditionally since it is a no-op after a successful Mark.
type DepositClaim interface {
	// Deposit returns the row as loaded under the lock.
	Deposit() *model.Deposit

	// ReferenceAlreadyPaid reports whether a different deposit with the same
	// (network, transaction_reference) has already reached PAID.
	ReferenceAlreadyPaid(ctx context.Context) (bool, error)

	// MarkFailed commits the PENDING -> FAILED transition and releases the hold.
	MarkFailed(ctx context.Context, reason model.FailureReason) error

	// MarkPaid commits the PENDING -> PAID transition, records the verified
	// amount, and credits the user's ledger balance — all as one atomic unit.
	// On error nothing is applied and the deposit remains PENDING.
	MarkPaid(ctx context.Context, verifiedAmount decimal.Decimal) error

	// Release drops the hold without any state change.
	Release() error
}
