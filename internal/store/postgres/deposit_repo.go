package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/ResearchHub/deposit-reconciler/internal/ledger"
	"github.com/ResearchHub/deposit-reconciler/internal/store"
)

const depositColumns = `id, user_id, network, from_address, transaction_reference,
	claimed_amount::text, verified_amount::text, status, failure_reason, created_at, updated_at`

// DepositRepo implements store.DepositRepository on Postgres. Claims are
// backed by row locks (FOR UPDATE SKIP LOCKED) held on an open transaction,
// so a claim dies with its holder's connection and can never be stranded by
// a crashed worker.
type DepositRepo struct {
	db          *DB
	distributor ledger.Distributor
}

var _ store.DepositRepository = (*DepositRepo)(nil)

func NewDepositRepo(db *DB, distributor ledger.Distributor) *DepositRepo {
	return &DepositRepo{db: db, distributor: distributor}
}

func (r *DepositRepo) Create(ctx context.Context, d *model.Deposit) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = model.DepositStatusPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO deposits (id, user_id, network, from_address, transaction_reference,
			claimed_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
	`, d.ID, d.UserID, d.Network, d.FromAddress, d.TransactionReference,
		d.ClaimedAmount.String(), d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}
	return nil
}

func (r *DepositRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Deposit, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id)
	d, err := scanDeposit(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	return d, nil
}

func (r *DepositRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]model.Deposit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deposits by user: %w", err)
	}
	defer rows.Close()

	var deposits []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}

// ListClaimable orders by created_at ASC so that when two deposits share a
// transaction_reference, the earlier submission is processed first and wins
// the PAID slot.
func (r *DepositRepo) ListClaimable(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM deposits
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, model.DepositStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list claimable deposits: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deposit id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *DepositRepo) Claim(ctx context.Context, id uuid.UUID) (store.DepositClaim, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = $1 FOR UPDATE SKIP LOCKED`, id)
	d, err := scanDeposit(row)
	if err == sql.ErrNoRows {
		// SKIP LOCKED returns no rows both when the id is unknown and when
		// another worker holds the lock; a plain read distinguishes the two.
		var exists bool
		checkErr := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM deposits WHERE id = $1)`, id).Scan(&exists)
		_ = tx.Rollback()
		if checkErr != nil {
			return nil, fmt.Errorf("check deposit existence: %w", checkErr)
		}
		if exists {
			return nil, store.ErrClaimContended
		}
		return nil, store.ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("lock deposit: %w", err)
	}

	return &depositClaim{tx: tx, deposit: d, distributor: r.distributor}, nil
}

// depositClaim holds a locked deposit row on an open transaction. The lock
// is released by exactly one of MarkPaid, MarkFailed, or Release.
type depositClaim struct {
	tx          *sql.Tx
	deposit     *model.Deposit
	distributor ledger.Distributor
	done        bool
}

func (c *depositClaim) Deposit() *model.Deposit {
	return c.deposit
}

func (c *depositClaim) ReferenceAlreadyPaid(ctx context.Context) (bool, error) {
	var paid bool
	err := c.tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM deposits
			WHERE network = $1 AND transaction_reference = $2
			  AND status = $3 AND id <> $4
		)
	`, c.deposit.Network, c.deposit.TransactionReference, model.DepositStatusPaid, c.deposit.ID).Scan(&paid)
	if err != nil {
		return false, fmt.Errorf("check reference paid: %w", err)
	}
	return paid, nil
}

func (c *depositClaim) MarkFailed(ctx context.Context, reason model.FailureReason) error {
	if c.done {
		return fmt.Errorf("claim already concluded")
	}
	if !c.deposit.Status.CanTransitionTo(model.DepositStatusFailed) {
		return store.ErrTerminalState
	}

	now := time.Now().UTC()
	if _, err := c.tx.ExecContext(ctx, `
		UPDATE deposits SET status = $2, failure_reason = $3, updated_at = $4 WHERE id = $1
	`, c.deposit.ID, model.DepositStatusFailed, reason, now); err != nil {
		_ = c.tx.Rollback()
		c.done = true
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := c.tx.Commit(); err != nil {
		c.done = true
		return fmt.Errorf("commit failed transition: %w", err)
	}
	c.done = true
	c.deposit.Status = model.DepositStatusFailed
	c.deposit.FailureReason = &reason
	c.deposit.UpdatedAt = now
	return nil
}

// MarkPaid commits the status flip, the verified amount, and the ledger
// credit as a single transaction. Any error rolls back all three and the
// deposit stays PENDING for the next tick.
func (c *depositClaim) MarkPaid(ctx context.Context, verifiedAmount decimal.Decimal) error {
	if c.done {
		return fmt.Errorf("claim already concluded")
	}
	if !c.deposit.Status.CanTransitionTo(model.DepositStatusPaid) {
		return store.ErrTerminalState
	}

	now := time.Now().UTC()
	if _, err := c.tx.ExecContext(ctx, `
		UPDATE deposits SET status = $2, verified_amount = $3::numeric, updated_at = $4 WHERE id = $1
	`, c.deposit.ID, model.DepositStatusPaid, verifiedAmount.String(), now); err != nil {
		_ = c.tx.Rollback()
		c.done = true
		return fmt.Errorf("mark paid: %w", err)
	}

	if err := c.distributor.CreditTx(ctx, c.tx, ledger.Credit{
		DepositID: c.deposit.ID,
		UserID:    c.deposit.UserID,
		Amount:    verifiedAmount,
		Reason:    ledger.ReasonDeposit,
	}); err != nil {
		_ = c.tx.Rollback()
		c.done = true
		return fmt.Errorf("credit ledger: %w", err)
	}

	if err := c.tx.Commit(); err != nil {
		c.done = true
		return fmt.Errorf("commit paid transition: %w", err)
	}
	c.done = true
	c.deposit.Status = model.DepositStatusPaid
	c.deposit.VerifiedAmount = &verifiedAmount
	c.deposit.UpdatedAt = now
	return nil
}

func (c *depositClaim) Release() error {
	if c.done {
		return nil
	}
	c.done = true
	if err := c.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row rowScanner) (*model.Deposit, error) {
	var (
		d              model.Deposit
		claimedAmount  string
		verifiedAmount sql.NullString
		failureReason  sql.NullString
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.Network, &d.FromAddress, &d.TransactionReference,
		&claimedAmount, &verifiedAmount, &d.Status, &failureReason, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}

	ca, err := decimal.NewFromString(claimedAmount)
	if err != nil {
		return nil, fmt.Errorf("parse claimed_amount: %w", err)
	}
	d.ClaimedAmount = ca

	if verifiedAmount.Valid {
		va, err := decimal.NewFromString(verifiedAmount.String)
		if err != nil {
			return nil, fmt.Errorf("parse verified_amount: %w", err)
		}
		d.VerifiedAmount = &va
	}
	if failureReason.Valid {
		fr := model.FailureReason(failureReason.String)
		d.FailureReason = &fr
	}
	return &d, nil
}
