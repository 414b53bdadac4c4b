// Package ledger is the boundary to the balance subsystem. The reconciler
// credits a user through the Distributor; the credit must commit in the same
// database transaction as the deposit's PAID transition, which is why the
// contract is expressed over *sql.Tx rather than a remote call.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReasonDeposit tags distributions created by deposit reconciliation.
// Deposit credits never award reputation.
const ReasonDeposit = "DEPOSIT"

// Credit is one balance credit request. DepositID doubles as the idempotency
// key: the distributions table carries a unique constraint on it, so a
// replayed commit cannot credit twice.
type Credit struct {
	DepositID        uuid.UUID
	UserID           int64
	Amount           decimal.Decimal
	Reason           string
	AwardsReputation bool
}

// Distributor credits a user's internal balance exactly once per deposit.
type Distributor interface {
	CreditTx(ctx context.Context, tx *sql.Tx, credit Credit) error
}

// PgDistributor writes distribution rows into the shared Postgres database.
type PgDistributor struct{}

var _ Distributor = (*PgDistributor)(nil)

func NewPgDistributor() *PgDistributor {
	return &PgDistributor{}
}

func (d *PgDistributor) CreditTx(ctx context.Context, tx *sql.Tx, credit Credit) error {
	if credit.Amount.IsNegative() || credit.Amount.IsZero() {
		return fmt.Errorf("credit amount must be positive, got %s", credit.Amount)
	}
	if credit.Reason == "" {
		credit.Reason = ReasonDeposit
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO distributions (id, deposit_id, user_id, amount, reason, awards_reputation, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
	`, uuid.New(), credit.DepositID, credit.UserID, credit.Amount.String(), credit.Reason, credit.AwardsReputation, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert distribution: %w", err)
	}
	return nil
}
