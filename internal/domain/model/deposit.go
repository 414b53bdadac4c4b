package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositStatus is the lifecycle state of a deposit claim.
// PENDING is the only non-terminal state; PAID and FAILED are final.
type DepositStatus string

const (
	DepositStatusPending DepositStatus = "PENDING"
	DepositStatusPaid    DepositStatus = "PAID"
	DepositStatusFailed  DepositStatus = "FAILED"
)

func (s DepositStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transition is allowed from s.
func (s DepositStatus) Terminal() bool {
	return s == DepositStatusPaid || s == DepositStatusFailed
}

// CanTransitionTo reports whether the s -> next transition is legal.
// All transitions originate from PENDING.
func (s DepositStatus) CanTransitionTo(next DepositStatus) bool {
	if s != DepositStatusPending {
		return false
	}
	return next == DepositStatusPaid || next == DepositStatusFailed
}

// FailureReason records why a deposit reached FAILED. Stored alongside the
// status so the audit trail can be reconstructed without re-querying the chain.
type FailureReason string

const (
	FailureReasonExpired            FailureReason = "EXPIRED"
	FailureReasonDuplicate          FailureReason = "DUPLICATE_REFERENCE"
	FailureReasonReverted           FailureReason = "TRANSACTION_REVERTED"
	FailureReasonNoMatchingTransfer FailureReason = "NO_MATCHING_TRANSFER"
)

// Deposit is a user's claim to have transferred tokens to the platform
// deposit address. Rows are created once by intake, mutated only by the
// reconciliation loop, and never deleted.
type Deposit struct {
	ID                   uuid.UUID `db:"id"`
	UserID               int64     `db:"user_id"`
	Network              Network   `db:"network"`
	FromAddress          string    `db:"from_address"`
	TransactionReference string    `db:"transaction_reference"`
	// ClaimedAmount is what the user says they sent. Informational only;
	// the credited amount always comes from the decoded on-chain transfer.
	ClaimedAmount  decimal.Decimal  `db:"claimed_amount"`
	VerifiedAmount *decimal.Decimal `db:"verified_amount"`
	Status         DepositStatus    `db:"status"`
	FailureReason  *FailureReason   `db:"failure_reason"`
	CreatedAt      time.Time        `db:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at"`
}

// ReferenceKey is the natural idempotency key for a deposit: at most one
// deposit per (network, transaction_reference) may ever reach PAID.
func (d *Deposit) ReferenceKey() string {
	return string(d.Network) + ":" + d.TransactionReference
}

// ExpiredAt reports whether the deposit aged past maxAge before now.
func (d *Deposit) ExpiredAt(now time.Time, maxAge time.Duration) bool {
	return now.Sub(d.CreatedAt) > maxAge
}

// Validate checks intake-level field constraints.
func (d *Deposit) Validate() error {
	if d.UserID <= 0 {
		return fmt.Errorf("user_id must be positive")
	}
	if d.Network == "" {
		return fmt.Errorf("network is required")
	}
	if d.TransactionReference == "" {
		return fmt.Errorf("transaction_reference is required")
	}
	if d.FromAddress == "" {
		return fmt.Errorf("from_address is required")
	}
	if d.ClaimedAmount.IsNegative() {
		return fmt.Errorf("claimed_amount must not be negative")
	}
	return nil
}
