package chain

import (
	"context"

	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Outcome is the verifier's judgment for one transaction reference.
type Outcome string

const (
	// OutcomeNotYetObservable covers everything transient: the transaction is
	// not mined yet, has too few confirmations, or the node could not be
	// asked (timeout, connection failure, desync). Never terminal.
	OutcomeNotYetObservable Outcome = "NOT_YET_OBSERVABLE"

	// OutcomeReverted means the chain itself reported the transaction as
	// failed. Only actual receipt data may produce this.
	OutcomeReverted Outcome = "REVERTED"

	// OutcomeSucceeded means the transaction is confirmed; Transfers carries
	// the decoded token movements.
	OutcomeSucceeded Outcome = "SUCCEEDED"
)

// TokenTransfer is one decoded ERC-20 transfer from a confirmed transaction.
type TokenTransfer struct {
	TokenContract string
	FromAddress   string
	ToAddress     string
	Amount        decimal.Decimal
	LogIndex      int
}

// Verification is the result of checking one transaction reference.
type Verification struct {
	Outcome       Outcome
	Reason        string // why NotYetObservable, for logs and metrics
	BlockNumber   int64
	Confirmations int64
	Transfers     []TokenTransfer
}

// Verifier translates a transaction reference into a confirmed/pending/failed
// judgment for one network. Implementations must classify RPC-level errors as
// NotYetObservable — conflating "we could not ask" with "the chain said no"
// would permanently fail genuine deposits. The error return is reserved for
// context cancellation.
type Verifier interface {
	Network() model.Network
	VerifyTransaction(ctx context.Context, txRef string) (*Verification, error)
}
