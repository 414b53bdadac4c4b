// Package audit records deposit state transitions as an append-only event
// trail. Every PENDING -> terminal transition is published with enough
// context to reconstruct why the reconciler made the decision it made.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
)

// TransitionEvent is one deposit state transition.
type TransitionEvent struct {
	DepositID      uuid.UUID           `json:"deposit_id"`
	UserID         int64               `json:"user_id"`
	Network        model.Network       `json:"network"`
	TxReference    string              `json:"tx_reference"`
	FromStatus     model.DepositStatus `json:"from_status"`
	ToStatus       model.DepositStatus `json:"to_status"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	VerifiedAmount string              `json:"verified_amount,omitempty"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

// Publisher delivers transition events. Publish failures must never block
// or abort the transition itself; the database remains the source of truth.
type Publisher interface {
	Publish(ctx context.Context, event TransitionEvent) error
	Close() error
}

// MemoryPublisher keeps events in memory. Used when no Redis stream is
// configured, and by tests to assert on the emitted trail.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []TransitionEvent
}

var _ Publisher = (*MemoryPublisher)(nil)

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, event TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []TransitionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TransitionEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *MemoryPublisher) Close() error {
	return nil
}
