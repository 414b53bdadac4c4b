// Package reconcile runs the deposit reconciliation loop: it sweeps PENDING
// deposits, verifies each referenced transaction on its network, and drives
// the deposit to PAID or FAILED. A deposit is credited at most once, no
// matter how many reconciler processes run concurrently; the claim protocol
// in the store carries that guarantee.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ResearchHub/deposit-reconciler/internal/alert"
	"github.com/ResearchHub/deposit-reconciler/internal/audit"
	"github.com/ResearchHub/deposit-reconciler/internal/chain"
	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/ResearchHub/deposit-reconciler/internal/metrics"
	"github.com/ResearchHub/deposit-reconciler/internal/store"
	"github.com/ResearchHub/deposit-reconciler/internal/tracing"
)

const (
	defaultInterval      = 60 * time.Second
	defaultBatchSize     = 100
	defaultWorkers       = 4
	defaultVerifyTimeout = 30 * time.Second
)

// Config tunes the reconciliation loop.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	Workers       int
	VerifyTimeout time.Duration
	// MaxAge is the expiry window: a deposit still PENDING after this long
	// is failed with reason EXPIRED instead of being verified again.
	MaxAge time.Duration
}

// networkTarget is everything the loop needs to settle a deposit on one
// network: the verifier plus the addresses a matching transfer must hit.
type networkTarget struct {
	verifier       chain.Verifier
	tokenContract  string
	depositAddress string
}

// Service is the reconciliation loop.
type Service struct {
	repo      store.DepositRepository
	publisher audit.Publisher
	alerter   alert.Alerter
	targets   map[model.Network]networkTarget
	cfg       Config
	logger    *slog.Logger

	now func() time.Time
}

func New(repo store.DepositRepository, publisher audit.Publisher, alerter alert.Alerter, cfg Config, logger *slog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaultVerifyTimeout
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		alerter:   alerter,
		targets:   make(map[model.Network]networkTarget),
		cfg:       cfg,
		logger:    logger.With("component", "reconciler"),
		now:       time.Now,
	}
}

// RegisterNetwork wires a verifier and the expected transfer destination for
// one network. Deposits on unregistered networks are left untouched.
func (s *Service) RegisterNetwork(network model.Network, verifier chain.Verifier, tokenContract, depositAddress string) {
	s.targets[network] = networkTarget{
		verifier:       verifier,
		tokenContract:  strings.ToLower(tokenContract),
		depositAddress: strings.ToLower(depositAddress),
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("reconciler started",
		"interval", s.cfg.Interval,
		"batch_size", s.cfg.BatchSize,
		"workers", s.cfg.Workers,
		"max_age", s.cfg.MaxAge,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciler stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				metrics.ReconcilerTickErrors.Inc()
				s.logger.Warn("reconcile tick failed", "error", err)
			}
		}
	}
}

// tick claims and settles one batch of PENDING deposits. Workers fan out
// over distinct deposit ids; the row lock makes overlap with another
// process harmless.
func (s *Service) tick(ctx context.Context) error {
	start := time.Now()
	metrics.ReconcilerTicksTotal.Inc()
	defer func() {
		metrics.ReconcilerTickLatency.Observe(time.Since(start).Seconds())
	}()

	ids, err := s.repo.ListClaimable(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list claimable deposits: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.process(ctx, id); err != nil {
				s.logger.Warn("deposit reconciliation failed",
					"deposit_id", id, "error", err)
			}
			// Per-deposit errors never abort the batch.
			return nil
		})
	}
	return g.Wait()
}

// process settles a single deposit. Order of checks matters: the terminal
// re-check and expiry come before any chain call, and duplicate-reference
// detection comes before verification so a copied transaction hash fails
// fast without spending an RPC call.
func (s *Service) process(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.Tracer("reconcile").Start(ctx, "deposit.process")
	defer span.End()
	span.SetAttributes(attribute.String("deposit.id", id.String()))

	claim, err := s.repo.Claim(ctx, id)
	switch {
	case err == store.ErrClaimContended:
		metrics.ClaimsContended.Inc()
		return nil
	case err == store.ErrNotFound:
		return nil
	case err != nil:
		return fmt.Errorf("claim deposit: %w", err)
	}
	defer claim.Release()

	d := claim.Deposit()
	span.SetAttributes(attribute.String("deposit.network", string(d.Network)))
	logger := s.logger.With(
		"deposit_id", d.ID,
		"network", d.Network,
		"tx_ref", d.TransactionReference,
	)

	// Another process may have settled this deposit between the list scan
	// and our claim.
	if d.Status.Terminal() {
		return nil
	}

	if d.ExpiredAt(s.now(), s.cfg.MaxAge) {
		logger.Info("deposit expired", "age", s.now().Sub(d.CreatedAt).String())
		return s.fail(ctx, claim, model.FailureReasonExpired)
	}

	alreadyPaid, err := claim.ReferenceAlreadyPaid(ctx)
	if err != nil {
		return fmt.Errorf("check duplicate reference: %w", err)
	}
	if alreadyPaid {
		logger.Info("transaction reference already paid out")
		return s.fail(ctx, claim, model.FailureReasonDuplicate)
	}

	target, ok := s.targets[d.Network]
	if !ok {
		logger.Warn("no verifier registered for network, leaving pending")
		return nil
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()
	verification, err := target.verifier.VerifyTransaction(vctx, d.TransactionReference)
	if err != nil {
		return fmt.Errorf("verify transaction: %w", err)
	}

	switch verification.Outcome {
	case chain.OutcomeNotYetObservable:
		logger.Debug("transaction not yet observable", "reason", verification.Reason)
		return nil

	case chain.OutcomeReverted:
		logger.Info("transaction reverted on chain", "block", verification.BlockNumber)
		return s.fail(ctx, claim, model.FailureReasonReverted)

	case chain.OutcomeSucceeded:
		return s.settle(ctx, claim, target, verification, logger)

	default:
		return fmt.Errorf("unknown verification outcome %q", verification.Outcome)
	}
}

// settle handles a confirmed transaction: match the decoded transfers
// against this network's deposit address and credit the verified total.
func (s *Service) settle(ctx context.Context, claim store.DepositClaim, target networkTarget, verification *chain.Verification, logger *slog.Logger) error {
	d := claim.Deposit()

	verified := matchedAmount(verification.Transfers, target)
	if verified.IsZero() {
		logger.Info("confirmed transaction carries no transfer to the deposit address",
			"transfers", len(verification.Transfers))
		return s.fail(ctx, claim, model.FailureReasonNoMatchingTransfer)
	}

	if mismatch := senderMismatch(verification.Transfers, target, d.FromAddress); mismatch != "" {
		// Funds arrived regardless of who signed; credit and leave a trail.
		logger.Warn("transfer sender differs from declared from_address",
			"declared", strings.ToLower(d.FromAddress),
			"actual", mismatch,
		)
	}

	if !verified.Equal(d.ClaimedAmount) {
		logger.Info("verified amount differs from claimed amount",
			"claimed", d.ClaimedAmount.String(),
			"verified", verified.String(),
		)
	}

	if err := claim.MarkPaid(ctx, verified); err != nil {
		// Status flip, verified amount, and ledger credit roll back as one;
		// the deposit stays PENDING and the next tick retries.
		metrics.CreditFailures.WithLabelValues(string(d.Network)).Inc()
		s.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeCreditFailure,
			Network: string(d.Network),
			Title:   "Ledger credit failing",
			Message: "deposit verified on-chain but the paid transition did not commit",
			Fields: map[string]string{
				"deposit_id": d.ID.String(),
				"tx_ref":     d.TransactionReference,
				"error":      err.Error(),
			},
		})
		return fmt.Errorf("mark paid: %w", err)
	}

	metrics.DepositsPaid.WithLabelValues(string(d.Network)).Inc()
	logger.Info("deposit paid",
		"verified_amount", verified.String(),
		"confirmations", verification.Confirmations,
	)

	s.publish(ctx, audit.TransitionEvent{
		DepositID:      d.ID,
		UserID:         d.UserID,
		Network:        d.Network,
		TxReference:    d.TransactionReference,
		FromStatus:     model.DepositStatusPending,
		ToStatus:       model.DepositStatusPaid,
		VerifiedAmount: verified.String(),
		OccurredAt:     s.now().UTC(),
	})
	return nil
}

func (s *Service) fail(ctx context.Context, claim store.DepositClaim, reason model.FailureReason) error {
	d := claim.Deposit()
	if err := claim.MarkFailed(ctx, reason); err != nil {
		return fmt.Errorf("mark failed (%s): %w", reason, err)
	}

	metrics.DepositsFailed.WithLabelValues(string(d.Network), string(reason)).Inc()

	s.publish(ctx, audit.TransitionEvent{
		DepositID:     d.ID,
		UserID:        d.UserID,
		Network:       d.Network,
		TxReference:   d.TransactionReference,
		FromStatus:    model.DepositStatusPending,
		ToStatus:      model.DepositStatusFailed,
		FailureReason: string(reason),
		OccurredAt:    s.now().UTC(),
	})
	return nil
}

// publish is best-effort: the database row is the source of truth and an
// audit outage must not block settlement.
func (s *Service) publish(ctx context.Context, event audit.TransitionEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		metrics.AuditPublishFailures.Inc()
		s.logger.Warn("audit publish failed", "deposit_id", event.DepositID, "error", err)
	}
}

func (s *Service) sendAlert(ctx context.Context, a alert.Alert) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Send(ctx, a); err != nil {
		s.logger.Warn("alert send failed", "type", a.Type, "error", err)
	}
}

// matchedAmount sums every transfer of the configured token that landed on
// the deposit address. Multiple matching logs in one transaction are all
// part of the same deposit.
func matchedAmount(transfers []chain.TokenTransfer, target networkTarget) decimal.Decimal {
	total := decimal.Zero
	for _, tr := range transfers {
		if strings.ToLower(tr.TokenContract) != target.tokenContract {
			continue
		}
		if strings.ToLower(tr.ToAddress) != target.depositAddress {
			continue
		}
		if tr.Amount.IsPositive() {
			total = total.Add(tr.Amount)
		}
	}
	return total
}

// senderMismatch returns the actual sender when no matching transfer came
// from the declared from_address, empty otherwise.
func senderMismatch(transfers []chain.TokenTransfer, target networkTarget, declaredFrom string) string {
	declared := strings.ToLower(declaredFrom)
	actual := ""
	for _, tr := range transfers {
		if strings.ToLower(tr.TokenContract) != target.tokenContract {
			continue
		}
		if strings.ToLower(tr.ToAddress) != target.depositAddress {
			continue
		}
		from := strings.ToLower(tr.FromAddress)
		if from == declared {
			return ""
		}
		actual = from
	}
	return actual
}
