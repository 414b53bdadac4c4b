package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ResearchHub/deposit-reconciler/internal/cache"
	"github.com/ResearchHub/deposit-reconciler/internal/chain"
	"github.com/ResearchHub/deposit-reconciler/internal/chain/classify"
	"github.com/ResearchHub/deposit-reconciler/internal/chain/evm/rpc"
	"github.com/ResearchHub/deposit-reconciler/internal/chain/ratelimit"
	"github.com/ResearchHub/deposit-reconciler/internal/circuitbreaker"
	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/ResearchHub/deposit-reconciler/internal/metrics"
	"github.com/shopspring/decimal"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the first
// topic of every ERC-20 Transfer log.
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Receipts of mined transactions only change under a reorg, so a short-lived
// cache saves one RPC per deposit per tick while confirmations accumulate.
// The TTL bounds how long a reorged-away receipt could linger.
const (
	receiptCacheSize = 4096
	receiptCacheTTL  = 2 * time.Minute
)

// Config holds the per-network verification parameters. All values come from
// process configuration; the verifier never reads ambient state.
type Config struct {
	RPCURL           string
	TokenContract    string
	TokenDecimals    int32
	MinConfirmations int64
	RPCRateLimit     float64
	RPCBurst         int
	RequestTimeout   time.Duration

	// OnBreakerStateChange, when set, is invoked after the node circuit
	// breaker transitions. Used to page operators on open/recover.
	OnBreakerStateChange func(from, to circuitbreaker.State)
}

// Verifier checks EVM transactions against one network's node. It owns the
// endpoint, the token contract it decodes for, and the confirmation policy.
type Verifier struct {
	network  model.Network
	client   rpc.RPCClient
	cfg      Config
	limiter  *ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	receipts *cache.LRU[string, *rpc.TransactionReceipt]
	logger   *slog.Logger
}

var _ chain.Verifier = (*Verifier)(nil)

func NewVerifier(network model.Network, cfg Config, logger *slog.Logger) *Verifier {
	cfg.TokenContract = strings.ToLower(cfg.TokenContract)
	if cfg.RPCRateLimit <= 0 {
		cfg.RPCRateLimit = 10
	}
	if cfg.RPCBurst <= 0 {
		cfg.RPCBurst = 20
	}

	netLabel := network.String()
	v := &Verifier{
		network:  network,
		client:   rpc.NewClient(cfg.RPCURL, cfg.RequestTimeout, logger),
		cfg:      cfg,
		limiter:  ratelimit.NewLimiter(cfg.RPCRateLimit, cfg.RPCBurst, netLabel),
		receipts: cache.NewLRU[string, *rpc.TransactionReceipt](receiptCacheSize, receiptCacheTTL),
		logger:   logger.With("component", "verifier", "network", netLabel),
	}
	v.breaker = circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			metrics.BreakerStateChanges.WithLabelValues(netLabel, from.String(), to.String()).Inc()
			v.logger.Warn("node circuit breaker state changed", "from", from.String(), "to", to.String())
			if cfg.OnBreakerStateChange != nil {
				cfg.OnBreakerStateChange(from, to)
			}
		},
	})
	return v
}

// NewVerifierWithClient constructs a verifier over an existing RPC client.
// Used by tests to substitute a stub transport.
func NewVerifierWithClient(network model.Network, cfg Config, client rpc.RPCClient, logger *slog.Logger) *Verifier {
	v := NewVerifier(network, cfg, logger)
	v.client = client
	return v
}

func (v *Verifier) Network() model.Network {
	return v.network
}

// BreakerState exposes the node breaker state for health reporting.
func (v *Verifier) BreakerState() circuitbreaker.State {
	return v.breaker.GetState()
}

// VerifyTransaction resolves txRef to one of the three outcomes. Any failure
// to reach or trust the node yields NotYetObservable: the deposit stays
// PENDING and the next tick retries. Only receipt contents may produce
// Reverted or Succeeded.
func (v *Verifier) VerifyTransaction(ctx context.Context, txRef string) (*chain.Verification, error) {
	start := time.Now()
	verification, err := v.verify(ctx, txRef)
	if err != nil {
		return nil, err
	}

	metrics.VerifyOutcomes.WithLabelValues(v.network.String(), string(verification.Outcome)).Inc()
	metrics.VerifyLatency.WithLabelValues(v.network.String()).Observe(time.Since(start).Seconds())
	return verification, nil
}

func (v *Verifier) verify(ctx context.Context, txRef string) (*chain.Verification, error) {
	if err := v.breaker.Allow(); err != nil {
		return v.notYetObservable("breaker_open", txRef, err), nil
	}

	receipt, err := v.callReceipt(ctx, txRef)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return v.notYetObservable(classify.Classify(err).Reason, txRef, err), nil
	}
	if receipt == nil {
		return &chain.Verification{Outcome: chain.OutcomeNotYetObservable, Reason: "not_mined"}, nil
	}

	blockNumber, err := rpc.ParseHexInt64(receipt.BlockNumber)
	if err != nil {
		return v.notYetObservable("bad_receipt_block", txRef, err), nil
	}

	head, err := v.callBlockNumber(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return v.notYetObservable(classify.Classify(err).Reason, txRef, err), nil
	}

	confirmations := head - blockNumber + 1
	if confirmations < v.cfg.MinConfirmations {
		return &chain.Verification{
			Outcome:       chain.OutcomeNotYetObservable,
			Reason:        "insufficient_confirmations",
			BlockNumber:   blockNumber,
			Confirmations: confirmations,
		}, nil
	}

	if receipt.Status != rpc.ReceiptStatusSuccess {
		return &chain.Verification{
			Outcome:       chain.OutcomeReverted,
			BlockNumber:   blockNumber,
			Confirmations: confirmations,
		}, nil
	}

	transfers, err := v.decodeTransfers(receipt)
	if err != nil {
		// A receipt we cannot decode is indistinguishable from a node
		// serving garbage; retry rather than fail the deposit.
		return v.notYetObservable("undecodable_receipt", txRef, err), nil
	}

	return &chain.Verification{
		Outcome:       chain.OutcomeSucceeded,
		BlockNumber:   blockNumber,
		Confirmations: confirmations,
		Transfers:     transfers,
	}, nil
}

func (v *Verifier) callReceipt(ctx context.Context, txRef string) (*rpc.TransactionReceipt, error) {
	key := strings.ToLower(txRef)
	if receipt, ok := v.receipts.Get(key); ok {
		metrics.ReceiptCacheHits.WithLabelValues(v.network.String()).Inc()
		return receipt, nil
	}

	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := v.client.GetTransactionReceipt(ctx, txRef)
	v.recordCall("eth_getTransactionReceipt", err)
	if err == nil && receipt != nil {
		v.receipts.Put(key, receipt)
	}
	return receipt, err
}

func (v *Verifier) callBlockNumber(ctx context.Context) (int64, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	head, err := v.client.GetBlockNumber(ctx)
	v.recordCall("eth_blockNumber", err)
	return head, err
}

func (v *Verifier) recordCall(method string, err error) {
	status := "ok"
	if err != nil {
		status = classify.Classify(err).Reason
		v.breaker.RecordFailure()
	} else {
		v.breaker.RecordSuccess()
	}
	metrics.RPCCallsTotal.WithLabelValues(v.network.String(), method, status).Inc()
}

func (v *Verifier) notYetObservable(reason, txRef string, err error) *chain.Verification {
	v.logger.Warn("verification deferred",
		"tx_reference", txRef,
		"reason", reason,
		"error", err,
	)
	return &chain.Verification{Outcome: chain.OutcomeNotYetObservable, Reason: reason}
}

// decodeTransfers extracts ERC-20 Transfer events for the configured token
// contract from a successful receipt. Transfers of other contracts are
// dropped here; recipient matching is the reconciler's policy.
func (v *Verifier) decodeTransfers(receipt *rpc.TransactionReceipt) ([]chain.TokenTransfer, error) {
	var transfers []chain.TokenTransfer
	for _, log := range receipt.Logs {
		if log == nil || log.Removed {
			continue
		}
		if strings.ToLower(log.Address) != v.cfg.TokenContract {
			continue
		}
		if len(log.Topics) < 3 || strings.ToLower(log.Topics[0]) != transferTopic {
			continue
		}

		raw, err := rpc.ParseHexBig(log.Data)
		if err != nil {
			return nil, fmt.Errorf("transfer amount in log %s: %w", log.LogIndex, err)
		}
		logIndex, err := rpc.ParseHexInt64(log.LogIndex)
		if err != nil {
			logIndex = -1
		}

		transfers = append(transfers, chain.TokenTransfer{
			TokenContract: strings.ToLower(log.Address),
			FromAddress:   topicAddress(log.Topics[1]),
			ToAddress:     topicAddress(log.Topics[2]),
			Amount:        decimal.NewFromBigInt(raw, -v.cfg.TokenDecimals),
			LogIndex:      int(logIndex),
		})
	}
	return transfers, nil
}

// topicAddress converts a 32-byte indexed topic into a 0x-prefixed,
// lowercased 20-byte address.
func topicAddress(topic string) string {
	t := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(topic)), "0x")
	if len(t) < 40 {
		return "0x" + t
	}
	return "0x" + t[len(t)-40:]
}
