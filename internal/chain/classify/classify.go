// Package classify labels chain RPC errors as transient or terminal.
//
// The verdict is used for logging and metrics only: per the verifier
// contract, any RPC failure leaves a deposit PENDING for retry. What the
// class changes is how loudly we report it — terminal classifications point
// at misconfiguration (bad URL, bad method) rather than node weather.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"

	evmrpc "github.com/ResearchHub/deposit-reconciler/internal/chain/evm/rpc"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// Classify inspects err and decides whether it looks like a passing condition
// (retry quietly) or a persistent one (worth operator attention).
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTransient, Reason: "nil_error"}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTransient, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	var rpcErr *evmrpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.Code)
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	// Unknown errors are treated as transient: the retry is free and the
	// alternative risks muting a flaky node into silence.
	return Decision{Class: ClassTransient, Reason: "unknown_transient_default"}
}

func classifyJSONRPCCode(code int) Decision {
	if code == -32603 || code == -32005 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
	"circuit breaker is open",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"unsupported protocol scheme",
	"no such host",
}
