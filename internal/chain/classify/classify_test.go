package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	evmrpc "github.com/ResearchHub/deposit-reconciler/internal/chain/evm/rpc"
	"github.com/stretchr/testify/assert"
)

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantClass  Class
		wantReason string
	}{
		{name: "nil", err: nil, wantClass: ClassTransient, wantReason: "nil_error"},
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantClass: ClassTransient, wantReason: "context_deadline_exceeded"},
		{name: "canceled", err: context.Canceled, wantClass: ClassTransient, wantReason: "context_canceled"},
		{name: "net timeout", err: &fakeNetError{timeout: true}, wantClass: ClassTransient, wantReason: "net_timeout"},
		{name: "jsonrpc internal", err: &evmrpc.RPCError{Code: -32603, Message: "internal error"}, wantClass: ClassTransient, wantReason: "jsonrpc_server_transient"},
		{name: "jsonrpc server range", err: &evmrpc.RPCError{Code: -32001, Message: "resource not available"}, wantClass: ClassTransient, wantReason: "jsonrpc_server_range"},
		{name: "jsonrpc invalid params", err: &evmrpc.RPCError{Code: -32602, Message: "invalid params"}, wantClass: ClassTerminal, wantReason: "jsonrpc_terminal"},
		{name: "wrapped jsonrpc", err: fmt.Errorf("eth_getTransactionReceipt: %w", &evmrpc.RPCError{Code: -32602}), wantClass: ClassTerminal, wantReason: "jsonrpc_terminal"},
		{name: "connection refused text", err: errors.New("dial tcp: connection refused"), wantClass: ClassTransient, wantReason: "message_transient"},
		{name: "http 503 text", err: errors.New("http status 503: bad gateway"), wantClass: ClassTransient, wantReason: "message_transient"},
		{name: "method not found text", err: errors.New("method not found"), wantClass: ClassTerminal, wantReason: "message_terminal"},
		{name: "unknown defaults transient", err: errors.New("something odd happened"), wantClass: ClassTransient, wantReason: "unknown_transient_default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Classify(tt.err)
			assert.Equal(t, tt.wantClass, d.Class)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestDecision_IsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, Decision{Class: ClassTransient}.IsTransient())
	assert.False(t, Decision{Class: ClassTerminal}.IsTransient())
}
