package ethereum

import (
	"log/slog"
	"testing"

	"github.com/ResearchHub/deposit-reconciler/internal/chain/evm"
	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/stretchr/testify/assert"
)

func TestNewVerifier_Network(t *testing.T) {
	t.Parallel()

	v := NewVerifier(evm.Config{RPCURL: "https://eth.example.com", TokenContract: "0xabc"}, slog.Default())
	assert.Equal(t, model.NetworkEthereum, v.Network())
}
