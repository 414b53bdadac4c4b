package base

import (
	"log/slog"

	"github.com/ResearchHub/deposit-reconciler/internal/chain"
	"github.com/ResearchHub/deposit-reconciler/internal/chain/evm"
	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
)

// NewVerifier creates an EVM verifier configured for the Base network.
func NewVerifier(cfg evm.Config, logger *slog.Logger) chain.Verifier {
	return evm.NewVerifier(model.NetworkBase, cfg, logger)
}
