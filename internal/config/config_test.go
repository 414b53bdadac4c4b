package config

import (
	"testing"
	"time"

	"github.com/ResearchHub/deposit-reconciler/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setNetworkEnv(t *testing.T, prefix string) {
	t.Helper()
	t.Setenv(prefix+"_RPC_URL", "https://rpc.example.com")
	t.Setenv(prefix+"_TOKEN_CONTRACT", "0xD101dCC414F310268c37eEb4cD376CcFA507F571")
	t.Setenv(prefix+"_DEPOSIT_ADDRESS", "0xF5B4B0158352bA4D41b8B7Ed4D9aE32814E41b1C")
}

func TestLoad_Defaults(t *testing.T) {
	setNetworkEnv(t, "ETHEREUM")
	setNetworkEnv(t, "BASE")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Reconcile.MaxAge)
	assert.Equal(t, 4, cfg.Reconcile.Workers)
	assert.Equal(t, 100, cfg.Reconcile.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.VerifyTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Redis.AuditStreamEnabled)

	require.Len(t, cfg.Networks, 2)
	eth := cfg.Networks[model.NetworkEthereum]
	assert.Equal(t, "https://rpc.example.com", eth.RPCURL)
	assert.Equal(t, int64(6), eth.MinConfirmations)
	assert.Equal(t, int32(18), eth.TokenDecimals)
}

func TestLoad_NormalizesAddresses(t *testing.T) {
	t.Setenv("NETWORKS", "BASE")
	setNetworkEnv(t, "BASE")

	cfg, err := Load()
	require.NoError(t, err)

	base := cfg.Networks[model.NetworkBase]
	assert.Equal(t, "0xd101dcc414f310268c37eeb4cd376ccfa507f571", base.TokenContract)
	assert.Equal(t, "0xf5b4b0158352ba4d41b8b7ed4d9ae32814e41b1c", base.DepositAddress)
}

func TestLoad_MissingNetworkConfig(t *testing.T) {
	t.Setenv("NETWORKS", "ETHEREUM")
	t.Setenv("ETHEREUM_RPC_URL", "https://rpc.example.com")
	// token contract and deposit address deliberately unset

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETHEREUM_TOKEN_CONTRACT")
}

func TestLoad_UnknownNetwork(t *testing.T) {
	t.Setenv("NETWORKS", "ETHEREUM,DOGE")
	setNetworkEnv(t, "ETHEREUM")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOGE")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("NETWORKS", "ETHEREUM")
	setNetworkEnv(t, "ETHEREUM")
	t.Setenv("RECONCILE_INTERVAL", "15s")
	t.Setenv("DEPOSIT_MAX_AGE", "48h")
	t.Setenv("RECONCILE_WORKERS", "8")
	t.Setenv("ETHEREUM_MIN_CONFIRMATIONS", "12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 48*time.Hour, cfg.Reconcile.MaxAge)
	assert.Equal(t, 8, cfg.Reconcile.Workers)
	assert.Equal(t, int64(12), cfg.Networks[model.NetworkEthereum].MinConfirmations)
}

func TestLoad_AuditStreamRequiresRedis(t *testing.T) {
	t.Setenv("NETWORKS", "ETHEREUM")
	setNetworkEnv(t, "ETHEREUM")
	t.Setenv("AUDIT_STREAM_ENABLED", "true")
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}
