package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledger"
)

func TestLoadConfigCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, dir, cfg.Storage.DataDir)
	require.True(t, cfg.Network.EnableMDNS)

	require.FileExists(t, filepath.Join(dir, ConfigFileName))
}

func TestLoadConfigReloadsPersistedValues(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	cfg.Network.EnableMDNS = false
	cfg.Logging.Level = "debug"
	require.NoError(t, cfg.Save(ConfigPath(dir)))

	reloaded, err := LoadConfig(dir)
	require.NoError(t, err)
	require.False(t, reloaded.Network.EnableMDNS)
	require.Equal(t, "debug", reloaded.Logging.Level)
}

func TestExpandPathLeavesAbsolutePathsAlone(t *testing.T) {
	require.Equal(t, "/var/lib/ledgerd", ExpandPath("/var/lib/ledgerd"))
}

func TestExpandPathExpandsTilde(t *testing.T) {
	expanded := ExpandPath("~/.ledgerd")
	require.NotEqual(t, "~/.ledgerd", expanded)
	require.True(t, filepath.IsAbs(expanded))
}

func TestApplyOverlayTunablesOnlyOverridesNonZero(t *testing.T) {
	origK, origAlpha, origDifficulty, origTimeout := kademlia.K, kademlia.Alpha, kademlia.Difficulty, kademlia.RPCTimeout
	t.Cleanup(func() {
		kademlia.K, kademlia.Alpha, kademlia.Difficulty, kademlia.RPCTimeout = origK, origAlpha, origDifficulty, origTimeout
	})

	cfg := DefaultConfig()
	cfg.Kademlia.K = 30
	cfg.Kademlia.RPCTimeout = 5 * time.Second
	cfg.ApplyOverlayTunables()

	require.Equal(t, 30, kademlia.K)
	require.Equal(t, 5*time.Second, kademlia.RPCTimeout)
	require.Equal(t, origAlpha, kademlia.Alpha)
	require.Equal(t, origDifficulty, kademlia.Difficulty)
}

func TestApplyLedgerTunablesOnlyOverridesNonZero(t *testing.T) {
	origDifficulty, origBlockInterval, origSyncInterval, origMaxPool :=
		ledger.Difficulty, ledger.BlockInterval, ledger.SyncInterval, ledger.MaxPoolSize
	t.Cleanup(func() {
		ledger.Difficulty, ledger.BlockInterval, ledger.SyncInterval, ledger.MaxPoolSize =
			origDifficulty, origBlockInterval, origSyncInterval, origMaxPool
	})

	cfg := DefaultConfig()
	cfg.Ledger.MaxPoolSize = 42
	cfg.ApplyLedgerTunables()

	require.Equal(t, 42, ledger.MaxPoolSize)
	require.Equal(t, origDifficulty, ledger.Difficulty)
	require.Equal(t, origBlockInterval, ledger.BlockInterval)
}

func TestGenesisAllocationConverted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ledger.GenesisAllocation = map[string]uint64{
		"02abcd": 1000,
	}

	alloc := cfg.GenesisAllocation()
	require.Equal(t, uint64(1000), alloc[ledger.PublicKeyHex("02abcd")])
}
