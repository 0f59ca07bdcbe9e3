package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, uint64(10_000), cfg.BiddingWindowMS)
	require.Equal(t, 50.0, cfg.SelectionWeights.Reputation)

	// The file was written and round-trips.
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
Environment = "development"
DAGBackend = "cassandra"
ManaBackend = "leveldb"
BiddingWindowMS = 1000
DefaultExecutionTimeoutMS = 1000
`), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown dag backend")
}

func TestValidateRejectsMemoryBackendInProduction(t *testing.T) {
	cfg := Default()
	cfg.Environment = "production"
	cfg.DAGBackend = "memory"
	require.ErrorContains(t, cfg.Validate(), "not allowed in production")
}

func TestValidateRejectsOversizedPenalty(t *testing.T) {
	cfg := Default()
	cfg.RefundPenaltyBps = 10_001
	require.ErrorContains(t, cfg.Validate(), "RefundPenaltyBps")
}

func TestLoadFederations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "federations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
federations:
  - name: icn
    trust_scope: general
    members:
      - did:icn:1qexample
    seeds:
      - seed1.icn.example:9470
`), 0o600))
	feds, err := LoadFederations(path)
	require.NoError(t, err)
	require.Len(t, feds, 1)
	require.Equal(t, "icn", feds[0].Name)
	require.Len(t, feds[0].Seeds, 1)
}

func TestLoadFederationsRejectsUnnamed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "federations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
federations:
  - members: []
    seeds: []
`), 0o600))
	_, err := LoadFederations(path)
	require.ErrorContains(t, err, "missing a name")
}
