package runners

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genvm-run/genvm/internal/calldata"
)

func TestVerifyRunner(t *testing.T) {
	id, hash, ok := VerifyRunner("my-runner_1:abcDEF012=")
	require.True(t, ok)
	require.Equal(t, "my-runner_1", id)
	require.Equal(t, "abcDEF012=", hash)

	_, _, ok = VerifyRunner("no-colon-here")
	require.False(t, ok)

	_, _, ok = VerifyRunner("bad id:hash")
	require.False(t, ok)

	_, _, ok = VerifyRunner("id:bad hash")
	require.False(t, ok)
}

func TestGetRunnerOfContract(t *testing.T) {
	addr := calldata.BytesToAddress([]byte{0xaa, 0xbb})
	got := GetRunnerOfContract(addr)
	require.Contains(t, got, "on_chain:0x")
	require.Contains(t, got, addr.Hex()[2:])
}

func TestUnfoldTestIDContractSentinel(t *testing.T) {
	got := UnfoldTestID(ContractSentinel, "contract-id", "/tmp", false)
	require.Equal(t, "contract-id", got)
}

func TestUnfoldTestIDLatestOnlyInDebugMode(t *testing.T) {
	dir := t.TempDir()
	reg := map[string]string{"my-runner": "abc123"}
	b, err := json.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.json"), b, 0o644))

	notDebug := UnfoldTestID("my-runner:latest", "c", dir, false)
	require.Equal(t, "my-runner:latest", notDebug)

	debug := UnfoldTestID("my-runner:latest", "c", dir, true)
	require.Equal(t, "my-runner:abc123", debug)
}

func TestUnfoldTestIDPassesThroughNonAliasHash(t *testing.T) {
	got := UnfoldTestID("my-runner:deadbeef", "c", "/nonexistent", true)
	require.Equal(t, "my-runner:deadbeef", got)
}
