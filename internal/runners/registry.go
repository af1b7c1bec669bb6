package runners

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/genvm-run/genvm/internal/calldata"
)

// VerifyRunner splits a runner id of the form "id:hash" and validates that
// both halves use only the characters the on-disk path layout allows.
// Grounded on runners/mod.rs's verify_runner.
func VerifyRunner(runnerID string) (id, hash string, ok bool) {
	parts := strings.SplitN(runnerID, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	id, hash = parts[0], parts[1]

	for _, c := range id {
		if !isAlnumDashUnderscore(c) {
			return "", "", false
		}
	}
	for _, c := range hash {
		if !isAlnumDashUnderscore(c) && c != '=' {
			return "", "", false
		}
	}
	return id, hash, true
}

func isAlnumDashUnderscore(c rune) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}

// AppendRunnerSubpath lays out the id/hash[:2]/hash[2:] on-disk convention
// shared by the archive store and the precompiled-module cache.
func AppendRunnerSubpath(base, id, hash string) string {
	if len(hash) < 2 {
		return filepath.Join(base, id, hash)
	}
	return filepath.Join(base, id, hash[:2], hash[2:])
}

// GetRunnerOfContract derives the synthetic runner id for a contract's own
// on-chain code, "on_chain:0x<address hex>".
func GetRunnerOfContract(addr calldata.Address) string {
	return "on_chain:0x" + hex.EncodeToString(addr[:])
}

// ContractSentinel is the runner id a With/Depends action uses to refer to
// the contract currently being executed.
const ContractSentinel = "<contract>"

// UnfoldTestID resolves the "<contract>" sentinel and, in debug mode only,
// the ":test"/":latest" hash aliases via registryPath/latest.json. Outside
// debug mode, or when no latest.json entry exists, the id passes through
// unchanged. Grounded on actions.rs's unfold_test_id_if_any.
func UnfoldTestID(id, contractID, registryPath string, debugMode bool) string {
	if id == ContractSentinel {
		return contractID
	}

	runnerID, runnerHash, ok := VerifyRunner(id)
	if !ok {
		return id
	}
	if runnerHash != "test" && runnerHash != "latest" {
		return id
	}
	if !debugMode {
		return id
	}

	resolved, ok := tryGetLatest(runnerID, registryPath)
	if !ok {
		return id
	}
	return runnerID + ":" + resolved
}

func tryGetLatest(runnerID, registryPath string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(registryPath, "latest.json"))
	if err != nil {
		return "", false
	}
	var registry map[string]string
	if err := json.Unmarshal(data, &registry); err != nil {
		return "", false
	}
	v, ok := registry[runnerID]
	return v, ok
}
