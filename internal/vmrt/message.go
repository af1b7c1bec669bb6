package vmrt

import (
	"math/big"
	"time"

	"github.com/genvm-run/genvm/internal/calldata"
)

// ExtendedMessage is the per-execution message envelope threaded through a
// VM and exposed to the guest: the call stack and entry_stage_data fields
// supplement a bare MessageData with everything a call/sandbox/nondet child
// needs to derive its own envelope from its parent's.
//
// Grounded on wasi/genlayer_sdk.rs's ExtendedMessage.
type ExtendedMessage struct {
	ContractAddress calldata.Address
	SenderAddress   calldata.Address
	OriginAddress   calldata.Address

	// Stack is the view-call chain: empty at the entry point, appended to
	// on every CallContract spawn (Sandbox and non-det forks copy it
	// unchanged).
	Stack []calldata.Address

	ChainID  *big.Int
	Value    *big.Int
	IsInit   bool
	Datetime time.Time

	EntryKind EntryKind
	EntryData []byte

	EntryStageData calldata.Value
}

// ForkLeader builds the ExtendedMessage a nested VM spawn runs with. When
// leaderResult is non-nil (forking a validator task against an
// already-computed leader result) entry_stage_data carries
// {"leaders_result": <result bytes>}; otherwise it is Null.
func (m ExtendedMessage) ForkLeader(kind EntryKind, entryData []byte, leaderResult *RunOutcome) ExtendedMessage {
	stageData := calldata.Null
	if leaderResult != nil {
		stageData = calldata.NewMap(calldata.Map{
			"leaders_result": calldata.NewBytes(leaderResult.Bytes()),
		})
	}

	return ExtendedMessage{
		ContractAddress: m.ContractAddress,
		SenderAddress:   m.SenderAddress,
		OriginAddress:   m.OriginAddress,
		Stack:           append([]calldata.Address(nil), m.Stack...),
		ChainID:         m.ChainID,
		Value:           m.Value,
		IsInit:          false,
		Datetime:        m.Datetime,
		EntryKind:       kind,
		EntryData:       entryData,
		EntryStageData:  stageData,
	}
}

// Fork is ForkLeader with no leader result.
func (m ExtendedMessage) Fork(kind EntryKind, entryData []byte) ExtendedMessage {
	return m.ForkLeader(kind, entryData, nil)
}
