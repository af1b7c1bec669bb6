package vmrt

// ResultCode tags the wire-level shape of a finished execution's result.
// Grounded on public_abi.rs's auto-generated ResultCode enum.
type ResultCode uint8

const (
	ResultReturn ResultCode = iota
	ResultUserError
	ResultVmError
	ResultInternalError
)

func (r ResultCode) StrSnakeCase() string {
	switch r {
	case ResultReturn:
		return "return"
	case ResultUserError:
		return "user_error"
	case ResultVmError:
		return "vm_error"
	case ResultInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// StorageType selects which snapshot of a contract's storage a read sees:
// the plain pre-execution state, or one of the two "latest" consensus
// views. Grounded on public_abi.rs's StorageType.
type StorageType uint8

const (
	StorageDefault StorageType = iota
	StorageLatestFinal
	StorageLatestNonFinal
)

func (s StorageType) StrSnakeCase() string {
	switch s {
	case StorageDefault:
		return "default"
	case StorageLatestFinal:
		return "latest_final"
	case StorageLatestNonFinal:
		return "latest_non_final"
	default:
		return "unknown"
	}
}

// EntryKind distinguishes the three ways a VM can be spawned: as the main
// entry point of a message, as a sandboxed sub-execution, or as a single
// stage of a multi-round consensus protocol. Grounded on public_abi.rs's
// EntryKind.
type EntryKind uint8

const (
	EntryMain EntryKind = iota
	EntrySandbox
	EntryConsensusStage
)

func (k EntryKind) StrSnakeCase() string {
	switch k {
	case EntryMain:
		return "main"
	case EntrySandbox:
		return "sandbox"
	case EntryConsensusStage:
		return "consensus_stage"
	default:
		return "unknown"
	}
}
