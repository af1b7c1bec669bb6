// Package sdk implements the guest-facing call gateway: the single
// gl_call dispatch point a contract's host-imported function funnels every
// SDK operation (messages, storage is handled separately, oracle calls,
// control-flow signals) through.
//
// Grounded on the original executor's src/wasi/{genlayer_sdk,gl_call}.rs.
package sdk

import "fmt"

// Errno is the closed set of guest-visible rejection codes a gateway call
// can fail with — distinct from internal/vmrt.VMError, which carries a
// trap that unwinds the whole VM. Grounded on the Errno variants observed
// throughout genlayer_sdk.rs's GenlayerSdk impl (Inval/Forbidden/Inbalance)
// and preview1.rs (the filesystem-flavored codes every wasi errno set
// carries, reused here for a closed enum rather than importing a
// wasi-preview1 errno package that does not exist for wazero's own
// stdlib-free host module style).
type Errno uint8

const (
	ErrnoSuccess Errno = iota
	ErrnoInval
	ErrnoForbidden
	ErrnoOverflow
	ErrnoBadf
	ErrnoFault
	ErrnoIlseq
	ErrnoAcces
	ErrnoIsdir
	ErrnoRofs
	ErrnoSpipe
	ErrnoNotsup
	ErrnoNoent
	ErrnoInbalance
)

func (e Errno) String() string {
	switch e {
	case ErrnoSuccess:
		return "success"
	case ErrnoInval:
		return "inval"
	case ErrnoForbidden:
		return "forbidden"
	case ErrnoOverflow:
		return "overflow"
	case ErrnoBadf:
		return "badf"
	case ErrnoFault:
		return "fault"
	case ErrnoIlseq:
		return "ilseq"
	case ErrnoAcces:
		return "acces"
	case ErrnoIsdir:
		return "isdir"
	case ErrnoRofs:
		return "rofs"
	case ErrnoSpipe:
		return "spipe"
	case ErrnoNotsup:
		return "notsup"
	case ErrnoNoent:
		return "noent"
	case ErrnoInbalance:
		return "inbalance"
	default:
		return "unknown"
	}
}

// Error makes Errno usable as a plain Go error at call sites that don't
// care about the guest-visible/trap distinction.
func (e Errno) Error() string { return fmt.Sprintf("sdk: %s", e.String()) }
