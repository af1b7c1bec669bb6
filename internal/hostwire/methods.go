// Package hostwire implements the binary RPC protocol a running VM speaks
// to its host process over: one byte-tag-dispatched method per call, little
// endian fixed-width integers, length-prefixed variable-length data.
//
// Grounded on the original executor's src/host/{mod,host_fns}.rs.
package hostwire

import "fmt"

// Method is the single-byte RPC method tag, grounded on host_fns.rs's
// auto-generated Methods enum.
type Method uint8

const (
	MethodGetCalldata Method = iota
	MethodStorageRead
	MethodStorageWrite
	MethodConsumeResult
	MethodGetLeaderNondetResult
	MethodPostNondetResult
	MethodPostMessage
	MethodPostEvent
	MethodConsumeFuel
	MethodDeployContract
	MethodEthCall
	MethodEthSend
	MethodGetBalance
	MethodRemainingFuelAsGen
	MethodNotifyNondetDisagreement
)

func (m Method) StrSnakeCase() string {
	switch m {
	case MethodGetCalldata:
		return "get_calldata"
	case MethodStorageRead:
		return "storage_read"
	case MethodStorageWrite:
		return "storage_write"
	case MethodConsumeResult:
		return "consume_result"
	case MethodGetLeaderNondetResult:
		return "get_leader_nondet_result"
	case MethodPostNondetResult:
		return "post_nondet_result"
	case MethodPostMessage:
		return "post_message"
	case MethodPostEvent:
		return "post_event"
	case MethodConsumeFuel:
		return "consume_fuel"
	case MethodDeployContract:
		return "deploy_contract"
	case MethodEthCall:
		return "eth_call"
	case MethodEthSend:
		return "eth_send"
	case MethodGetBalance:
		return "get_balance"
	case MethodRemainingFuelAsGen:
		return "remaining_fuel_as_gen"
	case MethodNotifyNondetDisagreement:
		return "notify_nondet_disagreement"
	default:
		return "unknown"
	}
}

// Errno is the single-byte error code every host reply leads with.
// Grounded on host_fns.rs's auto-generated Errors enum.
type Errno uint8

const (
	ErrnoOK Errno = iota
	ErrnoAbsent
	ErrnoForbidden
	ErrnoIAmLeader
	ErrnoOutOfStorageGas
)

func errnoFromByte(b byte) (Errno, error) {
	if b > byte(ErrnoOutOfStorageGas) {
		return 0, fmt.Errorf("hostwire: invalid error id %d", b)
	}
	return Errno(b), nil
}

func (e Errno) StrSnakeCase() string {
	switch e {
	case ErrnoOK:
		return "ok"
	case ErrnoAbsent:
		return "absent"
	case ErrnoForbidden:
		return "forbidden"
	case ErrnoIAmLeader:
		return "i_am_leader"
	case ErrnoOutOfStorageGas:
		return "out_of_storage_gas"
	default:
		return "unknown"
	}
}
