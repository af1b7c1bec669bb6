package sdk

import (
	"fmt"
	"math/big"

	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// On distinguishes when a posted message/deployment is visible to further
// on-chain reads: once its transaction is accepted into a block, or only
// once that block is finalized. Grounded on gl_call.rs's On enum.
type On uint8

const (
	OnFinalized On = iota
	OnAccepted
)

func (o On) String() string {
	if o == OnAccepted {
		return "accepted"
	}
	return "finalized"
}

func onFromValue(v calldata.Value) (On, error) {
	s, ok := v.AsStr()
	if !ok {
		return 0, fmt.Errorf("sdk: \"on\" must be a string")
	}
	switch s {
	case "finalized":
		return OnFinalized, nil
	case "accepted":
		return OnAccepted, nil
	default:
		return 0, fmt.Errorf("sdk: invalid \"on\" value %q", s)
	}
}

type EthSendMsg struct {
	Address  calldata.Address
	CallData []byte
	Value    *big.Int
}

type EthCallMsg struct {
	Address  calldata.Address
	CallData []byte
}

type CallContractMsg struct {
	Address  calldata.Address
	CallData calldata.Value
	State    vmrt.StorageType
}

type PostMessageMsg struct {
	Address  calldata.Address
	CallData calldata.Value
	Value    *big.Int
	On       On
}

type DeployContractMsg struct {
	CallData  calldata.Value
	Code      []byte
	Value     *big.Int
	On        On
	SaltNonce *big.Int
}

type RunNondetMsg struct {
	DataLeader    []byte
	DataValidator []byte
}

type SandboxMsg struct {
	Data          []byte
	AllowWriteOps bool
}

type EmitEventMsg struct {
	Topics [][32]byte
	Blob   calldata.Map
}

type TraceMsg struct {
	Message         string
	RuntimeMicroSec bool
}

// Message is the decoded form of a gl_call request: exactly one field is
// non-nil, selected by the single-key tagged map the guest encodes.
// Grounded on gl_call.rs's Message enum; the externally-tagged
// {"Variant": payload} map shape is this repo's own freely chosen (but
// grounded, matching serde's own default enum representation) calldata
// convention — see DESIGN.md.
type Message struct {
	EthSend            *EthSendMsg
	EthCall            *EthCallMsg
	CallContract       *CallContractMsg
	PostMessage        *PostMessageMsg
	DeployContract     *DeployContractMsg
	RunNondet          *RunNondetMsg
	Sandbox            *SandboxMsg
	WebRender          *calldata.Value
	WebRequest         *calldata.Value
	ExecPrompt         *calldata.Value
	ExecPromptTemplate *calldata.Value
	Rollback           *string
	Return             *calldata.Value
	EmitEvent          *EmitEventMsg
	Trace              *TraceMsg
}

func mapField(m calldata.Map, key string) (calldata.Value, error) {
	v, ok := m[key]
	if !ok {
		return calldata.Value{}, fmt.Errorf("sdk: missing field %q", key)
	}
	return v, nil
}

func bytesField(m calldata.Map, key string) ([]byte, error) {
	v, err := mapField(m, key)
	if err != nil {
		return nil, err
	}
	b, ok := v.AsBytes()
	if !ok {
		return nil, fmt.Errorf("sdk: field %q must be bytes", key)
	}
	return b, nil
}

func addressField(m calldata.Map, key string) (calldata.Address, error) {
	v, err := mapField(m, key)
	if err != nil {
		return calldata.Address{}, err
	}
	a, ok := v.AsAddress()
	if !ok {
		return calldata.Address{}, fmt.Errorf("sdk: field %q must be an address", key)
	}
	return a, nil
}

func bigIntField(m calldata.Map, key string) (*big.Int, error) {
	v, err := mapField(m, key)
	if err != nil {
		return nil, err
	}
	n, ok := v.AsBigInt()
	if !ok {
		return nil, fmt.Errorf("sdk: field %q must be an integer", key)
	}
	return n, nil
}

func boolField(m calldata.Map, key string) (bool, error) {
	v, err := mapField(m, key)
	if err != nil {
		return false, err
	}
	b, ok := v.AsBool()
	if !ok {
		return false, fmt.Errorf("sdk: field %q must be a bool", key)
	}
	return b, nil
}

func onField(m calldata.Map, key string) (On, error) {
	v, err := mapField(m, key)
	if err != nil {
		return 0, err
	}
	return onFromValue(v)
}

func storageTypeField(m calldata.Map, key string) (vmrt.StorageType, error) {
	v, err := mapField(m, key)
	if err != nil {
		return 0, err
	}
	n, ok := v.AsBigInt()
	if !ok {
		return 0, fmt.Errorf("sdk: field %q must be an integer", key)
	}
	if !n.IsUint64() || n.Uint64() > uint64(vmrt.StorageLatestNonFinal) {
		return 0, fmt.Errorf("sdk: field %q out of range", key)
	}
	return vmrt.StorageType(n.Uint64()), nil
}

// DecodeMessage decodes a gl_call request body into a Message. Grounded on
// gl_call.rs's #[serde(deny_unknown_fields)] Message enum and the
// ContextVFS::gl_call dispatch preamble (calldata::decode then
// calldata::from_value).
func DecodeMessage(raw []byte) (*Message, error) {
	v, err := calldata.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("sdk: calldata parse failed: %w", err)
	}

	outer, ok := v.AsMap()
	if !ok || len(outer) != 1 {
		return nil, fmt.Errorf("sdk: request must be a single-key tagged map")
	}

	var tag string
	var payload calldata.Value
	for k, v := range outer {
		tag, payload = k, v
	}

	switch tag {
	case "EthSend":
		m, ok := payload.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: EthSend payload must be a map")
		}
		addr, err := addressField(m, "address")
		if err != nil {
			return nil, err
		}
		cd, err := bytesField(m, "calldata")
		if err != nil {
			return nil, err
		}
		val, err := bigIntField(m, "value")
		if err != nil {
			return nil, err
		}
		return &Message{EthSend: &EthSendMsg{Address: addr, CallData: cd, Value: val}}, nil

	case "EthCall":
		m, ok := payload.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: EthCall payload must be a map")
		}
		addr, err := addressField(m, "address")
		if err != nil {
			return nil, err
		}
		cd, err := bytesField(m, "calldata")
		if err != nil {
			return nil, err
		}
		return &Message{EthCall: &EthCallMsg{Address: addr, CallData: cd}}, nil

	case "CallContract":
		m, ok := payload.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: CallContract payload must be a map")
		}
		addr, err := addressField(m, "address")
		if err != nil {
			return nil, err
		}
		cd, err := mapField(m, "calldata")
		if err != nil {
			return nil, err
		}
		state, err := storageTypeField(m, "state")
		if err != nil {
			return nil, err
		}
		return &Message{CallContract: &CallContractMsg{Address: addr, CallData: cd, State: state}}, nil

	case "PostMessage":
		m, ok := payload.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: PostMessage payload must be a map")
		}
		addr, err := addressField(m, "address")
		if err != nil {
			return nil, err
		}
		cd, err := mapField(m, "calldata")
		if err != nil {
			return nil, err
		}
		val, err := bigIntField(m, "value")
		if err != nil {
			return nil, err
		}
		on, err := onField(m, "on")
		if err != nil {
			return nil, err
		}
		return &Message{PostMessage: &PostMessageMsg{Address: addr, CallData: cd, Value: val, On: on}}, nil

	case "DeployContract":
		m, ok := payload.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: DeployContract payload must be a map")
		}
		cd, err := mapField(m, "calldata")
		if err != nil {
			return nil, err
		}
		code, err := bytesField(m, "code")
		if err != nil {
			return nil, err
		}
		val, err := bigIntField(m, "value")
		if err != nil {
			return nil, err
		}
		on, err := onField(m, "on")
		if err != nil {
			return nil, err
		}
		salt, err := bigIntField(m, "salt_nonce")
		if err != nil {
			return nil, err
		}
		return &Message{DeployContract: &DeployContractMsg{CallData: cd, Code: code, Value: val, On: on, SaltNonce: salt}}, nil

	case "RunNondet":
		m, ok := payload.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: RunNondet payload must be a map")
		}
		leader, err := bytesField(m, "data_leader")
		if err != nil {
			return nil, err
		}
		validator, err := bytesField(m, "data_validator")
		if err != nil {
			return nil, err
		}
		return &Message{RunNondet: &RunNondetMsg{DataLeader: leader, DataValidator: validator}}, nil

	case "Sandbox":
		m, ok := payload.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: Sandbox payload must be a map")
		}
		data, err := bytesField(m, "data")
		if err != nil {
			return nil, err
		}
		allow, err := boolField(m, "allow_write_ops")
		if err != nil {
			return nil, err
		}
		return &Message{Sandbox: &SandboxMsg{Data: data, AllowWriteOps: allow}}, nil

	case "WebRender":
		return &Message{WebRender: &payload}, nil
	case "WebRequest":
		return &Message{WebRequest: &payload}, nil
	case "ExecPrompt":
		return &Message{ExecPrompt: &payload}, nil
	case "ExecPromptTemplate":
		return &Message{ExecPromptTemplate: &payload}, nil

	case "Rollback":
		s, ok := payload.AsStr()
		if !ok {
			return nil, fmt.Errorf("sdk: Rollback payload must be a string")
		}
		return &Message{Rollback: &s}, nil

	case "Return":
		return &Message{Return: &payload}, nil

	case "EmitEvent":
		m, ok := payload.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: EmitEvent payload must be a map")
		}
		topicsVal, err := mapField(m, "topics")
		if err != nil {
			return nil, err
		}
		topicsArr, ok := topicsVal.AsArray()
		if !ok {
			return nil, fmt.Errorf("sdk: EmitEvent.topics must be an array")
		}
		topics := make([][32]byte, len(topicsArr))
		for i, t := range topicsArr {
			b, ok := t.AsBytes()
			if !ok || len(b) != 32 {
				return nil, fmt.Errorf("sdk: EmitEvent topic %d must be 32 bytes", i)
			}
			copy(topics[i][:], b)
		}
		blobVal, err := mapField(m, "blob")
		if err != nil {
			return nil, err
		}
		blob, ok := blobVal.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: EmitEvent.blob must be a map")
		}
		return &Message{EmitEvent: &EmitEventMsg{Topics: topics, Blob: blob}}, nil

	case "Trace":
		if s, ok := payload.AsStr(); ok && s == "RuntimeMicroSec" {
			return &Message{Trace: &TraceMsg{RuntimeMicroSec: true}}, nil
		}
		m, ok := payload.AsMap()
		if !ok {
			return nil, fmt.Errorf("sdk: Trace payload must be a map or \"RuntimeMicroSec\"")
		}
		msgVal, err := mapField(m, "Message")
		if err != nil {
			return nil, err
		}
		s, ok := msgVal.AsStr()
		if !ok {
			return nil, fmt.Errorf("sdk: Trace.Message must be a string")
		}
		return &Message{Trace: &TraceMsg{Message: s}}, nil

	default:
		return nil, fmt.Errorf("sdk: unknown request variant %q", tag)
	}
}
