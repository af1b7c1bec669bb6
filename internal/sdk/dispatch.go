package sdk

import (
	"context"
	"fmt"
	"math/big"

	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// ethSend forwards a state-changing EVM call, debiting value against this
// execution's running balance. Grounded on genlayer_sdk.rs's
// gl_call::Message::EthSend arm.
func (g *Gateway) ethSend(ctx context.Context, msg *EthSendMsg) error {
	if !g.Config.IsDeterministic || !g.Config.CanSendMessages {
		return ErrnoForbidden
	}
	if err := g.checkBalance(ctx, msg.Value); err != nil {
		return err
	}

	data := fmt.Sprintf(`{"value":"0x%x"}`, msg.Value)
	if err := g.Host.EthSend(ctx, msg.Address, msg.CallData, data); err != nil {
		return vmrt.Wrap("eth_send failed", err)
	}
	g.decrementBy(msg.Value)
	return nil
}

func (g *Gateway) ethCall(ctx context.Context, msg *EthCallMsg) ([]byte, error) {
	if !g.Config.IsDeterministic || !g.Config.CanCallOthers {
		return nil, ErrnoForbidden
	}
	res, err := g.Host.EthCall(ctx, msg.Address, msg.CallData)
	if err != nil {
		return nil, vmrt.Wrap("eth_call failed", err)
	}
	return res, nil
}

// callContract spawns a nested deterministic VM against address, forking
// this execution's message and pushing the caller onto the view-call
// stack. A VmError outcome from the child unwinds this VM (set_vm_run_
// result's behavior); any other outcome (Return/UserError) is reported
// back as bytes.
func (g *Gateway) callContract(ctx context.Context, msg *CallContractMsg) ([]byte, error) {
	if !g.Config.IsDeterministic || !g.Config.CanCallOthers {
		return nil, ErrnoForbidden
	}

	state := msg.State
	if state == vmrt.StorageDefault {
		state = vmrt.StorageLatestNonFinal
	}

	entryData := calldata.Marshal(msg.CallData)
	forked := g.Message.Fork(vmrt.EntryMain, entryData)

	childMsg := vmrt.ExtendedMessage{
		ContractAddress: msg.Address,
		SenderAddress:   forked.SenderAddress,
		OriginAddress:   forked.OriginAddress,
		Stack:           append(forked.Stack, g.Message.ContractAddress),
		ChainID:         forked.ChainID,
		Value:           big.NewInt(0),
		IsInit:          false,
		Datetime:        forked.Datetime,
		EntryKind:       forked.EntryKind,
		EntryData:       forked.EntryData,
		EntryStageData:  calldata.Null,
	}

	outcome, err := g.Runner.SpawnAndRun(ctx, SpawnRequest{
		EntryKind: vmrt.EntryMain,
		Address:   msg.Address,
		EntryData: entryData,
		Config:    g.Config.ForCall(state),
		Message:   childMsg,
	})
	if err != nil {
		return nil, vmrt.Wrap("call_contract failed", err)
	}
	if outcome.Code == vmrt.ResultVmError {
		return nil, &vmrt.VMError{Message: outcome.Message, Cause: outcome.Cause}
	}
	return outcome.Bytes(), nil
}

func (g *Gateway) postMessage(ctx context.Context, msg *PostMessageMsg) error {
	if !g.Config.IsDeterministic || !g.Config.CanSendMessages {
		return ErrnoForbidden
	}
	if err := g.checkBalance(ctx, msg.Value); err != nil {
		return err
	}

	entryData := calldata.Marshal(msg.CallData)
	data := fmt.Sprintf(`{"value":"0x%x","on":%q}`, msg.Value, msg.On.String())
	if err := g.Host.PostMessage(ctx, msg.Address, entryData, data); err != nil {
		return vmrt.Wrap("post_message failed", err)
	}
	g.decrementBy(msg.Value)
	return nil
}

func (g *Gateway) deployContract(ctx context.Context, msg *DeployContractMsg) error {
	if !g.Config.IsDeterministic || !g.Config.CanSendMessages {
		return ErrnoForbidden
	}
	if err := g.checkBalance(ctx, msg.Value); err != nil {
		return err
	}

	entryData := calldata.Marshal(msg.CallData)
	data := fmt.Sprintf(`{"value":"0x%x","salt_nonce":"0x%x","on":%q}`, msg.Value, msg.SaltNonce, msg.On.String())
	if err := g.Host.DeployContract(ctx, entryData, msg.Code, data); err != nil {
		return vmrt.Wrap("deploy_contract failed", err)
	}
	g.decrementBy(msg.Value)
	return nil
}

// eventMaxTopics bounds an EmitEvent call's topic count, grounded on
// public_abi.rs's EVENT_MAX_TOPICS.
const eventMaxTopics = 4

func (g *Gateway) emitEvent(ctx context.Context, msg *EmitEventMsg) error {
	if !g.Config.IsDeterministic {
		return ErrnoForbidden
	}
	if len(msg.Topics) > eventMaxTopics {
		return ErrnoInval
	}

	blobData := calldata.Marshal(calldata.NewMap(msg.Blob))

	size := uint64(len(msg.Topics)) + uint64((len(blobData)+31)/32)
	if g.EventLimiter != nil {
		if err := g.EventLimiter.Consume(size); err != nil {
			return vmrt.OutOfStorage(err)
		}
	}

	topics := make([]string, len(msg.Topics))
	for i, t := range msg.Topics {
		topics[i] = fmt.Sprintf("%x", t)
	}

	if err := g.Host.PostEvent(ctx, topics, blobData); err != nil {
		return vmrt.Wrap("post_event failed", err)
	}
	return nil
}

// runNondet drives RunNondet's leader-absent / leader-present-sync /
// leader-present-async branches. Grounded on ContextVFS::run_nondet.
func (g *Gateway) runNondet(ctx context.Context, msg *RunNondetMsg) ([]byte, error) {
	if !g.Config.CanSpawnNondet {
		return nil, ErrnoForbidden
	}

	callNo := g.Nondet.NextCallNo()
	leaderRes, err := g.Nondet.GetLeaderResult(ctx, callNo)
	if err != nil {
		return nil, vmrt.Wrap("get_leader_result failed", err)
	}

	var result vmrt.RunOutcome
	switch {
	case g.Nondet.IsSyncMode():
		if leaderRes == nil {
			return nil, vmrt.Wrap(fmt.Sprintf("absent leader result in sync mode, call_no: %d", callNo), nil)
		}
		result = *leaderRes

	case leaderRes == nil:
		childMsg := g.Message.ForkLeader(vmrt.EntryConsensusStage, msg.DataLeader, nil)
		result, err = g.Nondet.RunLeaderNow(ctx, callNo, childMsg)
		if err != nil {
			return nil, vmrt.Wrap("nondet leader run failed", err)
		}
		if err := g.Nondet.PostNondetResult(ctx, callNo, result); err != nil {
			return nil, vmrt.Wrap("post_nondet_result failed", err)
		}

	default:
		dup := *leaderRes
		dup.Cause = nil
		childMsg := g.Message.ForkLeader(vmrt.EntryConsensusStage, msg.DataValidator, &dup)
		if err := g.Nondet.SubmitValidatorTask(ctx, callNo, childMsg, dup); err != nil {
			return nil, vmrt.Wrap("submit nondet task failed", err)
		}
		result = *leaderRes
	}

	if result.Code == vmrt.ResultVmError {
		return nil, &vmrt.VMError{Message: result.Message, Cause: result.Cause}
	}
	return result.Bytes(), nil
}

// sandbox spawns a non-fingerprinted sub-execution that never itself traps
// on a VMError outcome — all three RunOutcome variants are reported back
// as bytes, matching ContextVFS::sandbox.
func (g *Gateway) sandbox(ctx context.Context, msg *SandboxMsg) ([]byte, error) {
	forked := g.Message.Fork(vmrt.EntrySandbox, msg.Data)

	cfg := vmrt.Config{
		NeedsErrorFingerprint: false,
		IsDeterministic:       g.Config.IsDeterministic,
		CanReadStorage:        g.Config.CanReadStorage,
		CanWriteStorage:       g.Config.CanWriteStorage && msg.AllowWriteOps,
		CanSpawnNondet:        false,
		CanCallOthers:         false,
		CanSendMessages:       g.Config.CanSendMessages && msg.AllowWriteOps,
		StateMode:             g.Config.StateMode,
	}

	outcome, err := g.Runner.SpawnAndRun(ctx, SpawnRequest{
		EntryKind:     vmrt.EntrySandbox,
		Address:       g.Message.ContractAddress,
		EntryData:     msg.Data,
		Config:        cfg,
		Message:       forked,
		AllowWriteOps: msg.AllowWriteOps,
	})
	if err != nil {
		return nil, vmrt.Wrap("sandbox run failed", err)
	}
	return outcome.Bytes(), nil
}

// taskify wraps an oracle result the same way genlayer_sdk.rs's taskify
// helper does: {"ok": value} on success, reserved for the gateway itself
// to report a hard failure as a trap instead of a value.
func (g *Gateway) taskify(result calldata.Value) ([]byte, error) {
	return calldata.Marshal(calldata.NewMap(calldata.Map{"ok": result})), nil
}

func (g *Gateway) webRender(ctx context.Context, payload calldata.Value) ([]byte, error) {
	if g.Config.IsDeterministic {
		return nil, ErrnoForbidden
	}
	result, err := g.Oracle.WebRender(ctx, payload)
	if err != nil {
		return nil, vmrt.Wrap("web_render failed", err)
	}
	return g.taskify(result)
}

func (g *Gateway) webRequest(ctx context.Context, payload calldata.Value) ([]byte, error) {
	if g.Config.IsDeterministic {
		return nil, ErrnoForbidden
	}
	result, err := g.Oracle.WebRequest(ctx, payload)
	if err != nil {
		return nil, vmrt.Wrap("web_request failed", err)
	}
	return g.taskify(result)
}

func (g *Gateway) execPrompt(ctx context.Context, payload calldata.Value) ([]byte, error) {
	if g.Config.IsDeterministic {
		return nil, ErrnoForbidden
	}
	remaining, err := g.Host.RemainingFuelAsGen(ctx)
	if err != nil {
		return nil, vmrt.Wrap("remaining_fuel_as_gen failed", err)
	}
	result, consumed, err := g.Oracle.ExecPrompt(ctx, payload, remaining)
	if err != nil {
		return nil, vmrt.Wrap("exec_prompt failed", err)
	}
	if consumed > 0 {
		if err := g.Host.ConsumeFuel(ctx, consumed); err != nil {
			return nil, vmrt.Wrap("consume_fuel failed", err)
		}
	}
	return g.taskify(result)
}

func (g *Gateway) execPromptTemplate(ctx context.Context, payload calldata.Value) ([]byte, error) {
	if g.Config.IsDeterministic {
		return nil, ErrnoForbidden
	}
	remaining, err := g.Host.RemainingFuelAsGen(ctx)
	if err != nil {
		return nil, vmrt.Wrap("remaining_fuel_as_gen failed", err)
	}
	result, consumed, err := g.Oracle.ExecPromptTemplate(ctx, payload, remaining)
	if err != nil {
		return nil, vmrt.Wrap("exec_prompt_template failed", err)
	}
	if consumed > 0 {
		if err := g.Host.ConsumeFuel(ctx, consumed); err != nil {
			return nil, vmrt.Wrap("consume_fuel failed", err)
		}
	}
	return g.taskify(result)
}

// trace handles a guest-side diagnostic ping: a plain log message, or a
// request for the microsecond elapsed-time counter (zeroed outside debug
// mode in deterministic execution, matching ContextVFS::gl_call_trace).
func (g *Gateway) trace(msg *TraceMsg) ([]byte, error) {
	now := timeNow()
	if msg.RuntimeMicroSec {
		var elapsedMicros int64
		if !(g.Config.IsDeterministic && !g.DebugMode) {
			elapsedMicros = now.Sub(g.startTime).Microseconds()
		}
		return calldata.Marshal(calldata.NewInt64(elapsedMicros)), nil
	}

	g.mu.Lock()
	g.prevTime = now
	g.mu.Unlock()
	return nil, nil
}
