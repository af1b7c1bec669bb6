package sdk

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// HostClient is the subset of internal/hostwire.Host the gateway needs.
// Declared here, satisfied there, so sdk never imports hostwire directly —
// the engine package wires the concrete *hostwire.Host in.
type HostClient interface {
	EthSend(ctx context.Context, address calldata.Address, callData []byte, data string) error
	EthCall(ctx context.Context, address calldata.Address, callData []byte) ([]byte, error)
	PostMessage(ctx context.Context, address calldata.Address, callData []byte, data string) error
	DeployContract(ctx context.Context, callData, code []byte, data string) error
	PostEvent(ctx context.Context, topics []string, data []byte) error
	GetBalance(ctx context.Context, address calldata.Address) (*big.Int, error)
	ConsumeFuel(ctx context.Context, gas uint64) error
	RemainingFuelAsGen(ctx context.Context) (uint64, error)
}

// Storage is the subset of internal/storage.Storage the gateway needs for
// default-mode reads/writes; LatestFinal/LatestNonFinal reads bypass the
// overlay and go straight to the host via StorageType-aware host calls,
// which internal/engine's host bridge routes.
type Storage interface {
	Read(ctx context.Context, slot calldata.SlotID, index uint32, buf []byte) error
	Write(ctx context.Context, slot calldata.SlotID, index uint32, buf []byte) error
}

// LockedSlots reports whether a slot is in the current contract's
// upgrade-locked set.
type LockedSlots interface {
	Contains(slot calldata.SlotID) bool
}

// EventLimiter bills the page-budget cost of an emitted event, reusing
// internal/storage.PageLimiter's consume-only accounting for the same
// resource pool storage writes draw from.
type EventLimiter interface {
	Consume(amount uint64) error
}

// SpawnRequest describes a nested VM execution: CallContract, RunNondet's
// two branches, and Sandbox all go through this.
type SpawnRequest struct {
	EntryKind     vmrt.EntryKind
	Address       calldata.Address
	EntryData     []byte
	Config        vmrt.Config
	Message       vmrt.ExtendedMessage
	AllowWriteOps bool
}

// Runner spawns and runs a nested VM to completion. internal/engine and
// internal/vmrt implement this; sdk only depends on the interface,
// avoiding an import cycle back into the packages that build on sdk.
type Runner interface {
	SpawnAndRun(ctx context.Context, req SpawnRequest) (vmrt.RunOutcome, error)
}

// NondetCoordinator bridges a RunNondet call to the supervisor's call_no
// counter and leader/validator queueing (internal/nondet), implemented by
// internal/engine.
type NondetCoordinator interface {
	NextCallNo() uint32
	// GetLeaderResult reports the leader's already-agreed result for
	// callNo, or (nil, nil) when this VM itself is the leader.
	GetLeaderResult(ctx context.Context, callNo uint32) (*vmrt.RunOutcome, error)
	IsSyncMode() bool
	RunLeaderNow(ctx context.Context, callNo uint32, msg vmrt.ExtendedMessage) (vmrt.RunOutcome, error)
	SubmitValidatorTask(ctx context.Context, callNo uint32, msg vmrt.ExtendedMessage, leaderResult vmrt.RunOutcome) error
	PostNondetResult(ctx context.Context, callNo uint32, result vmrt.RunOutcome) error
}

// OracleClient forwards the supplemented oracle surface
// (WebRender/WebRequest/ExecPrompt/ExecPromptTemplate) to the sibling
// LLM/web sidecar processes this repo does not own — an explicit
// Non-goal — so only the interface and the fuel-accounting wrapper live
// here.
type OracleClient interface {
	WebRender(ctx context.Context, payload calldata.Value) (calldata.Value, error)
	WebRequest(ctx context.Context, payload calldata.Value) (calldata.Value, error)
	ExecPrompt(ctx context.Context, payload calldata.Value, remainingFuelAsGen uint64) (calldata.Value, uint64, error)
	ExecPromptTemplate(ctx context.Context, payload calldata.Value, remainingFuelAsGen uint64) (calldata.Value, uint64, error)
}

// Gateway is the per-VM-instance call dispatcher, the Go analogue of
// ContextVFS/Context in genlayer_sdk.rs. One Gateway is created per VM
// spawn and is not safe for concurrent Call invocations (a VM's own host
// calls are never concurrent with themselves), hence the plain mutex
// guarding the running-balance counter shared with the storage/value
// bookkeeping.
type Gateway struct {
	Config  vmrt.Config
	Message vmrt.ExtendedMessage

	Host         HostClient
	Storage      Storage
	Runner       Runner
	Oracle       OracleClient
	Nondet       NondetCoordinator
	LockedSlots  LockedSlots
	EventLimiter EventLimiter
	DebugMode    bool

	mu                  sync.Mutex
	messagesDecremented *big.Int
	startTime           time.Time
	prevTime            time.Time
}

// NewGateway constructs a Gateway for one VM spawn.
func NewGateway(cfg vmrt.Config, msg vmrt.ExtendedMessage, host HostClient, storage Storage, runner Runner, oracle OracleClient, nondet NondetCoordinator, locked LockedSlots, eventLimiter EventLimiter) *Gateway {
	now := timeNow()
	return &Gateway{
		Config:              cfg,
		Message:             msg,
		Host:                host,
		Storage:             storage,
		Runner:              runner,
		Oracle:              oracle,
		Nondet:              nondet,
		LockedSlots:         locked,
		EventLimiter:        eventLimiter,
		messagesDecremented: new(big.Int),
		startTime:           now,
		prevTime:            now,
	}
}

// timeNow is a seam so this file never calls time.Now() directly at
// package scope in a way that would complicate deterministic tests; it is
// still a thin wrapper rather than an injected clock because only Trace's
// RuntimeMicroSec diagnostic depends on wall-clock time, and that branch
// is itself only meaningful in non-deterministic/debug runs.
func timeNow() time.Time { return time.Now() }

// Call is the single gl_call entry point: decode the request, dispatch on
// its variant, return the raw result bytes a guest call should see. A
// returned Errno means the call was rejected but the VM keeps running; a
// returned *vmrt.VMError or *vmrt.UserError means the caller must unwind
// the whole VM with that outcome (the Go analogue of gl_call.rs returning
// a wiggle trap instead of an Fd). This repo returns gateway results
// directly as bytes rather than through a VFS file-descriptor indirection
// — see DESIGN.md for why the anonymous-FD layer wasn't carried over.
func (g *Gateway) Call(ctx context.Context, request []byte) ([]byte, error) {
	msg, err := DecodeMessage(request)
	if err != nil {
		return nil, ErrnoInval
	}

	switch {
	case msg.EthSend != nil:
		return nil, g.ethSend(ctx, msg.EthSend)
	case msg.EthCall != nil:
		return g.ethCall(ctx, msg.EthCall)
	case msg.CallContract != nil:
		return g.callContract(ctx, msg.CallContract)
	case msg.PostMessage != nil:
		return nil, g.postMessage(ctx, msg.PostMessage)
	case msg.DeployContract != nil:
		return nil, g.deployContract(ctx, msg.DeployContract)
	case msg.EmitEvent != nil:
		return nil, g.emitEvent(ctx, msg.EmitEvent)
	case msg.RunNondet != nil:
		return g.runNondet(ctx, msg.RunNondet)
	case msg.Sandbox != nil:
		return g.sandbox(ctx, msg.Sandbox)
	case msg.WebRender != nil:
		return g.webRender(ctx, *msg.WebRender)
	case msg.WebRequest != nil:
		return g.webRequest(ctx, *msg.WebRequest)
	case msg.ExecPrompt != nil:
		return g.execPrompt(ctx, *msg.ExecPrompt)
	case msg.ExecPromptTemplate != nil:
		return g.execPromptTemplate(ctx, *msg.ExecPromptTemplate)
	case msg.Rollback != nil:
		return nil, &vmrt.UserError{Message: *msg.Rollback}
	case msg.Return != nil:
		return calldata.Marshal(*msg.Return), nil
	case msg.Trace != nil:
		return g.trace(msg.Trace)
	default:
		return nil, ErrnoInval
	}
}

// checkBalance enforces that sending value on top of what this execution
// has already decremented does not exceed the contract's own balance.
// Grounded on the repeated EthSend/PostMessage/DeployContract balance
// check in genlayer_sdk.rs.
func (g *Gateway) checkBalance(ctx context.Context, value *big.Int) error {
	if value.Sign() == 0 {
		return nil
	}
	balance, err := g.Host.GetBalance(ctx, g.Message.ContractAddress)
	if err != nil {
		return vmrt.Wrap("get_balance failed", err)
	}

	g.mu.Lock()
	total := new(big.Int).Add(value, g.messagesDecremented)
	g.mu.Unlock()

	if total.Cmp(balance) > 0 {
		return ErrnoInbalance
	}
	return nil
}

func (g *Gateway) decrementBy(value *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messagesDecremented.Add(g.messagesDecremented, value)
}
