package nondet

import (
	"context"
	"sync/atomic"

	"github.com/genvm-run/genvm/internal/hostwire"
	"github.com/genvm-run/genvm/internal/sdk"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// Host is the host-wire surface the coordinator needs beyond the queue's
// own NotifyDisagreement. Satisfied by *hostwire.Host.
type Host interface {
	NotifyDisagreement
	GetLeaderNondetResult(ctx context.Context, callNo uint32) (*hostwire.LeaderResult, error)
	PostNondetResult(ctx context.Context, callNo uint32, code vmrt.ResultCode, payload []byte) error
}

// Coordinator is the sdk.NondetCoordinator implementation: it hands out
// call numbers, asks the host whether a leader result already exists, runs
// the leader synchronously when this VM is the leader, and otherwise
// submits a validator task to the Queue.
type Coordinator struct {
	host     Host
	queue    *Queue
	runner   sdk.Runner
	syncMode bool

	nextCallNo atomic.Uint32
}

// NewCoordinator builds a Coordinator. syncMode mirrors the supervisor's
// --sync flag: in sync mode a leader result must already be present, and
// no validator task is ever submitted. runner spawns the
// leader's own synchronous sub-execution; queue owns its own runner
// reference for validator tasks.
func NewCoordinator(host Host, queue *Queue, runner sdk.Runner, syncMode bool) *Coordinator {
	return &Coordinator{host: host, queue: queue, runner: runner, syncMode: syncMode}
}

func (c *Coordinator) NextCallNo() uint32 { return c.nextCallNo.Add(1) - 1 }

func (c *Coordinator) IsSyncMode() bool { return c.syncMode }

func (c *Coordinator) GetLeaderResult(ctx context.Context, callNo uint32) (*vmrt.RunOutcome, error) {
	lr, err := c.host.GetLeaderNondetResult(ctx, callNo)
	if err != nil {
		return nil, err
	}
	if lr == nil {
		return nil, nil
	}
	out := vmrt.FromWire(lr.Code, lr.Payload)
	return &out, nil
}

// RunLeaderNow spawns the leader sub-execution synchronously under the
// fixed non-det Config.
func (c *Coordinator) RunLeaderNow(ctx context.Context, callNo uint32, msg vmrt.ExtendedMessage) (vmrt.RunOutcome, error) {
	return c.runner.SpawnAndRun(ctx, sdk.SpawnRequest{
		EntryKind: vmrt.EntryConsensusStage,
		Address:   msg.ContractAddress,
		EntryData: msg.EntryData,
		Config:    vmrt.NondetLeaderConfig(),
		Message:   msg,
	})
}

// SubmitValidatorTask enqueues a validator sub-execution to run
// asynchronously, returning immediately. The leaderResult parameter is
// accepted to satisfy sdk.NondetCoordinator — by the time this is called
// msg.EntryStageData already carries it (set by ExtendedMessage.ForkLeader
// before the gateway called here).
func (c *Coordinator) SubmitValidatorTask(ctx context.Context, callNo uint32, msg vmrt.ExtendedMessage, leaderResult vmrt.RunOutcome) error {
	return c.queue.Submit(ctx, &Task{
		CallNo:    callNo,
		Address:   msg.ContractAddress,
		EntryData: msg.EntryData,
		Config:    vmrt.NondetLeaderConfig(),
		Message:   msg,
	})
}

func (c *Coordinator) PostNondetResult(ctx context.Context, callNo uint32, result vmrt.RunOutcome) error {
	return c.host.PostNondetResult(ctx, callNo, result.Code, result.Payload())
}
