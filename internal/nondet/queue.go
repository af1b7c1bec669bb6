package nondet

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/genvm-run/genvm/internal/sdk"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// agreeByte/disagreeByte are the one-octet outcomes a validator contract's
// own Return() call reports: [16] means agree, [8] means disagree,
// anything else is treated as disagree with a warning.
const (
	agreeByte    byte = 16
	disagreeByte byte = 8
)

// NotifyDisagreement is the narrow host surface the queue needs once a
// validator disagrees with its leader. Satisfied by internal/hostwire.Host.
type NotifyDisagreement interface {
	NotifyNondetDisagreement(ctx context.Context, callNo uint32) error
}

// Queue is the bounded MPMC non-det work queue: validator tasks submitted
// by SubmitValidatorTask are drained by worker goroutines until the first
// disagreement is seen, at which point later tasks are dropped unrun.
// Grounded on host/mod.rs's non-det queue fields.
type Queue struct {
	tasks chan *Task

	waiter *Waiter

	firstDisagreement atomic.Uint32
	disagreed         atomic.Bool

	hostErr atomic.Pointer[error]

	host   NotifyDisagreement
	runner sdk.Runner

	eg        *errgroup.Group
	ctx       context.Context
	closeOnce sync.Once
}

// NewQueue creates a Queue with capacity 100 and spawns one worker
// goroutine immediately, representing the main VM as one unit of
// outstanding work until AwaitNondetVMs releases it.
func NewQueue(ctx context.Context, host NotifyDisagreement, runner sdk.Runner) *Queue {
	q := &Queue{
		tasks:  make(chan *Task, 100),
		waiter: NewWaiter(),
		host:   host,
		runner: runner,
		ctx:    ctx,
	}
	q.firstDisagreement.Store(math.MaxUint32)
	q.waiter.Add(1)

	eg, ctx := errgroup.WithContext(ctx)
	q.eg = eg
	q.ctx = ctx
	q.eg.Go(func() error { return q.worker() })
	return q
}

// Submit enqueues a validator task, blocking only if the queue is full.
func (q *Queue) Submit(ctx context.Context, t *Task) error {
	q.waiter.Add(1)
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		q.waiter.Done()
		return ctx.Err()
	case <-q.ctx.Done():
		q.waiter.Done()
		return q.ctx.Err()
	}
}

func (q *Queue) storeHostErr(err error) {
	q.hostErr.CompareAndSwap(nil, &err)
}

func (q *Queue) recordDisagreement(ctx context.Context, callNo uint32) {
	q.disagreed.Store(true)
	for {
		cur := q.firstDisagreement.Load()
		if callNo >= cur {
			break
		}
		if q.firstDisagreement.CompareAndSwap(cur, callNo) {
			break
		}
	}
	if err := q.host.NotifyNondetDisagreement(ctx, callNo); err != nil {
		q.storeHostErr(fmt.Errorf("notify_nondet_disagreement failed: %w", err))
	}
}

func (q *Queue) runTask(t *Task) {
	defer q.waiter.Done()

	if q.disagreed.Load() {
		return
	}

	outcome, err := q.runner.SpawnAndRun(q.ctx, sdk.SpawnRequest{
		EntryKind: vmrt.EntryConsensusStage,
		Address:   t.Address,
		EntryData: t.EntryData,
		Config:    t.Config,
		Message:   t.Message,
	})
	if err != nil {
		q.storeHostErr(fmt.Errorf("validator run failed for call_no %d: %w", t.CallNo, err))
		return
	}

	if !validatorAgrees(outcome) {
		q.recordDisagreement(q.ctx, t.CallNo)
	}
}

// validatorAgrees interprets a completed validator sub-execution's outcome:
// a non-Return outcome, or a Return whose bytes are anything but the single
// agree byte, is a disagreement.
func validatorAgrees(outcome vmrt.RunOutcome) bool {
	return outcome.Code == vmrt.ResultReturn &&
		len(outcome.Return) == 1 &&
		outcome.Return[0] == agreeByte
}

func (q *Queue) worker() error {
	for {
		select {
		case t, ok := <-q.tasks:
			if !ok {
				return nil
			}
			q.runTask(t)
		case <-q.ctx.Done():
			return q.ctx.Err()
		}
	}
}

// recruitWorker opportunistically starts a second worker to help drain the
// queue, used by AwaitNondetVMs when tasks remain at close time.
func (q *Queue) recruitWorker() {
	q.eg.Go(func() error { return q.worker() })
}

// Disagreement reports the lowest call_no any validator disagreed on, or
// false if every validator agreed (or none ran).
type Disagreement struct {
	CallNo uint32
	Found  bool
}

// AwaitNondetVMs implements the queue's drain discipline: close the queue,
// decrement the waiter once for the main VM, opportunistically recruit a
// second worker if work remains, then block until every outstanding task
// (submitted or already running) finishes.
func (q *Queue) AwaitNondetVMs(ctx context.Context) (Disagreement, error) {
	q.closeOnce.Do(func() {
		if len(q.tasks) > 0 {
			q.recruitWorker()
		}
		close(q.tasks)
	})

	q.waiter.Done()
	q.waiter.Wait()

	if err := q.eg.Wait(); err != nil {
		q.storeHostErr(err)
	}

	if p := q.hostErr.Load(); p != nil {
		return Disagreement{}, *p
	}
	if q.disagreed.Load() {
		return Disagreement{CallNo: q.firstDisagreement.Load(), Found: true}, nil
	}
	return Disagreement{}, nil
}
