package nondet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genvm-run/genvm/internal/sdk"
	"github.com/genvm-run/genvm/internal/vmrt"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []uint32
}

func (n *fakeNotifier) NotifyNondetDisagreement(ctx context.Context, callNo uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, callNo)
	return nil
}

func (n *fakeNotifier) calledWith() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint32(nil), n.calls...)
}

type fakeRunner struct {
	mu      sync.Mutex
	results map[uint32]vmrt.RunOutcome
	fail    map[uint32]error
	ran     []uint32
}

func (r *fakeRunner) SpawnAndRun(ctx context.Context, req sdk.SpawnRequest) (vmrt.RunOutcome, error) {
	var callNo uint32
	fmt.Sscanf(string(req.EntryData), "%d", &callNo)

	r.mu.Lock()
	r.ran = append(r.ran, callNo)
	r.mu.Unlock()

	if err, ok := r.fail[callNo]; ok {
		return vmrt.RunOutcome{}, err
	}
	return r.results[callNo], nil
}

func entryFor(callNo uint32) []byte { return []byte(fmt.Sprintf("%d", callNo)) }

func agreeOutcome() vmrt.RunOutcome    { return vmrt.ReturnOutcome([]byte{agreeByte}) }
func disagreeOutcome() vmrt.RunOutcome { return vmrt.ReturnOutcome([]byte{disagreeByte}) }

func TestQueueAllAgreeReportsNoDisagreement(t *testing.T) {
	runner := &fakeRunner{results: map[uint32]vmrt.RunOutcome{
		0: agreeOutcome(),
		1: agreeOutcome(),
	}}
	notifier := &fakeNotifier{}
	q := NewQueue(context.Background(), notifier, runner)

	require.NoError(t, q.Submit(context.Background(), &Task{CallNo: 0, EntryData: entryFor(0), Config: vmrt.NondetLeaderConfig()}))
	require.NoError(t, q.Submit(context.Background(), &Task{CallNo: 1, EntryData: entryFor(1), Config: vmrt.NondetLeaderConfig()}))

	dis, err := q.AwaitNondetVMs(context.Background())
	require.NoError(t, err)
	require.False(t, dis.Found)
	require.Empty(t, notifier.calledWith())
}

// The supervisor always submits tasks in increasing call_no order (call_no
// is assigned at submission time by Coordinator.NextCallNo), so a single
// worker draining the queue FIFO sees the first disagreement at the lowest
// call_no among those actually run; everything submitted after it is
// dropped unrun rather than reconsidered for a lower call_no.
func TestQueueDisagreementStopsLaterTasksFromRunning(t *testing.T) {
	runner := &fakeRunner{results: map[uint32]vmrt.RunOutcome{
		0: disagreeOutcome(),
		1: agreeOutcome(),
	}}
	notifier := &fakeNotifier{}
	q := NewQueue(context.Background(), notifier, runner)

	require.NoError(t, q.Submit(context.Background(), &Task{CallNo: 0, EntryData: entryFor(0), Config: vmrt.NondetLeaderConfig()}))
	require.NoError(t, q.Submit(context.Background(), &Task{CallNo: 1, EntryData: entryFor(1), Config: vmrt.NondetLeaderConfig()}))

	dis, err := q.AwaitNondetVMs(context.Background())
	require.NoError(t, err)
	require.True(t, dis.Found)
	require.Equal(t, uint32(0), dis.CallNo)
	require.Equal(t, []uint32{0}, runner.ran)
}

func TestQueueUnknownOutcomeByteIsDisagreement(t *testing.T) {
	runner := &fakeRunner{results: map[uint32]vmrt.RunOutcome{
		0: vmrt.ReturnOutcome([]byte{42}),
	}}
	notifier := &fakeNotifier{}
	q := NewQueue(context.Background(), notifier, runner)
	require.NoError(t, q.Submit(context.Background(), &Task{CallNo: 0, EntryData: entryFor(0), Config: vmrt.NondetLeaderConfig()}))

	dis, err := q.AwaitNondetVMs(context.Background())
	require.NoError(t, err)
	require.True(t, dis.Found)
	require.Equal(t, uint32(0), dis.CallNo)
}

func TestQueueHostErrorTakesPrecedence(t *testing.T) {
	runner := &fakeRunner{fail: map[uint32]error{0: fmt.Errorf("boom")}}
	notifier := &fakeNotifier{}
	q := NewQueue(context.Background(), notifier, runner)
	require.NoError(t, q.Submit(context.Background(), &Task{CallNo: 0, EntryData: entryFor(0), Config: vmrt.NondetLeaderConfig()}))

	_, err := q.AwaitNondetVMs(context.Background())
	require.Error(t, err)
}

func TestQueueNotifiesHostOnDisagreement(t *testing.T) {
	runner := &fakeRunner{results: map[uint32]vmrt.RunOutcome{
		0: disagreeOutcome(),
	}}
	notifier := &fakeNotifier{}
	q := NewQueue(context.Background(), notifier, runner)
	require.NoError(t, q.Submit(context.Background(), &Task{CallNo: 0, EntryData: entryFor(0), Config: vmrt.NondetLeaderConfig()}))

	_, err := q.AwaitNondetVMs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, notifier.calledWith())
}
