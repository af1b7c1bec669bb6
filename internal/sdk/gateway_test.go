package sdk

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/vmrt"
)

type fakeHost struct {
	balance          *big.Int
	balanceErr       error
	ethSendCalls     int
	postMessageCalls int
	deployCalls      int
	postEventTopics  [][]string
	postEventData    [][]byte
	consumedFuel     []uint64
	remainingFuel    uint64
}

func (f *fakeHost) EthSend(ctx context.Context, address calldata.Address, callData []byte, data string) error {
	f.ethSendCalls++
	return nil
}
func (f *fakeHost) EthCall(ctx context.Context, address calldata.Address, callData []byte) ([]byte, error) {
	return []byte("eth-call-result"), nil
}
func (f *fakeHost) PostMessage(ctx context.Context, address calldata.Address, callData []byte, data string) error {
	f.postMessageCalls++
	return nil
}
func (f *fakeHost) DeployContract(ctx context.Context, callData, code []byte, data string) error {
	f.deployCalls++
	return nil
}
func (f *fakeHost) PostEvent(ctx context.Context, topics []string, data []byte) error {
	f.postEventTopics = append(f.postEventTopics, topics)
	f.postEventData = append(f.postEventData, data)
	return nil
}
func (f *fakeHost) GetBalance(ctx context.Context, address calldata.Address) (*big.Int, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balance, nil
}
func (f *fakeHost) ConsumeFuel(ctx context.Context, gas uint64) error {
	f.consumedFuel = append(f.consumedFuel, gas)
	return nil
}
func (f *fakeHost) RemainingFuelAsGen(ctx context.Context) (uint64, error) { return f.remainingFuel, nil }

type fakeRunner struct {
	outcome vmrt.RunOutcome
	err     error
	lastReq SpawnRequest
}

func (r *fakeRunner) SpawnAndRun(ctx context.Context, req SpawnRequest) (vmrt.RunOutcome, error) {
	r.lastReq = req
	return r.outcome, r.err
}

type fakeOracle struct {
	result   calldata.Value
	consumed uint64
	err      error
}

func (o *fakeOracle) WebRender(ctx context.Context, payload calldata.Value) (calldata.Value, error) {
	return o.result, o.err
}
func (o *fakeOracle) WebRequest(ctx context.Context, payload calldata.Value) (calldata.Value, error) {
	return o.result, o.err
}
func (o *fakeOracle) ExecPrompt(ctx context.Context, payload calldata.Value, remaining uint64) (calldata.Value, uint64, error) {
	return o.result, o.consumed, o.err
}
func (o *fakeOracle) ExecPromptTemplate(ctx context.Context, payload calldata.Value, remaining uint64) (calldata.Value, uint64, error) {
	return o.result, o.consumed, o.err
}

type fakeNondet struct {
	callNo       uint32
	leaderResult *vmrt.RunOutcome
	syncMode     bool
	runLeaderOut vmrt.RunOutcome
	postedCallNo uint32
	postedResult vmrt.RunOutcome
	submitted    bool
}

func (n *fakeNondet) NextCallNo() uint32 { return n.callNo }
func (n *fakeNondet) GetLeaderResult(ctx context.Context, callNo uint32) (*vmrt.RunOutcome, error) {
	return n.leaderResult, nil
}
func (n *fakeNondet) IsSyncMode() bool { return n.syncMode }
func (n *fakeNondet) RunLeaderNow(ctx context.Context, callNo uint32, msg vmrt.ExtendedMessage) (vmrt.RunOutcome, error) {
	return n.runLeaderOut, nil
}
func (n *fakeNondet) SubmitValidatorTask(ctx context.Context, callNo uint32, msg vmrt.ExtendedMessage, leaderResult vmrt.RunOutcome) error {
	n.submitted = true
	return nil
}
func (n *fakeNondet) PostNondetResult(ctx context.Context, callNo uint32, result vmrt.RunOutcome) error {
	n.postedCallNo = callNo
	n.postedResult = result
	return nil
}

type fakeLimiter struct {
	consumed uint64
	err      error
}

func (l *fakeLimiter) Consume(amount uint64) error {
	l.consumed += amount
	return l.err
}

func deterministicMessage() vmrt.ExtendedMessage {
	return vmrt.ExtendedMessage{
		ContractAddress: calldata.Address{0x01},
		SenderAddress:   calldata.Address{0x02},
		OriginAddress:   calldata.Address{0x02},
		ChainID:         big.NewInt(1),
		Value:           big.NewInt(0),
	}
}

func baseConfig() vmrt.Config {
	return vmrt.Config{
		IsDeterministic: true,
		CanReadStorage:  true,
		CanWriteStorage: true,
		CanSendMessages: true,
		CanCallOthers:   true,
		CanSpawnNondet:  true,
	}
}

func newTestGateway(cfg vmrt.Config, host *fakeHost, runner *fakeRunner, oracle *fakeOracle, nondet *fakeNondet, limiter *fakeLimiter) *Gateway {
	return NewGateway(cfg, deterministicMessage(), host, nil, runner, oracle, nondet, nil, limiter)
}

func TestCallRollbackReturnsUserError(t *testing.T) {
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})
	req := calldata.Marshal(calldata.NewMap(calldata.Map{"Rollback": calldata.NewStr("insufficient funds")}))

	_, err := g.Call(context.Background(), req)
	var userErr *vmrt.UserError
	require.ErrorAs(t, err, &userErr)
	require.Equal(t, "insufficient funds", userErr.Message)
}

func TestCallReturnEchoesValue(t *testing.T) {
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})
	payload := calldata.NewBytes([]byte("result-bytes"))
	req := calldata.Marshal(calldata.NewMap(calldata.Map{"Return": payload}))

	got, err := g.Call(context.Background(), req)
	require.NoError(t, err)

	decoded, err := calldata.Unmarshal(got)
	require.NoError(t, err)
	b, ok := decoded.AsBytes()
	require.True(t, ok)
	require.Equal(t, []byte("result-bytes"), b)
}

func TestCallUnknownVariantIsInval(t *testing.T) {
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})
	req := calldata.Marshal(calldata.NewMap(calldata.Map{"NotAThing": calldata.Null}))

	_, err := g.Call(context.Background(), req)
	require.ErrorIs(t, err, ErrnoInval)
}

func TestEthSendForbiddenWhenNotDeterministic(t *testing.T) {
	cfg := baseConfig()
	cfg.IsDeterministic = false
	host := &fakeHost{balance: big.NewInt(100)}
	g := newTestGateway(cfg, host, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"EthSend": calldata.NewMap(calldata.Map{
		"address":  calldata.NewAddress(calldata.Address{0x09}),
		"calldata": calldata.NewBytes(nil),
		"value":    calldata.NewInt64(0),
	})}))

	_, err := g.Call(context.Background(), req)
	require.ErrorIs(t, err, ErrnoForbidden)
	require.Equal(t, 0, host.ethSendCalls)
}

func TestEthSendRejectsOverBalance(t *testing.T) {
	host := &fakeHost{balance: big.NewInt(10)}
	g := newTestGateway(baseConfig(), host, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"EthSend": calldata.NewMap(calldata.Map{
		"address":  calldata.NewAddress(calldata.Address{0x09}),
		"calldata": calldata.NewBytes(nil),
		"value":    calldata.NewInt64(20),
	})}))

	_, err := g.Call(context.Background(), req)
	require.ErrorIs(t, err, ErrnoInbalance)
	require.Equal(t, 0, host.ethSendCalls)
}

func TestEthSendSucceedsAndDecrementsBalance(t *testing.T) {
	host := &fakeHost{balance: big.NewInt(100)}
	g := newTestGateway(baseConfig(), host, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"EthSend": calldata.NewMap(calldata.Map{
		"address":  calldata.NewAddress(calldata.Address{0x09}),
		"calldata": calldata.NewBytes([]byte("abc")),
		"value":    calldata.NewInt64(30),
	})}))

	_, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, host.ethSendCalls)
	require.Equal(t, big.NewInt(30), g.messagesDecremented)
}

func TestCallContractTrapsOnVmErrorOutcome(t *testing.T) {
	runner := &fakeRunner{outcome: vmrt.VMErrorOutcome("timeout", nil)}
	g := newTestGateway(baseConfig(), &fakeHost{}, runner, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"CallContract": calldata.NewMap(calldata.Map{
		"address":  calldata.NewAddress(calldata.Address{0x0A}),
		"calldata": calldata.NewMap(calldata.Map{"method": calldata.NewStr("foo")}),
		"state":    calldata.NewInt64(0),
	})}))

	_, err := g.Call(context.Background(), req)
	var vmErr *vmrt.VMError
	require.ErrorAs(t, err, &vmErr)
	require.Equal(t, "timeout", vmErr.Message)
}

func TestCallContractReturnsBytesOnSuccess(t *testing.T) {
	runner := &fakeRunner{outcome: vmrt.ReturnOutcome([]byte("ok"))}
	g := newTestGateway(baseConfig(), &fakeHost{}, runner, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"CallContract": calldata.NewMap(calldata.Map{
		"address":  calldata.NewAddress(calldata.Address{0x0A}),
		"calldata": calldata.NewMap(calldata.Map{"method": calldata.NewStr("foo")}),
		"state":    calldata.NewInt64(0),
	})}))

	got, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, append([]byte{byte(vmrt.ResultReturn)}, []byte("ok")...), got)
	require.True(t, runner.lastReq.Config.IsDeterministic)
	require.True(t, runner.lastReq.Config.NeedsErrorFingerprint)
	require.False(t, runner.lastReq.Config.CanWriteStorage)
	require.Equal(t, vmrt.StorageLatestNonFinal, runner.lastReq.Config.StateMode)
	require.Contains(t, runner.lastReq.Message.Stack, deterministicMessage().ContractAddress)
}

func TestSandboxDoesNotTrapOnVmErrorOutcome(t *testing.T) {
	runner := &fakeRunner{outcome: vmrt.VMErrorOutcome("exit_code", nil)}
	g := newTestGateway(baseConfig(), &fakeHost{}, runner, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"Sandbox": calldata.NewMap(calldata.Map{
		"data":            calldata.NewBytes([]byte("hi")),
		"allow_write_ops": calldata.NewBool(false),
	})}))

	got, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, byte(vmrt.ResultVmError), got[0])
	require.False(t, runner.lastReq.Config.CanCallOthers)
	require.False(t, runner.lastReq.Config.CanSpawnNondet)
}

func TestRunNondetLeaderAbsentRunsLocallyAndPosts(t *testing.T) {
	nondet := &fakeNondet{callNo: 5, runLeaderOut: vmrt.ReturnOutcome([]byte("leader-ran"))}
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, nondet, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"RunNondet": calldata.NewMap(calldata.Map{
		"data_leader":    calldata.NewBytes([]byte("leader-data")),
		"data_validator": calldata.NewBytes([]byte("validator-data")),
	})}))

	got, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, append([]byte{byte(vmrt.ResultReturn)}, []byte("leader-ran")...), got)
	require.Equal(t, uint32(5), nondet.postedCallNo)
	require.Equal(t, vmrt.ResultReturn, nondet.postedResult.Code)
	require.False(t, nondet.submitted)
}

func TestRunNondetLeaderPresentSubmitsValidatorTask(t *testing.T) {
	leaderOut := vmrt.ReturnOutcome([]byte("leader-said"))
	nondet := &fakeNondet{callNo: 9, leaderResult: &leaderOut}
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, nondet, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"RunNondet": calldata.NewMap(calldata.Map{
		"data_leader":    calldata.NewBytes([]byte("leader-data")),
		"data_validator": calldata.NewBytes([]byte("validator-data")),
	})}))

	got, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, append([]byte{byte(vmrt.ResultReturn)}, []byte("leader-said")...), got)
	require.True(t, nondet.submitted)
}

func TestRunNondetSyncModeRequiresLeaderResult(t *testing.T) {
	nondet := &fakeNondet{callNo: 2, syncMode: true}
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, nondet, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"RunNondet": calldata.NewMap(calldata.Map{
		"data_leader":    calldata.NewBytes(nil),
		"data_validator": calldata.NewBytes(nil),
	})}))

	_, err := g.Call(context.Background(), req)
	require.Error(t, err)
}

func TestEmitEventRejectsTooManyTopics(t *testing.T) {
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})

	topics := make([]calldata.Value, 5)
	for i := range topics {
		topics[i] = calldata.NewBytes(make([]byte, 32))
	}
	req := calldata.Marshal(calldata.NewMap(calldata.Map{"EmitEvent": calldata.NewMap(calldata.Map{
		"topics": calldata.NewArray(topics),
		"blob":   calldata.NewMap(calldata.Map{}),
	})}))

	_, err := g.Call(context.Background(), req)
	require.ErrorIs(t, err, ErrnoInval)
}

func TestEmitEventBillsAndForwards(t *testing.T) {
	host := &fakeHost{}
	limiter := &fakeLimiter{}
	g := newTestGateway(baseConfig(), host, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, limiter)

	topic := calldata.NewBytes(make([]byte, 32))
	req := calldata.Marshal(calldata.NewMap(calldata.Map{"EmitEvent": calldata.NewMap(calldata.Map{
		"topics": calldata.NewArray([]calldata.Value{topic}),
		"blob":   calldata.NewMap(calldata.Map{"k": calldata.NewStr("v")}),
	})}))

	_, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, host.postEventTopics, 1)
	require.True(t, limiter.consumed > 0)
}

func TestWebRequestForbiddenWhenDeterministic(t *testing.T) {
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})
	req := calldata.Marshal(calldata.NewMap(calldata.Map{"WebRequest": calldata.NewStr("http://example.com")}))

	_, err := g.Call(context.Background(), req)
	require.ErrorIs(t, err, ErrnoForbidden)
}

func TestWebRequestWrapsResultAsOk(t *testing.T) {
	cfg := baseConfig()
	cfg.IsDeterministic = false
	oracle := &fakeOracle{result: calldata.NewStr("page contents")}
	g := newTestGateway(cfg, &fakeHost{}, &fakeRunner{}, oracle, &fakeNondet{}, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"WebRequest": calldata.NewStr("http://example.com")}))
	got, err := g.Call(context.Background(), req)
	require.NoError(t, err)

	decoded, err := calldata.Unmarshal(got)
	require.NoError(t, err)
	m, ok := decoded.AsMap()
	require.True(t, ok)
	ok1, ok := m["ok"]
	require.True(t, ok)
	s, ok := ok1.AsStr()
	require.True(t, ok)
	require.Equal(t, "page contents", s)
}

func TestExecPromptConsumesFuel(t *testing.T) {
	cfg := baseConfig()
	cfg.IsDeterministic = false
	host := &fakeHost{remainingFuel: 1000}
	oracle := &fakeOracle{result: calldata.NewStr("llm answer"), consumed: 42}
	g := newTestGateway(cfg, host, &fakeRunner{}, oracle, &fakeNondet{}, &fakeLimiter{})

	req := calldata.Marshal(calldata.NewMap(calldata.Map{"ExecPrompt": calldata.NewStr("prompt text")}))
	_, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, host.consumedFuel)
}

func TestTraceRuntimeMicroSecZeroedWhenDeterministic(t *testing.T) {
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})
	req := calldata.Marshal(calldata.NewMap(calldata.Map{"Trace": calldata.NewStr("RuntimeMicroSec")}))

	got, err := g.Call(context.Background(), req)
	require.NoError(t, err)

	decoded, err := calldata.Unmarshal(got)
	require.NoError(t, err)
	n, ok := decoded.AsBigInt()
	require.True(t, ok)
	require.Equal(t, int64(0), n.Int64())
}

func TestTraceMessageReturnsNoPayload(t *testing.T) {
	g := newTestGateway(baseConfig(), &fakeHost{}, &fakeRunner{}, &fakeOracle{}, &fakeNondet{}, &fakeLimiter{})
	req := calldata.Marshal(calldata.NewMap(calldata.Map{"Trace": calldata.NewMap(calldata.Map{
		"Message": calldata.NewStr("debug line"),
	})}))

	got, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, got)
}
