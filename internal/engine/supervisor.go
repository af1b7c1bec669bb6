package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/genvm-run/genvm/internal/calldata"
	"github.com/genvm-run/genvm/internal/hostwire"
	"github.com/genvm-run/genvm/internal/logging"
	"github.com/genvm-run/genvm/internal/memlimiter"
	"github.com/genvm-run/genvm/internal/metrics"
	"github.com/genvm-run/genvm/internal/nondet"
	"github.com/genvm-run/genvm/internal/runners"
	"github.com/genvm-run/genvm/internal/sdk"
	"github.com/genvm-run/genvm/internal/storage"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// Supervisor is the long-lived engine object one genvm process builds once:
// the paired wazero runtimes, the module cache, the runner archive cache and
// the persistent host connection. One Supervisor drives every VM spawn for
// the process's lifetime; RunRequest/Run builds a fresh, single-execution
// runner (holding the page budget, overlay table and non-det queue that
// belong to one contract-execution tree) on top of it.
type Supervisor struct {
	Engines *Engines
	Modules *ModuleCache
	Archive *runners.Cache
	Host    *hostwire.Host
	Limiter *memlimiter.Limiter

	cacheDir string
}

// NewSupervisor wires the host module into both runtimes and builds the
// long-lived engine state. cacheDir (may be empty) is forwarded to
// NewEngines for the on-disk compilation cache.
func NewSupervisor(ctx context.Context, cacheDir string, archives *runners.Cache, host *hostwire.Host, rootLimiter *memlimiter.Limiter) (*Supervisor, error) {
	eng, err := NewEngines(ctx, cacheDir)
	if err != nil {
		return nil, err
	}
	if err := registerHostModule(ctx, eng.Det); err != nil {
		eng.Close(ctx)
		return nil, fmt.Errorf("engine: registering host module (det): %w", err)
	}
	if err := registerHostModule(ctx, eng.NonDet); err != nil {
		eng.Close(ctx)
		return nil, fmt.Errorf("engine: registering host module (nondet): %w", err)
	}

	return &Supervisor{
		Engines:  eng,
		Modules:  NewModuleCache(eng, cacheDir, archives),
		Archive:  archives,
		Host:     host,
		Limiter:  rootLimiter,
		cacheDir: cacheDir,
	}, nil
}

// Close releases both runtimes. The module cache's compiled modules are
// owned by the runtimes themselves, so closing Engines is enough.
func (s *Supervisor) Close(ctx context.Context) {
	s.Engines.Close(ctx)
}

// RunRequest describes the top-level contract execution `genvm run` (or a
// precompile/test driver) asks the Supervisor to perform: unlike
// sdk.SpawnRequest, Code carries the root contract's own wasm/archive bytes
// directly (as decoded from ExecutionData), since the root runner is not
// necessarily already present in the registry the way a nested
// CallContract's callee is expected to be.
type RunRequest struct {
	Address      calldata.Address
	Code         []byte
	EntryData    []byte
	Config       vmrt.Config
	Message      vmrt.ExtendedMessage
	StoragePages uint64
	SyncMode     bool
	DebugMode    bool
}

// RunResult is the top-level result Run hands back to cmd/genvm: the clean
// outcome (Return/UserError/VmError — InternalError is the error return
// instead), its fingerprint when one was captured, and whatever non-det
// disagreement (if any) surfaced while draining the queue.
type RunResult struct {
	Outcome      vmrt.RunOutcome
	Fingerprint  vmrt.Fingerprint
	Disagreement nondet.Disagreement
}

// Run drives one full contract-execution tree to completion: it spawns the
// root VM, drains the non-det queue, reports the final outcome to the host
// via ConsumeResult, and returns it. A non-nil error here is always an
// InternalError (a Go failure that escaped the run entirely) — a VmError or
// UserError outcome is reported as RunResult.Outcome with a nil error,
// matching RunOutcome's own doc-comment contract.
func (s *Supervisor) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	exec := newExecution(ctx, s, req)

	outcome, fp, err := exec.spawnRoot(ctx, req)
	if err != nil {
		return RunResult{}, err
	}

	dis, err := exec.queue.AwaitNondetVMs(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("engine: draining non-det queue: %w", err)
	}
	if dis.Found {
		metrics.Root().NondetDisagreements.Add(1)
		logging.FromContext(ctx).Warn().Uint32("call_no", dis.CallNo).Msg("non-det validator disagreement")
	}

	if s.Host != nil {
		if err := s.Host.ConsumeResult(ctx, outcome.Code, outcome.Payload()); err != nil {
			return RunResult{}, fmt.Errorf("engine: reporting result to host: %w", err)
		}
	}

	return RunResult{Outcome: outcome, Fingerprint: fp, Disagreement: dis}, nil
}

// execution is the per-`genvm run` (or per-precompile-test) state a single
// contract-execution tree shares across every nested VM spawn: the page
// budget, the per-address overlay table, and the non-det queue/coordinator.
// Implements sdk.Runner so internal/sdk.Gateway's CallContract/Sandbox
// branches and internal/nondet's leader/validator tasks can all spawn
// through the same method.
type execution struct {
	sup *Supervisor

	pageLimiter storage.PageLimiter
	overlays    *xsync.MapOf[calldata.Address, *storage.Storage]

	queue  *nondet.Queue
	nondet *nondet.Coordinator

	debugMode bool
}

func newExecution(ctx context.Context, s *Supervisor, req RunRequest) *execution {
	pages := req.StoragePages
	if pages == 0 {
		pages = 1 << 20
	}
	e := &execution{
		sup:         s,
		pageLimiter: storage.NewPageLimiter(pages),
		overlays:    xsync.NewMapOf[calldata.Address, *storage.Storage](),
		debugMode:   req.DebugMode,
	}
	e.queue = nondet.NewQueue(ctx, s.Host, e)
	e.nondet = nondet.NewCoordinator(s.Host, e.queue, e, req.SyncMode)
	return e
}

// hostReaderAdapter binds internal/storage.HostReader's narrow
// (slot, index, buf) surface to one contract address read under the
// default (pre-execution) snapshot, the shape *hostwire.Host's own
// StorageRead (which also takes a StorageType and an account) needs.
type hostReaderAdapter struct {
	host    *hostwire.Host
	account calldata.Address
}

func (a hostReaderAdapter) StorageRead(ctx context.Context, slot calldata.SlotID, index uint32, buf []byte) error {
	return a.host.StorageRead(ctx, vmrt.StorageDefault, a.account, slot, index, buf)
}

// overlayFor returns the shared *storage.Storage for address, or (for a
// Sandbox spawn) an independent forked copy of it: nested VMs receive a
// shallow copy of the overlay's page map on fork. Non-sandbox spawns
// against the same address within one execution tree share the same
// overlay, so CallContract writes accumulate the way a single transaction's
// state changes must.
func (e *execution) overlayFor(address calldata.Address, sandbox bool) *storage.Storage {
	ov, _ := e.overlays.LoadOrStore(address, storage.New(address, hostReaderAdapter{e.sup.Host, address}, e.pageLimiter))
	if sandbox {
		return ov.Fork()
	}
	return ov
}

// resolveArchive resolves the runner archive a spawn's Address should run
// under. When code is non-empty (the root spawn of a `genvm run` invocation,
// which carries its contract's bytes directly in ExecutionData rather than
// expecting them already present in the registry) it is parsed directly via
// internal/runners.Parse; otherwise the contract's own previously-registered
// runner is loaded from the registry via GetRunnerOfContract.
func (e *execution) resolveArchive(address calldata.Address, code []byte) (string, *runners.ArchiveCache, error) {
	id := runners.GetRunnerOfContract(address)

	if len(code) > 0 {
		arch, err := runners.Parse(code)
		if err != nil {
			return "", nil, vmrt.Wrap(vmrt.VmErrorInvalidContract.Value(), err)
		}
		if !e.sup.Limiter.Consume(arch.TotalSize) {
			return "", nil, vmrt.OOM(fmt.Errorf("archive-cache budget exhausted loading %s", id))
		}
		return id, &runners.ArchiveCache{ID: id, Archive: arch}, nil
	}

	runnerID, runnerHash, ok := runners.VerifyRunner(id)
	if !ok {
		return "", nil, fmt.Errorf("engine: invalid runner id %q derived from %s", id, address.Hex())
	}
	arch, err := e.sup.Archive.GetOrCreate(id, e.sup.Limiter, func() (*runners.Archive, error) {
		return e.sup.Archive.LoadFromDisk(runnerID, runnerHash)
	})
	if err != nil {
		return "", nil, err
	}
	return id, arch, nil
}

// spawnRoot runs the top-level VM of a `genvm run` invocation.
func (e *execution) spawnRoot(ctx context.Context, req RunRequest) (vmrt.RunOutcome, vmrt.Fingerprint, error) {
	return e.spawn(ctx, req.Address, req.Code, vmrt.EntryMain, req.EntryData, req.Config, req.Message)
}

// SpawnAndRun implements sdk.Runner: every nested CallContract, Sandbox,
// RunNondet leader and non-det validator task spawns through here, always
// resolving its own runner archive from the registry (code is only ever
// supplied for the root spawn).
func (e *execution) SpawnAndRun(ctx context.Context, req sdk.SpawnRequest) (vmrt.RunOutcome, error) {
	outcome, _, err := e.spawn(ctx, req.Address, nil, req.EntryKind, req.EntryData, req.Config, req.Message)
	return outcome, err
}

// spawn is the shared VM-drive path: resolve the runner archive, build a VM
// and its host-bridge state, drive the runner.json action interpreter to a
// StartWasm leaf, and classify the result.
func (e *execution) spawn(ctx context.Context, address calldata.Address, code []byte, kind vmrt.EntryKind, entryData []byte, cfg vmrt.Config, msg vmrt.ExtendedMessage) (vmrt.RunOutcome, vmrt.Fingerprint, error) {
	metrics.Root().Spawns.Add(1)
	ctx = logging.WithFields(ctx, logging.FromContext(ctx),
		"contract", address.Hex(), "entry_kind", kind.StrSnakeCase())

	id, arch, err := e.resolveArchive(address, code)
	if err != nil {
		var vmErr *vmrt.VMError
		if errors.As(err, &vmErr) {
			return vmrt.FromVMError(vmErr), vmrt.Fingerprint{}, nil
		}
		return vmrt.RunOutcome{}, vmrt.Fingerprint{}, err
	}

	sandbox := kind == vmrt.EntrySandbox
	overlay := e.overlayFor(address, sandbox)

	var locked sdk.LockedSlots
	var upgrader UpgraderCheck
	if cfg.CanWriteStorage && cfg.StateMode == vmrt.StorageDefault {
		set, err := loadLockedSlots(ctx, overlay)
		if err != nil {
			return vmrt.FromVMError(vmrt.Wrap("reading locked slots", err)), vmrt.Fingerprint{}, nil
		}
		locked = set
		upgrader = func(ctx context.Context, addr calldata.Address) (bool, error) {
			set, err := loadUpgraders(ctx, overlay)
			if err != nil {
				return false, err
			}
			return set.contains(addr), nil
		}
	}

	rt := e.sup.Engines.runtimeFor(cfg.IsDeterministic)
	compile := e.sup.Modules.CompileFuncFor(cfg.IsDeterministic)
	vm := vmrt.NewVM(rt, compile, cfg, msg)

	gw := sdk.NewGateway(cfg, msg, e.sup.Host, overlay, e, oracleClient{}, e.nondet, locked, e.pageLimiter)
	b := &bridge{
		gateway:  gw,
		vm:       vm,
		overlay:  overlay,
		rawHost:  e.sup.Host,
		locked:   locked,
		upgrader: upgrader,
		account:  address,
		sender:   msg.SenderAddress,
		cfg:      cfg,
		calldata: entryData,
	}
	ctx = withBridge(ctx, b)

	if cfg.NeedsErrorFingerprint {
		ctx = vmrt.WithFingerprintListener(ctx)
	}
	ctx = memlimiter.WithAllocator(ctx, memlimiter.NewWazeroAllocator(e.sup.Limiter.Derived()))

	if !e.sup.Limiter.Consume(memlimiter.TableEntryUnits) {
		metrics.Root().StorageOOM.Add(1)
		return vmrt.FromVMError(vmrt.OOM(nil)), vmrt.Fingerprint{}, nil
	}

	mode := runners.ModeNonDet
	if cfg.IsDeterministic {
		mode = runners.ModeDet
	}
	runCtx := runners.NewCtx(id, e.debugMode, mode, vm, e.sup.Archive, e.sup.Limiter)

	action, err := arch.GetActions()
	if err != nil {
		return vmrt.RunOutcome{}, vmrt.Fingerprint{}, fmt.Errorf("engine: loading runner.json for %s: %w", id, err)
	}

	_, applyErr := runCtx.Apply(ctx, action, id, arch)

	outcome, fp, hasResult := vm.Result()
	if applyErr != nil {
		var vmErr *vmrt.VMError
		if errors.As(applyErr, &vmErr) {
			return vmrt.FromVMError(vmErr), fp, nil
		}
		if !hasResult {
			return vmrt.RunOutcome{}, vmrt.Fingerprint{}, applyErr
		}
	}
	if !hasResult {
		return vmrt.RunOutcome{}, vmrt.Fingerprint{}, fmt.Errorf("engine: %s produced no StartWasm leaf", id)
	}

	return outcome, fp, nil
}

// loadLockedSlots reads the LOCKED_SLOTS reserved area
// (Indirection(ZeroSlot, 2) => u32 count ‖ count×SlotID) out of address's
// overlay.
func loadLockedSlots(ctx context.Context, ov *storage.Storage) (lockedSlotSet, error) {
	slot := calldata.Indirection(calldata.ZeroSlot, calldata.LockedSlotsSlotOffset)
	count, err := readAreaCount(ctx, ov, slot)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, int(count)*calldata.SlotSize)
	if len(buf) > 0 {
		if err := ov.Read(ctx, slot, 4, buf); err != nil {
			return nil, err
		}
	}
	out := make(lockedSlotSet, count)
	for i := 0; i < int(count); i++ {
		var s calldata.SlotID
		copy(s[:], buf[i*calldata.SlotSize:])
		out[s] = struct{}{}
	}
	return out, nil
}

// loadUpgraders reads the UPGRADERS reserved area
// (Indirection(ZeroSlot, 3) => u32 count ‖ count×Address) out of address's
// overlay.
func loadUpgraders(ctx context.Context, ov *storage.Storage) (upgraderSet, error) {
	slot := calldata.Indirection(calldata.ZeroSlot, calldata.UpgradersSlotOffset)
	count, err := readAreaCount(ctx, ov, slot)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, int(count)*calldata.AddressSize)
	if len(buf) > 0 {
		if err := ov.Read(ctx, slot, 4, buf); err != nil {
			return nil, err
		}
	}
	out := make(upgraderSet, count)
	for i := 0; i < int(count); i++ {
		out[calldata.BytesToAddress(buf[i*calldata.AddressSize:(i+1)*calldata.AddressSize])] = struct{}{}
	}
	return out, nil
}

func readAreaCount(ctx context.Context, ov *storage.Storage, slot calldata.SlotID) (uint32, error) {
	var b [4]byte
	if err := ov.Read(ctx, slot, 0, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

type lockedSlotSet map[calldata.SlotID]struct{}

func (s lockedSlotSet) Contains(slot calldata.SlotID) bool {
	_, ok := s[slot]
	return ok
}

type upgraderSet map[calldata.Address]struct{}

func (s upgraderSet) contains(addr calldata.Address) bool {
	_, ok := s[addr]
	return ok
}

// oracleClient is the gateway's web/LLM oracle surface; the sidecar
// protocol is an explicit Non-goal of this repo, so it holds no connection
// and every method reports ErrnoNotsup.
type oracleClient struct{}

func (oracleClient) WebRender(context.Context, calldata.Value) (calldata.Value, error) {
	return calldata.Null, sdk.ErrnoNotsup
}

func (oracleClient) WebRequest(context.Context, calldata.Value) (calldata.Value, error) {
	return calldata.Null, sdk.ErrnoNotsup
}

func (oracleClient) ExecPrompt(context.Context, calldata.Value, uint64) (calldata.Value, uint64, error) {
	return calldata.Null, 0, sdk.ErrnoNotsup
}

func (oracleClient) ExecPromptTemplate(context.Context, calldata.Value, uint64) (calldata.Value, uint64, error) {
	return calldata.Null, 0, sdk.ErrnoNotsup
}
