package vmrt

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	wazerosys "github.com/tetratelabs/wazero/sys"
)

// CompileFunc compiles one archive-relative wasm file. Supplied by
// internal/engine's module cache so identical (archiveID, path) pairs
// across spawns are parsed/compiled once, rather than per VM.
type CompileFunc func(ctx context.Context, archiveID, path string, contents []byte) (wazero.CompiledModule, error)

// terminationExitCode is the CloseWithExitCode argument the host bridge
// uses to force early VM termination (Return/Rollback/VmError), the Go
// analogue of wazero's own proc_exit idiom
// (imports/wasi_snapshot_preview1/proc.go: CloseWithExitCode then panic):
// here, CloseWithExitCode alone is enough to make the in-flight
// InstantiateModule call return a *sys.ExitError, since
// api.Module.CloseWithExitCode is documented to do exactly that.
const terminationExitCode = 1

// VM is one spawn's execution surface: a shared wazero Runtime, this
// spawn's staged guest filesystem/args/env, and the instantiated module
// chain ending in a started entry module. Implements runners.Linker.
//
// A VM does not instantiate WASI itself — the Runtime it is built from is
// expected to already carry a wasi_snapshot_preview1 instance, since that
// Runtime (and its WASI instance) are shared across every VM spawned from
// the same runner slot (internal/engine owns that pairing).
//
// Grounded on cmd/wazero/wazero.go's Runtime/ModuleConfig/FSConfig wiring
// idiom, adapted from a one-shot CLI invocation into a reusable-runtime,
// repeated-spawn shape.
type VM struct {
	Runtime wazero.Runtime
	Compile CompileFunc

	Config  Config
	Message ExtendedMessage

	fs   *memFS
	args []string
	env  []string

	mu          sync.Mutex
	instances   map[string]api.Module
	pending     *RunOutcome
	outcome     RunOutcome
	fingerprint Fingerprint
	hasResult   bool
}

// NewVM builds a VM for one spawn. rt must already have WASI instantiated.
func NewVM(rt wazero.Runtime, compile CompileFunc, cfg Config, msg ExtendedMessage) *VM {
	return &VM{
		Runtime:   rt,
		Compile:   compile,
		Config:    cfg,
		Message:   msg,
		fs:        newMemFS(),
		instances: map[string]api.Module{},
	}
}

// MapFile stages one guest file, implementing runners.Linker.
func (vm *VM) MapFile(toPath string, contents []byte) error {
	vm.fs.put(toPath, contents)
	return nil
}

// SetArgs implements runners.Linker.
func (vm *VM) SetArgs(args []string) error {
	vm.args = append([]string(nil), args...)
	return nil
}

// SetEnv implements runners.Linker.
func (vm *VM) SetEnv(env []string) error {
	vm.env = append([]string(nil), env...)
	return nil
}

func linkName(archiveID, path string) string {
	return archiveID + ":" + path
}

// LinkWasm compiles and instantiates path as an importable (but not
// started) module, making its exports available to modules instantiated
// afterward, implementing runners.Linker. A compile/link failure is
// reported as a *VMError (invalid_contract), the same representable-fault
// idiom internal/runners.chargeFileMapping already uses for OOM.
func (vm *VM) LinkWasm(ctx context.Context, archiveID, path string, contents []byte) error {
	compiled, err := vm.Compile(ctx, archiveID, path, contents)
	if err != nil {
		return Wrap(VmErrorInvalidContract.Value(), err)
	}

	name := linkName(archiveID, path)
	modCfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions()
	mod, err := vm.Runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return Wrap(VmErrorInvalidContract.Value(), err)
	}

	vm.mu.Lock()
	vm.instances[name] = mod
	vm.mu.Unlock()
	return nil
}

// StartWasm compiles, instantiates and runs (via wazero's default _start
// invocation) the entry module, implementing runners.Linker. Unlike
// LinkWasm it never returns a Go error for a run-level failure: every
// outcome (clean return, trap, OOM, user revert, forced termination) is
// captured into Result() instead, matching RunOutcome's
// "only a Go error escaping a run is InternalError" contract.
func (vm *VM) StartWasm(ctx context.Context, archiveID, path string, contents []byte) error {
	name := linkName(archiveID, path)

	compiled, cerr := vm.Compile(ctx, archiveID, path, contents)
	var err error
	var mod api.Module
	if cerr != nil {
		err = Wrap(VmErrorInvalidContract.Value(), cerr)
	} else {
		mod, err = vm.Runtime.InstantiateModule(ctx, compiled, vm.moduleConfig(name))
		if mod != nil {
			vm.mu.Lock()
			vm.instances[name] = mod
			vm.mu.Unlock()
		}
	}

	vm.outcome = vm.classify(err)
	vm.hasResult = true
	if vm.outcome.Code == ResultVmError && vm.Config.NeedsErrorFingerprint {
		vm.mu.Lock()
		snapshot := make(map[string]api.Module, len(vm.instances))
		for k, v := range vm.instances {
			snapshot[k] = v
		}
		vm.mu.Unlock()
		vm.fingerprint = CaptureFingerprint(ctx, snapshot)
	}
	return nil
}

// Terminate forces the currently executing module instance to unwind with
// outcome, the host-bridge-triggered analogue of a guest calling
// proc_exit: the caller (internal/engine's gl_call bridge) invokes this
// from inside a host function when the guest's Return/Rollback call (or a
// VMError raised while servicing a gl_call) must end the run immediately.
// CloseWithExitCode is enough on its own to make the in-flight
// InstantiateModule call return a *sys.ExitError; classify recovers
// outcome from pending in preference to whatever that exit code says.
func (vm *VM) Terminate(ctx context.Context, mod api.Module, outcome RunOutcome) {
	vm.mu.Lock()
	vm.pending = &outcome
	vm.mu.Unlock()
	_ = mod.CloseWithExitCode(ctx, terminationExitCode)
}

// Result reports the run's outcome and (when fingerprinting was enabled
// and the run diverged) its captured call-stack/module-hash fingerprint.
// Valid only after StartWasm has returned.
func (vm *VM) Result() (RunOutcome, Fingerprint, bool) {
	return vm.outcome, vm.fingerprint, vm.hasResult
}

// Instance returns a still-open module instance by its LinkWasm/StartWasm
// name, for callers (internal/engine's gl_call bridge) that need to read
// or write guest memory directly.
func (vm *VM) Instance(name string) (api.Module, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	mod, ok := vm.instances[name]
	return mod, ok
}

func (vm *VM) classify(err error) RunOutcome {
	vm.mu.Lock()
	pending := vm.pending
	vm.pending = nil
	vm.mu.Unlock()
	if pending != nil {
		return *pending
	}

	if err == nil {
		return EmptyReturnOutcome()
	}

	var exitErr *wazerosys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return EmptyReturnOutcome()
		}
		return FromVMError(Wrap(fmt.Sprintf("%s %d", VmErrorExitCode.Value(), exitErr.ExitCode()), err))
	}

	var vmErr *VMError
	if errors.As(err, &vmErr) {
		return FromVMError(vmErr)
	}
	var userErr *UserError
	if errors.As(err, &userErr) {
		return FromUserError(userErr)
	}
	return FromVMError(Wrap("wasm trap", err))
}

// zeroReader is the deterministic stand-in for WithRandSource under a
// deterministic Config: a contract's randomness must be reproducible
// across every validator re-executing the same call, so it never sees
// real entropy. Non-deterministic spawns (RunNondet leader/validator, and
// a Sandbox spawned from one) get crypto/rand.Reader instead, since only their agreed-upon
// result bytes — never their random stream — cross the consensus
// boundary.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func fixedNanotime(t time.Time) wazerosys.Nanotime {
	return func(context.Context) int64 { return t.UnixNano() }
}

func fixedWalltime(t time.Time) wazerosys.Walltime {
	return func(context.Context) (int64, int32) { return t.Unix(), int32(t.Nanosecond()) }
}

func (vm *VM) moduleConfig(name string) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithArgs(vm.args...).
		WithFSConfig(wazero.NewFSConfig().WithFSMount(vm.fs, "/")).
		WithSysNanosleep()

	if vm.Config.IsDeterministic {
		cfg = cfg.
			WithRandSource(zeroReader{}).
			WithNanotime(fixedNanotime(vm.Message.Datetime), wazerosys.ClockResolution(1)).
			WithWalltime(fixedWalltime(vm.Message.Datetime), wazerosys.ClockResolution(1))
	} else {
		cfg = cfg.
			WithRandSource(cryptorand.Reader).
			WithSysNanotime().
			WithSysWalltime()
	}

	for _, kv := range vm.env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			cfg = cfg.WithEnv(k, v)
		}
	}
	return cfg
}
