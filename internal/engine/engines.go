// Package engine assembles the pieces internal/vmrt, internal/sdk,
// internal/runners, internal/nondet and internal/hostwire each expose in
// isolation into a working Supervisor: the paired wazero runtimes, the
// module cache, the gl_call host bridge, and the sdk.Runner loop that
// drives one VM spawn from a runner.json action tree down to a
// RunOutcome.
package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Engines pairs the deterministic and non-deterministic wazero runtimes a
// Supervisor spawns every VM from. Both runtimes carry a
// wasi_snapshot_preview1 instance already instantiated, since every VM
// spawned from either runtime shares it (internal/vmrt.VM assumes this).
type Engines struct {
	Det    wazero.Runtime
	NonDet wazero.Runtime
}

// NewEngines builds both runtimes. cacheDir, when non-empty, backs both
// with an on-disk wazero.CompilationCache rooted under cacheDir/precompile
// (see precompile.go for the exact layout).
func NewEngines(ctx context.Context, cacheDir string) (*Engines, error) {
	det, err := newRuntime(ctx, cacheDir, "det")
	if err != nil {
		return nil, fmt.Errorf("engine: building deterministic runtime: %w", err)
	}
	nondet, err := newRuntime(ctx, cacheDir, "nondet")
	if err != nil {
		_ = det.Close(ctx)
		return nil, fmt.Errorf("engine: building non-deterministic runtime: %w", err)
	}
	return &Engines{Det: det, NonDet: nondet}, nil
}

// coreFeatures is CoreFeaturesV2 with SIMD stripped: SIMD's float lanes are
// exactly the kind of platform-sensitive op determinism can't tolerate, so
// it stays off for both the deterministic and non-deterministic runtime
// rather than track two divergent feature sets.
const coreFeatures = api.CoreFeaturesV2 &^ api.CoreFeatureSIMD

func newRuntime(ctx context.Context, cacheDir, subdir string) (wazero.Runtime, error) {
	rtc := wazero.NewRuntimeConfig().
		WithCoreFeatures(coreFeatures).
		WithDebugInfoEnabled(true).
		WithCloseOnContextDone(true)

	if cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(compilationCacheDir(cacheDir, subdir))
		if err != nil {
			return nil, err
		}
		rtc = rtc.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating wasi: %w", err)
	}
	return rt, nil
}

// Close releases both runtimes.
func (e *Engines) Close(ctx context.Context) {
	_ = e.Det.Close(ctx)
	_ = e.NonDet.Close(ctx)
}

// runtimeFor picks the runtime a spawn's Config.IsDeterministic selects.
func (e *Engines) runtimeFor(deterministic bool) wazero.Runtime {
	if deterministic {
		return e.Det
	}
	return e.NonDet
}
