package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tetratelabs/wazero"

	"github.com/genvm-run/genvm/internal/metrics"
	"github.com/genvm-run/genvm/internal/runners"
)

// moduleEntry is the per-key memoization cell: one sync.Once guards the
// single CompileModule call a key triggers, regardless of how many
// concurrent spawns ask for it first.
type moduleEntry struct {
	once     sync.Once
	compiled wazero.CompiledModule
	err      error
}

// ModuleCache memoizes compiled wasm modules by "runnerSlot:internalPath",
// separately per determinism class (a module compiled against the
// deterministic runtime is never handed to a non-det spawn or vice versa).
// Grounded on internal/runners.Cache's own xsync.MapOf + per-key sync.Once
// discipline.
type ModuleCache struct {
	engines  *Engines
	cacheDir string
	runners  *runners.Cache

	det    *xsync.MapOf[string, *moduleEntry]
	nondet *xsync.MapOf[string, *moduleEntry]
}

// NewModuleCache builds a cache compiling against eng and (when cacheDir is
// non-empty) writing an on-disk precompile marker under cacheDir after each
// successful compile; lookups do not consult the markers.
func NewModuleCache(eng *Engines, cacheDir string, archives *runners.Cache) *ModuleCache {
	return &ModuleCache{
		engines:  eng,
		cacheDir: cacheDir,
		runners:  archives,
		det:      xsync.NewMapOf[string, *moduleEntry](),
		nondet:   xsync.NewMapOf[string, *moduleEntry](),
	}
}

func key(archiveID, path string) string { return archiveID + ":" + path }

func (c *ModuleCache) table(deterministic bool) *xsync.MapOf[string, *moduleEntry] {
	if deterministic {
		return c.det
	}
	return c.nondet
}

// get compiles (once per key) and returns the CompiledModule for
// (archiveID, path) against the runtime matching deterministic.
func (c *ModuleCache) get(ctx context.Context, deterministic bool, archiveID, path string, contents []byte) (wazero.CompiledModule, error) {
	table := c.table(deterministic)
	e, loaded := table.LoadOrStore(key(archiveID, path), &moduleEntry{})
	if loaded {
		metrics.Root().ModuleCacheHits.Add(1)
	}

	e.once.Do(func() {
		metrics.Root().ModuleCacheMisses.Add(1)
		rt := c.engines.runtimeFor(deterministic)
		compiled, err := rt.CompileModule(ctx, contents)
		if err != nil {
			e.err = fmt.Errorf("engine: compiling %s in %s: %w", path, archiveID, err)
			return
		}
		e.compiled = compiled

		runnerID, runnerHash, ok := runners.VerifyRunner(archiveID)
		if ok {
			_ = MarkDone(c.cacheDir, runnerID, runnerHash, path, deterministic)
		}
	})
	return e.compiled, e.err
}

// CompileFuncFor returns the vmrt.CompileFunc one VM's whole spawn uses,
// bound to a single determinism class for that VM's lifetime.
func (c *ModuleCache) CompileFuncFor(deterministic bool) func(ctx context.Context, archiveID, path string, contents []byte) (wazero.CompiledModule, error) {
	return func(ctx context.Context, archiveID, path string, contents []byte) (wazero.CompiledModule, error) {
		return c.get(ctx, deterministic, archiveID, path, contents)
	}
}

// Close releases every compiled module this cache holds. Safe to call once
// the owning Supervisor is shutting down; wazero.Runtime.Close would also
// release them, but this lets a long-lived Supervisor evict without
// tearing down the runtimes.
func (c *ModuleCache) Close(ctx context.Context) {
	closeTable(ctx, c.det)
	closeTable(ctx, c.nondet)
}

func closeTable(ctx context.Context, t *xsync.MapOf[string, *moduleEntry]) {
	t.Range(func(_ string, e *moduleEntry) bool {
		if e.compiled != nil {
			_ = e.compiled.Close(ctx)
		}
		return true
	})
}
