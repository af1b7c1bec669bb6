// Package metrics exposes the counters the supervisor and module cache
// increment as they run, published
// through expvar so an operator can inspect a running genvm process with
// nothing more than its own /debug/vars-style dump. No third-party metrics
// client appears anywhere in the retrieval pack (no prometheus/statsd/otel
// import in any example repo's go.mod), so this stays on the standard
// library's own expvar rather than inventing a dependency the corpus never
// reaches for.
package metrics

import (
	"expvar"
	"sync/atomic"
)

// Counters is the fixed set of monotonically increasing run-level tallies
// a Supervisor publishes, one instance per process (module cache hits and
// misses, spawns, non-det disagreements, and spawns refused because the
// memory limiter could not cover their table-entry charge, counted as
// StorageOOM).
type Counters struct {
	Spawns             atomic.Int64
	ModuleCacheHits    atomic.Int64
	ModuleCacheMisses  atomic.Int64
	NondetDisagreements atomic.Int64
	StorageOOM         atomic.Int64
}

var root Counters

func init() {
	publish("genvm_spawns_total", &root.Spawns)
	publish("genvm_module_cache_hits_total", &root.ModuleCacheHits)
	publish("genvm_module_cache_misses_total", &root.ModuleCacheMisses)
	publish("genvm_nondet_disagreements_total", &root.NondetDisagreements)
	publish("genvm_storage_oom_total", &root.StorageOOM)
}

func publish(name string, counter *atomic.Int64) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(func() any { return counter.Load() }))
}

// Root returns the process-wide counter set every Supervisor instance
// increments into; a single genvm process runs one Supervisor at a time,
// so sharing one set of counters (rather than threading a *Counters
// through every constructor) keeps `genvm run`'s own metrics surface
// simple.
func Root() *Counters { return &root }
