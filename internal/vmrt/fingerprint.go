package vmrt

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// stackKey is the context.Context value key the listener threads its
// accumulated frame list through, the same nesting trick
// examples/function-listener uses for Before/After call tracking.
type stackKey struct{}

// frameListener implements experimental.FunctionListenerFactory/Listener to
// capture the wasm call stack at the moment a run diverges. Grounded on
// experimental/listener.go and examples/function-listener/print-trace.go;
// substitutes for wasmtime's own Fingerprint/ModuleFingerprint, which wazero
// has no built-in equivalent of (see DESIGN.md).
type frameListenerFactory struct{}

func (frameListenerFactory) NewListener(def api.FunctionDefinition) experimental.FunctionListener {
	return &frameListener{frame: Frame{ModuleName: def.ModuleName(), Func: def.Index()}}
}

type frameListener struct {
	frame Frame
}

func (l *frameListener) Before(ctx context.Context, _ api.FunctionDefinition, _ []uint64) context.Context {
	stack, _ := ctx.Value(stackKey{}).([]Frame)
	return context.WithValue(ctx, stackKey{}, append(append([]Frame(nil), stack...), l.frame))
}

func (l *frameListener) After(ctx context.Context, _ api.FunctionDefinition, _ error, _ []uint64) {
}

// WithFingerprintListener attaches the frame-capturing listener to ctx. Only
// worth doing when Config.NeedsErrorFingerprint is set — the listener adds
// overhead to every call, so non-fingerprinted spawns never attach it.
func WithFingerprintListener(ctx context.Context) context.Context {
	return experimental.WithFunctionListenerFactory(ctx, frameListenerFactory{})
}

// framesFromContext recovers whatever call stack the listener accumulated by
// the time a run diverged.
func framesFromContext(ctx context.Context) []Frame {
	stack, _ := ctx.Value(stackKey{}).([]Frame)
	return stack
}

// moduleInstanceHash xxhash64-hashes an exported memory's current contents,
// this engine's per-module-instance content hash standing in for wasmtime's
// own Fingerprint module digest.
func moduleInstanceHash(ctx context.Context, mod api.Module) [32]byte {
	var out [32]byte
	mem := mod.Memory()
	if mem == nil {
		return out
	}
	data, ok := mem.Read(ctx, 0, mem.Size(ctx))
	if !ok {
		return out
	}
	h := xxhash.Sum64(data)
	for i := 0; i < 8; i++ {
		out[i] = byte(h >> (8 * i))
	}
	return out
}

// CaptureFingerprint builds a Fingerprint from the context's accumulated
// call stack plus every still-open module instance's content hash.
func CaptureFingerprint(ctx context.Context, instances map[string]api.Module) Fingerprint {
	hashes := make(map[string][32]byte, len(instances))
	for name, mod := range instances {
		hashes[name] = moduleInstanceHash(ctx, mod)
	}
	return Fingerprint{Frames: framesFromContext(ctx), ModuleInstances: hashes}
}
