package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/genvm-run/genvm/internal/memlimiter"
	"github.com/genvm-run/genvm/internal/runners"
)

// compilationCacheDir returns where NewEngines roots each runtime's on-disk
// wazero.CompilationCache, one subdirectory per determinism class so a
// det-compiled module is never confused for a non-det one even though
// wazero's own cache is content-addressed by wasm bytes.
func compilationCacheDir(base, subdir string) string {
	return filepath.Join(base, "precompile", subdir)
}

// markerPath returns the zero-byte marker file PrecompileLookup/MarkDone
// use to record that path (from runner id/hash's archive) has already run
// through CompileModule for the given determinism class:
// "<cache>/precompile/<id>/<hh[0:2]>/<hh[2:]>/<sha-of-path>.{det,nondet}".
// Reuses internal/runners.AppendRunnerSubpath's hash-splitting convention so
// the precompiled-artifact tree and the runner-archive tree shard the same
// way on disk.
func markerPath(cacheDir, id, hash, internalPath string, deterministic bool) string {
	sum := sha256.Sum256([]byte(internalPath))
	name := hex.EncodeToString(sum[:]) + suffixFor(deterministic)
	return filepath.Join(runners.AppendRunnerSubpath(filepath.Join(cacheDir, "precompile"), id, hash), name)
}

func suffixFor(deterministic bool) string {
	if deterministic {
		return ".det"
	}
	return ".nondet"
}

// PrecompileLookup reports whether a marker already exists for (id, hash,
// internalPath, deterministic) — i.e. whether a prior `genvm precompile`
// pass (or an earlier spawn's ModuleCache.get) already primed the shared
// wazero.CompilationCache for this module.
func PrecompileLookup(cacheDir, id, hash, internalPath string, deterministic bool) bool {
	if cacheDir == "" {
		return false
	}
	_, err := os.Stat(markerPath(cacheDir, id, hash, internalPath, deterministic))
	return err == nil
}

// MarkDone writes the zero-byte marker recording that internalPath has been
// compiled for the given determinism class under id/hash.
func MarkDone(cacheDir, id, hash, internalPath string, deterministic bool) error {
	if cacheDir == "" {
		return nil
	}
	p := markerPath(cacheDir, id, hash, internalPath, deterministic)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("engine: creating precompile marker dir: %w", err)
	}
	return os.WriteFile(p, nil, 0o644)
}

// PrecompileSummary is one id/hash's hit/miss tally, as printed by `genvm
// precompile --info`.
type PrecompileSummary struct {
	RunnerID string
	Hits     int
	Misses   int
}

// Sweep walks registryPath's runner archives, compiling (and marking done)
// every wasm module file each archive contains (see wasmFileNames), for both determinism classes, against both engine runtimes — writing the
// paired precompiled artifacts for every runner id/hash found.
func Sweep(ctx context.Context, cacheDir string, archives *runners.Cache, eng *Engines, limiter *memlimiter.Limiter) ([]PrecompileSummary, error) {
	ids, err := listRegisteredRunners(archives.RunnersPath())
	if err != nil {
		return nil, err
	}

	var out []PrecompileSummary
	for _, id := range ids {
		runnerID, runnerHash, ok := runners.VerifyRunner(id)
		if !ok {
			continue
		}
		summary := PrecompileSummary{RunnerID: id}

		arch, err := archives.GetOrCreate(id, limiter.Derived(), func() (*runners.Archive, error) {
			return archives.LoadFromDisk(runnerID, runnerHash)
		})
		if err != nil {
			return out, fmt.Errorf("engine: loading %s: %w", id, err)
		}

		for _, internalPath := range wasmFileNames(arch.Archive) {
			contents, err := arch.GetFile(internalPath)
			if err != nil {
				return out, err
			}
			for _, det := range []bool{true, false} {
				if PrecompileLookup(cacheDir, runnerID, runnerHash, internalPath, det) {
					summary.Hits++
					continue
				}
				rt := eng.runtimeFor(det)
				compiled, err := rt.CompileModule(ctx, contents)
				if err != nil {
					return out, fmt.Errorf("engine: compiling %s (%s): %w", internalPath, id, err)
				}
				_ = compiled.Close(ctx)
				if err := MarkDone(cacheDir, runnerID, runnerHash, internalPath, det); err != nil {
					return out, err
				}
				summary.Misses++
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// listRegisteredRunners lists "id:hash" pairs under runnersPath, one per
// leaf ".tar" file at the id/hh[0:2]/hh[2:].tar depth AppendRunnerSubpath
// lays out.
func listRegisteredRunners(runnersPath string) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(runnersPath, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".tar" {
			return err
		}
		rel, err := filepath.Rel(runnersPath, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		id := parts[0]
		hash := parts[1] + strings.TrimSuffix(parts[2], ".tar")
		ids = append(ids, id+":"+hash)
		return nil
	})
	return ids, err
}

// wasmFileNames lists an archive's files that look like wasm modules (they
// start with the "\x00asm" magic; runner.json/version metadata files are
// skipped), the set Sweep needs to compile for both determinism classes.
func wasmFileNames(a *runners.Archive) []string {
	var names []string
	for name, contents := range a.Files {
		if name == "runner.json" || name == "version" {
			continue
		}
		if len(contents) < 4 || string(contents[:4]) != "\x00asm" {
			continue
		}
		names = append(names, name)
	}
	return names
}
