package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/genvm-run/genvm/internal/engine"
	"github.com/genvm-run/genvm/internal/memlimiter"
	"github.com/genvm-run/genvm/internal/runners"
)

// doPrecompile implements `genvm precompile`: sweeps the runner registry
// and writes the paired precompiled artifacts for every runner id/hash
// found. --info prints a per-runner hit/miss table instead of staying
// silent on success, the way `genvm run`'s own --print flags make an
// otherwise-silent operation observable.
func doPrecompile(args []string, stdOut, stdErr io.Writer) int {
	flags := flag.NewFlagSet("precompile", flag.ExitOnError)
	flags.SetOutput(stdErr)

	cacheDir := flags.String("cachedir", "", "writable directory for runner archives and compiled wasm")
	runnersDir := flags.String("runnersdir", "", "runner registry root (defaults to cachedir)")
	info := flags.Bool("info", false, "print a hit/miss summary table")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	if *cacheDir == "" {
		fmt.Fprintln(stdErr, "missing --cachedir")
		return 1
	}
	if *runnersDir == "" {
		*runnersDir = *cacheDir
	}
	if _, err := runners.GetCacheDir(*cacheDir); err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	ctx := context.Background()

	archives, err := runners.NewCache(*runnersDir)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	eng, err := engine.NewEngines(ctx, *cacheDir)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}
	defer eng.Close(ctx)

	limiter := memlimiter.New("genvm-precompile")

	summaries, err := engine.Sweep(ctx, *cacheDir, archives, eng, limiter)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	if *info {
		fmt.Fprintf(stdOut, "%-40s %8s %8s\n", "runner", "hits", "misses")
		for _, s := range summaries {
			fmt.Fprintf(stdOut, "%-40s %8d %8d\n", s.RunnerID, s.Hits, s.Misses)
		}
	}
	return 0
}
