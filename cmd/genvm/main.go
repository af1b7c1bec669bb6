// Command genvm executes intelligent-contract WebAssembly packages against
// an external host process: `run` drives one contract-execution tree,
// `precompile` warms the on-disk compilation cache, `version` reports the
// build. A top-level doMain dispatches on its first argument to a per-subcommand
// doX(args, stdOut, stdErr) function, each building its own flag.NewFlagSet.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(doMain(os.Stdout, os.Stderr, os.Args[1:]))
}

// doMain is separated from main for unit testing, the same split
// cmd/wazero/wazero.go uses.
func doMain(stdOut, stdErr io.Writer, args []string) int {
	if len(args) == 0 {
		printUsage(stdErr)
		return 1
	}

	switch args[0] {
	case "run":
		return doRun(args[1:], stdOut, stdErr)
	case "precompile":
		return doPrecompile(args[1:], stdOut, stdErr)
	case "version":
		return doVersion(stdOut)
	case "-h", "--help", "help":
		printUsage(stdOut)
		return 0
	default:
		fmt.Fprintf(stdErr, "invalid command %q\n", args[0])
		printUsage(stdErr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "genvm CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:\n  genvm <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run\t\tExecutes a contract against a host")
	fmt.Fprintln(w, "  precompile\tWarms the on-disk wasm compilation cache")
	fmt.Fprintln(w, "  version\tDisplays the genvm build version")
}
