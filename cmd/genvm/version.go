package main

import (
	"fmt"
	"io"

	"github.com/genvm-run/genvm/internal/version"
)

// doVersion implements `genvm version`, the Go analogue of cmd/wazero's own
// `version` subcommand: prints this build's version string and exits
// cleanly.
func doVersion(stdOut io.Writer) int {
	fmt.Fprintln(stdOut, version.Get())
	return 0
}
