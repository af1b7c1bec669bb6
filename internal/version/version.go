// Package version exposes this build's own version string (reported by
// `cmd/genvm version`) and a check for the runner-archive absent-version
// sentinel. Grounded on wazero's own internal/version package
// (GetWazeroVersion, read via runtime/debug.ReadBuildInfo against the
// module's own build info) — wazero's package sources for internal/version
// were not present in this retrieval pack, only its behavior observed from
// internal/version/testdata/main_test.go, so this is reconstructed from
// runtime/debug's stdlib surface, the same mechanism wazero itself is
// documented to use.
package version

import "runtime/debug"

// Default is returned when the running binary carries no VCS-derived
// build info (e.g. `go run`, or a binary built outside of a module
// checkout), mirroring wazero's own version.Default sentinel.
const Default = "dev"

// absentRunnerVersion is the runner-archive analogue: no "version" file
// means the archive does not declare one, the same absent-version
// convention internal/runners.ArchiveCache.GetVersion already falls back
// to.
const absentRunnerVersion = "v0.0.0"

// Get returns this genvm build's own version, read from the module's own
// build info when the binary was built with module/VCS info embedded
// (`go build` inside a checkout, or `go install pkg@version`), falling
// back to Default otherwise.
func Get() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Default
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return s.Value
		}
	}
	return Default
}

// IsAbsent reports whether a runner archive's decoded version string is
// the ArchiveCache.GetVersion absent-version sentinel, letting callers
// log a warning instead of silently
// treating a missing "version" file as a real one.
func IsAbsent(runnerVersion string) bool {
	return runnerVersion == absentRunnerVersion
}
