// Package runners implements the content-addressed runner archive model:
// parsing a runner's on-disk form (USTAR tarball, ZIP, bare WASM, or a
// commented text stub) into a flat file map, and interpreting the
// declarative action tree (runner.json's InitAction) that wires those files
// into a running VM.
//
// Grounded on the original executor's src/runners/*.rs.
package runners

import (
	"fmt"
	"sort"
)

// Archive is a runner's flattened file set: path -> contents, plus the
// total byte size of the form it was parsed from (what gets billed against
// the archive-cache memory limiter). Grounded on ustar.rs's Archive.
type Archive struct {
	Files     map[string][]byte
	TotalSize uint32
}

// Get returns the named file's contents, or an error if absent.
func (a *Archive) Get(name string) ([]byte, error) {
	b, ok := a.Files[name]
	if !ok {
		return nil, fmt.Errorf("runners: no file %q in archive", name)
	}
	return b, nil
}

// Range lists the files whose path is >= prefix in lexical order, the
// Go analogue of BTreeMap::range(prefix..) used by MapFile's directory
// mapping mode.
func (a *Archive) Range(prefix string) []string {
	names := make([]string, 0, len(a.Files))
	for name := range a.Files {
		if name >= prefix {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// FromFileAndRunner synthesizes a single-runner archive out of one executable
// file plus its version string and runner.json body, used for both the
// bare-WASM and commented-text-stub forms. Grounded on
// Archive::from_file_and_runner.
func FromFileAndRunner(file, version, runnerComment []byte) *Archive {
	return &Archive{
		Files: map[string][]byte{
			"runner.json": runnerComment,
			"version":     version,
			"file":        file,
		},
		TotalSize: uint32(len(file)),
	}
}
