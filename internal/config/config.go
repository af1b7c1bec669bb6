// Package config loads the executor's YAML configuration document and
// performs the "${name}" template substitution pass the original Rust
// BaseConfig/load_config applied before handing values to the rest of the
// process, adapted here to a loaded-once document rather than a fluent
// RuntimeConfig (this repo's config is read from disk, not assembled
// programmatically by an embedding application).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// BaseConfig is the executor's top-level configuration document, the Go
// analogue of the original executor's genvm.yaml BaseConfig: host dial
// target, cache/registry roots, logging controls and the default storage
// budget a `genvm run` invocation uses when the CLI doesn't override it.
type BaseConfig struct {
	HostAddress  string `yaml:"host_address"`
	CacheDir     string `yaml:"cache_dir"`
	RunnersDir   string `yaml:"runners_dir"`
	LogLevel     string `yaml:"log_level"`
	LogDisable   string `yaml:"log_disable"`
	StoragePages uint64 `yaml:"storage_pages"`

	// Vars seeds the "${name}" substitution map alongside the built-in
	// exeDir/genvmVersion/ENV[...] entries Load always adds.
	Vars map[string]string `yaml:"vars"`
}

// Load reads path, unmarshals it as YAML into a BaseConfig, and resolves
// every "${name}" reference in HostAddress, CacheDir and RunnersDir against
// the variable map Variables builds; the other fields are kept as read.
func Load(path, genvmVersion string) (*BaseConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg BaseConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	vars, err := Variables(genvmVersion, cfg.Vars)
	if err != nil {
		return nil, err
	}

	for _, field := range []*string{&cfg.HostAddress, &cfg.CacheDir, &cfg.RunnersDir} {
		patched, err := PatchTemplate(vars, *field)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		*field = patched
	}
	return &cfg, nil
}

// Variables builds the "${name}" substitution map: the executable's own
// directory (exeDir), the running genvm build's version string
// (genvmVersion), every ENV[name] the process inherited, and finally the
// document's own vars (which may shadow the built-ins).
func Variables(genvmVersion string, extra map[string]string) (map[string]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("config: resolving executable path: %w", err)
	}

	vars := map[string]string{
		"exeDir":       strings.TrimSuffix(exe, "/"+lastSegment(exe)),
		"genvmVersion": genvmVersion,
	}
	for _, kv := range os.Environ() {
		if name, val, ok := strings.Cut(kv, "="); ok {
			vars["ENV["+name+"]"] = val
		}
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars, nil
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// PatchTemplate substitutes every "${name}" reference in val against vars,
// the same $-unfold contract internal/runners.patchTemplate implements for
// AddEnv action values (runners.patchTemplate is unexported in its own
// package, so the algorithm is duplicated rather than shared — see
// DESIGN.md).
func PatchTemplate(vars map[string]string, val string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(val) {
		if val[i] == '$' && i+1 < len(val) && val[i+1] == '{' {
			end := strings.IndexByte(val[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("config: unterminated ${ in %q", val)
			}
			name := val[i+2 : i+2+end]
			replacement, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("config: undefined template variable %q", name)
			}
			out.WriteString(replacement)
			i += 2 + end + 1
			continue
		}
		out.WriteByte(val[i])
		i++
	}
	return out.String(), nil
}

// ParsePermissions decodes the --permissions flag (any subset of the
// letters r=read, w=write, s=send, c=call, n=nondet) into the five
// booleans internal/vmrt.Config's capability fields need.
func ParsePermissions(letters string) (read, write, send, call, nondet bool, err error) {
	for _, r := range letters {
		switch r {
		case 'r':
			read = true
		case 'w':
			write = true
		case 's':
			send = true
		case 'c':
			call = true
		case 'n':
			nondet = true
		default:
			return false, false, false, false, false, fmt.Errorf("config: invalid permission letter %q", r)
		}
	}
	return read, write, send, call, nondet, nil
}

// ParseStoragePages parses the --storage-pages flag; an empty string
// yields 0, letting the caller fall back to BaseConfig.StoragePages.
func ParseStoragePages(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid --storage-pages %q: %w", s, err)
	}
	return n, nil
}
