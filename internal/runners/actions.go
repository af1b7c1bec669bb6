package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/genvm-run/genvm/internal/memlimiter"
	"github.com/genvm-run/genvm/internal/vmrt"
)

// WasmMode distinguishes a runner's deterministic and non-deterministic
// module variants, used by When to pick one branch of an action tree.
type WasmMode int

const (
	ModeDet WasmMode = iota
	ModeNonDet
)

func (m WasmMode) MarshalJSON() ([]byte, error) {
	if m == ModeDet {
		return json.Marshal("Det")
	}
	return json.Marshal("NonDet")
}

func (m *WasmMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "Det":
		*m = ModeDet
	case "NonDet":
		*m = ModeNonDet
	default:
		return fmt.Errorf("runners: unknown wasm mode %q", s)
	}
	return nil
}

// MapFileAction maps one file (or, when File ends in "/", a whole directory
// subtree) from the current runner archive into the guest filesystem.
type MapFileAction struct {
	To   string `json:"to"`
	File string `json:"file"`
}

// AddEnvAction stages an environment variable for the eventual StartWasm,
// with Val subject to `${...}` templating against vars added so far.
type AddEnvAction struct {
	Name string `json:"name"`
	Val  string `json:"val"`
}

// WhenAction runs Action only if Cond matches the VM's own determinism mode.
type WhenAction struct {
	Cond   WasmMode    `json:"cond"`
	Action *InitAction `json:"action"`
}

// WithAction resolves Runner (another runner id) and runs Action in its
// archive's context instead of the current one.
type WithAction struct {
	Runner string      `json:"runner"`
	Action *InitAction `json:"action"`
}

// InitAction is the externally-tagged action-tree node decoded from
// runner.json: exactly one field is populated per node, mirroring the
// original's serde enum representation ({"MapFile": {...}} etc). Grounded
// on the variant set used throughout rt/supervisor/actions.rs.
type InitAction struct {
	MapFile  *MapFileAction `json:"MapFile,omitempty"`
	AddEnv   *AddEnvAction  `json:"AddEnv,omitempty"`
	SetArgs  []string       `json:"SetArgs,omitempty"`
	LinkWasm *string        `json:"LinkWasm,omitempty"`
	StartWasm *string       `json:"StartWasm,omitempty"`
	When     *WhenAction    `json:"When,omitempty"`
	Seq      []InitAction   `json:"Seq,omitempty"`
	With     *WithAction    `json:"With,omitempty"`
	Depends  *string        `json:"Depends,omitempty"`
}

func unmarshalInitAction(data []byte, out *InitAction) error {
	return json.Unmarshal(data, out)
}

// Linker is the subset of a VM's linking surface the action interpreter
// drives: instantiating wasm modules, wiring guest file/env/arg state. The
// engine package's VM implements this; runners stays free of any wazero
// dependency.
type Linker interface {
	MapFile(toPath string, contents []byte) error
	SetArgs(args []string) error
	SetEnv(env []string) error
	LinkWasm(ctx context.Context, archiveID, path string, contents []byte) error
	StartWasm(ctx context.Context, archiveID, path string, contents []byte) error
}

// Ctx carries one VM's in-progress action-tree interpretation: the
// accumulated (templated) environment, the set of Depends already applied,
// and everything needed to resolve further runners by id. Grounded on
// rt/supervisor/actions.rs's Ctx.
type Ctx struct {
	Env       map[string]string
	Visited   map[string]bool
	ContractID string
	DebugMode bool
	Linker    Linker
	Cache     *Cache
	Limiter   *memlimiter.Limiter
	Mode      WasmMode
}

// NewCtx starts a fresh interpretation context for one VM.
func NewCtx(contractID string, debugMode bool, mode WasmMode, linker Linker, cache *Cache, limiter *memlimiter.Limiter) *Ctx {
	return &Ctx{
		Env:        map[string]string{},
		Visited:    map[string]bool{},
		ContractID: contractID,
		DebugMode:  debugMode,
		Linker:     linker,
		Cache:      cache,
		Limiter:    limiter,
		Mode:       mode,
	}
}

func (c *Ctx) unfold(id string) string {
	return UnfoldTestID(id, c.ContractID, c.Cache.RegistryPath(), c.DebugMode)
}

func (c *Ctx) getArchive(ctx context.Context, uid string) (string, *ArchiveCache, error) {
	uid = c.unfold(uid)

	runnerID, runnerHash, ok := VerifyRunner(uid)
	if !ok {
		return "", nil, fmt.Errorf("runners: invalid runner id: %s", uid)
	}

	arch, err := c.Cache.GetOrCreate(uid, c.Limiter, func() (*Archive, error) {
		return c.Cache.LoadFromDisk(runnerID, runnerHash)
	})
	if err != nil {
		return "", nil, err
	}
	return uid, arch, nil
}

// Apply interprets one action node in the context of current (the runner id
// whose archive currentArch is) and returns once a StartWasm leaf has run,
// or after the whole subtree completes with no StartWasm in it.
func (c *Ctx) Apply(ctx context.Context, action *InitAction, current string, currentArch *ArchiveCache) (started bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, vmrt.Timeout()
	}

	switch {
	case action.MapFile != nil:
		return false, c.applyMapFile(action.MapFile, currentArch)

	case action.AddEnv != nil:
		newVal, err := patchTemplate(c.Env, action.AddEnv.Val)
		if err != nil {
			return false, err
		}
		c.Env[action.AddEnv.Name] = newVal
		return false, nil

	case action.SetArgs != nil:
		return false, c.Linker.SetArgs(action.SetArgs)

	case action.LinkWasm != nil:
		path := *action.LinkWasm
		contents, err := currentArch.GetFile(path)
		if err != nil {
			return false, err
		}
		return false, c.Linker.LinkWasm(ctx, current, path, contents)

	case action.StartWasm != nil:
		env := make([]string, 0, len(c.Env))
		for k, v := range c.Env {
			env = append(env, k+"="+v)
		}
		if err := c.Linker.SetEnv(env); err != nil {
			return false, err
		}
		path := *action.StartWasm
		contents, err := currentArch.GetFile(path)
		if err != nil {
			return false, err
		}
		if err := c.Linker.StartWasm(ctx, current, path, contents); err != nil {
			return false, err
		}
		return true, nil

	case action.When != nil:
		if action.When.Cond != c.Mode {
			return false, nil
		}
		return c.Apply(ctx, action.When.Action, current, currentArch)

	case action.Seq != nil:
		for i := range action.Seq {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			started, err := c.Apply(ctx, &action.Seq[i], current, currentArch)
			if err != nil || started {
				return started, err
			}
		}
		return false, nil

	case action.With != nil:
		uid, arch, err := c.getArchive(ctx, action.With.Runner)
		if err != nil {
			return false, fmt.Errorf("With %s: %w", action.With.Runner, err)
		}
		return c.Apply(ctx, action.With.Action, uid, arch)

	case action.Depends != nil:
		uid := c.unfold(*action.Depends)
		if c.Visited[uid] {
			return false, nil
		}
		c.Visited[uid] = true

		uid, arch, err := c.getArchive(ctx, uid)
		if err != nil {
			return false, err
		}
		newAction, err := arch.GetActions()
		if err != nil {
			return false, fmt.Errorf("loading %s runner.json: %w", uid, err)
		}
		return c.Apply(ctx, newAction, uid, arch)

	default:
		return false, fmt.Errorf("runners: empty action node")
	}
}

func (c *Ctx) applyMapFile(a *MapFileAction, arch *ArchiveCache) error {
	if !strings.HasSuffix(a.File, "/") {
		if err := c.chargeFileMapping(a.To); err != nil {
			return err
		}
		contents, err := arch.GetFile(a.File)
		if err != nil {
			return err
		}
		return c.Linker.MapFile(a.To, contents)
	}

	isRoot := a.File == "/"
	mustStartWith := a.File
	if isRoot {
		mustStartWith = ""
	}

	for _, name := range arch.Archive.Range(mustStartWith) {
		if strings.HasSuffix(name, "/") {
			continue
		}
		if !strings.HasPrefix(name, mustStartWith) {
			break
		}

		nameInFS := a.To
		if !strings.HasSuffix(nameInFS, "/") {
			nameInFS += "/"
		}
		nameInFS += name[len(mustStartWith):]

		if err := c.chargeFileMapping(nameInFS); err != nil {
			return err
		}
		contents, err := arch.GetFile(name)
		if err != nil {
			return err
		}
		if err := c.Linker.MapFile(nameInFS, contents); err != nil {
			return err
		}
	}
	return nil
}

func (c *Ctx) chargeFileMapping(path string) error {
	if !c.Limiter.Consume(memlimiter.FileMappingUnits + uint32(len(path))) {
		return vmrt.OOM(nil)
	}
	return nil
}

// patchTemplate substitutes "${name}" references in val against env,
// mirroring genvm_common::templater::patch_str's $-unfold behavior.
func patchTemplate(env map[string]string, val string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(val) {
		if val[i] == '$' && i+1 < len(val) && val[i+1] == '{' {
			end := strings.IndexByte(val[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("runners: unterminated ${ in %q", val)
			}
			name := val[i+2 : i+2+end]
			replacement, ok := env[name]
			if !ok {
				return "", fmt.Errorf("runners: undefined template variable %q", name)
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
