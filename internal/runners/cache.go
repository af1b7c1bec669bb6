package runners

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/genvm-run/genvm/internal/memlimiter"
)

// ArchiveCache pairs a parsed Archive with its lazily-decoded runner.json
// action tree and cached version string. Grounded on runners/mod.rs's
// ArchiveCache, substituting tokio::sync::OnceCell with sync.Once since this
// engine's supervisor work runs on goroutines, not a single async runtime.
type ArchiveCache struct {
	ID      string
	Archive *Archive

	actionsOnce sync.Once
	actions     *InitAction
	actionsErr  error
}

// GetFile reads one file out of the underlying archive.
func (a *ArchiveCache) GetFile(name string) ([]byte, error) {
	b, err := a.Archive.Get(name)
	if err != nil {
		return nil, fmt.Errorf("reading runner %s: %w", a.ID, err)
	}
	return b, nil
}

// GetVersion returns the "version" file's contents as-is (unparsed), or the
// absent-version sentinel when the archive has no such file.
func (a *ArchiveCache) GetVersion() (string, error) {
	contents, err := a.GetFile("version")
	if err != nil {
		return absentVersion, nil
	}
	return string(contents), nil
}

// GetActions lazily decodes runner.json into an InitAction tree exactly
// once, regardless of how many goroutines call GetActions concurrently.
func (a *ArchiveCache) GetActions() (*InitAction, error) {
	a.actionsOnce.Do(func() {
		contents, err := a.GetFile("runner.json")
		if err != nil {
			a.actionsErr = err
			return
		}
		var action InitAction
		if err := unmarshalInitAction(contents, &action); err != nil {
			a.actionsErr = fmt.Errorf("parsing runner.json for %s: %w", a.ID, err)
			return
		}
		a.actions = &action
	})
	return a.actions, a.actionsErr
}

// entry is the per-key memoization cell LoadOrStore races onto: exactly one
// caller's Once.Do wins the actual construction, everyone else blocks on it.
type entry struct {
	once  sync.Once
	value *ArchiveCache
	err   error
}

// Cache is the content-addressed runner-archive store: concurrent callers
// asking for the same runner id block on a single construction instead of
// racing duplicate disk reads. Grounded on runners/cache.rs's Reader,
// built on xsync.MapOf (the pack's lock-striped concurrent map) for the
// lookup table itself.
type Cache struct {
	byID         *xsync.MapOf[string, *entry]
	runnersPath  string
	registryPath string
}

// NewCache opens the on-disk runner store rooted at runnersPath.
func NewCache(runnersPath string) (*Cache, error) {
	if _, err := os.Stat(runnersPath); err != nil {
		return nil, fmt.Errorf("runners: path %q doesn't exist: %w", runnersPath, err)
	}
	return &Cache{
		byID:         xsync.NewMapOf[string, *entry](),
		runnersPath:  runnersPath,
		registryPath: runnersPath,
	}, nil
}

func (c *Cache) RunnersPath() string  { return c.runnersPath }
func (c *Cache) RegistryPath() string { return c.registryPath }

// GetOrCreate returns the cached ArchiveCache for id, constructing it via
// provide (only once, even under concurrent callers) and billing its total
// byte size against limiter. Grounded on cache.rs's Reader::get_or_create.
func (c *Cache) GetOrCreate(id string, limiter *memlimiter.Limiter, provide func() (*Archive, error)) (*ArchiveCache, error) {
	e, _ := c.byID.LoadOrStore(id, &entry{})

	var builtHere bool
	e.once.Do(func() {
		builtHere = true
		arch, err := provide()
		if err != nil {
			e.err = err
			return
		}
		if !limiter.Consume(arch.TotalSize) {
			e.err = fmt.Errorf("runners: out of archive-cache budget loading %s", id)
			return
		}
		e.value = &ArchiveCache{ID: id, Archive: arch}
	})
	if e.err != nil {
		return nil, e.err
	}
	if !builtHere {
		if !limiter.Consume(e.value.Archive.TotalSize) {
			return nil, fmt.Errorf("runners: out of archive-cache budget re-billing %s", id)
		}
	}
	return e.value, nil
}

// LoadFromDisk reads and parses the on-disk USTAR archive for (runnerID,
// runnerHash) under this cache's runners path.
func (c *Cache) LoadFromDisk(runnerID, runnerHash string) (*Archive, error) {
	path := AppendRunnerSubpath(c.runnersPath, runnerID, runnerHash) + ".tar"
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("runners: runner %s not found", runnerID+":"+runnerHash)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromUSTAR(data)
}

// GetCacheDir ensures base exists and is writable, the Go analogue of
// cache.rs's get_cache_dir (which probes writability with a throwaway
// ".test" file).
func GetCacheDir(base string) (string, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("runners: creating cache dir: %w", err)
	}
	testPath := filepath.Join(base, ".test")
	if err := os.WriteFile(testPath, nil, 0o644); err != nil {
		return "", fmt.Errorf("runners: creating test file: %w", err)
	}
	return base, nil
}
