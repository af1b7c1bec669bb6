package runners

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genvm-run/genvm/internal/memlimiter"
)

type fakeLinker struct {
	mapped    map[string][]byte
	args      []string
	env       []string
	linked    []string
	started   []string
}

func newFakeLinker() *fakeLinker {
	return &fakeLinker{mapped: map[string][]byte{}}
}

func (f *fakeLinker) MapFile(to string, contents []byte) error {
	f.mapped[to] = contents
	return nil
}
func (f *fakeLinker) SetArgs(args []string) error { f.args = args; return nil }
func (f *fakeLinker) SetEnv(env []string) error    { f.env = env; return nil }
func (f *fakeLinker) LinkWasm(ctx context.Context, archiveID, path string, contents []byte) error {
	f.linked = append(f.linked, path)
	return nil
}
func (f *fakeLinker) StartWasm(ctx context.Context, archiveID, path string, contents []byte) error {
	f.started = append(f.started, path)
	return nil
}

func archiveCacheFor(t *testing.T, files map[string][]byte) *ArchiveCache {
	t.Helper()
	total := 0
	for _, v := range files {
		total += len(v)
	}
	return &ArchiveCache{ID: "test", Archive: &Archive{Files: files, TotalSize: uint32(total)}}
}

func TestApplySequenceRunsUntilStartWasm(t *testing.T) {
	arch := archiveCacheFor(t, map[string][]byte{
		"file": []byte("\x00asm fake module bytes"),
	})
	linker := newFakeLinker()
	limiter := memlimiter.New("test")
	ctx := NewCtx("contract-1", false, ModeDet, linker, nil, limiter)

	argsAction := InitAction{SetArgs: []string{"a", "b"}}
	envAction := InitAction{AddEnv: &AddEnvAction{Name: "X", Val: "1"}}
	startAction := InitAction{StartWasm: strPtr("file")}

	tree := InitAction{Seq: []InitAction{argsAction, envAction, startAction}}

	started, err := ctx.Apply(context.Background(), &tree, "test", arch)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, []string{"a", "b"}, linker.args)
	require.Contains(t, linker.env, "X=1")
	require.Equal(t, []string{"file"}, linker.started)
}

func TestApplyWhenFiltersByMode(t *testing.T) {
	arch := archiveCacheFor(t, map[string][]byte{"file": []byte("x")})
	linker := newFakeLinker()
	limiter := memlimiter.New("test")
	ctx := NewCtx("contract-1", false, ModeDet, linker, nil, limiter)

	tree := InitAction{When: &WhenAction{Cond: ModeNonDet, Action: &InitAction{StartWasm: strPtr("file")}}}
	started, err := ctx.Apply(context.Background(), &tree, "test", arch)
	require.NoError(t, err)
	require.False(t, started)
	require.Empty(t, linker.started)
}

func TestApplyMapFileDirectory(t *testing.T) {
	arch := archiveCacheFor(t, map[string][]byte{
		"assets/a.txt": []byte("A"),
		"assets/b.txt": []byte("B"),
		"other.txt":    []byte("O"),
	})
	linker := newFakeLinker()
	limiter := memlimiter.New("test")
	ctx := NewCtx("contract-1", false, ModeDet, linker, nil, limiter)

	tree := InitAction{MapFile: &MapFileAction{To: "/data", File: "assets/"}}
	_, err := ctx.Apply(context.Background(), &tree, "test", arch)
	require.NoError(t, err)

	require.Equal(t, []byte("A"), linker.mapped["/data/a.txt"])
	require.Equal(t, []byte("B"), linker.mapped["/data/b.txt"])
	require.NotContains(t, linker.mapped, "/data/other.txt")
}

func TestApplyMapFileChargesLimiter(t *testing.T) {
	arch := archiveCacheFor(t, map[string][]byte{"f": []byte("x")})
	linker := newFakeLinker()
	limiter := memlimiter.New("test")
	ctx := NewCtx("contract-1", false, ModeDet, linker, nil, limiter)

	tree := InitAction{MapFile: &MapFileAction{To: "/f", File: "f"}}
	_, err := ctx.Apply(context.Background(), &tree, "test", arch)
	require.NoError(t, err)
	require.Greater(t, limiter.Consumed(), uint32(0))
}

func strPtr(s string) *string { return &s }
