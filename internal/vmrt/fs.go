package vmrt

import (
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// memFS is a hand-rolled, in-memory fs.FS backing a VM's MapFile staging
// area. testing/fstest.MapFS would do the same job, but it is documented as
// a test helper; a production guest filesystem earns its own small
// implementation instead of borrowing one meant for _test.go files.
type memFS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func newMemFS() *memFS {
	return &memFS{files: map[string][]byte{}}
}

func normalizeFSPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// put stages contents at p, overwriting any prior file at that path.
func (m *memFS) put(p string, contents []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[normalizeFSPath(p)] = contents
}

func (m *memFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if data, ok := m.files[name]; ok {
		return &memFile{info: memFileInfo{name: path.Base(name), size: int64(len(data))}, data: data}, nil
	}

	entries := m.readDirLocked(name)
	if name == "." || len(entries) > 0 {
		return &memDir{info: memFileInfo{name: path.Base(name), isDir: true}, entries: entries}, nil
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// readDirLocked lists the immediate children of dir, assuming m.mu is held.
func (m *memFS) readDirLocked(dir string) []fs.DirEntry {
	prefix := dir + "/"
	if dir == "." {
		prefix = ""
	}

	seen := map[string]bool{}
	var out []fs.DirEntry
	for p, data := range m.files {
		if !strings.HasPrefix(p, prefix) || p == dir {
			continue
		}
		rest := p[len(prefix):]
		if rest == "" {
			continue
		}
		child, isLeaf := rest, true
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			child, isLeaf = rest[:i], false
		}
		if seen[child] {
			continue
		}
		seen[child] = true
		if isLeaf {
			out = append(out, fs.FileInfoToDirEntry(memFileInfo{name: child, size: int64(len(data))}))
		} else {
			out = append(out, fs.FileInfoToDirEntry(memFileInfo{name: child, isDir: true}))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

type memFileInfo struct {
	name  string
	size  int64
	isDir bool
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return i.isDir }
func (i memFileInfo) Sys() any           { return nil }
func (i memFileInfo) Mode() fs.FileMode {
	if i.isDir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

type memFile struct {
	info memFileInfo
	data []byte
	off  int
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *memFile) Close() error               { return nil }
func (f *memFile) Read(b []byte) (int, error) {
	if f.off >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(b, f.data[f.off:])
	f.off += n
	return n, nil
}

type memDir struct {
	info    memFileInfo
	entries []fs.DirEntry
	off     int
}

func (d *memDir) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *memDir) Close() error                { return nil }
func (d *memDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.name, Err: fs.ErrInvalid}
}

func (d *memDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if n <= 0 {
		rest := d.entries[d.off:]
		d.off = len(d.entries)
		return rest, nil
	}
	if d.off >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.off + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := d.entries[d.off:end]
	d.off = end
	return out, nil
}
