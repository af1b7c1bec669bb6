package runners

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
)

// FromZip parses a ZIP archive into an Archive. Only the Store compression
// method is accepted; each entry's contents are read in full and copied
// into the Archive. Grounded on ustar.rs's from_zip. zip64 entries get no
// separate check: they are accepted like any other Store entry.
func FromZip(raw []byte) (*Archive, error) {
	r, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, err
	}

	files := make(map[string][]byte, len(r.File))
	for _, f := range r.File {
		if f.Method != zip.Store {
			return nil, fmt.Errorf("runners: unsupported compression method: %d", f.Method)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, f.UncompressedSize64)
		if _, err := io.ReadFull(rc, buf); err != nil {
			rc.Close()
			return nil, fmt.Errorf("runners: reading %s: %w", f.Name, err)
		}
		rc.Close()

		if _, dup := files[f.Name]; dup {
			return nil, fmt.Errorf("runners: entry %s is already occupied", f.Name)
		}
		files[f.Name] = buf
	}

	return &Archive{Files: files, TotalSize: uint32(len(raw))}, nil
}
