package runners

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildUstarEntry writes one ustar header + content block (content padded
// to a 512-byte boundary) for name/content into buf.
func buildUstarEntry(buf []byte, name string, content []byte) []byte {
	header := make([]byte, ustarBlockSize)
	copy(header[0:100], name)
	octal := fmt.Sprintf("%011o", len(content))
	copy(header[124:135], octal)
	header[156] = '0'
	copy(header[257:265], "ustar\x0000")

	buf = append(buf, header...)
	buf = append(buf, content...)
	pad := (ustarBlockSize - len(content)%ustarBlockSize) % ustarBlockSize
	buf = append(buf, make([]byte, pad)...)
	return buf
}

func TestFromUSTARSingleFile(t *testing.T) {
	var data []byte
	data = buildUstarEntry(data, "runner.json", []byte(`{"StartWasm":"file"}`))
	data = append(data, make([]byte, ustarBlockSize*2)...) // end-of-archive marker

	arch, err := FromUSTAR(data)
	require.NoError(t, err)
	contents, err := arch.Get("runner.json")
	require.NoError(t, err)
	require.Equal(t, `{"StartWasm":"file"}`, string(contents))
}

func TestFromUSTARMultipleFiles(t *testing.T) {
	var data []byte
	data = buildUstarEntry(data, "runner.json", []byte(`{}`))
	data = buildUstarEntry(data, "file", []byte("wasm bytes here"))
	data = append(data, make([]byte, ustarBlockSize*2)...)

	arch, err := FromUSTAR(data)
	require.NoError(t, err)
	require.Len(t, arch.Files, 2)
	f, err := arch.Get("file")
	require.NoError(t, err)
	require.Equal(t, "wasm bytes here", string(f))
}

func TestFromUSTARRejectsBadMagic(t *testing.T) {
	var data []byte
	data = buildUstarEntry(data, "file", []byte("x"))
	data[257] = 'x' // corrupt the magic
	data = append(data, make([]byte, ustarBlockSize*2)...)

	_, err := FromUSTAR(data)
	require.Error(t, err)
}

func TestFromUSTARTooShort(t *testing.T) {
	_, err := FromUSTAR(make([]byte, ustarBlockSize))
	require.Error(t, err)
}

func TestFromUSTARDirectoryEntriesSkipped(t *testing.T) {
	var data []byte
	header := make([]byte, ustarBlockSize)
	copy(header[0:100], "subdir/")
	copy(header[124:135], fmt.Sprintf("%011o", 0))
	header[156] = '0'
	copy(header[257:265], "ustar\x0000")
	data = append(data, header...)
	data = buildUstarEntry(data, "subdir/file", []byte("hi"))
	data = append(data, make([]byte, ustarBlockSize*2)...)

	arch, err := FromUSTAR(data)
	require.NoError(t, err)
	require.Len(t, arch.Files, 1)
	_, err = arch.Get("subdir/")
	require.Error(t, err)
}
