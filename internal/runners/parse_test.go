package runners

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTextStub(t *testing.T) {
	src := []byte("// v1.2.3\n// { \"StartWasm\": \"file\" }\nnot a comment line\n")
	arch, err := Parse(src)
	require.NoError(t, err)

	version, err := arch.Get("version")
	require.NoError(t, err)
	require.Equal(t, " v1.2.3", string(version))

	runnerJSON, err := arch.Get("runner.json")
	require.NoError(t, err)
	require.Contains(t, string(runnerJSON), "StartWasm")
}

func TestParseTextStubMissingVersionFallsBackToDefault(t *testing.T) {
	src := []byte("# just a comment, no version\nfoo\n")
	arch, err := Parse(src)
	require.NoError(t, err)
	version, err := arch.Get("version")
	require.NoError(t, err)
	require.Equal(t, absentVersion, string(version))
}

func TestParseTextStubRequiresCommentPrefix(t *testing.T) {
	_, err := Parse([]byte("not a comment at all"))
	require.Error(t, err)
}

func TestParseBareWasmWithVersionSection(t *testing.T) {
	code := buildWasmWithVersionSection(t, "v9.9.9")
	arch, err := Parse(code)
	require.NoError(t, err)
	version, err := arch.Get("version")
	require.NoError(t, err)
	require.Equal(t, "v9.9.9", string(version))
}

// buildWasmWithVersionSection hand-assembles the minimal wasm binary this
// package's parser needs to exercise: the 8-byte header plus one custom
// section named "genvm.version" whose payload is the version string.
func buildWasmWithVersionSection(t *testing.T, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(wasmMagic)
	buf.Write([]byte{1, 0, 0, 0}) // binary format version 1

	name := versionSectionName
	var body bytes.Buffer
	body.Write(encodeVarU32(uint32(len(name))))
	body.WriteString(name)
	body.WriteString(version)

	buf.WriteByte(0) // custom section id
	buf.Write(encodeVarU32(uint32(body.Len())))
	buf.Write(body.Bytes())

	return buf.Bytes()
}

func encodeVarU32(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func TestFromZipStoreOnly(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fh := &zip.FileHeader{Name: "runner.json", Method: zip.Store}
	fw, err := w.CreateHeader(fh)
	require.NoError(t, err)
	_, err = fw.Write([]byte(`{"StartWasm":"file"}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	arch, err := FromZip(buf.Bytes())
	require.NoError(t, err)
	contents, err := arch.Get("runner.json")
	require.NoError(t, err)
	require.Equal(t, `{"StartWasm":"file"}`, string(contents))
}

func TestFromZipRejectsCompressedEntries(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("runner.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = FromZip(buf.Bytes())
	require.Error(t, err)
}
