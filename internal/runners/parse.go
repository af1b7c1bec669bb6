package runners

import (
	"fmt"
	"strings"
)

const absentVersion = "v0.0.0"

const wasmMagic = "\x00asm"

// versionSectionName is the custom WASM section a bare runner module embeds
// its version string in.
const versionSectionName = "genvm.version"

// Parse detects a runner archive's on-disk form and flattens it into an
// Archive. Grounded on parse.rs's parse(): try ZIP first, then bare core
// WASM (pulling the version out of a genvm.version custom section), then
// fall back to the commented-text-stub form.
func Parse(code []byte) (*Archive, error) {
	if arch, err := FromZip(code); err == nil {
		return arch, nil
	}

	if isCoreWasm(code) {
		version, err := detectVersionFromWasm(code)
		if err != nil {
			version = absentVersion
		}
		return FromFileAndRunner(code, []byte(version), []byte(`{ "StartWasm": "file" }`)), nil
	}

	return parseTextStub(code)
}

func isCoreWasm(code []byte) bool {
	return len(code) >= 8 && string(code[:4]) == wasmMagic
}

// detectVersionFromWasm walks the module's custom sections looking for
// genvm.version, the minimal subset of wasm binary parsing this needs —
// everything else in the module is opaque bytes to this package.
func detectVersionFromWasm(code []byte) (string, error) {
	pos := 8 // past the 4-byte magic + 4-byte binary version
	for pos < len(code) {
		if pos >= len(code) {
			break
		}
		sectionID := code[pos]
		pos++
		size, n, ok := readVarU32(code[pos:])
		if !ok {
			return "", fmt.Errorf("runners: truncated wasm section header")
		}
		pos += n
		if pos+int(size) > len(code) {
			return "", fmt.Errorf("runners: truncated wasm section body")
		}
		body := code[pos : pos+int(size)]
		pos += int(size)

		const customSectionID = 0
		if sectionID != customSectionID {
			continue
		}

		nameLen, n, ok := readVarU32(body)
		if !ok {
			continue
		}
		rest := body[n:]
		if int(nameLen) > len(rest) {
			continue
		}
		name := string(rest[:nameLen])
		if name == versionSectionName {
			return string(rest[nameLen:]), nil
		}
	}
	return "", fmt.Errorf("runners: version section not found")
}

// readVarU32 decodes a LEB128 unsigned 32-bit integer, the wasm binary
// format's varint encoding.
func readVarU32(b []byte) (value uint32, n int, ok bool) {
	var shift uint
	for n < len(b) && n < 5 {
		c := b[n]
		value |= uint32(c&0x7f) << shift
		n++
		if c&0x80 == 0 {
			return value, n, true
		}
		shift += 7
	}
	return 0, 0, false
}

// parseTextStub handles a runner expressed as a `//`/`#`/`--`-commented text
// file: the first comment line is a `v`-prefixed version string, and the
// remaining comment lines (concatenated) are the runner.json body.
// Grounded on parse.rs's code_to_archive_from_text.
func parseTextStub(code []byte) (*Archive, error) {
	codeStr := string(code)

	var commentPrefix string
	for _, c := range []string{"//", "#", "--"} {
		if strings.HasPrefix(codeStr, c) {
			commentPrefix = c
			break
		}
	}
	if commentPrefix == "" {
		return nil, fmt.Errorf("runners: invalid_contract absent_runner_comment")
	}

	var versionString, codeComment strings.Builder
	first := true
	for _, line := range strings.Split(codeStr, "\n") {
		if !strings.HasPrefix(line, commentPrefix) {
			break
		}
		line = line[len(commentPrefix):]

		if first {
			first = false
			if strings.HasPrefix(strings.TrimSpace(line), "v") {
				versionString.WriteString(line)
			} else {
				versionString.WriteString(absentVersion)
				codeComment.WriteString(line)
			}
		} else {
			codeComment.WriteString(line)
		}
	}

	return FromFileAndRunner(code, []byte(versionString.String()), []byte(codeComment.String())), nil
}
