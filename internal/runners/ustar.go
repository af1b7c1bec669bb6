package runners

import "fmt"

const ustarBlockSize = 512

// FromUSTAR parses a POSIX ustar archive into an Archive, ported statement-
// for-statement from ustar.rs's from_ustar: it walks fixed 512-byte blocks
// by hand instead of going through archive/tar, because the original format
// here is a stripped-down subset (no GNU long-name extensions, no PAX
// headers) and the byte-exact field offsets matter for parity.
func FromUSTAR(data []byte) (*Archive, error) {
	if len(data) < ustarBlockSize*2 {
		return nil, fmt.Errorf("runners: archive is too short for tar")
	}
	if len(data)%ustarBlockSize != 0 {
		return nil, fmt.Errorf("runners: tar len %% 512 != 0")
	}

	files := make(map[string][]byte)

	begin := 0
	for begin+2*ustarBlockSize <= len(data) {
		header := data[begin : begin+ustarBlockSize]

		if allZero(data[begin : begin+2*ustarBlockSize]) {
			break
		}

		signature := header[257:265]
		if string(signature) != "ustar\x0000" {
			return nil, fmt.Errorf("runners: invalid ustar header=%q; offset=%d", signature, begin)
		}

		fileSizeOctal := trimZeroes(header[124:136])

		linkIndicator := header[156]
		if linkIndicator != '0' && linkIndicator != 0 && linkIndicator != '5' {
			return nil, fmt.Errorf("runners: links are forbidden")
		}

		pathAndName := trimZeroes(header[0:100])
		pathAndNamePrefix := trimZeroes(header[345 : 345+155])

		begin += ustarBlockSize

		name := string(pathAndNamePrefix) + string(pathAndName)

		if len(name) > 0 && name[len(name)-1] == '/' {
			continue
		}

		fileSize := 0
		for _, c := range fileSizeOctal {
			if c < '0' || c > '7' {
				return nil, fmt.Errorf("runners: invalid octal ascii %d", c)
			}
			fileSize = fileSize*8 + int(c-'0')
		}

		fileContents := data[begin : begin+fileSize]

		begin += fileSize
		begin += (ustarBlockSize - (begin % ustarBlockSize)) % ustarBlockSize

		if _, dup := files[name]; dup {
			return nil, fmt.Errorf("runners: entry %s is already occupied", name)
		}
		files[name] = fileContents
	}

	return &Archive{Files: files, TotalSize: uint32(len(data))}, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// trimZeroes mirrors the original's trim_zeroes: drop a fixed-width tar
// header field's last byte (its terminator) and the NUL padding before it;
// an all-NUL field yields an empty slice.
func trimZeroes(x []byte) []byte {
	if len(x) == 0 {
		return x
	}
	idx := len(x) - 1
	for idx > 0 && x[idx-1] == 0 {
		idx--
	}
	return x[:idx]
}
