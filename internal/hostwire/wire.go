package hostwire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// frame is the shared little-endian-framing surface wrapped around a
// socket's buffered reader/writer, the Go analogue of bufreaderwriter's
// BufReaderWriterSeq.
type frame struct {
	rw *bufio.ReadWriter
}

func newFrame(rw io.ReadWriter) *frame {
	return &frame{rw: bufio.NewReadWriter(bufio.NewReader(rw), bufio.NewWriter(rw))}
}

func (f *frame) writeByte(b byte) error {
	return f.rw.WriteByte(b)
}

func (f *frame) writeAll(b []byte) error {
	_, err := f.rw.Write(b)
	return err
}

func (f *frame) writeU32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return f.writeAll(buf[:])
}

func (f *frame) writeU64(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return f.writeAll(buf[:])
}

// writeSlice writes a u32 length prefix followed by data, the wire shape
// every variable-length field uses.
func (f *frame) writeSlice(data []byte) error {
	if err := f.writeU32(uint32(len(data))); err != nil {
		return err
	}
	return f.writeAll(data)
}

func (f *frame) flush() error { return f.rw.Flush() }

func (f *frame) readExact(buf []byte) error {
	_, err := io.ReadFull(f.rw, buf)
	return err
}

func (f *frame) readByte() (byte, error) {
	return f.rw.ReadByte()
}

func (f *frame) readU32() (uint32, error) {
	var buf [4]byte
	if err := f.readExact(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (f *frame) readU64() (uint64, error) {
	var buf [8]byte
	if err := f.readExact(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// readBytes reads a u32-length-prefixed byte slice.
func (f *frame) readBytes() ([]byte, error) {
	n, err := f.readU32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := f.readExact(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readErrno reads and decodes the single-byte error code every reply leads
// with.
func (f *frame) readErrno() (Errno, error) {
	b, err := f.readByte()
	if err != nil {
		return 0, err
	}
	return errnoFromByte(b)
}

// expectOK reads the leading errno and turns anything but ErrnoOK into a Go
// error, matching handle_host_error.
func (f *frame) expectOK() error {
	e, err := f.readErrno()
	if err != nil {
		return err
	}
	if e != ErrnoOK {
		return fmt.Errorf("hostwire: host returned %s", e.StrSnakeCase())
	}
	return nil
}
