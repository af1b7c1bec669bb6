package calldata

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Decoder reads calldata Values out of a byte buffer sequentially, the Go
// analogue of wazero's own use of a cursor-based reader in its binary
// parsers (internal/leb128, internal/wasm/binary).
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

// Remaining reports how many bytes are left unconsumed.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("calldata: decode: truncated buffer, need %d have %d", n, len(d.buf)-d.pos)
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *Decoder) readU32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Decode reads one Value (and its full transitive contents) from the
// decoder's cursor.
func (d *Decoder) Decode() (Value, error) {
	tagB, err := d.take(1)
	if err != nil {
		return Value{}, err
	}
	switch Kind(tagB[0]) {
	case tagNull:
		return Null, nil
	case tagBool:
		b, err := d.take(1)
		if err != nil {
			return Value{}, err
		}
		return NewBool(b[0] != 0), nil
	case tagAddress:
		b, err := d.take(AddressSize)
		if err != nil {
			return Value{}, err
		}
		var a Address
		copy(a[:], b)
		return NewAddress(a), nil
	case tagBytes:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(int(n))
		if err != nil {
			return Value{}, err
		}
		return NewBytes(b), nil
	case tagStr:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(int(n))
		if err != nil {
			return Value{}, err
		}
		return NewStr(string(b)), nil
	case tagBigIntPos, tagBigIntNeg:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(int(n))
		if err != nil {
			return Value{}, err
		}
		num := new(big.Int).SetBytes(b)
		if Kind(tagB[0]) == tagBigIntNeg {
			num.Neg(num)
		}
		return NewBigInt(num), nil
	case tagArray:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		arr := make([]Value, n)
		for i := range arr {
			arr[i], err = d.Decode()
			if err != nil {
				return Value{}, err
			}
		}
		return NewArray(arr), nil
	case tagMap:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		mp := make(Map, n)
		for i := uint32(0); i < n; i++ {
			klen, err := d.readU32()
			if err != nil {
				return Value{}, err
			}
			kb, err := d.take(int(klen))
			if err != nil {
				return Value{}, err
			}
			key := string(kb)
			val, err := d.Decode()
			if err != nil {
				return Value{}, err
			}
			if _, dup := mp[key]; dup {
				return Value{}, fmt.Errorf("calldata: decode: duplicate map key %q", key)
			}
			mp[key] = val
		}
		return NewMap(mp), nil
	default:
		return Value{}, fmt.Errorf("calldata: decode: unknown tag %d", tagB[0])
	}
}

// Unmarshal decodes exactly one Value from buf, requiring the whole buffer
// to be consumed.
func Unmarshal(buf []byte) (Value, error) {
	d := NewDecoder(buf)
	v, err := d.Decode()
	if err != nil {
		return Value{}, err
	}
	if d.Remaining() != 0 {
		return Value{}, fmt.Errorf("calldata: decode: %d trailing bytes", d.Remaining())
	}
	return v, nil
}

// Marshal is a convenience wrapper around Encode for a single top-level Value.
func Marshal(v Value) []byte {
	return Encode(nil, v)
}
