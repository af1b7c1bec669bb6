package calldata

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Wire tags for the self-describing binary encoding. One byte per variant,
// recognized by a checked switch rather than reflection. The original Rust
// implementation rode on an internal bincode-via-serde scheme never
// exposed as a stable wire contract; this repo defines its own explicit
// tagging instead (see DESIGN.md).
const (
	tagNull Kind = iota
	tagBool
	tagAddress
	tagBytes
	tagStr
	tagBigIntPos
	tagBigIntNeg
	tagArray
	tagMap
)

// Encode appends the binary calldata encoding of v to dst and returns the
// extended slice.
func Encode(dst []byte, v Value) []byte {
	switch v.kind {
	case KindNull:
		return append(dst, byte(tagNull))
	case KindBool:
		if v.b {
			return append(dst, byte(tagBool), 1)
		}
		return append(dst, byte(tagBool), 0)
	case KindAddress:
		dst = append(dst, byte(tagAddress))
		return append(dst, v.addr[:]...)
	case KindBytes:
		dst = append(dst, byte(tagBytes))
		dst = appendU32(dst, uint32(len(v.bytes)))
		return append(dst, v.bytes...)
	case KindStr:
		dst = append(dst, byte(tagStr))
		b := []byte(v.str)
		dst = appendU32(dst, uint32(len(b)))
		return append(dst, b...)
	case KindBigInt:
		tag := byte(tagBigIntPos)
		abs := v.num
		if v.num.Sign() < 0 {
			tag = byte(tagBigIntNeg)
			abs = new(big.Int).Neg(v.num)
		}
		dst = append(dst, tag)
		b := abs.Bytes() // big-endian magnitude
		dst = appendU32(dst, uint32(len(b)))
		return append(dst, b...)
	case KindArray:
		dst = append(dst, byte(tagArray))
		dst = appendU32(dst, uint32(len(v.arr)))
		for _, e := range v.arr {
			dst = Encode(dst, e)
		}
		return dst
	case KindMap:
		dst = append(dst, byte(tagMap))
		keys := v.mp.sortedKeys()
		dst = appendU32(dst, uint32(len(keys)))
		for _, k := range keys {
			b := []byte(k)
			dst = appendU32(dst, uint32(len(b)))
			dst = append(dst, b...)
			dst = Encode(dst, v.mp[k])
		}
		return dst
	default:
		panic(fmt.Sprintf("calldata: encode: invalid Value kind %d", v.kind))
	}
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}
