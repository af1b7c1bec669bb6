package calldata

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Kind discriminates the tagged sum making up the Value universe.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindAddress
	KindBytes
	KindStr
	KindBigInt
	KindArray
	KindMap
)

// Map is the calldata map representation: keys are always strings.
// Iteration for encoding/printing is always in
// lexicographic key order.
type Map map[string]Value

// Value is one node of the self-describing calldata universe:
// {Null, Bool, Address, Bytes, Str, BigInt, Array<Value>, Map<Str, Value>}.
type Value struct {
	kind  Kind
	b     bool
	addr  Address
	bytes []byte
	str   string
	num   *big.Int
	arr   []Value
	mp    Map
}

// Null is the singleton null Value.
var Null = Value{kind: KindNull}

func NewBool(v bool) Value       { return Value{kind: KindBool, b: v} }
func NewAddress(a Address) Value { return Value{kind: KindAddress, addr: a} }
func NewBytes(b []byte) Value    { return Value{kind: KindBytes, bytes: append([]byte(nil), b...)} }
func NewStr(s string) Value      { return Value{kind: KindStr, str: s} }
func NewBigInt(n *big.Int) Value { return Value{kind: KindBigInt, num: new(big.Int).Set(n)} }
func NewInt64(n int64) Value     { return NewBigInt(big.NewInt(n)) }
func NewArray(v []Value) Value   { return Value{kind: KindArray, arr: v} }
func NewMap(m Map) Value         { return Value{kind: KindMap, mp: m} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsAddress() (Address, bool) { return v.addr, v.kind == KindAddress }
func (v Value) AsBytes() ([]byte, bool)    { return v.bytes, v.kind == KindBytes }
func (v Value) AsStr() (string, bool)      { return v.str, v.kind == KindStr }
func (v Value) AsBigInt() (*big.Int, bool) { return v.num, v.kind == KindBigInt }
func (v Value) AsArray() ([]Value, bool)   { return v.arr, v.kind == KindArray }
func (v Value) AsMap() (Map, bool)         { return v.mp, v.kind == KindMap }

func (v Value) IsNull() bool { return v.kind == KindNull }

// sortedKeys returns the Map's keys, lexicographically ordered.
func (m Map) sortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders a Value for debug/log output, using the same sentinel
// prefixes the original Rust Debug impl and the JSON-logging format use for
// non-JSON-native types: $Address(hex) and $Bytes(hex).
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindAddress:
		return fmt.Sprintf("$Address(%s)", v.addr.Hex())
	case KindBytes:
		return fmt.Sprintf("$Bytes(%x)", v.bytes)
	case KindStr:
		return fmt.Sprintf("%q", v.str)
	case KindBigInt:
		return v.num.String()
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindMap:
		keys := v.mp.sortedKeys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%q:%s", k, v.mp[k].String())
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return "<invalid>"
	}
}

// Equal performs a structural, order-insensitive-for-maps comparison.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindAddress:
		return a.addr == b.addr
	case KindBytes:
		return string(a.bytes) == string(b.bytes)
	case KindStr:
		return a.str == b.str
	case KindBigInt:
		return a.num.Cmp(b.num) == 0
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.mp) != len(b.mp) {
			return false
		}
		for k, av := range a.mp {
			bv, ok := b.mp[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
