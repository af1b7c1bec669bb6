// Package calldata implements the self-describing Value universe shared by
// the guest, the host and the SDK call gateway, plus the fixed-size
// identifiers (Address, SlotID, PageID) that address contracts and storage.
package calldata

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// AddressSize is the byte length of an Address.
const AddressSize = 20

// Address is a 20-byte opaque contract/account identifier. Equality is by
// byte content, grounded on ProbeChain-go-probe's common.Address.
type Address [AddressSize]byte

// ZeroAddress is the all-zero Address.
var ZeroAddress = Address{}

// BytesToAddress left-pads or truncates b into an Address the way
// common.BytesToAddress does.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressSize {
		b = b[len(b)-AddressSize:]
	}
	copy(a[AddressSize-len(b):], b)
	return a
}

// Hex renders the address as 0x-prefixed lowercase hex.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string {
	return a.Hex()
}

// GoString makes Address print helpfully under %#v and in test failures.
func (a Address) GoString() string {
	return fmt.Sprintf("addr#%s", hex.EncodeToString(a[:]))
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalJSON renders a the same 0x-prefixed hex Hex() does, so an Address
// field round-trips through the JSON ExecutionData envelope `cmd/genvm run`
// decodes (contract/sender/origin addresses) the way it would through the
// original executor's own serde hex encoding.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Hex() + `"`), nil
}

// UnmarshalJSON accepts a 0x-prefixed (or bare) hex string of exactly
// AddressSize bytes.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = trimHexPrefix(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("calldata: invalid address %q: %w", s, err)
	}
	if len(b) != AddressSize {
		return fmt.Errorf("calldata: address %q is %d bytes, want %d", s, len(b), AddressSize)
	}
	copy(a[:], b)
	return nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
