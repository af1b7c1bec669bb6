package calldata

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// SlotSize is the byte length of a SlotID.
const SlotSize = 32

// SlotID is a 32-byte opaque storage-slot identifier.
type SlotID [SlotSize]byte

// ZeroSlot is the reserved root slot every contract's reserved areas hang off.
var ZeroSlot = SlotID{}

// Reserved child offsets off of SlotID::ZERO.
const (
	CodeSlotOffset         uint32 = 1
	LockedSlotsSlotOffset  uint32 = 2
	UpgradersSlotOffset    uint32 = 3
)

// Indirection derives a child SlotID as SHA3-256(slot ‖ LE32(off)).
func Indirection(slot SlotID, off uint32) SlotID {
	h := sha3.New256()
	h.Write(slot[:])
	var off4 [4]byte
	binary.LittleEndian.PutUint32(off4[:], off)
	h.Write(off4[:])

	var out SlotID
	copy(out[:], h.Sum(nil))
	return out
}

// Hex renders the slot as 0x-prefixed lowercase hex.
func (s SlotID) Hex() string {
	return "0x" + hex.EncodeToString(s[:])
}

func (s SlotID) String() string { return s.Hex() }

// PageSize is the byte width of one storage page.
const PageSize = 32

// PageID addresses one 32-byte-aligned page of a slot's storage.
type PageID struct {
	Slot  SlotID
	Index uint32
}

// PageIDBytesLen is the length of PageID.Bytes(): 32 (slot) + 4 (LE index).
const PageIDBytesLen = SlotSize + 4

// Bytes encodes the PageID as the 36-byte key used in Delta entries:
// slot bytes followed by the little-endian page index.
func (p PageID) Bytes() [PageIDBytesLen]byte {
	var out [PageIDBytesLen]byte
	copy(out[:SlotSize], p.Slot[:])
	binary.LittleEndian.PutUint32(out[SlotSize:], p.Index)
	return out
}

// Less orders PageIDs slot-major, index-minor — the iteration order
// make_delta() coalescing depends on.
func (p PageID) Less(other PageID) bool {
	if p.Slot != other.Slot {
		for i := range p.Slot {
			if p.Slot[i] != other.Slot[i] {
				return p.Slot[i] < other.Slot[i]
			}
		}
	}
	return p.Index < other.Index
}
