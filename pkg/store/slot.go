package store

import (
	"github.com/KevoDB/spillstore/pkg/freespace"
	"github.com/KevoDB/spillstore/pkg/keyindex"
)

type slotKind int

const (
	// slotReuse overwrites the key's current slot in place
	slotReuse slotKind = iota
	// slotAllocate takes a range from the free space index
	slotAllocate
	// slotAppend reserves a new range at the end of the file
	slotAppend
)

func (k slotKind) String() string {
	switch k {
	case slotReuse:
		return "reuse"
	case slotAllocate:
		return "allocate"
	case slotAppend:
		return "append"
	default:
		return "unknown"
	}
}

// slot is where a write will land.
type slot struct {
	kind slotKind
	// rng is the whole slot the record is written to
	rng freespace.Range
	// remainder is an unused tail split off rng. It must be marked free on
	// disk and released once the record is written.
	remainder freespace.Range
}

// allocator is the part of the free space index a write draws from
type allocator interface {
	Allocate(minSize uint32) (freespace.Allocation, bool)
	Append(size uint32) freespace.Range
	MinRemainder() uint32
}

// chooseSlot decides where a record of required bytes goes. cur is the key's
// current location, or nil. The caller must hold the key's stripe lock.
func chooseSlot(required uint32, cur *keyindex.Location, alloc allocator) slot {
	if cur != nil && cur.Size >= required {
		s := slot{
			kind: slotReuse,
			rng:  freespace.Range{Offset: cur.Offset, Size: cur.Size},
		}
		if tail := cur.Size - required; tail >= alloc.MinRemainder() {
			s.rng.Size = required
			s.remainder = freespace.Range{Offset: cur.Offset + int64(required), Size: tail}
		}
		return s
	}

	if a, ok := alloc.Allocate(required); ok {
		return slot{kind: slotAllocate, rng: a.Range, remainder: a.Remainder}
	}

	return slot{kind: slotAppend, rng: alloc.Append(required)}
}
