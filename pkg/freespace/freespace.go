// Package freespace tracks the unoccupied byte ranges of the data file and
// its logical end.
//
// Ranges are held in two B-trees: one ordered by (size, offset) for best-fit
// allocation and one ordered by offset for coalescing and tail trimming.
// Every operation takes the index mutex for a short, bounded step.
package freespace

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"
)

const (
	// DefaultMinRemainder is the smallest split-off remainder worth tracking
	DefaultMinRemainder = 64
	// DefaultFragmentationFactor allows a split when the request uses at most
	// this share of the candidate range
	DefaultFragmentationFactor = 0.75

	// scanBudget bounds how many non-adjacent ranges one coalesce step walks
	scanBudget = 256
	degree     = 32
)

var (
	// ErrOverlap is returned when a released range overlaps a tracked one
	ErrOverlap = errors.New("free range overlaps existing range")
	// ErrOutOfBounds is returned when a released range lies outside the file
	ErrOutOfBounds = errors.New("free range outside file bounds")
)

// Range is a contiguous span of the file.
type Range struct {
	Offset int64
	Size   uint32
}

// End returns the offset just past the range
func (r Range) End() int64 {
	return r.Offset + int64(r.Size)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

func lessBySize(a, b Range) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Offset < b.Offset
}

func lessByOffset(a, b Range) bool {
	return a.Offset < b.Offset
}

// Options configures an Index
type Options struct {
	// Start is the lowest offset records may use (the file header size)
	Start int64
	// End is the initial logical end of file; values below Start are raised to it
	End int64
	// MinRemainder is the smallest remainder a split may leave behind
	MinRemainder uint32
	// FragmentationFactor is in (0,1]; a request of size n splits a candidate
	// of size c only when n <= c*FragmentationFactor
	FragmentationFactor float64
}

// Allocation is the result of Allocate.
type Allocation struct {
	// Range is the slot handed to the caller
	Range Range
	// Remainder is the split-off tail of the candidate, or a zero Range.
	// It is not tracked by the index until the caller has marked it free
	// on disk and passed it to Release.
	Remainder Range
}

// Index is the free space registry. It is safe for concurrent use.
type Index struct {
	mu       sync.Mutex
	bySize   *btree.BTreeG[Range]
	byOffset *btree.BTreeG[Range]

	start     int64
	end       int64
	freeBytes int64

	minRemainder  uint32
	fragmentation float64
}

// New creates an empty index
func New(opts Options) *Index {
	if opts.MinRemainder == 0 {
		opts.MinRemainder = DefaultMinRemainder
	}
	if opts.FragmentationFactor <= 0 || opts.FragmentationFactor > 1 {
		opts.FragmentationFactor = DefaultFragmentationFactor
	}
	if opts.End < opts.Start {
		opts.End = opts.Start
	}

	return &Index{
		bySize:        btree.NewG(degree, lessBySize),
		byOffset:      btree.NewG(degree, lessByOffset),
		start:         opts.Start,
		end:           opts.End,
		minRemainder:  opts.MinRemainder,
		fragmentation: opts.FragmentationFactor,
	}
}

// MinRemainder returns the smallest span worth tracking as a free range
func (ix *Index) MinRemainder() uint32 {
	return ix.minRemainder
}

// Allocate removes and returns the smallest free range of at least minSize
// bytes. It returns false when no range is large enough and the caller
// should Append instead.
func (ix *Index) Allocate(minSize uint32) (Allocation, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var (
		candidate Range
		found     bool
	)
	ix.bySize.AscendGreaterOrEqual(Range{Size: minSize, Offset: math.MinInt64}, func(r Range) bool {
		candidate = r
		found = true
		return false
	})
	if !found {
		return Allocation{}, false
	}
	ix.remove(candidate)

	rest := candidate.Size - minSize
	if float64(minSize) <= float64(candidate.Size)*ix.fragmentation && rest >= ix.minRemainder {
		return Allocation{
			Range:     Range{Offset: candidate.Offset, Size: minSize},
			Remainder: Range{Offset: candidate.Offset + int64(minSize), Size: rest},
		}, true
	}
	return Allocation{Range: candidate}, true
}

// Append reserves size bytes at the logical end of file and advances it.
// The reservation is visible through End before the caller writes the bytes.
func (ix *Index) Append(size uint32) Range {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	r := Range{Offset: ix.end, Size: size}
	ix.end += int64(size)
	return r
}

// Release makes r available for allocation. Adjacent ranges are not merged;
// that is left to Coalesce.
func (ix *Index) Release(r Range) error {
	if r.Size == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if r.Offset < ix.start || r.End() > ix.end {
		return fmt.Errorf("%w: %s with file [%d,%d)", ErrOutOfBounds, r, ix.start, ix.end)
	}
	if prev, ok := ix.floor(r.Offset); ok && prev.End() > r.Offset {
		return fmt.Errorf("%w: %s overlaps %s", ErrOverlap, r, prev)
	}
	if next, ok := ix.ceil(r.Offset); ok && next.Offset < r.End() {
		return fmt.Errorf("%w: %s overlaps %s", ErrOverlap, r, next)
	}

	ix.insert(r)
	return nil
}

// MarkFunc writes an on-disk free marker covering r. It is called with the
// index lock held and must not call back into the index.
type MarkFunc func(r Range) error

// Coalesce merges byte-adjacent free ranges in offset order. Each merge is
// its own critical section: the merged marker is written with mark and the
// trees are updated only if that succeeds. It returns the number of merges
// performed and stops early when ctx is done.
func (ix *Index) Coalesce(ctx context.Context, mark MarkFunc) (int, error) {
	merges := 0
	cursor := int64(math.MinInt64)

	for {
		if err := ctx.Err(); err != nil {
			return merges, err
		}

		next, merged, done, err := ix.coalesceStep(cursor, mark)
		if err != nil {
			return merges, err
		}
		if merged {
			merges++
		}
		if done {
			return merges, nil
		}
		cursor = next
	}
}

// coalesceStep walks from cursor until it performs one merge, exhausts its
// scan budget or runs out of ranges.
func (ix *Index) coalesceStep(cursor int64, mark MarkFunc) (next int64, merged, done bool, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var (
		prev    Range
		hasPrev bool
		pair    [2]Range
		found   bool
		walked  int
	)
	next = cursor
	ix.byOffset.AscendGreaterOrEqual(Range{Offset: cursor}, func(r Range) bool {
		if hasPrev && prev.End() == r.Offset && uint64(prev.Size)+uint64(r.Size) <= math.MaxUint32 {
			pair = [2]Range{prev, r}
			found = true
			return false
		}
		prev, hasPrev = r, true
		next = r.Offset
		walked++
		return walked < scanBudget
	})

	if !found {
		return next, false, walked < scanBudget, nil
	}

	joined := Range{Offset: pair[0].Offset, Size: pair[0].Size + pair[1].Size}
	if err := mark(joined); err != nil {
		return cursor, false, true, err
	}
	ix.remove(pair[0])
	ix.remove(pair[1])
	ix.insert(joined)

	// the joined range may touch the one after it
	return joined.Offset, true, false, nil
}

// TruncateFunc shrinks the physical file to size bytes.
type TruncateFunc func(size int64) error

// TrimTail drops free ranges that end at the logical end of file. The
// physical truncate runs first; the logical end is lowered only once it
// succeeded, so the physical length never exceeds End. It returns the
// number of bytes released.
func (ix *Index) TrimTail(truncate TruncateFunc) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	newEnd := ix.end
	var tail []Range
	ix.byOffset.Descend(func(r Range) bool {
		if r.End() != newEnd {
			return false
		}
		tail = append(tail, r)
		newEnd = r.Offset
		return true
	})
	if len(tail) == 0 {
		return 0, nil
	}

	if err := truncate(newEnd); err != nil {
		return 0, err
	}
	for _, r := range tail {
		ix.remove(r)
	}
	trimmed := ix.end - newEnd
	ix.end = newEnd
	return trimmed, nil
}

// Reset forgets every range and moves the logical end back to the start.
// truncate runs before the logical reset; on failure nothing changes.
func (ix *Index) Reset(truncate TruncateFunc) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if truncate != nil {
		if err := truncate(ix.start); err != nil {
			return err
		}
	}
	ix.bySize.Clear(false)
	ix.byOffset.Clear(false)
	ix.end = ix.start
	ix.freeBytes = 0
	return nil
}

// End returns the logical end of file
func (ix *Index) End() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.end
}

// Len returns the number of tracked free ranges
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.byOffset.Len()
}

// FreeBytes returns the total size of tracked free ranges
func (ix *Index) FreeBytes() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.freeBytes
}

// Ranges returns the tracked ranges in offset order
func (ix *Index) Ranges() []Range {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := make([]Range, 0, ix.byOffset.Len())
	ix.byOffset.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (ix *Index) insert(r Range) {
	ix.bySize.ReplaceOrInsert(r)
	ix.byOffset.ReplaceOrInsert(r)
	ix.freeBytes += int64(r.Size)
}

func (ix *Index) remove(r Range) {
	ix.bySize.Delete(r)
	ix.byOffset.Delete(r)
	ix.freeBytes -= int64(r.Size)
}

// floor returns the range with the greatest offset <= off
func (ix *Index) floor(off int64) (Range, bool) {
	var out Range
	found := false
	ix.byOffset.DescendLessOrEqual(Range{Offset: off}, func(r Range) bool {
		out, found = r, true
		return false
	})
	return out, found
}

// ceil returns the range with the smallest offset >= off
func (ix *Index) ceil(off int64) (Range, bool) {
	var out Range
	found := false
	ix.byOffset.AscendGreaterOrEqual(Range{Offset: off}, func(r Range) bool {
		out, found = r, true
		return false
	})
	return out, found
}
