package freespace

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newIndex(end int64) *Index {
	return New(Options{Start: 8, End: end, MinRemainder: 16, FragmentationFactor: 0.75})
}

func mustRelease(t *testing.T, ix *Index, r Range) {
	t.Helper()
	if err := ix.Release(r); err != nil {
		t.Fatalf("Release(%s) failed: %v", r, err)
	}
}

func TestAllocateBestFit(t *testing.T) {
	ix := newIndex(1000)
	mustRelease(t, ix, Range{Offset: 8, Size: 200})
	mustRelease(t, ix, Range{Offset: 300, Size: 60})
	mustRelease(t, ix, Range{Offset: 500, Size: 100})

	a, ok := ix.Allocate(55)
	if !ok {
		t.Fatal("expected an allocation")
	}
	if a.Range != (Range{Offset: 300, Size: 60}) {
		t.Errorf("expected smallest fitting range [300,360), got %s", a.Range)
	}
	if a.Remainder.Size != 0 {
		t.Errorf("expected no split for a near-full fit, got remainder %s", a.Remainder)
	}

	if _, ok := ix.Allocate(500); ok {
		t.Error("expected no range large enough for 500 bytes")
	}
}

func TestAllocateSplits(t *testing.T) {
	ix := newIndex(1000)
	mustRelease(t, ix, Range{Offset: 100, Size: 400})

	a, ok := ix.Allocate(100)
	if !ok {
		t.Fatal("expected an allocation")
	}
	if a.Range != (Range{Offset: 100, Size: 100}) {
		t.Errorf("unexpected slot %s", a.Range)
	}
	if a.Remainder != (Range{Offset: 200, Size: 300}) {
		t.Errorf("unexpected remainder %s", a.Remainder)
	}

	// the remainder is held back until the caller releases it
	if ix.Len() != 0 {
		t.Errorf("expected remainder to be untracked, index has %d ranges", ix.Len())
	}
	mustRelease(t, ix, a.Remainder)
	if ix.FreeBytes() != 300 {
		t.Errorf("expected 300 free bytes, got %d", ix.FreeBytes())
	}
}

func TestAllocateSplitThresholds(t *testing.T) {
	tests := []struct {
		name      string
		candidate uint32
		request   uint32
		split     bool
	}{
		{"small request splits", 400, 100, true},
		{"request above factor takes whole range", 400, 350, false},
		{"remainder below minimum takes whole range", 60, 45, false},
		{"exact fit", 64, 64, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ix := newIndex(10000)
			mustRelease(t, ix, Range{Offset: 8, Size: tc.candidate})
			a, ok := ix.Allocate(tc.request)
			if !ok {
				t.Fatal("expected an allocation")
			}
			gotSplit := a.Remainder.Size > 0
			if gotSplit != tc.split {
				t.Errorf("split = %v, want %v (slot %s remainder %s)", gotSplit, tc.split, a.Range, a.Remainder)
			}
			if !tc.split && a.Range.Size != tc.candidate {
				t.Errorf("expected whole range of %d, got %d", tc.candidate, a.Range.Size)
			}
		})
	}
}

func TestAppendAdvancesEnd(t *testing.T) {
	ix := newIndex(0)
	if ix.End() != 8 {
		t.Fatalf("expected end raised to start 8, got %d", ix.End())
	}

	r1 := ix.Append(100)
	r2 := ix.Append(50)
	if r1.Offset != 8 || r2.Offset != 108 {
		t.Errorf("unexpected append offsets %d, %d", r1.Offset, r2.Offset)
	}
	if ix.End() != 158 {
		t.Errorf("expected end 158, got %d", ix.End())
	}
}

func TestReleaseRejectsOverlap(t *testing.T) {
	ix := newIndex(1000)
	mustRelease(t, ix, Range{Offset: 100, Size: 100})

	for _, r := range []Range{
		{Offset: 150, Size: 100},
		{Offset: 50, Size: 60},
		{Offset: 100, Size: 10},
		{Offset: 120, Size: 10},
	} {
		if err := ix.Release(r); !errors.Is(err, ErrOverlap) {
			t.Errorf("Release(%s): expected ErrOverlap, got %v", r, err)
		}
	}

	// adjacency is not overlap
	mustRelease(t, ix, Range{Offset: 200, Size: 50})
	mustRelease(t, ix, Range{Offset: 50, Size: 50})

	if err := ix.Release(Range{Offset: 990, Size: 20}); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds past end, got %v", err)
	}
	if err := ix.Release(Range{Offset: 0, Size: 8}); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds inside header, got %v", err)
	}
}

func TestCoalesce(t *testing.T) {
	ix := newIndex(1000)
	mustRelease(t, ix, Range{Offset: 100, Size: 50})
	mustRelease(t, ix, Range{Offset: 150, Size: 50})
	mustRelease(t, ix, Range{Offset: 200, Size: 100})
	mustRelease(t, ix, Range{Offset: 400, Size: 10})
	mustRelease(t, ix, Range{Offset: 500, Size: 20})
	mustRelease(t, ix, Range{Offset: 520, Size: 30})

	var marks []Range
	merges, err := ix.Coalesce(context.Background(), func(r Range) error {
		marks = append(marks, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Coalesce failed: %v", err)
	}
	if merges != 3 {
		t.Errorf("expected 3 merges, got %d", merges)
	}

	want := []Range{{100, 200}, {400, 10}, {500, 50}}
	got := ix.Ranges()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if marks[len(marks)-1] != (Range{500, 50}) {
		t.Errorf("expected last marker for [500,550), got %s", marks[len(marks)-1])
	}
	if ix.FreeBytes() != 260 {
		t.Errorf("expected 260 free bytes, got %d", ix.FreeBytes())
	}
}

func TestCoalesceMarkFailureKeepsRanges(t *testing.T) {
	ix := newIndex(1000)
	mustRelease(t, ix, Range{Offset: 100, Size: 50})
	mustRelease(t, ix, Range{Offset: 150, Size: 50})

	boom := errors.New("disk gone")
	merges, err := ix.Coalesce(context.Background(), func(Range) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected mark error, got %v", err)
	}
	if merges != 0 || ix.Len() != 2 {
		t.Errorf("expected ranges untouched, got %d merges and %d ranges", merges, ix.Len())
	}
}

func TestCoalesceStopsOnCancel(t *testing.T) {
	ix := newIndex(1000)
	mustRelease(t, ix, Range{Offset: 100, Size: 50})
	mustRelease(t, ix, Range{Offset: 150, Size: 50})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ix.Coalesce(ctx, func(Range) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if ix.Len() != 2 {
		t.Errorf("expected no merges after cancel, got %d ranges", ix.Len())
	}
}

func TestCoalesceManyRanges(t *testing.T) {
	ix := newIndex(100000)
	// every other slot is free, so nothing is adjacent except the final run
	for off := int64(8); off < 8+int64(scanBudget*3)*20; off += 20 {
		mustRelease(t, ix, Range{Offset: off, Size: 10})
	}
	last := ix.Ranges()[ix.Len()-1]
	mustRelease(t, ix, Range{Offset: last.End(), Size: 10})

	merges, err := ix.Coalesce(context.Background(), func(Range) error { return nil })
	if err != nil {
		t.Fatalf("Coalesce failed: %v", err)
	}
	if merges != 1 {
		t.Errorf("expected a single merge beyond the scan budget, got %d", merges)
	}
}

func TestTrimTail(t *testing.T) {
	ix := newIndex(1000)
	mustRelease(t, ix, Range{Offset: 500, Size: 200})
	mustRelease(t, ix, Range{Offset: 700, Size: 300})
	mustRelease(t, ix, Range{Offset: 100, Size: 100})

	var truncatedTo int64 = -1
	trimmed, err := ix.TrimTail(func(size int64) error {
		truncatedTo = size
		return nil
	})
	if err != nil {
		t.Fatalf("TrimTail failed: %v", err)
	}
	if trimmed != 500 || truncatedTo != 500 || ix.End() != 500 {
		t.Errorf("expected trim of 500 to end 500, got trimmed=%d truncate=%d end=%d", trimmed, truncatedTo, ix.End())
	}
	if ix.Len() != 1 {
		t.Errorf("expected the interior range to remain, got %v", ix.Ranges())
	}

	// nothing at the tail now
	trimmed, err = ix.TrimTail(func(int64) error {
		t.Error("truncate should not be called")
		return nil
	})
	if err != nil || trimmed != 0 {
		t.Errorf("expected no-op trim, got %d, %v", trimmed, err)
	}
}

func TestTrimTailFailureKeepsEnd(t *testing.T) {
	ix := newIndex(1000)
	mustRelease(t, ix, Range{Offset: 900, Size: 100})

	boom := errors.New("truncate failed")
	if _, err := ix.TrimTail(func(int64) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected truncate error, got %v", err)
	}
	if ix.End() != 1000 || ix.Len() != 1 {
		t.Errorf("expected state unchanged, end=%d ranges=%d", ix.End(), ix.Len())
	}
}

func TestReset(t *testing.T) {
	ix := newIndex(1000)
	mustRelease(t, ix, Range{Offset: 100, Size: 100})

	var order []string
	err := ix.Reset(func(size int64) error {
		order = append(order, "truncate")
		if ix.end != 1000 {
			t.Errorf("logical end changed before physical truncate")
		}
		if size != 8 {
			t.Errorf("expected truncate to header size 8, got %d", size)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if len(order) != 1 || ix.End() != 8 || ix.Len() != 0 || ix.FreeBytes() != 0 {
		t.Errorf("unexpected state after reset: end=%d ranges=%d free=%d", ix.End(), ix.Len(), ix.FreeBytes())
	}
}

func TestConcurrentAllocateRelease(t *testing.T) {
	ix := newIndex(8)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				size := uint32(32 + i%64)
				a, ok := ix.Allocate(size)
				if !ok {
					a.Range = ix.Append(size)
				}
				if a.Remainder.Size > 0 {
					if err := ix.Release(a.Remainder); err != nil {
						t.Errorf("Release remainder: %v", err)
						return
					}
				}
				if err := ix.Release(a.Range); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// every range handed out came back, so free space covers the file
	if _, err := ix.Coalesce(context.Background(), func(Range) error { return nil }); err != nil {
		t.Fatalf("Coalesce failed: %v", err)
	}
	if got, want := ix.FreeBytes(), ix.End()-8; got != want {
		t.Errorf("expected free bytes %d to cover the file, got %d", want, got)
	}
}
