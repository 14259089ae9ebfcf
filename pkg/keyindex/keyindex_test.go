package keyindex

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestPutGetRemove(t *testing.T) {
	ix := New(4)

	if _, ok := ix.Get([]byte("missing")); ok {
		t.Error("expected missing key to be absent")
	}

	l1 := NewLocation(8, 100, 90, 0, 1)
	if _, replaced := ix.Put([]byte("a"), l1); replaced {
		t.Error("expected first Put not to replace anything")
	}

	l2 := NewLocation(108, 100, 95, 0, 2)
	old, replaced := ix.Put([]byte("a"), l2)
	if !replaced || old != l1 {
		t.Errorf("expected Put to return the previous location")
	}

	got, ok := ix.Get([]byte("a"))
	if !ok || got != l2 {
		t.Errorf("expected latest location, got %+v", got)
	}

	removed, ok := ix.Remove([]byte("a"))
	if !ok || removed != l2 {
		t.Errorf("expected Remove to return the live location")
	}
	if _, ok := ix.Remove([]byte("a")); ok {
		t.Error("expected second Remove to report absence")
	}
	if ix.Len() != 0 {
		t.Errorf("expected empty index, got %d", ix.Len())
	}
}

func TestRemoveIf(t *testing.T) {
	ix := New(1)
	l1 := NewLocation(8, 64, 64, 0, 1)
	l2 := NewLocation(72, 64, 64, 0, 2)
	ix.Put([]byte("k"), l1)
	ix.Put([]byte("k"), l2)

	if ix.RemoveIf([]byte("k"), l1) {
		t.Error("RemoveIf must not drop a key that moved")
	}
	if !ix.RemoveIf([]byte("k"), l2) {
		t.Error("RemoveIf should drop the key at its current location")
	}
}

func TestShardCountRoundsUp(t *testing.T) {
	ix := New(5)
	if len(ix.shards) != 8 {
		t.Errorf("expected 8 shards, got %d", len(ix.shards))
	}
	if len(New(0).shards) != DefaultShards {
		t.Errorf("expected default shard count")
	}
}

func TestKeysAndClear(t *testing.T) {
	ix := New(8)
	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%03d", i)
		want = append(want, k)
		ix.Put([]byte(k), NewLocation(int64(i*64), 64, 64, 0, uint64(i)))
	}

	keys := ix.Keys()
	got := make([]string, 0, len(keys))
	for _, k := range keys {
		got = append(got, string(k))
	}
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("key %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	visited := 0
	ix.Range(func(string, *Location) bool {
		visited++
		return visited < 10
	})
	if visited != 10 {
		t.Errorf("expected Range to stop after 10 keys, visited %d", visited)
	}

	dropped := ix.Clear()
	if len(dropped) != 100 || ix.Len() != 0 {
		t.Errorf("expected 100 dropped and empty index, got %d and %d", len(dropped), ix.Len())
	}
}

func TestLocationFreedBlocksReaders(t *testing.T) {
	loc := NewLocation(8, 64, 64, 0, 1)

	if !loc.AcquireRead() {
		t.Fatal("expected live location to be readable")
	}

	locked := make(chan struct{})
	go func() {
		loc.Lock()
		loc.MarkFreed()
		loc.Unlock()
		close(locked)
	}()

	select {
	case <-locked:
		t.Fatal("writer must wait for the pinned reader")
	case <-time.After(50 * time.Millisecond):
	}

	loc.ReleaseRead()
	<-locked

	if loc.AcquireRead() {
		t.Error("expected freed location to refuse readers")
	}
}

func TestLocationTryAcquireRead(t *testing.T) {
	loc := NewLocation(8, 64, 64, 0, 1)

	if !loc.TryAcquireRead() {
		t.Fatal("expected idle location to be readable")
	}
	loc.ReleaseRead()

	loc.Lock()
	if loc.TryAcquireRead() {
		t.Error("expected TryAcquireRead to fail while locked")
	}
	loc.MarkFreed()
	loc.Unlock()

	if loc.TryAcquireRead() {
		t.Error("expected freed location to refuse readers")
	}
}

func TestLocationExpired(t *testing.T) {
	if NewLocation(0, 0, 0, 0, 0).Expired(time.Now().UnixNano()) {
		t.Error("zero expiry must never expire")
	}
	if !NewLocation(0, 0, 0, 100, 0).Expired(100) {
		t.Error("expected expiry at its deadline")
	}
	if NewLocation(0, 0, 0, 100, 0).Expired(99) {
		t.Error("expected no expiry before its deadline")
	}
}

func TestConcurrentAccess(t *testing.T) {
	ix := New(16)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := []byte(fmt.Sprintf("w%d-%d", w, i%50))
				ix.Put(k, NewLocation(int64(i), 64, 64, 0, uint64(i)))
				ix.Get(k)
				if i%3 == 0 {
					ix.Remove(k)
				}
			}
		}(w)
	}
	wg.Wait()

	if ix.Len() > 8*50 {
		t.Errorf("index holds more keys than were written: %d", ix.Len())
	}
}
