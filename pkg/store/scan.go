package store

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/KevoDB/spillstore/pkg/bytefile"
	"github.com/KevoDB/spillstore/pkg/codec"
	"github.com/KevoDB/spillstore/pkg/common/log"
	"github.com/KevoDB/spillstore/pkg/freespace"
	"github.com/KevoDB/spillstore/pkg/keyindex"
	"github.com/KevoDB/spillstore/pkg/stats"
)

// ScanOptions configures Scan
type ScanOptions struct {
	// Now is the reference time for expiry; zero means time.Now()
	Now time.Time
	// Logger receives a warning per skipped record
	Logger log.Logger
	// Shards is the key index shard count
	Shards int
	// Free configures the free space index. Start and End are set by Scan.
	Free freespace.Options
}

// ScanResult is the state rebuilt from a data file.
type ScanResult struct {
	Keys *keyindex.Index
	Free *freespace.Index

	// End is the offset just past the last readable record. Bytes beyond it
	// belong to a torn or corrupt tail and should be truncated.
	End int64

	// MaxSeq is the highest sequence number found
	MaxSeq uint64

	// Reclaimed lists ranges Scan put in the free index although they still
	// hold record bytes: older duplicates, expired entries and corrupt
	// records. They need an on-disk free marker before the file is reused.
	Reclaimed []freespace.Range

	Stats stats.ScanResult
}

// Scan rebuilds the key and free space indexes from the records in file.
// It only reads. A record that fails validation is skipped: its size field
// is not trusted, so Scan resumes at the next intact live record and
// reclaims the bytes in between. When no intact record follows, the rest of
// the file is treated as a torn tail.
func Scan(file bytefile.File, opts ScanOptions) (*ScanResult, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDiscardLogger()
	}
	now := opts.Now.UnixNano()

	length, err := file.Length()
	if err != nil {
		return nil, err
	}

	header := make([]byte, codec.FileHeaderSize)
	if length < codec.FileHeaderSize {
		return nil, fmt.Errorf("%w: file is %d bytes", codec.ErrBadFileHeader, length)
	}
	if err := file.ReadAt(header, 0); err != nil {
		return nil, err
	}
	if err := codec.CheckFileHeader(header); err != nil {
		return nil, err
	}

	res := &ScanResult{
		Keys: keyindex.New(opts.Shards),
		End:  length,
	}
	var free []freespace.Range
	reclaim := func(r freespace.Range) {
		free = append(free, r)
		res.Reclaimed = append(res.Reclaimed, r)
	}

	hdr := make([]byte, codec.HeaderSize)
	var buf []byte

	off := int64(codec.FileHeaderSize)
	for off < length {
		remaining := length - off
		n := min(int64(codec.HeaderSize), remaining)
		if n < codec.FreeMarkerSize {
			opts.Logger.Warn("Dropping %d trailing bytes at offset %d", remaining, off)
			res.End = off
			break
		}
		if err := file.ReadAt(hdr[:n], off); err != nil {
			return nil, err
		}

		var key []byte
		h, verr := codec.DecodeHeader(hdr[:n])
		if verr == nil && int64(h.TotalSize) > remaining {
			verr = fmt.Errorf("%w: record declares %d bytes with %d remaining", codec.ErrCorruptRecord, h.TotalSize, remaining)
		}
		if verr == nil && !h.IsFree() {
			used := int(h.Used())
			if cap(buf) < used {
				buf = make([]byte, used)
			}
			buf = buf[:used]
			if err := file.ReadAt(buf, off); err != nil {
				return nil, err
			}
			h, key, verr = codec.Verify(buf)
		}

		if verr != nil {
			next, err := nextRecord(file, off+codec.FreeMarkerSize, length)
			if err != nil {
				return nil, err
			}
			if next < 0 {
				opts.Logger.Warn("Dropping %d bytes from offset %d: %v", remaining, off, verr)
				res.End = off
				break
			}
			opts.Logger.Warn("Skipping %d bytes: %v", next-off, codec.AtOffset(verr, off))
			res.Stats.Corrupt++
			for _, r := range spanRanges(off, next) {
				reclaim(r)
			}
			off = next
			continue
		}

		rng := freespace.Range{Offset: off, Size: h.TotalSize}
		off += int64(h.TotalSize)

		if h.IsFree() {
			res.Stats.FreeRanges++
			free = append(free, rng)
			continue
		}

		if h.Seq > res.MaxSeq {
			res.MaxSeq = h.Seq
		}
		if h.Expired(now) {
			res.Stats.Expired++
			reclaim(rng)
			continue
		}

		loc := keyindex.NewLocation(rng.Offset, h.TotalSize, uint32(h.Used()), h.Expiry, h.Seq)
		if prev, ok := res.Keys.Get(key); ok {
			res.Stats.Duplicates++
			if prev.Seq > h.Seq {
				reclaim(rng)
				continue
			}
			reclaim(freespace.Range{Offset: prev.Offset, Size: prev.Size})
		}
		res.Keys.Put(append([]byte(nil), key...), loc)
	}

	res.Stats.TruncatedBytes = uint64(length - res.End)
	res.Stats.Entries = uint64(res.Keys.Len())

	fopts := opts.Free
	fopts.Start = codec.FileHeaderSize
	fopts.End = res.End
	res.Free = freespace.New(fopts)
	for _, r := range free {
		if err := res.Free.Release(r); err != nil {
			return nil, fmt.Errorf("failed to rebuild free space: %w", err)
		}
	}

	return res, nil
}

// resyncWindow is how much of the file nextRecord reads at a time
const resyncWindow = 64 << 10

// nextRecord returns the offset of the first intact live record at or after
// from, or -1 if there is none. Free markers carry no checksum and are never
// taken as a place to resume.
func nextRecord(file bytefile.File, from, length int64) (int64, error) {
	window := make([]byte, resyncWindow+codec.HeaderSize)
	var rec []byte

	for base := from; base+codec.HeaderSize <= length; base += resyncWindow {
		w := window[:min(int64(len(window)), length-base)]
		if err := file.ReadAt(w, base); err != nil {
			return -1, err
		}

		for i := 0; i < resyncWindow && i+codec.HeaderSize <= len(w); i++ {
			h, err := codec.DecodeHeader(w[i : i+codec.HeaderSize])
			if err != nil || h.IsFree() {
				continue
			}
			at := base + int64(i)
			if int64(h.TotalSize) > length-at {
				continue
			}

			used := int(h.Used())
			if cap(rec) < used {
				rec = make([]byte, used)
			}
			rec = rec[:used]
			if err := file.ReadAt(rec, at); err != nil {
				return -1, err
			}
			if _, _, err := codec.Verify(rec); err == nil {
				return at, nil
			}
		}
	}
	return -1, nil
}

// maxSpan is the largest range a single free marker can describe
const maxSpan = math.MaxUint32 - codec.FreeMarkerSize

// spanRanges splits [from, to) into ranges a free marker can describe. Each
// piece is at least FreeMarkerSize bytes when to-from is.
func spanRanges(from, to int64) []freespace.Range {
	var out []freespace.Range
	for to-from > maxSpan {
		size := int64(maxSpan)
		if to-from-size < codec.FreeMarkerSize {
			size -= codec.FreeMarkerSize
		}
		out = append(out, freespace.Range{Offset: from, Size: uint32(size)})
		from += size
	}
	return append(out, freespace.Range{Offset: from, Size: uint32(to - from)})
}

// isCorrupt reports whether err comes from record validation rather than I/O
func isCorrupt(err error) bool {
	return errors.Is(err, codec.ErrCorruptRecord)
}
