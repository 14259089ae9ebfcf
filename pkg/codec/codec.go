// Package codec encodes store entries into the self-describing records that
// make up the data file.
//
// File layout:
//
//	file header:  magic "SFS1" (4) | format version (4)
//	record:       total size (4) | key len (4) | value len (4) | metadata len (4) |
//	              expiry unix nanos (8) | sequence (8) | flags (1) | reserved (3) |
//	              xxhash64 (8) | key | value | metadata | unused slot tail
//
// The checksum covers the header fields before it, total size included, and
// the key, value and metadata. A record whose key length is zero marks a free
// range of total size bytes.
// All integers are little endian.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	// FileHeaderSize is the size of the header at offset 0 of every data file
	FileHeaderSize = 8
	// FormatVersion is the current file format version
	FormatVersion = uint32(1)

	// HeaderSize is the fixed size of a record header
	HeaderSize = 44

	// FreeMarkerSize is the number of bytes needed to mark a range free
	FreeMarkerSize = 8

	// MaxRecordSize bounds a single record (total slot size is a uint32)
	MaxRecordSize = math.MaxUint32

	checksumStart = 0
	checksumEnd   = 36
)

var fileMagic = []byte("SFS1")

var (
	// ErrCorruptRecord is returned when a record's declared lengths or checksum
	// do not match the bytes available for it
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrBadFileHeader is returned when the file does not start with a valid header
	ErrBadFileHeader = errors.New("invalid data file header")
	// ErrRecordTooLarge is returned when an entry does not fit in a record
	ErrRecordTooLarge = errors.New("record too large")
	// ErrEmptyKey is returned when encoding an entry without a key
	ErrEmptyKey = errors.New("empty key")
)

// CorruptError describes a record that failed validation.
type CorruptError struct {
	Offset int64 // -1 when unknown
	Reason string
}

func (e *CorruptError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("%s: %s", ErrCorruptRecord, e.Reason)
	}
	return fmt.Sprintf("%s at offset %d: %s", ErrCorruptRecord, e.Offset, e.Reason)
}

// Is lets errors.Is(err, ErrCorruptRecord) match
func (e *CorruptError) Is(target error) bool {
	return target == ErrCorruptRecord
}

func corrupt(format string, args ...interface{}) error {
	return &CorruptError{Offset: -1, Reason: fmt.Sprintf(format, args...)}
}

// AtOffset attaches a file offset to a CorruptError. Other errors pass through.
func AtOffset(err error, off int64) error {
	var ce *CorruptError
	if errors.As(err, &ce) {
		return &CorruptError{Offset: off, Reason: ce.Reason}
	}
	return err
}

// Entry is the logical content of a record.
type Entry struct {
	Key      []byte
	Value    []byte
	Metadata []byte
	// Expiry is a unix time in nanoseconds, 0 for entries that never expire
	Expiry int64
	// Seq orders writes of the same key; higher wins
	Seq uint64
}

// Header is the decoded fixed part of a record.
type Header struct {
	TotalSize   uint32
	KeyLen      uint32
	ValueLen    uint32
	MetadataLen uint32
	Expiry      int64
	Seq         uint64
	Flags       uint8
	Checksum    uint64
}

// IsFree reports whether the header marks a free range
func (h Header) IsFree() bool {
	return h.KeyLen == 0
}

// Used returns the number of bytes of the slot occupied by the record
func (h Header) Used() uint64 {
	return HeaderSize + uint64(h.KeyLen) + uint64(h.ValueLen) + uint64(h.MetadataLen)
}

// Expired reports whether the record has expired at now (unix nanos)
func (h Header) Expired(now int64) bool {
	return h.Expiry > 0 && h.Expiry <= now
}

// DecodeHeader parses the fixed record header. Free markers only carry the
// first FreeMarkerSize bytes, so a buffer of that size is enough for them.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < FreeMarkerSize {
		return Header{}, corrupt("header truncated to %d bytes", len(buf))
	}

	h := Header{
		TotalSize: binary.LittleEndian.Uint32(buf[0:4]),
		KeyLen:    binary.LittleEndian.Uint32(buf[4:8]),
	}
	if h.IsFree() {
		if h.TotalSize < FreeMarkerSize {
			return h, corrupt("free range of %d bytes is smaller than its marker", h.TotalSize)
		}
		return h, nil
	}

	if len(buf) < HeaderSize {
		return Header{}, corrupt("header truncated to %d bytes", len(buf))
	}
	h.ValueLen = binary.LittleEndian.Uint32(buf[8:12])
	h.MetadataLen = binary.LittleEndian.Uint32(buf[12:16])
	h.Expiry = int64(binary.LittleEndian.Uint64(buf[16:24]))
	h.Seq = binary.LittleEndian.Uint64(buf[24:32])
	h.Flags = buf[32]
	h.Checksum = binary.LittleEndian.Uint64(buf[36:44])

	if h.Used() > uint64(h.TotalSize) {
		return h, corrupt("declared lengths need %d bytes but slot holds %d", h.Used(), h.TotalSize)
	}
	return h, nil
}

// FreeMarker returns the bytes that mark a range of size bytes as free.
func FreeMarker(size uint32) []byte {
	buf := make([]byte, FreeMarkerSize)
	binary.LittleEndian.PutUint32(buf[0:4], size)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	return buf
}

// EncodeFileHeader returns the header written at offset 0 of a data file
func EncodeFileHeader() []byte {
	buf := make([]byte, FileHeaderSize)
	copy(buf[0:4], fileMagic)
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	return buf
}

// CheckFileHeader validates the data file header
func CheckFileHeader(buf []byte) error {
	if len(buf) < FileHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrBadFileHeader, len(buf))
	}
	if !bytes.Equal(buf[0:4], fileMagic) {
		return fmt.Errorf("%w: magic %q", ErrBadFileHeader, buf[0:4])
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadFileHeader, v)
	}
	return nil
}

// Codec turns entries into records and back, applying the configured value
// compression. A Codec is safe for concurrent use.
type Codec struct {
	compression Compression
	compressor  *compressor
}

// New creates a codec using the given value compression
func New(compression Compression) (*Codec, error) {
	comp, err := newCompressor(compression)
	if err != nil {
		return nil, err
	}
	return &Codec{compression: compression, compressor: comp}, nil
}

// Close releases compression resources
func (c *Codec) Close() error {
	return c.compressor.close()
}

// Record is an entry ready to be written. Its value is already in stored
// (possibly compressed) form, so Len is exact.
type Record struct {
	key      []byte
	value    []byte
	metadata []byte
	expiry   int64
	seq      uint64
	flags    uint8
}

// Len returns the number of bytes the record occupies, header included
func (r *Record) Len() uint32 {
	return uint32(HeaderSize + len(r.key) + len(r.value) + len(r.metadata))
}

// Key returns the record key
func (r *Record) Key() []byte {
	return r.key
}

// Expiry returns the record expiry in unix nanos
func (r *Record) Expiry() int64 {
	return r.expiry
}

// Prepare validates and compresses an entry into a Record
func (c *Codec) Prepare(e Entry) (*Record, error) {
	if len(e.Key) == 0 {
		return nil, ErrEmptyKey
	}

	value, flags, err := c.compressor.compress(e.Value)
	if err != nil {
		return nil, err
	}

	size := uint64(HeaderSize) + uint64(len(e.Key)) + uint64(len(value)) + uint64(len(e.Metadata))
	if size > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}

	return &Record{
		key:      e.Key,
		value:    value,
		metadata: e.Metadata,
		expiry:   e.Expiry,
		seq:      e.Seq,
		flags:    flags,
	}, nil
}

// AppendTo appends the encoded record to dst and returns the extended slice.
// slotSize is recorded as the total size so that a scan can step over any
// unused tail of the slot; it must be at least r.Len().
func (r *Record) AppendTo(dst []byte, slotSize uint32) []byte {
	if slotSize < r.Len() {
		panic(fmt.Sprintf("codec: slot of %d bytes cannot hold record of %d", slotSize, r.Len()))
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	hdr := dst[start : start+HeaderSize]

	binary.LittleEndian.PutUint32(hdr[0:4], slotSize)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(r.key)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(r.value)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(r.metadata)))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(r.expiry))
	binary.LittleEndian.PutUint64(hdr[24:32], r.seq)
	hdr[32] = r.flags

	dst = append(dst, r.key...)
	dst = append(dst, r.value...)
	dst = append(dst, r.metadata...)

	sum := checksum(dst[start+checksumStart:start+checksumEnd], r.key, r.value, r.metadata)
	binary.LittleEndian.PutUint64(dst[start+36:start+44], sum)
	return dst
}

// Encode prepares and encodes e into a slot of exactly its own length
func (c *Codec) Encode(e Entry) ([]byte, error) {
	r, err := c.Prepare(e)
	if err != nil {
		return nil, err
	}
	return r.AppendTo(make([]byte, 0, r.Len()), r.Len()), nil
}

func checksum(hdr, key, value, metadata []byte) uint64 {
	d := xxhash.New()
	d.Write(hdr)
	d.Write(key)
	d.Write(value)
	d.Write(metadata)
	return d.Sum64()
}

// Verify checks a live record held in buf (at least Header.Used() bytes) and
// returns its header and a view of its key, without decompressing the value.
func Verify(buf []byte) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return h, nil, err
	}
	if h.IsFree() {
		return h, nil, corrupt("range is marked free")
	}
	if uint64(len(buf)) < h.Used() {
		return h, nil, corrupt("record needs %d bytes, have %d", h.Used(), len(buf))
	}

	keyEnd := HeaderSize + int(h.KeyLen)
	valEnd := keyEnd + int(h.ValueLen)
	metaEnd := valEnd + int(h.MetadataLen)

	sum := checksum(buf[checksumStart:checksumEnd], buf[HeaderSize:keyEnd], buf[keyEnd:valEnd], buf[valEnd:metaEnd])
	if sum != h.Checksum {
		return h, nil, corrupt("checksum mismatch: stored %x, computed %x", h.Checksum, sum)
	}
	return h, buf[HeaderSize:keyEnd], nil
}

// Decode verifies the record in buf and returns a copy of its entry.
// When withValue is false the value is neither copied nor decompressed;
// likewise for withMetadata.
func (c *Codec) Decode(buf []byte, withValue, withMetadata bool) (Entry, error) {
	h, key, err := Verify(buf)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Key:    append([]byte(nil), key...),
		Expiry: h.Expiry,
		Seq:    h.Seq,
	}

	valStart := HeaderSize + int(h.KeyLen)
	metaStart := valStart + int(h.ValueLen)

	if withValue {
		e.Value, err = c.compressor.decompress(buf[valStart:metaStart], h.Flags)
		if err != nil {
			return Entry{}, err
		}
	}
	if withMetadata && h.MetadataLen > 0 {
		e.Metadata = append([]byte(nil), buf[metaStart:metaStart+int(h.MetadataLen)]...)
	}
	return e, nil
}
