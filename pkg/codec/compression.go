package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how record values are stored
type Compression uint8

const (
	// CompressionNone stores values as given
	CompressionNone Compression = iota
	// CompressionSnappy stores values snappy-encoded
	CompressionSnappy
	// CompressionZstd stores values zstd-encoded
	CompressionZstd
)

var (
	// ErrUnknownCompression is returned for an unsupported compression flag
	ErrUnknownCompression = errors.New("unknown compression")
	// ErrInvalidCompressedData is returned when a stored value cannot be decompressed
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

// String returns the configuration name of the compression
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// compressor holds the zstd state. zstd EncodeAll/DecodeAll may be called
// concurrently, so no lock is needed around them.
type compressor struct {
	mode    Compression
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCompressor(mode Compression) (*compressor, error) {
	c := &compressor{mode: mode}

	switch mode {
	case CompressionNone, CompressionSnappy:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.encoder = enc
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCompression, mode)
	}

	// Records written under another setting must stay readable, so a zstd
	// decoder is always available.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		if c.encoder != nil {
			c.encoder.Close()
		}
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.decoder = dec

	return c, nil
}

// compress returns the stored form of value and the flag describing it.
// Values that do not shrink are stored raw.
func (c *compressor) compress(value []byte) ([]byte, uint8, error) {
	if len(value) == 0 {
		return value, uint8(CompressionNone), nil
	}

	var out []byte
	switch c.mode {
	case CompressionNone:
		return value, uint8(CompressionNone), nil
	case CompressionSnappy:
		out = snappy.Encode(nil, value)
	case CompressionZstd:
		out = c.encoder.EncodeAll(value, nil)
	default:
		return nil, 0, fmt.Errorf("%w: %v", ErrUnknownCompression, c.mode)
	}

	if len(out) >= len(value) {
		return value, uint8(CompressionNone), nil
	}
	return out, uint8(c.mode), nil
}

func (c *compressor) decompress(stored []byte, flag uint8) ([]byte, error) {
	switch Compression(flag) {
	case CompressionNone:
		return append([]byte(nil), stored...), nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		return out, nil
	case CompressionZstd:
		out, err := c.decoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: flag %d", ErrUnknownCompression, flag)
	}
}

func (c *compressor) close() error {
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
	return nil
}
