package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum value size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller values.
	CompressionThreshold = 2048

	// MaxValueSize is the maximum allowed uncompressed value size.
	MaxValueSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB
)

// Encoding markers prefixed to stored values.
const (
	encodingIdentity byte = 0x00
	encodingZstd     byte = 0x01
)

var (
	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("value exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed value exceeds maximum size")

	// ErrCorruptValue is returned when a stored value cannot be decoded.
	ErrCorruptValue = errors.New("corrupt cached value")
)

// Codec encodes cached values with optional zstd compression.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses data if beneficial and prefixes an encoding marker.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) > MaxValueSize {
		return nil, ErrValueTooLarge
	}

	if len(data) < CompressionThreshold {
		return prefixed(encodingIdentity, data), nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return prefixed(encodingIdentity, data), nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return prefixed(encodingIdentity, data), nil
	}

	return prefixed(encodingZstd, compressed), nil
}

// Decode reverses Encode, decompressing when the marker requires it.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCorruptValue
	}

	marker, payload := data[0], data[1:]
	switch marker {
	case encodingIdentity:
		return payload, nil
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(payload, make([]byte, 0, len(payload)*2))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptValue, err)
		}
		if len(decompressed) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding marker 0x%02x", ErrCorruptValue, marker)
	}
}

func prefixed(marker byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, marker)
	return append(out, data...)
}
