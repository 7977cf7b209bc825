package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// DefaultCompressionThreshold is the minimum value size, in bytes, that
// is considered for compression.
const DefaultCompressionThreshold = 1024

// minCompressionGain is the fraction by which compression must shrink a
// value to be worth the decompression cost on every hit.
const minCompressionGain = 0.20

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// maybeCompress compresses value when it is at least threshold bytes and
// compression shrinks it by minCompressionGain or more. It returns the
// stored bytes and whether they are compressed.
func maybeCompress(value []byte, threshold int) ([]byte, bool) {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	if len(value) < threshold {
		return value, false
	}

	compressed := zstdEncoder.EncodeAll(value, make([]byte, 0, len(value)))
	if float64(len(compressed)) > float64(len(value))*(1-minCompressionGain) {
		return value, false
	}
	return compressed, true
}

// decompress restores a compressed value.
func decompress(stored []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to decompress entry: %w", err)
	}
	return out, nil
}
