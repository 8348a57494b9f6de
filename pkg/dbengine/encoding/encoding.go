// Package encoding implements the two page payload encodings named by
// spec §3/§6: a fixed-width raw32 array and a Gorilla-style
// XOR-compressed stream. Both satisfy the same capability set
// (spec §9 "define an encoding capability set... make encoding a tagged
// variant") so the hot path can switch on dbengine/core.Encoding instead
// of paying for an interface vtable per sample.
package encoding

import (
	"fmt"
	"math"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// Appender is the capability set every page payload encoder implements:
// append_sample, read_sample_at, finalise, uncompressed_size (spec §9).
type Appender interface {
	Append(value float64) error
	ReadAt(i int) (float64, bool)
	Count() int
	Finalise() []byte
	UncompressedSize() int
}

// New returns a fresh, empty Appender for enc with room for capacity
// samples.
func New(enc core.Encoding, capacity int) (Appender, error) {
	switch enc {
	case core.EncodingRaw32:
		return newRaw32(capacity), nil
	case core.EncodingGorilla32:
		return newGorilla32(capacity), nil
	default:
		return nil, fmt.Errorf("encoding: unknown encoding %v", enc)
	}
}

// Decode parses a finalised payload of the given encoding and sample
// count back into an Appender positioned for reads (Count()==n).
func Decode(enc core.Encoding, payload []byte, n int) (Appender, error) {
	switch enc {
	case core.EncodingRaw32:
		return decodeRaw32(payload, n)
	case core.EncodingGorilla32:
		return decodeGorilla32(payload, n)
	default:
		return nil, fmt.Errorf("encoding: unknown encoding %v", enc)
	}
}

func float32Bits(f float64) uint32 {
	return math.Float32bits(float32(f))
}

func float32FromBits(b uint32) float64 {
	return float64(math.Float32frombits(b))
}
