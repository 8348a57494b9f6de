package core

import "fmt"

// Fingerprint globally identifies one metric (host, context, instance,
// dimension) across all tiers. It is opaque to the engine beyond being
// hashable and orderable.
type Fingerprint uint64

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// TierID indexes into the tier hierarchy. Tier 0 is raw; tiers 1..N are
// progressively coarser rollups of tier 0.
type TierID uint8

// Encoding tags how a page's payload is laid out on disk and in memory.
// It is a closed set by design (spec §9 "dynamic dispatch on page
// encoding" becomes a tagged variant, not an interface hierarchy) so the
// hot ingest/query paths can switch on it directly instead of paying for
// a vtable indirection per sample.
type Encoding uint8

const (
	EncodingRaw32    Encoding = iota // fixed-width 32-bit float array
	EncodingGorilla32               // Gorilla-compressed XOR stream of 32-bit floats
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw32:
		return "raw32"
	case EncodingGorilla32:
		return "gorilla32"
	default:
		return "unknown"
	}
}

// ParseEncoding maps a tier's configured page_type to its Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "raw32":
		return EncodingRaw32, nil
	case "gorilla32":
		return EncodingGorilla32, nil
	default:
		return EncodingRaw32, fmt.Errorf("dbengine: unknown page_type %q", s)
	}
}

// CompressionAlgo selects the extent-level compressor (spec §6,
// `compression.algo`).
type CompressionAlgo uint8

const (
	CompressionNone CompressionAlgo = iota
	CompressionLZ4                  // mapped onto golang/snappy, see DESIGN.md
	CompressionZSTD
)

func ParseCompressionAlgo(s string) (CompressionAlgo, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("dbengine: unknown compression algo %q", s)
	}
}

// FlushMode selects how Engine.Flush treats HOT pages (spec §4.1
// "flush_dirty_only").
type FlushMode uint8

const (
	FlushAll FlushMode = iota
	FlushDirtyOnly
)
