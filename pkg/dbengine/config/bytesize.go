package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// byte-size prefixes, adapted down from a general physical-unit prefix
// table to just the binary prefixes the engine's size fields need
// (disk quotas, cache sizes).
const (
	byteBase = 1
	kibi     = 1024 * byteBase
	mebi     = 1024 * kibi
	gibi     = 1024 * mebi
	tebi     = 1024 * gibi
)

var byteSizeRegex = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([kKmMgGtT]?i?[bB]?)$`)

// ParseByteSize parses strings like "256 MiB", "1GiB", "4096" (bytes) into
// a byte count. Used for `tier[i].disk_quota_bytes` and
// `cache.*.size_bytes` when given as human-readable config values.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty byte size")
	}
	m := byteSizeRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("config: invalid byte size %q", s)
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid byte size %q: %w", s, err)
	}
	var mult float64 = byteBase
	switch strings.TrimSuffix(strings.ToLower(m[2]), "b") {
	case "", "i":
		mult = byteBase
	case "k", "ki":
		mult = kibi
	case "m", "mi":
		mult = mebi
	case "g", "gi":
		mult = gibi
	case "t", "ti":
		mult = tebi
	default:
		return 0, fmt.Errorf("config: unknown byte size unit in %q", s)
	}
	return int64(val * mult), nil
}

// FormatByteSize renders a byte count the way log lines and statistics
// want it reported, e.g. for quota-exceeded messages.
func FormatByteSize(n int64) string {
	f := float64(n)
	switch {
	case f >= tebi:
		return fmt.Sprintf("%.2fTiB", f/tebi)
	case f >= gibi:
		return fmt.Sprintf("%.2fGiB", f/gibi)
	case f >= mebi:
		return fmt.Sprintf("%.2fMiB", f/mebi)
	case f >= kibi:
		return fmt.Sprintf("%.2fKiB", f/kibi)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
