// Package sample defines a standalone sample value type with an explicit
// gap sentinel and JSON null handling. Pages, extents and query results
// carry plain float64 values and do not use it.
package sample

import (
	"math"
	"strconv"
)

// Value is a sample value that can additionally represent a missing
// measurement. A dedicated type (rather than a pointer-to-float64)
// avoids a per-sample heap allocation.
type Value float64

// Gap is the sentinel used to mark an absent measurement. It is never
// written for a value the collector actually reported; see GLOSSARY "Gap
// marker" — missing data is always explicit, never a fabricated zero.
var Gap Value = Value(math.NaN())

func (v Value) IsGap() bool {
	return math.IsNaN(float64(v))
}

// MarshalJSON serializes a gap as `null`; UnmarshalJSON reads `null`
// back as Gap.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsGap() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(float64(v), 'g', -1, 64)), nil
}

func (v *Value) UnmarshalJSON(input []byte) error {
	if string(input) == "null" {
		*v = Gap
		return nil
	}
	f, err := strconv.ParseFloat(string(input), 64)
	if err != nil {
		return err
	}
	*v = Value(f)
	return nil
}
