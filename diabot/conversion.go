package diabot

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// MgdlPerMmol is the conversion factor between mmol/L and mg/dL
// for blood glucose (the molar mass of glucose is ~180.182 g/mol).
const MgdlPerMmol = 18.0182

var (
	// ErrInvalidArgument indicates a caller-provided value was rejected
	// (bad unit, malformed number, wrong argument count, ...)
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAmbiguousConversion indicates a single converted value was
	// requested from a conversion whose input unit couldn't be determined
	ErrAmbiguousConversion = errors.New("ambiguous conversion")
)

// GlucoseUnit identifies a blood glucose measurement unit.
type GlucoseUnit string

const (
	UnitMmol GlucoseUnit = "mmol/L"
	UnitMgdl GlucoseUnit = "mg/dL"

	// UnitAmbiguous marks a value that could plausibly be either unit
	UnitAmbiguous GlucoseUnit = "ambiguous"
)

// ParseGlucoseUnit normalizes common spellings of the two units.
func ParseGlucoseUnit(s string) (GlucoseUnit, error) {
	switch s {
	case "mmol/L", "mmol/l", "mmol", "mmoll":
		return UnitMmol, nil
	case "mg/dL", "mg/dl", "mgdl", "mg":
		return UnitMgdl, nil
	}
	return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidArgument, s)
}

// roundTo rounds half away from zero to the given number of decimal places.
// Applying it to an already-rounded value is a no-op.
func roundTo(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}

// ConversionResult is an immutable blood glucose conversion. The original
// value is kept at one decimal place, the mmol/L value at one decimal
// place, and the mg/dL value as a whole number.
//
// When the input unit couldn't be inferred, the result carries both
// interpretations: Mmol is the original read as mg/dL, and Mgdl is the
// original read as mmol/L.
type ConversionResult struct {
	original  float64
	mmol      float64
	mgdl      float64
	inputUnit GlucoseUnit
}

// NewConversionResult builds a result from an already-converted pair,
// where unit is the unit of the original value. The converted value is
// interpreted as the opposite unit.
func NewConversionResult(
	original float64,
	converted float64,
	unit GlucoseUnit,
) (ConversionResult, error) {
	switch unit {
	case UnitMmol:
		return ConversionResult{
			original:  roundTo(original, 1),
			mmol:      roundTo(original, 1),
			mgdl:      math.Round(converted),
			inputUnit: UnitMmol,
		}, nil
	case UnitMgdl:
		return ConversionResult{
			original:  roundTo(original, 1),
			mmol:      roundTo(converted, 1),
			mgdl:      math.Round(original),
			inputUnit: UnitMgdl,
		}, nil
	}
	return ConversionResult{}, fmt.Errorf(
		"%w: explicit conversion requires %q or %q, got %q",
		ErrInvalidArgument, UnitMmol, UnitMgdl, unit,
	)
}

// NewAmbiguousConversionResult builds a result carrying both
// interpretations of a value whose unit couldn't be determined.
func NewAmbiguousConversionResult(
	original float64,
	mmol float64,
	mgdl float64,
) ConversionResult {
	return ConversionResult{
		original:  roundTo(original, 1),
		mmol:      roundTo(mmol, 1),
		mgdl:      math.Round(mgdl),
		inputUnit: UnitAmbiguous,
	}
}

// Original returns the input value, rounded to one decimal place.
func (r ConversionResult) Original() float64 {
	return r.original
}

// InputUnit returns the unit the original value was interpreted as.
func (r ConversionResult) InputUnit() GlucoseUnit {
	return r.inputUnit
}

// Mmol returns the mmol/L value carried by the result.
func (r ConversionResult) Mmol() float64 {
	return r.mmol
}

// Mgdl returns the mg/dL value carried by the result.
func (r ConversionResult) Mgdl() float64 {
	return r.mgdl
}

// Ambiguous reports whether the input unit couldn't be determined.
func (r ConversionResult) Ambiguous() bool {
	return r.inputUnit == UnitAmbiguous
}

// Converted returns the single converted value - the mg/dL value for
// mmol/L input, and vice versa. Returns ErrAmbiguousConversion when the
// input unit couldn't be determined, since there's no single answer.
func (r ConversionResult) Converted() (float64, error) {
	switch r.inputUnit {
	case UnitMmol:
		return r.mgdl, nil
	case UnitMgdl:
		return r.mmol, nil
	}
	return 0, fmt.Errorf(
		"%w: %.1f could be either unit", ErrAmbiguousConversion, r.original,
	)
}

// Equal reports whether both results carry the same original value,
// converted values, and input unit.
func (r ConversionResult) Equal(other ConversionResult) bool {
	return r.original == other.original &&
		r.mmol == other.mmol &&
		r.mgdl == other.mgdl &&
		r.inputUnit == other.inputUnit
}

func (r ConversionResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("original", r.original),
		slog.Float64("mmol", r.mmol),
		slog.Float64("mgdl", r.mgdl),
		slog.String("input_unit", string(r.inputUnit)),
	)
}

// inferUnit guesses the unit of a bare blood glucose value. Values below
// 25 are plainly mmol/L, values above 50 plainly mg/dL. The band between
// is ambiguous - a BG of 40 mg/dL and 40 mmol/L are both (barely)
// survivable readings.
func inferUnit(value float64) GlucoseUnit {
	switch {
	case value < 25:
		return UnitMmol
	case value > 50:
		return UnitMgdl
	default:
		return UnitAmbiguous
	}
}

// Convert converts a blood glucose value to the opposite unit. Pass
// UnitAmbiguous (or the zero value) to infer the unit from the value's
// magnitude; values in the ambiguous band produce a result carrying both
// interpretations.
func Convert(value float64, unit GlucoseUnit) (ConversionResult, error) {
	if value < 0 {
		return ConversionResult{}, fmt.Errorf(
			"%w: blood glucose can't be negative (got %v)",
			ErrInvalidArgument, value,
		)
	}
	if unit == "" || unit == UnitAmbiguous {
		unit = inferUnit(value)
	}
	switch unit {
	case UnitMmol:
		return NewConversionResult(value, value*MgdlPerMmol, UnitMmol)
	case UnitMgdl:
		return NewConversionResult(value, value/MgdlPerMmol, UnitMgdl)
	}
	return NewAmbiguousConversionResult(
		value,
		value/MgdlPerMmol,
		value*MgdlPerMmol,
	), nil
}

// EstimateA1c estimates HbA1c from an average blood glucose value, using
// the ADAG regression (eAG mg/dL = 28.7 x A1c - 46.7). Returned as a
// percentage rounded to one decimal place.
func EstimateA1c(average float64, unit GlucoseUnit) (float64, error) {
	r, err := Convert(average, unit)
	if err != nil {
		return 0, err
	}
	if r.Ambiguous() {
		return 0, fmt.Errorf(
			"%w: can't estimate A1c from %.1f without a unit",
			ErrAmbiguousConversion, average,
		)
	}
	return roundTo((r.Mgdl()+46.7)/28.7, 1), nil
}
