package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Protocol constants for the AIS-140 text framing
const (
	// Frame markers
	StartMarker    = '$'
	EndMarker      = '*'
	FieldSeparator = ","

	// MinFields is the smallest field count a frame may carry and still be decoded.
	// The message tag always lives within this prefix.
	MinFields = 10

	// Message tags
	TagPosition = "PVT"
	TagLogin    = "LGN"

	// Hemisphere markers that flip the coordinate sign
	HemisphereSouth = "S"
	HemisphereWest  = "W"
)

var (
	// ErrMalformedFrame is returned for frames not bounded by the start and end markers.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrIncompleteFrame is returned for frames with fewer than MinFields fields.
	ErrIncompleteFrame = errors.New("incomplete frame")

	// ErrBufferOverflow is returned by the Framer when a partial frame outgrows its cap.
	ErrBufferOverflow = errors.New("frame buffer overflow")
)

// RawFrame is one complete frame including both markers
type RawFrame []byte

// String returns the frame as text
func (f RawFrame) String() string {
	return string(f)
}

// Tokenize validates a raw frame and splits its interior into fields
func Tokenize(frame RawFrame) ([]string, error) {
	if len(frame) < 2 || frame[0] != StartMarker || frame[len(frame)-1] != EndMarker {
		return nil, fmt.Errorf("%w: %q", ErrMalformedFrame, truncate(frame, 64))
	}

	content := string(frame[1 : len(frame)-1])
	fields := strings.Split(content, FieldSeparator)

	if len(fields) < MinFields {
		return nil, fmt.Errorf("%w: got %d fields, need at least %d", ErrIncompleteFrame, len(fields), MinFields)
	}

	return fields, nil
}

// truncate shortens frame text for error messages
func truncate(frame RawFrame, limit int) string {
	if len(frame) <= limit {
		return string(frame)
	}
	return string(frame[:limit]) + "..."
}

// Float is a numeric field that carries an explicit validity flag.
// Valid is false when the field was missing or failed to parse.
type Float struct {
	Value float64
	Valid bool
}

// Int is the integer counterpart of Float
type Int struct {
	Value int
	Valid bool
}

// ParseFloat parses a decimal field, yielding the invalid sentinel on failure
func ParseFloat(s string) Float {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Float{}
	}
	return Float{Value: v, Valid: true}
}

// ParseInt parses a base-10 integer field, yielding the invalid sentinel on failure
func ParseInt(s string) Int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return Int{}
	}
	return Int{Value: v, Valid: true}
}

// Neg returns the value with its sign flipped, keeping validity
func (f Float) Neg() Float {
	if !f.Valid {
		return f
	}
	return Float{Value: -f.Value, Valid: true}
}

// MarshalJSON renders invalid values as null
func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f.Value, 'f', -1, 64), nil
}

// UnmarshalJSON accepts a number or null
func (f *Float) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = Float{}
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid float %s: %w", data, err)
	}
	*f = Float{Value: v, Valid: true}
	return nil
}

// MarshalJSON renders invalid values as null
func (i Int) MarshalJSON() ([]byte, error) {
	if !i.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, int64(i.Value), 10), nil
}

// UnmarshalJSON accepts a number or null
func (i *Int) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*i = Int{}
		return nil
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid int %s: %w", data, err)
	}
	*i = Int{Value: v, Valid: true}
	return nil
}

// String returns a human-readable representation of the value
func (f Float) String() string {
	if !f.Valid {
		return "NaN"
	}
	return strconv.FormatFloat(f.Value, 'f', -1, 64)
}

// String returns a human-readable representation of the value
func (i Int) String() string {
	if !i.Valid {
		return "NaN"
	}
	return strconv.Itoa(i.Value)
}
