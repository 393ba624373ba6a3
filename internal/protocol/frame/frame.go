package frame

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	FieldType      = "type"
	FieldCommandID = "command_id"
	FieldTimestamp = "timestamp"
	FieldData      = "data"
	FieldStatus    = "status"
	FieldMessage   = "message"

	TypePing = "ping"

	// Wildcard subscribes to every frame type on an endpoint.
	Wildcard = "*"
)

var (
	ErrMalformedFrame = errors.New("frame: malformed frame")
	ErrFrameTooLarge  = errors.New("frame: frame too large")
	ErrUnknownCodec   = errors.New("frame: unknown codec")
)

// Frame is one self-describing wire record. Every frame carries a string
// "type"; commands and their replies also carry "command_id".
type Frame map[string]any

// Limits constrains decode memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 128 * 1024}
}

func New(typ string) Frame {
	return Frame{FieldType: typ}
}

// Ping builds the keepalive frame stamped with unix seconds.
func Ping(now time.Time) Frame {
	return Frame{FieldType: TypePing, FieldTimestamp: UnixSeconds(now)}
}

func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func (f Frame) Type() string {
	s, _ := f[FieldType].(string)
	return s
}

// Validate reports ErrMalformedFrame when the mandatory type is missing.
func (f Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: empty record", ErrMalformedFrame)
	}
	raw, ok := f[FieldType]
	if !ok {
		return fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return fmt.Errorf("%w: type must be a non-empty string", ErrMalformedFrame)
	}
	return nil
}

// CorrelationID returns the command_id when it is a non-negative integer.
func (f Frame) CorrelationID() (uint64, bool) {
	raw, ok := f[FieldCommandID]
	if !ok {
		return 0, false
	}
	if s, ok := raw.(string); ok {
		id, err := strconv.ParseUint(s, 10, 64)
		return id, err == nil
	}
	v, ok := toFloat(raw)
	if !ok || v < 0 || v != math.Trunc(v) {
		return 0, false
	}
	return uint64(v), true
}

func (f Frame) WithCorrelationID(id uint64) Frame {
	f[FieldCommandID] = id
	return f
}

func (f Frame) Timestamp() (float64, bool) {
	return f.Number(FieldTimestamp)
}

func (f Frame) Number(key string) (float64, bool) {
	raw, ok := f[key]
	if !ok {
		return 0, false
	}
	return toFloat(raw)
}

func (f Frame) String(key string) (string, bool) {
	s, ok := f[key].(string)
	return s, ok
}

// Object returns a nested record. Codecs differ in the map type they
// produce for nested objects, so both shapes are accepted.
func (f Frame) Object(key string) (Frame, bool) {
	switch v := f[key].(type) {
	case Frame:
		return v, true
	case map[string]any:
		return Frame(v), true
	default:
		return nil, false
	}
}

// Numbers returns a numeric array. Non-numeric members fail the lookup.
func (f Frame) Numbers(key string) ([]float64, bool) {
	switch v := f[key].(type) {
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			n, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	case []float64:
		return append([]float64(nil), v...), true
	default:
		return nil, false
	}
}

// Clone copies the top level; nested values are shared.
func (f Frame) Clone() Frame {
	out := make(Frame, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
