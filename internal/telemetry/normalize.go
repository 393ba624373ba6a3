package telemetry

import (
	"strconv"

	"github.com/danmuck/fleetlink/internal/protocol/frame"
)

type Kind string

const (
	KindEncoder Kind = "encoder"
	KindIMU     Kind = "imu"
)

func ParseKind(raw string) (Kind, bool) {
	switch Kind(raw) {
	case KindEncoder, KindIMU:
		return Kind(raw), true
	default:
		return "", false
	}
}

// Inbound frame types carrying sensor readings. Robots send encoder and
// bno055 natively; bridges and older firmware send the flattened forms.
const (
	TypeEncoder     = "encoder"
	TypeEncoderData = "encoder_data"
	TypeBNO055      = "bno055"
	TypeIMU         = "imu"
	TypeIMUData     = "imu_data"
)

// FrameTypes lists every frame type the coalescer consumes.
var FrameTypes = []string{TypeEncoder, TypeEncoderData, TypeBNO055, TypeIMU, TypeIMUData}

// Channel names of normalized samples.
const (
	FieldRPM1  = "rpm_1"
	FieldRPM2  = "rpm_2"
	FieldRPM3  = "rpm_3"
	FieldRoll  = "roll"
	FieldPitch = "pitch"
	FieldYaw   = "yaw"
	FieldQuatW = "quat_w"
	FieldQuatX = "quat_x"
	FieldQuatY = "quat_y"
	FieldQuatZ = "quat_z"
)

var (
	rpmFields   = []string{FieldRPM1, FieldRPM2, FieldRPM3}
	eulerFields = []string{FieldRoll, FieldPitch, FieldYaw}
	quatFields  = []string{FieldQuatW, FieldQuatX, FieldQuatY, FieldQuatZ}
)

// reading is a normalized frame before it is keyed.
type reading struct {
	kind    Kind
	time    float64
	hasTime bool
	fields  map[string]float64
}

// normalize maps a sensor frame onto a stream kind and channel set. Frames
// without any recognized channel are rejected.
func normalize(f frame.Frame) (reading, bool) {
	var r reading
	switch f.Type() {
	case TypeEncoder, TypeEncoderData:
		r = reading{kind: KindEncoder, fields: encoderFields(f)}
	case TypeBNO055, TypeIMU, TypeIMUData:
		r = reading{kind: KindIMU, fields: imuFields(f)}
	default:
		return reading{}, false
	}
	if len(r.fields) == 0 {
		return reading{}, false
	}
	r.time, r.hasTime = sourceTime(f)
	return r, true
}

func encoderFields(f frame.Frame) map[string]float64 {
	out := make(map[string]float64, len(rpmFields))
	if vals, ok := f.Numbers(frame.FieldData); ok {
		for i, v := range vals {
			if i >= len(rpmFields) {
				break
			}
			out[rpmFields[i]] = v
		}
		return out
	}
	scopes := scopesOf(f)
	for i, name := range rpmFields {
		n := strconv.Itoa(i + 1)
		if v, ok := firstNumber(scopes, name, "rpm"+n, "motor"+n); ok {
			out[name] = v
		}
	}
	return out
}

func imuFields(f frame.Frame) map[string]float64 {
	out := make(map[string]float64, len(eulerFields)+len(quatFields))
	scopes := scopesOf(f)

	for _, s := range scopes {
		if euler, ok := s.Numbers("euler"); ok && len(euler) >= 3 {
			for i, name := range eulerFields {
				out[name] = euler[i]
			}
			break
		}
	}
	if len(out) == 0 {
		orientation := objectsNamed(scopes, "orientation")
		for _, name := range eulerFields {
			if v, ok := firstNumber(append(scopes, orientation...), name); ok {
				out[name] = v
			}
		}
	}

	quatDone := false
	for _, s := range scopes {
		if q, ok := s.Numbers("quaternion"); ok && len(q) >= 4 {
			for i, name := range quatFields {
				out[name] = q[i]
			}
			quatDone = true
			break
		}
	}
	if !quatDone {
		quat := objectsNamed(scopes, "quaternion")
		short := []string{"qw", "qx", "qy", "qz"}
		axis := []string{"w", "x", "y", "z"}
		for i, name := range quatFields {
			if v, ok := firstNumber(scopes, name, short[i]); ok {
				out[name] = v
			} else if v, ok := firstNumber(quat, axis[i]); ok {
				out[name] = v
			}
		}
	}
	return out
}

// sourceTime prefers the sensor clock (data.time) over the frame stamp.
func sourceTime(f frame.Frame) (float64, bool) {
	if data, ok := f.Object(frame.FieldData); ok {
		if t, ok := data.Number("time"); ok {
			return t, true
		}
		if t, ok := data.Number(frame.FieldTimestamp); ok {
			return t, true
		}
	}
	if t, ok := f.Number("time"); ok {
		return t, true
	}
	return f.Timestamp()
}

// scopesOf returns the frame and its data object, in lookup order.
func scopesOf(f frame.Frame) []frame.Frame {
	scopes := []frame.Frame{f}
	if data, ok := f.Object(frame.FieldData); ok {
		scopes = append(scopes, data)
	}
	return scopes
}

func objectsNamed(scopes []frame.Frame, key string) []frame.Frame {
	var out []frame.Frame
	for _, s := range scopes {
		if o, ok := s.Object(key); ok {
			out = append(out, o)
		}
	}
	return out
}

func firstNumber(scopes []frame.Frame, keys ...string) (float64, bool) {
	for _, s := range scopes {
		for _, k := range keys {
			if v, ok := s.Number(k); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// TimestampKey renders t with the fixed precision used for de-duplication.
func TimestampKey(t float64, precision int) string {
	return strconv.FormatFloat(t, 'f', precision, 64)
}
