package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/fleetlink/internal/protocol/frame"
)

var (
	ErrInvalidMotorSpeeds = errors.New("fleet: motor speeds required")
	ErrInvalidMotorID     = errors.New("fleet: invalid motor id")
	ErrUnknownStream      = errors.New("fleet: unknown stream")
)

// Robot command and request frame types.
const (
	CommandMotorControl   = "motor_control"
	CommandPIDConfig      = "pid_config"
	CommandEmergencyStop  = "emergency_stop"
	CommandMotionCommand  = "motion_command"
	RequestGetStatus      = "get_status"
	RequestSubscribeEnc   = "subscribe_encoder"
	RequestUnsubscribeEnc = "unsubscribe_encoder"
	RequestSubscribeIMU   = "subscribe_imu"
	RequestUnsubscribeIMU = "unsubscribe_imu"
)

// MotorCount is the number of drive motors on the fleet's omni robots.
const MotorCount = 3

type PID struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// Velocity is a body-frame motion request.
type Velocity struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// SetMotorSpeeds sets the speed of every motor, in motor order.
func (s *Service) SetMotorSpeeds(ctx context.Context, endpointID string, speeds []float64) (frame.Frame, error) {
	if len(speeds) == 0 || len(speeds) > MotorCount {
		return nil, fmt.Errorf("%w: got %d values for %d motors", ErrInvalidMotorSpeeds, len(speeds), MotorCount)
	}
	values := make([]any, len(speeds))
	for i, v := range speeds {
		values[i] = v
	}
	return s.SendCommand(ctx, endpointID, CommandMotorControl, map[string]any{"speeds": values})
}

// SetPID updates the PID gains of one motor (1-based).
func (s *Service) SetPID(ctx context.Context, endpointID string, motorID int, pid PID) (frame.Frame, error) {
	if motorID < 1 || motorID > MotorCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMotorID, motorID)
	}
	return s.SendCommand(ctx, endpointID, CommandPIDConfig, map[string]any{
		"motor_id": motorID,
		"parameters": map[string]any{
			"kp": pid.Kp,
			"ki": pid.Ki,
			"kd": pid.Kd,
		},
	})
}

func (s *Service) EmergencyStop(ctx context.Context, endpointID string) (frame.Frame, error) {
	return s.SendCommand(ctx, endpointID, CommandEmergencyStop, nil)
}

func (s *Service) SetMotion(ctx context.Context, endpointID string, v Velocity) (frame.Frame, error) {
	return s.SendCommand(ctx, endpointID, CommandMotionCommand, map[string]any{
		"velocities": map[string]any{
			"x":     v.X,
			"y":     v.Y,
			"theta": v.Theta,
		},
	})
}

// SetStream asks the robot to start or stop a sensor stream ("encoder" or
// "imu"). The request is fire-and-forget.
func (s *Service) SetStream(endpointID, stream string, enabled bool) error {
	var typ string
	switch stream {
	case "encoder":
		typ = RequestUnsubscribeEnc
		if enabled {
			typ = RequestSubscribeEnc
		}
	case "imu":
		typ = RequestUnsubscribeIMU
		if enabled {
			typ = RequestSubscribeIMU
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	return s.Post(endpointID, typ, nil)
}

// RequestStatus asks the robot to publish a status frame.
func (s *Service) RequestStatus(endpointID string) error {
	return s.Post(endpointID, RequestGetStatus, nil)
}
