package viampurepursuit

import (
	"context"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// DoCommand keys for the runtime tunable control parameters and the curve
// shape parameters.
const (
	maxThrottleKey          = "max_throttle"
	throttleGainKey         = "throttle_gain"
	wheelbaseLengthKey      = "wheelbase_length"
	speedScaledLookaheadKey = "speed_scaled_lookahead"
	curveAKey               = "curve_a"
	curveBKey               = "curve_b"
	curveResolutionKey      = "curve_resolution"
)

// DoCommand is the asynchronous reconfiguration channel for the control law's
// tunable parameters and the reference curve shape. The whole command is
// staged, validated, and applied as one unit: a rejected command leaves the
// live parameters and the curve untouched. Readers that are mid-cycle keep
// their snapshot until the next cycle. Curve changes regenerate the global
// path in full. The returned map echoes the parameters now in effect.
func (svc *pathTrackingService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	_, span := trace.StartSpan(ctx, "viampurepursuit::pathTrackingService::DoCommand")
	defer span.End()

	svc.tunablesMu.Lock()
	defer svc.tunablesMu.Unlock()

	params := svc.tracker.Params()
	curveA, curveB, curveResolution := svc.curveA, svc.curveB, svc.curveResolution
	curveChanged := false

	for key, value := range cmd {
		switch key {
		case maxThrottleKey, throttleGainKey, wheelbaseLengthKey, curveAKey, curveBKey, curveResolutionKey:
			v, ok := value.(float64)
			if !ok {
				return nil, errors.Errorf("expected a number for %q, got %T", key, value)
			}
			switch key {
			case maxThrottleKey:
				params.MaxThrottle = v
			case throttleGainKey:
				params.ThrottleGain = v
			case wheelbaseLengthKey:
				params.WheelbaseLength = v
			case curveAKey:
				curveA = v
				curveChanged = true
			case curveBKey:
				curveB = v
				curveChanged = true
			case curveResolutionKey:
				curveResolution = v
				curveChanged = true
			}
		case speedScaledLookaheadKey:
			v, ok := value.(bool)
			if !ok {
				return nil, errors.Errorf("expected a bool for %q, got %T", key, value)
			}
			params.SpeedScaledLookahead = v
		default:
			return nil, errors.Errorf("unknown command key %q", key)
		}
	}

	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "rejecting tunable update")
	}
	if curveChanged {
		if err := svc.publisher.PublishGlobalPath(svc.curveProfile, curveA, curveB, curveResolution); err != nil {
			return nil, errors.Wrap(err, "rejecting curve update")
		}
		svc.curveA, svc.curveB, svc.curveResolution = curveA, curveB, curveResolution
	}
	svc.tracker.UpdateParams(params)

	return map[string]interface{}{
		maxThrottleKey:          params.MaxThrottle,
		throttleGainKey:         params.ThrottleGain,
		wheelbaseLengthKey:      params.WheelbaseLength,
		speedScaledLookaheadKey: params.SpeedScaledLookahead,
		curveAKey:               svc.curveA,
		curveBKey:               svc.curveB,
		curveResolutionKey:      svc.curveResolution,
	}, nil
}
