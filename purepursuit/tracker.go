// Package purepursuit implements a pure pursuit path tracking controller: it
// latches the robot's most recent odometry and goal pose and computes a
// throttle and steering command from them each cycle.
package purepursuit

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-pure-pursuit/refpath"
)

const (
	// maxSteeringAngle bounds the steering output in radians.
	maxSteeringAngle = 0.5
	// minLookaheadDistance keeps the steering formula's denominator away from zero.
	minLookaheadDistance = 1.0
)

// ErrNotReady is returned when a control output is requested before both an
// odometry sample and a goal pose have been latched.
var ErrNotReady = errors.New("tracker not ready: no odometry or goal latched")

// Params are the runtime tunable control parameters. They are replaced
// wholesale by UpdateParams and read as a single snapshot per control cycle,
// so a cycle never observes a partially updated set.
type Params struct {
	MaxThrottle          float64
	ThrottleGain         float64
	WheelbaseLength      float64
	SpeedScaledLookahead bool
}

// Validate rejects parameter sets the control law cannot safely use.
func (p Params) Validate() error {
	if p.MaxThrottle < 0 {
		return errors.Errorf("max throttle must be non-negative, got %v", p.MaxThrottle)
	}
	if p.ThrottleGain < 0 {
		return errors.Errorf("throttle gain must be non-negative, got %v", p.ThrottleGain)
	}
	if p.WheelbaseLength <= 0 {
		return errors.Errorf("wheelbase length must be positive, got %v", p.WheelbaseLength)
	}
	return nil
}

// Odometry is the latest robot state sample: the pose in the world frame and
// the linear velocity in meters per second, +Y forward.
type Odometry struct {
	Pose           spatialmath.Pose
	LinearVelocity r3.Vector
}

// Command is the velocity command produced each cycle: a linear throttle and
// an angular steering value, both already clamped to their configured bounds.
// A command carries no memory of prior commands.
type Command struct {
	Throttle float64
	Steering float64
}

// Tracker computes pure pursuit control outputs from latched odometry and goal
// state. Odometry and goal arrive at different rates from different loops; the
// control computation always uses the latest latched values.
type Tracker struct {
	logger golog.Logger
	params atomic.Pointer[Params]

	mu   sync.Mutex
	odom *Odometry
	goal spatialmath.Pose
}

// NewTracker returns a tracker using the given initial parameters.
func NewTracker(logger golog.Logger, params Params) *Tracker {
	t := &Tracker{logger: logger}
	t.params.Store(&params)
	return t
}

// UpdateParams atomically swaps in a new parameter snapshot. Last write wins.
func (t *Tracker) UpdateParams(params Params) {
	t.params.Store(&params)
}

// Params returns the current parameter snapshot.
func (t *Tracker) Params() Params {
	return *t.params.Load()
}

// SetOdometry latches a new odometry sample.
func (t *Tracker) SetOdometry(odom Odometry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.odom = &odom
}

// SetGoal latches a new goal pose.
func (t *Tracker) SetGoal(goal spatialmath.Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.goal = goal
}

// Odometry returns the latest latched odometry sample.
func (t *Tracker) Odometry() (Odometry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.odom == nil {
		return Odometry{}, ErrNotReady
	}
	return *t.odom, nil
}

// Throttle returns the throttle for the given distance to the goal:
// proportional to the distance with a hard ceiling at the configured maximum.
func (t *Tracker) Throttle(distanceToGoal float64) float64 {
	return throttle(t.Params(), distanceToGoal)
}

// LookaheadDistance returns the lookahead distance for the given odometry
// sample. The lookahead scales with forward speed when the speed-scaled policy
// is enabled but never drops below the floor that keeps the steering formula
// stable at low speed.
func (t *Tracker) LookaheadDistance(odom Odometry) float64 {
	return lookaheadDistance(t.Params(), odom)
}

// Steering returns the pure pursuit steering angle toward the goal pose,
// clamped to the maximum steering bound.
func (t *Tracker) Steering(odom Odometry, goal spatialmath.Pose) float64 {
	return steering(t.Params(), odom, goal)
}

// ControlOutputs computes the velocity command for the cycle from the latched
// odometry and goal. It is the sole externally invoked entry point per cycle.
func (t *Tracker) ControlOutputs() (Command, error) {
	t.mu.Lock()
	odom, goal := t.odom, t.goal
	t.mu.Unlock()
	if odom == nil || goal == nil {
		return Command{}, ErrNotReady
	}

	params := t.Params()
	distanceToGoal := refpath.PlanarDistance(odom.Pose.Point(), goal.Point())
	cmd := Command{
		Throttle: throttle(params, distanceToGoal),
		Steering: steering(params, *odom, goal),
	}
	headingError := refpath.CalculatePoseError(odom.Pose, goal).Heading
	t.logger.Debugw("computed control outputs",
		"distance_to_goal", distanceToGoal,
		"heading_error", headingError,
		"throttle", cmd.Throttle,
		"steering", cmd.Steering,
	)
	return cmd, nil
}

func throttle(params Params, distanceToGoal float64) float64 {
	return math.Min(params.MaxThrottle, distanceToGoal*params.ThrottleGain)
}

func lookaheadDistance(params Params, odom Odometry) float64 {
	if !params.SpeedScaledLookahead {
		return minLookaheadDistance
	}
	return math.Max(minLookaheadDistance, odom.LinearVelocity.Y)
}

func steering(params Params, odom Odometry, goal spatialmath.Pose) float64 {
	yawRobot := refpath.Yaw(odom.Pose.Orientation())
	robot := odom.Pose.Point()
	goalPt := goal.Point()
	dx := goalPt.X - robot.X
	dy := goalPt.Y - robot.Y
	crossTrackError := math.Hypot(dx, dy)

	// Angle between the robot heading and the bearing to the goal, folded back
	// by a single half turn when it leaves [-pi/2, pi/2].
	alpha := math.Atan2(dy, dx) - yawRobot
	if alpha > math.Pi/2 {
		alpha -= math.Pi
	} else if alpha < -math.Pi/2 {
		alpha += math.Pi
	}

	lookahead := lookaheadDistance(params, odom)
	steer := math.Atan((2*params.WheelbaseLength*crossTrackError)/lookahead) + alpha

	if steer > maxSteeringAngle {
		steer = maxSteeringAngle
	} else if steer < -maxSteeringAngle {
		steer = -maxSteeringAngle
	}
	return steer
}
