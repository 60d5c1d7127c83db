// Package viampurepursuit implements a path tracking service that drives a
// base along a parametric reference path with a pure pursuit control law.
package viampurepursuit

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/config"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/registry"
	"go.viam.com/rdk/resource"
	rdkutils "go.viam.com/rdk/utils"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/viam-pure-pursuit/purepursuit"
	"github.com/viamrobotics/viam-pure-pursuit/refpath"
	"github.com/viamrobotics/viam-pure-pursuit/sensors/odometry"
)

// Model specifies the unique resource-triple across the rdk.
var Model = resource.NewModel("viam", "navigation", "pure-pursuit")

// SubtypeName is the name of the type of service.
const SubtypeName = resource.SubtypeName("path_tracking")

// Subtype is a constant that identifies the path tracking service resource subtype.
var Subtype = resource.NewSubtype(
	resource.ResourceNamespaceRDK,
	resource.ResourceTypeService,
	SubtypeName,
)

// Named is a helper for getting the named path tracking service's typed resource name.
func Named(name string) resource.Name {
	return resource.NameFromSubtype(Subtype, name)
}

const (
	defaultWorldFrame       = "world"
	defaultRobotFrame       = "base_link"
	defaultCurveA           = 6.0
	defaultCurveB           = 6.0
	defaultCurveResolution  = 0.1
	defaultWaypointsBehind  = 10
	defaultWaypointsAhead   = 20
	defaultGoalIndex        = 11
	defaultPathRefreshMsec  = 100
	defaultOdometryRateMsec = 20
	defaultMaxThrottle      = 1.0
	defaultThrottleGain     = 0.5
	defaultWheelbaseLength  = 0.4
	// m/s to mm/s for base velocity commands.
	mPerSecToMMPerSec = 1000.0
)

func init() {
	registry.RegisterResourceSubtype(Subtype, registry.ResourceSubtype{
		Reconfigurable: WrapWithReconfigurable,
	})
	registry.RegisterService(Subtype, Model, registry.Service{
		Constructor: func(ctx context.Context, deps registry.Dependencies, c config.Service, logger golog.Logger) (interface{}, error) {
			return New(ctx, deps, c, logger)
		},
	})
	config.RegisterServiceAttributeMapConverter(
		Subtype,
		Model,
		func(attributes config.AttributeMap) (interface{}, error) {
			var conf Config
			return config.TransformAttributeMapToStruct(&conf, attributes)
		},
		&Config{})
}

// Config describes how to configure the path tracking service.
type Config struct {
	Base           string `json:"base"`
	MovementSensor string `json:"movement_sensor"`
	SlamService    string `json:"slam_service"`

	WorldFrame string `json:"world_frame,omitempty"`
	RobotFrame string `json:"robot_frame,omitempty"`

	CurveProfile    string  `json:"curve_profile,omitempty"`
	CurveA          float64 `json:"curve_a,omitempty"`
	CurveB          float64 `json:"curve_b,omitempty"`
	CurveResolution float64 `json:"curve_resolution,omitempty"`

	WaypointsBehind int `json:"waypoints_behind,omitempty"`
	WaypointsAhead  int `json:"waypoints_ahead,omitempty"`
	GoalIndex       int `json:"goal_index,omitempty"`

	PathRefreshMsec  int `json:"path_refresh_msec,omitempty"`
	OdometryRateMsec int `json:"odometry_rate_msec,omitempty"`

	MaxThrottle          float64 `json:"max_throttle,omitempty"`
	ThrottleGain         float64 `json:"throttle_gain,omitempty"`
	WheelbaseLength      float64 `json:"wheelbase_length,omitempty"`
	SpeedScaledLookahead bool    `json:"speed_scaled_lookahead,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) ([]string, error) {
	if c.Base == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError(path, "base")
	}
	if c.MovementSensor == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError(path, "movement_sensor")
	}
	if c.SlamService == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError(path, "slam_service")
	}
	if c.CurveResolution < 0 {
		return nil, errors.Errorf("curve_resolution must be non-negative, got %v", c.CurveResolution)
	}
	if c.WaypointsBehind < 0 || c.WaypointsAhead < 0 || c.GoalIndex < 0 {
		return nil, errors.New("waypoint window parameters must be non-negative")
	}
	if c.PathRefreshMsec < 0 || c.OdometryRateMsec < 0 {
		return nil, errors.New("loop rates must be non-negative")
	}
	if err := c.initialParams().Validate(); err != nil {
		return nil, err
	}
	return []string{c.Base, c.MovementSensor, c.SlamService}, nil
}

func (c *Config) initialParams() purepursuit.Params {
	params := purepursuit.Params{
		MaxThrottle:          c.MaxThrottle,
		ThrottleGain:         c.ThrottleGain,
		WheelbaseLength:      c.WheelbaseLength,
		SpeedScaledLookahead: c.SpeedScaledLookahead,
	}
	if params.MaxThrottle == 0 {
		params.MaxThrottle = defaultMaxThrottle
	}
	if params.ThrottleGain == 0 {
		params.ThrottleGain = defaultThrottleGain
	}
	if params.WheelbaseLength == 0 {
		params.WheelbaseLength = defaultWheelbaseLength
	}
	return params
}

// TrackingErrors packages the pose error metrics computed against the goal
// pose (absolute) and against the next waypoint (relative).
type TrackingErrors struct {
	Absolute refpath.PoseError
	Relative refpath.PoseError
}

// A Service tracks a reference path and exposes the derived path and error state.
type Service interface {
	GlobalPath(ctx context.Context) (*refpath.Path, error)
	LocalPath(ctx context.Context) (*refpath.Path, error)
	TrackingErrors(ctx context.Context) (TrackingErrors, error)
	RobotTransform(ctx context.Context) (*referenceframe.PoseInFrame, error)
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

// commander is the slice of the base API the control loop drives.
type commander interface {
	SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error
	Stop(ctx context.Context, extra map[string]interface{}) error
}

// odometrySource produces odometry samples for the tracker.
type odometrySource interface {
	Sample(ctx context.Context) (purepursuit.Odometry, error)
}

// pathTrackingService is the structure of the path tracking service.
type pathTrackingService struct {
	commander commander
	odom      odometrySource
	publisher *refpath.Publisher
	tracker   *purepursuit.Tracker

	worldFrame string
	robotFrame string

	// tunablesMu serializes DoCommand so staged curve and parameter updates
	// commit as one unit.
	tunablesMu      sync.Mutex
	curveProfile    refpath.CurveProfile
	curveA          float64
	curveB          float64
	curveResolution float64

	waypointsBehind int
	waypointsAhead  int
	goalIndex       int

	pathRefreshMsec  int
	odometryRateMsec int

	cancelFunc              func()
	logger                  golog.Logger
	activeBackgroundWorkers sync.WaitGroup
}

// New returns a new path tracking service for the given robot.
func New(ctx context.Context,
	deps registry.Dependencies,
	cfg config.Service,
	logger golog.Logger,
) (Service, error) {
	ctx, span := trace.StartSpan(ctx, "viampurepursuit::New")
	defer span.End()

	svcConfig, ok := cfg.ConvertedAttributes.(*Config)
	if !ok {
		return nil, rdkutils.NewUnexpectedTypeError(svcConfig, cfg.ConvertedAttributes)
	}

	b, err := base.FromDependencies(deps, svcConfig.Base)
	if err != nil {
		return nil, errors.Wrapf(err, "error getting base %v for path tracking service", svcConfig.Base)
	}
	odomSource, err := odometry.New(deps, svcConfig.SlamService, svcConfig.MovementSensor)
	if err != nil {
		return nil, errors.Wrap(err, "configuring odometry source error")
	}

	svc := &pathTrackingService{
		commander:        b,
		odom:             odomSource,
		worldFrame:       svcConfig.WorldFrame,
		robotFrame:       svcConfig.RobotFrame,
		curveProfile:     refpath.CurveProfile(svcConfig.CurveProfile),
		curveA:           svcConfig.CurveA,
		curveB:           svcConfig.CurveB,
		curveResolution:  svcConfig.CurveResolution,
		waypointsBehind:  svcConfig.WaypointsBehind,
		waypointsAhead:   svcConfig.WaypointsAhead,
		goalIndex:        svcConfig.GoalIndex,
		pathRefreshMsec:  svcConfig.PathRefreshMsec,
		odometryRateMsec: svcConfig.OdometryRateMsec,
		logger:           logger,
	}
	svc.applyDefaults(svcConfig)

	svc.publisher = refpath.NewPublisher(logger, svc.worldFrame)
	if err := svc.publisher.PublishGlobalPath(svc.curveProfile, svc.curveA, svc.curveB, svc.curveResolution); err != nil {
		return nil, errors.Wrap(err, "error building initial global path")
	}
	svc.tracker = purepursuit.NewTracker(logger, svcConfig.initialParams())

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	svc.cancelFunc = cancelFunc
	svc.startOdometryLoop(cancelCtx)
	svc.startControlLoop(cancelCtx)

	return svc, nil
}

func (svc *pathTrackingService) applyDefaults(svcConfig *Config) {
	if svc.worldFrame == "" {
		svc.worldFrame = defaultWorldFrame
	}
	if svc.robotFrame == "" {
		svc.robotFrame = defaultRobotFrame
	}
	if svc.curveProfile == "" {
		svc.curveProfile = refpath.FigureEight
	}
	if svc.curveA == 0 {
		svc.curveA = defaultCurveA
	}
	if svc.curveB == 0 {
		svc.curveB = defaultCurveB
	}
	if svc.curveResolution == 0 {
		svc.curveResolution = defaultCurveResolution
	}
	if svcConfig.WaypointsBehind == 0 {
		svc.waypointsBehind = defaultWaypointsBehind
	}
	if svcConfig.WaypointsAhead == 0 {
		svc.waypointsAhead = defaultWaypointsAhead
	}
	if svcConfig.GoalIndex == 0 {
		svc.goalIndex = defaultGoalIndex
	}
	if svc.pathRefreshMsec == 0 {
		svc.pathRefreshMsec = defaultPathRefreshMsec
	}
	if svc.odometryRateMsec == 0 {
		svc.odometryRateMsec = defaultOdometryRateMsec
	}
}

// startOdometryLoop starts the background loop that polls the pose and
// velocity sources and latches fresh odometry into the tracker.
func (svc *pathTrackingService) startOdometryLoop(cancelCtx context.Context) {
	svc.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		ticker := time.NewTicker(time.Millisecond * time.Duration(svc.odometryRateMsec))
		defer ticker.Stop()
		defer svc.activeBackgroundWorkers.Done()

		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
			}

			sample, err := svc.odom.Sample(cancelCtx)
			if err != nil {
				if cancelCtx.Err() != nil {
					return
				}
				svc.logger.Debugw("skipping odometry sample", "error", err)
				continue
			}
			svc.tracker.SetOdometry(sample)
		}
	})
}

// startControlLoop starts the background loop that refreshes the local path
// and sends velocity commands to the base.
func (svc *pathTrackingService) startControlLoop(cancelCtx context.Context) {
	svc.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		ticker := time.NewTicker(time.Millisecond * time.Duration(svc.pathRefreshMsec))
		defer ticker.Stop()
		defer svc.activeBackgroundWorkers.Done()

		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
			}
			svc.runControlCycle(cancelCtx)
		}
	})
}

// runControlCycle performs one control cycle: local path refresh, goal latch,
// control law, command dispatch. Any failure skips the cycle; every condition
// here is recoverable on the next tick.
func (svc *pathTrackingService) runControlCycle(ctx context.Context) {
	odomSample, err := svc.tracker.Odometry()
	if err != nil {
		svc.logger.Debugw("no odometry latched yet, skipping control cycle", "error", err)
		return
	}

	goal, err := svc.publisher.PublishLocalPath(odomSample.Pose, svc.waypointsBehind, svc.waypointsAhead, svc.goalIndex)
	if err != nil {
		svc.logger.Warnw("unable to publish local path", "error", err)
		return
	}
	svc.tracker.SetGoal(goal)

	cmd, err := svc.tracker.ControlOutputs()
	if err != nil {
		svc.logger.Debugw("tracker not ready, skipping control cycle", "error", err)
		return
	}

	linear := r3.Vector{Y: cmd.Throttle * mPerSecToMMPerSec}
	angular := r3.Vector{Z: rdkutils.RadToDeg(cmd.Steering)}
	if err := svc.commander.SetVelocity(ctx, linear, angular, nil); err != nil {
		svc.logger.Errorw("error sending velocity command to base", "error", err)
	}
}

// GlobalPath returns the full reference path sampled from the parametric curve.
func (svc *pathTrackingService) GlobalPath(ctx context.Context) (*refpath.Path, error) {
	_, span := trace.StartSpan(ctx, "viampurepursuit::pathTrackingService::GlobalPath")
	defer span.End()
	return svc.publisher.GlobalPath()
}

// LocalPath returns the most recent local path window around the robot.
func (svc *pathTrackingService) LocalPath(ctx context.Context) (*refpath.Path, error) {
	_, span := trace.StartSpan(ctx, "viampurepursuit::pathTrackingService::LocalPath")
	defer span.End()
	return svc.publisher.LocalPath()
}

// TrackingErrors returns the most recent absolute and relative pose errors.
func (svc *pathTrackingService) TrackingErrors(ctx context.Context) (TrackingErrors, error) {
	_, span := trace.StartSpan(ctx, "viampurepursuit::pathTrackingService::TrackingErrors")
	defer span.End()
	abs, rel, err := svc.publisher.TrackingErrors()
	if err != nil {
		return TrackingErrors{}, err
	}
	return TrackingErrors{Absolute: abs, Relative: rel}, nil
}

// RobotTransform returns the rigid transform of the robot frame in the world
// frame derived from the latest odometry pose. It is a purely derived value
// intended for frame broadcasting and visualization.
func (svc *pathTrackingService) RobotTransform(ctx context.Context) (*referenceframe.PoseInFrame, error) {
	_, span := trace.StartSpan(ctx, "viampurepursuit::pathTrackingService::RobotTransform")
	defer span.End()
	odomSample, err := svc.tracker.Odometry()
	if err != nil {
		return nil, err
	}
	return refpath.PoseToTransform(odomSample.Pose, svc.worldFrame), nil
}

// Close stops the background loops and halts the base.
func (svc *pathTrackingService) Close(ctx context.Context) error {
	svc.cancelFunc()
	svc.activeBackgroundWorkers.Wait()
	if err := svc.commander.Stop(ctx, nil); err != nil {
		return errors.Wrap(err, "error stopping base during closeout")
	}
	return nil
}
