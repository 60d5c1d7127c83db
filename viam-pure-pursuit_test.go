package viampurepursuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-pure-pursuit/internal/testhelper"
	"github.com/viamrobotics/viam-pure-pursuit/purepursuit"
	"github.com/viamrobotics/viam-pure-pursuit/refpath"
)

func newTestService(t *testing.T) (*pathTrackingService, *testhelper.Commander) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	commander := &testhelper.Commander{}
	svc := &pathTrackingService{
		commander:       commander,
		odom:            &testhelper.Odometry{},
		worldFrame:      defaultWorldFrame,
		robotFrame:      defaultRobotFrame,
		curveProfile:    refpath.FigureEight,
		curveA:          defaultCurveA,
		curveB:          defaultCurveB,
		curveResolution: defaultCurveResolution,
		waypointsBehind: defaultWaypointsBehind,
		waypointsAhead:  defaultWaypointsAhead,
		goalIndex:       defaultGoalIndex,
		cancelFunc:      func() {},
		logger:          logger,
	}
	svc.publisher = refpath.NewPublisher(logger, svc.worldFrame)
	test.That(t, svc.publisher.PublishGlobalPath(svc.curveProfile, svc.curveA, svc.curveB, svc.curveResolution), test.ShouldBeNil)
	svc.tracker = purepursuit.NewTracker(logger, purepursuit.Params{
		MaxThrottle:          defaultMaxThrottle,
		ThrottleGain:         defaultThrottleGain,
		WheelbaseLength:      defaultWheelbaseLength,
		SpeedScaledLookahead: true,
	})
	return svc, commander
}

// latchOdometryAtPathStart places the robot on the first waypoint of the
// global path, facing along it, with zero velocity.
func latchOdometryAtPathStart(t *testing.T, svc *pathTrackingService) {
	t.Helper()
	global, err := svc.publisher.GlobalPath()
	test.That(t, err, test.ShouldBeNil)
	start, err := global.At(0)
	test.That(t, err, test.ShouldBeNil)
	svc.tracker.SetOdometry(purepursuit.Odometry{Pose: start})
}

func TestConfigValidate(t *testing.T) {
	validConfig := func() *Config {
		return &Config{
			Base:           "test_base",
			MovementSensor: "test_movement_sensor",
			SlamService:    "test_slam",
		}
	}

	t.Run("valid config returns dependency names", func(t *testing.T) {
		deps, err := validConfig().Validate("services.0")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, deps, test.ShouldResemble, []string{"test_base", "test_movement_sensor", "test_slam"})
	})

	t.Run("missing required fields", func(t *testing.T) {
		for _, tc := range []struct {
			field string
			strip func(c *Config)
		}{
			{"base", func(c *Config) { c.Base = "" }},
			{"movement_sensor", func(c *Config) { c.MovementSensor = "" }},
			{"slam_service", func(c *Config) { c.SlamService = "" }},
		} {
			cfg := validConfig()
			tc.strip(cfg)
			_, err := cfg.Validate("services.0")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.field)
		}
	})

	t.Run("negative curve resolution failure", func(t *testing.T) {
		cfg := validConfig()
		cfg.CurveResolution = -0.1
		_, err := cfg.Validate("services.0")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "curve_resolution")
	})

	t.Run("negative window parameters failure", func(t *testing.T) {
		cfg := validConfig()
		cfg.WaypointsBehind = -1
		_, err := cfg.Validate("services.0")
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("negative wheelbase failure", func(t *testing.T) {
		cfg := validConfig()
		cfg.WheelbaseLength = -1
		_, err := cfg.Validate("services.0")
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("zero tunables fall back to defaults", func(t *testing.T) {
		params := validConfig().initialParams()
		test.That(t, params.MaxThrottle, test.ShouldAlmostEqual, defaultMaxThrottle)
		test.That(t, params.ThrottleGain, test.ShouldAlmostEqual, defaultThrottleGain)
		test.That(t, params.WheelbaseLength, test.ShouldAlmostEqual, defaultWheelbaseLength)
	})
}

func TestRunControlCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("no odometry latched yet", func(t *testing.T) {
		svc, commander := newTestService(t)
		svc.runControlCycle(ctx)
		test.That(t, commander.Commands(), test.ShouldHaveLength, 0)
	})

	t.Run("command dispatched in base units", func(t *testing.T) {
		svc, commander := newTestService(t)
		latchOdometryAtPathStart(t, svc)
		svc.runControlCycle(ctx)

		commands := commander.Commands()
		test.That(t, commands, test.ShouldHaveLength, 1)
		// The goal pose sits well ahead of the robot, so throttle and
		// steering both saturate. Linear is mm/s, angular deg/s.
		test.That(t, commands[0].Linear.Y, test.ShouldAlmostEqual, defaultMaxThrottle*mPerSecToMMPerSec)
		test.That(t, commands[0].Angular.Z, test.ShouldAlmostEqual, rdkutils.RadToDeg(0.5))
	})

	t.Run("local path failure skips the cycle", func(t *testing.T) {
		svc, commander := newTestService(t)
		// A publisher with no global path cannot produce a local window.
		svc.publisher = refpath.NewPublisher(svc.logger, svc.worldFrame)
		latchOdometryAtPathStart(t, svc)
		svc.runControlCycle(ctx)
		test.That(t, commander.Commands(), test.ShouldHaveLength, 0)
	})

	t.Run("base failure does not abort", func(t *testing.T) {
		svc, commander := newTestService(t)
		commander.SetVelocityErr = errors.New("base offline")
		latchOdometryAtPathStart(t, svc)
		svc.runControlCycle(ctx)
		test.That(t, commander.Commands(), test.ShouldHaveLength, 0)

		// The next cycle succeeds once the base recovers.
		commander.SetVelocityErr = nil
		svc.runControlCycle(ctx)
		test.That(t, commander.Commands(), test.ShouldHaveLength, 1)
	})
}

func TestServiceAccessors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	t.Run("global path available immediately", func(t *testing.T) {
		global, err := svc.GlobalPath(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, global.Len(), test.ShouldEqual, 63)
	})

	t.Run("derived state unavailable before the first cycle", func(t *testing.T) {
		_, err := svc.LocalPath(ctx)
		test.That(t, errors.Is(err, refpath.ErrInsufficientPath), test.ShouldBeTrue)
		_, err = svc.TrackingErrors(ctx)
		test.That(t, errors.Is(err, refpath.ErrInsufficientPath), test.ShouldBeTrue)
		_, err = svc.RobotTransform(ctx)
		test.That(t, errors.Is(err, purepursuit.ErrNotReady), test.ShouldBeTrue)
	})

	t.Run("derived state available after a cycle", func(t *testing.T) {
		latchOdometryAtPathStart(t, svc)
		svc.runControlCycle(ctx)

		local, err := svc.LocalPath(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, local.Len(), test.ShouldBeGreaterThan, 0)

		trackingErrs, err := svc.TrackingErrors(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, trackingErrs.Absolute.Position, test.ShouldBeGreaterThan, 0)
		test.That(t, trackingErrs.Relative.Position, test.ShouldAlmostEqual, 0)

		tf, err := svc.RobotTransform(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tf.Parent(), test.ShouldEqual, defaultWorldFrame)
		odomSample, err := svc.tracker.Odometry()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, spatialmath.PoseAlmostEqual(tf.Pose(), odomSample.Pose), test.ShouldBeTrue)
	})
}

func TestDoCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("tunable update swapped in and echoed", func(t *testing.T) {
		svc, _ := newTestService(t)
		result, err := svc.DoCommand(ctx, map[string]interface{}{
			maxThrottleKey:          0.2,
			speedScaledLookaheadKey: false,
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, result[maxThrottleKey], test.ShouldAlmostEqual, 0.2)
		test.That(t, result[speedScaledLookaheadKey], test.ShouldBeFalse)

		params := svc.tracker.Params()
		test.That(t, params.MaxThrottle, test.ShouldAlmostEqual, 0.2)
		test.That(t, params.SpeedScaledLookahead, test.ShouldBeFalse)
	})

	t.Run("unknown key failure", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.DoCommand(ctx, map[string]interface{}{"lookahead_gain": 2.0})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "unknown command key")
	})

	t.Run("wrong value type failure", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.DoCommand(ctx, map[string]interface{}{maxThrottleKey: "fast"})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "expected a number")

		_, err = svc.DoCommand(ctx, map[string]interface{}{speedScaledLookaheadKey: 1.0})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "expected a bool")
	})

	t.Run("invalid tunable set rejected without side effects", func(t *testing.T) {
		svc, _ := newTestService(t)
		before := svc.tracker.Params()
		_, err := svc.DoCommand(ctx, map[string]interface{}{wheelbaseLengthKey: -0.4})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "rejecting tunable update")
		test.That(t, svc.tracker.Params(), test.ShouldResemble, before)
	})

	t.Run("mixed command with invalid curve rejected without side effects", func(t *testing.T) {
		svc, _ := newTestService(t)
		before := svc.tracker.Params()
		resolutionBefore := svc.curveResolution

		_, err := svc.DoCommand(ctx, map[string]interface{}{
			maxThrottleKey:     9.0,
			curveResolutionKey: -0.1,
		})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "rejecting curve update")

		// Neither half of the rejected command took effect.
		test.That(t, svc.tracker.Params(), test.ShouldResemble, before)
		test.That(t, svc.curveResolution, test.ShouldAlmostEqual, resolutionBefore)

		// A later curve-only update still works against the intact state.
		result, err := svc.DoCommand(ctx, map[string]interface{}{curveAKey: 4.0})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, result[curveAKey], test.ShouldAlmostEqual, 4.0)
		test.That(t, result[curveResolutionKey], test.ShouldAlmostEqual, resolutionBefore)
	})

	t.Run("concurrent commands both take effect", func(t *testing.T) {
		svc, _ := newTestService(t)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.DoCommand(ctx, map[string]interface{}{maxThrottleKey: 0.3})
			test.That(t, err, test.ShouldBeNil)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.DoCommand(ctx, map[string]interface{}{throttleGainKey: 0.7})
			test.That(t, err, test.ShouldBeNil)
		}()
		wg.Wait()

		params := svc.tracker.Params()
		test.That(t, params.MaxThrottle, test.ShouldAlmostEqual, 0.3)
		test.That(t, params.ThrottleGain, test.ShouldAlmostEqual, 0.7)
	})

	t.Run("curve update regenerates the global path", func(t *testing.T) {
		svc, _ := newTestService(t)
		latchOdometryAtPathStart(t, svc)
		svc.runControlCycle(ctx)
		_, err := svc.LocalPath(ctx)
		test.That(t, err, test.ShouldBeNil)

		result, err := svc.DoCommand(ctx, map[string]interface{}{curveAKey: 4.0})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, result[curveAKey], test.ShouldAlmostEqual, 4.0)

		// Regeneration resets the local path state until the next cycle.
		_, err = svc.LocalPath(ctx)
		test.That(t, errors.Is(err, refpath.ErrInsufficientPath), test.ShouldBeTrue)
		global, err := svc.GlobalPath(ctx)
		test.That(t, err, test.ShouldBeNil)
		second, err := global.At(1)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, second.Point().X, test.ShouldBeLessThan, 0.5)
	})
}

func TestOdometryLoop(t *testing.T) {
	svc, _ := newTestService(t)
	odom := &testhelper.Odometry{}
	odom.SetSample(purepursuit.Odometry{Pose: spatialmath.NewZeroPose()})
	svc.odom = odom
	svc.odometryRateMsec = 1

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	svc.cancelFunc = cancelFunc
	svc.startOdometryLoop(cancelCtx)

	var err error
	for i := 0; i < 200; i++ {
		if _, err = svc.tracker.Odometry(); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	test.That(t, err, test.ShouldBeNil)

	// A failing sample is skipped without disturbing the latched value.
	odom.SetErr(errors.New("sensor glitch"))
	time.Sleep(10 * time.Millisecond)
	_, err = svc.tracker.Odometry()
	test.That(t, err, test.ShouldBeNil)

	cancelFunc()
	svc.activeBackgroundWorkers.Wait()
}

func TestClose(t *testing.T) {
	svc, commander := newTestService(t)
	test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	test.That(t, commander.Stopped(), test.ShouldBeTrue)
}

func TestWrapWithReconfigurable(t *testing.T) {
	svc, _ := newTestService(t)

	t.Run("non-service failure", func(t *testing.T) {
		_, err := WrapWithReconfigurable(struct{}{}, resource.Name{})
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("wrapping is idempotent", func(t *testing.T) {
		wrapped, err := WrapWithReconfigurable(svc, resource.Name{})
		test.That(t, err, test.ShouldBeNil)
		rewrapped, err := WrapWithReconfigurable(wrapped, resource.Name{})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rewrapped, test.ShouldEqual, wrapped)
	})

	t.Run("wrapped service delegates", func(t *testing.T) {
		wrapped, err := WrapWithReconfigurable(svc, resource.Name{})
		test.That(t, err, test.ShouldBeNil)
		wrappedSvc, ok := wrapped.(Service)
		test.That(t, ok, test.ShouldBeTrue)
		global, err := wrappedSvc.GlobalPath(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, global.Len(), test.ShouldEqual, 63)
	})

	t.Run("reconfigure swaps the implementation", func(t *testing.T) {
		other, _ := newTestService(t)
		wrapped, err := WrapWithReconfigurable(svc, resource.Name{})
		test.That(t, err, test.ShouldBeNil)
		replacement, err := WrapWithReconfigurable(other, resource.Name{})
		test.That(t, err, test.ShouldBeNil)
		rSvc, ok := wrapped.(*reconfigurablePathTracking)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, rSvc.Reconfigure(context.Background(), replacement), test.ShouldBeNil)
		test.That(t, rSvc.actual, test.ShouldEqual, other)
	})
}
