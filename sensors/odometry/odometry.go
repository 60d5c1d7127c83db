// Package odometry wraps the resources that report the robot's fused pose and
// velocity into a single odometry source for the path tracking service.
package odometry

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/registry"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/slam"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-pure-pursuit/purepursuit"
)

// mmPerSecToMPerSec converts movement sensor velocities to the meters per
// second the control law works in.
const mmPerSecToMPerSec = 0.001

// PoseSource reports the robot's fused pose in the world frame. The SLAM
// service satisfies this.
type PoseSource interface {
	GetPosition(ctx context.Context, name string) (spatialmath.Pose, string, error)
}

// VelocitySource reports the robot's linear velocity. The movement sensor
// component satisfies this.
type VelocitySource interface {
	LinearVelocity(ctx context.Context, extra map[string]interface{}) (r3.Vector, error)
}

// Source samples robot odometry from a SLAM service and a movement sensor.
type Source struct {
	// SlamName is the name of the SLAM service providing the pose.
	SlamName string
	poses    PoseSource
	vels     VelocitySource
}

// New resolves the named SLAM service and movement sensor from the dependency
// set and returns an odometry source backed by them.
func New(deps registry.Dependencies, slamName, sensorName string) (Source, error) {
	res, ok := deps[resource.NameFromSubtype(slam.Subtype, slamName)]
	if !ok {
		return Source{}, errors.Errorf("error getting slam service %v for path tracking service", slamName)
	}
	poses, ok := res.(PoseSource)
	if !ok {
		return Source{}, errors.Errorf("slam service %v does not report positions", slamName)
	}

	vels, err := movementsensor.FromDependencies(deps, sensorName)
	if err != nil {
		return Source{}, errors.Wrapf(err, "error getting movement sensor %v for path tracking service", sensorName)
	}

	return Source{SlamName: slamName, poses: poses, vels: vels}, nil
}

// Sample reads the current pose and linear velocity and packages them as an
// odometry sample, with velocity converted to meters per second.
func (s Source) Sample(ctx context.Context) (purepursuit.Odometry, error) {
	pose, _, err := s.poses.GetPosition(ctx, s.SlamName)
	if err != nil {
		return purepursuit.Odometry{}, errors.Wrap(err, "error getting position from slam service")
	}

	vel, err := s.vels.LinearVelocity(ctx, map[string]interface{}{})
	if err != nil {
		return purepursuit.Odometry{}, errors.Wrap(err, "error getting linear velocity from movement sensor")
	}

	return purepursuit.Odometry{
		Pose:           pose,
		LinearVelocity: vel.Mul(mmPerSecToMPerSec),
	}, nil
}
