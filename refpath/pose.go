package refpath

import (
	"math"

	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// PoseError is the pair of error metrics between two poses: the planar
// Euclidean distance between their positions and the signed heading
// difference, wrapped into [-pi, pi]. It is purely derived state, recomputed
// every cycle and never persisted across cycles.
type PoseError struct {
	Position float64
	Heading  float64
}

// Yaw extracts the rotation about the vertical axis from an orientation's
// quaternion representation.
func Yaw(o spatialmath.Orientation) float64 {
	q := o.Quaternion()
	sinYaw := 2 * (q.Real*q.Kmag + q.Imag*q.Jmag)
	cosYaw := 1 - 2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag)
	return math.Atan2(sinYaw, cosYaw)
}

// PoseToTransform maps a pose to the rigid transform representation used for
// frame broadcasting: the pose packaged with the parent frame it is observed in.
func PoseToTransform(pose spatialmath.Pose, parent string) *referenceframe.PoseInFrame {
	return referenceframe.NewPoseInFrame(parent, pose)
}

// CalculatePoseError returns the position and heading error between the robot
// pose and a goal pose. The heading component is always in [-pi, pi].
func CalculatePoseError(poseRobot, poseGoal spatialmath.Pose) PoseError {
	return PoseError{
		Position: PlanarDistance(poseRobot.Point(), poseGoal.Point()),
		Heading:  wrapToPi(Yaw(poseGoal.Orientation()) - Yaw(poseRobot.Orientation())),
	}
}

func wrapToPi(angle float64) float64 {
	return math.Atan2(math.Sin(angle), math.Cos(angle))
}
