// Package refpath provides the reference path representation and the waypoint
// geometry used by the path tracking service: parametric curve sampling,
// waypoint search relative to the robot pose, local path windows, and pose
// error metrics.
package refpath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"golang.org/x/exp/slices"
)

var (
	// ErrEmptyPath is returned when an operation requires a non-empty path.
	ErrEmptyPath = errors.New("reference path is empty")
	// ErrInsufficientPath is returned when a path cannot satisfy a requested window.
	ErrInsufficientPath = errors.New("insufficient path data for requested window")
)

// CurveProfile selects the parametric curve the global path is sampled from.
type CurveProfile string

const (
	// FigureEight is the curve x = A*sin(t), y = B*sin(t)*cos(t) for t in [0, 2*pi].
	FigureEight CurveProfile = "figure_eight"
	// Ellipse is the curve x = A*cos(t), y = B*sin(t) for t in [0, 2*pi].
	Ellipse CurveProfile = "ellipse"
)

// SupportedProfiles lists the curve profiles the path generator understands.
var SupportedProfiles = []CurveProfile{FigureEight, Ellipse}

// Path is an ordered sequence of poses expressed in a named reference frame.
// Insertion order is traversal order along the curve and the index is the sole
// identity of a waypoint; a path is never re-ordered once built.
type Path struct {
	frame string
	poses []spatialmath.Pose
}

// NewPath packages an ordered pose sequence with the frame it is expressed in.
func NewPath(frame string, poses []spatialmath.Pose) *Path {
	return &Path{frame: frame, poses: poses}
}

// Frame returns the name of the reference frame the path poses are expressed in.
func (p *Path) Frame() string {
	return p.frame
}

// Len returns the number of waypoints in the path.
func (p *Path) Len() int {
	if p == nil {
		return 0
	}
	return len(p.poses)
}

// Poses returns the ordered pose sequence.
func (p *Path) Poses() []spatialmath.Pose {
	return p.poses
}

// At returns the waypoint at the given index. An out-of-range index is a
// contract violation and yields an error, never a wraparound.
func (p *Path) At(i int) (spatialmath.Pose, error) {
	if p.Len() == 0 {
		return nil, ErrEmptyPath
	}
	if i < 0 || i >= len(p.poses) {
		return nil, errors.Wrapf(ErrInsufficientPath, "index %d out of range [0, %d]", i, len(p.poses)-1)
	}
	return p.poses[i], nil
}

// Window extracts the contiguous sub-range of nPrev waypoints before and nPost
// waypoints after the center index, clamped to the path bounds.
func (p *Path) Window(center, nPrev, nPost int) (*Path, error) {
	if p.Len() == 0 {
		return nil, ErrEmptyPath
	}
	if center < 0 || center >= len(p.poses) {
		return nil, errors.Wrapf(ErrInsufficientPath, "window center %d out of range [0, %d]", center, len(p.poses)-1)
	}
	start := center - nPrev
	if start < 0 {
		start = 0
	}
	end := center + nPost
	if end > len(p.poses)-1 {
		end = len(p.poses) - 1
	}
	poses := make([]spatialmath.Pose, end-start+1)
	copy(poses, p.poses[start:end+1])
	return NewPath(p.frame, poses), nil
}

// GenerateGlobalPath deterministically samples the parametric curve selected by
// profile with shape parameters a and b at resolution tRes along the curve
// parameter. Each waypoint's yaw points along the curve tangent toward the next
// waypoint; the final waypoint carries the previous yaw forward.
func GenerateGlobalPath(profile CurveProfile, a, b, tRes float64, frame string) (*Path, error) {
	if !slices.Contains(SupportedProfiles, profile) {
		return nil, errors.Errorf("unsupported curve profile %q", profile)
	}
	if tRes <= 0 {
		return nil, errors.Errorf("curve resolution must be positive, got %v", tRes)
	}

	var xs, ys []float64
	for t := 0.0; t <= 2*math.Pi; t += tRes {
		switch profile {
		case FigureEight:
			xs = append(xs, a*math.Sin(t))
			ys = append(ys, b*math.Sin(t)*math.Cos(t))
		case Ellipse:
			xs = append(xs, a*math.Cos(t))
			ys = append(ys, b*math.Sin(t))
		}
	}
	if len(xs) < 2 {
		return nil, errors.Wrap(ErrInsufficientPath, "curve resolution too coarse")
	}

	poses := make([]spatialmath.Pose, 0, len(xs))
	yaw := 0.0
	for i := range xs {
		if i < len(xs)-1 {
			yaw = math.Atan2(ys[i+1]-ys[i], xs[i+1]-xs[i])
		}
		poses = append(poses, spatialmath.NewPose(
			r3.Vector{X: xs[i], Y: ys[i]},
			&spatialmath.EulerAngles{Yaw: yaw},
		))
	}
	return NewPath(frame, poses), nil
}

// ClosestWaypoint scans the path from idStart forward and returns the index of
// the waypoint with minimum planar Euclidean distance to the robot position.
// Starting from the previous known index keeps the result from jumping
// backward across self-intersections when the curve loops.
func ClosestWaypoint(robotPose spatialmath.Pose, path *Path, idStart int) (int, error) {
	if path.Len() == 0 {
		return 0, ErrEmptyPath
	}
	if idStart < 0 {
		idStart = 0
	}
	if idStart > path.Len()-1 {
		idStart = path.Len() - 1
	}

	minDist := math.MaxFloat64
	idClosest := idStart
	for i := idStart; i < path.Len(); i++ {
		dist := PlanarDistance(robotPose.Point(), path.poses[i].Point())
		if dist <= minDist {
			minDist = dist
			idClosest = i
		}
	}
	return idClosest, nil
}

// NextWaypoint returns the first index at or after the closest waypoint whose
// bearing from the robot lies ahead of the robot's heading, so that a waypoint
// geometrically behind the robot is never selected as the target.
func NextWaypoint(robotPose spatialmath.Pose, path *Path, idStart int) (int, error) {
	idClosest, err := ClosestWaypoint(robotPose, path, idStart)
	if err != nil {
		return 0, err
	}

	wp := path.poses[idClosest].Point()
	robot := robotPose.Point()
	bearing := math.Atan2(wp.Y-robot.Y, wp.X-robot.X)
	angle := math.Abs(bearing - Yaw(robotPose.Orientation()))
	angleNorm := math.Min(2*math.Pi-angle, angle)
	if angleNorm > math.Pi/2 {
		idClosest++
	}
	if idClosest > path.Len()-1 {
		idClosest = path.Len() - 1
	}
	return idClosest, nil
}

// PlanarDistance returns the Euclidean distance between two positions in the
// horizontal plane.
func PlanarDistance(p1, p2 r3.Vector) float64 {
	return math.Hypot(p2.X-p1.X, p2.Y-p1.Y)
}
