package refpath

import (
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// Publisher owns the global reference path and derives, each cycle, the local
// path window around the robot along with the absolute and relative pose
// error. The waypoint search resumes from the previously published index so
// the target never jumps backward across the curve's self-intersection, and
// wraps to the start of the path once the final waypoint is reached so the
// robot keeps lapping the curve.
type Publisher struct {
	logger     golog.Logger
	worldFrame string

	mu          sync.Mutex
	globalPath  *Path
	localPath   *Path
	currentID   int
	absErr      PoseError
	relErr      PoseError
	haveMetrics bool
}

// NewPublisher returns a publisher producing paths in the given world frame.
func NewPublisher(logger golog.Logger, worldFrame string) *Publisher {
	return &Publisher{logger: logger, worldFrame: worldFrame}
}

// PublishGlobalPath regenerates the global path from the parametric curve and
// replaces the stored path in full. Identical inputs always regenerate an
// identical point sequence.
func (p *Publisher) PublishGlobalPath(profile CurveProfile, a, b, tRes float64) error {
	path, err := GenerateGlobalPath(profile, a, b, tRes, p.worldFrame)
	if err != nil {
		return errors.Wrap(err, "unable to generate global path")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.globalPath = path
	p.localPath = nil
	p.currentID = 0
	p.haveMetrics = false
	p.logger.Debugw("published global path", "waypoints", path.Len(), "profile", profile)
	return nil
}

// PublishLocalPath locates the next waypoint ahead of the robot, extracts the
// window of nPrev waypoints before and nPost waypoints after it, and returns
// the tracker's goal pose: the local path element at goalIndex, clamped to the
// window bounds. It also refreshes the pose error metrics for the cycle.
func (p *Publisher) PublishLocalPath(robotPose spatialmath.Pose, nPrev, nPost, goalIndex int) (spatialmath.Pose, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.globalPath.Len() == 0 {
		return nil, ErrEmptyPath
	}

	idNext, err := NextWaypoint(robotPose, p.globalPath, p.currentID)
	if err != nil {
		return nil, err
	}
	if idNext >= p.globalPath.Len()-1 {
		// Lap complete, resume the search from the start of the curve.
		p.currentID = 0
	} else {
		p.currentID = idNext
	}

	local, err := p.globalPath.Window(idNext, nPrev, nPost)
	if err != nil {
		return nil, err
	}
	p.localPath = local

	if goalIndex > local.Len()-1 {
		goalIndex = local.Len() - 1
	}
	if goalIndex < 0 {
		goalIndex = 0
	}
	goalPose, err := local.At(goalIndex)
	if err != nil {
		return nil, err
	}

	nextPose, err := p.globalPath.At(idNext)
	if err != nil {
		return nil, err
	}
	p.absErr = CalculatePoseError(robotPose, goalPose)
	p.relErr = CalculatePoseError(robotPose, nextPose)
	p.haveMetrics = true

	return goalPose, nil
}

// GlobalPath returns the stored global path.
func (p *Publisher) GlobalPath() (*Path, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.globalPath.Len() == 0 {
		return nil, ErrEmptyPath
	}
	return p.globalPath, nil
}

// LocalPath returns the most recently published local path window.
func (p *Publisher) LocalPath() (*Path, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localPath.Len() == 0 {
		return nil, errors.Wrap(ErrInsufficientPath, "no local path published yet")
	}
	return p.localPath, nil
}

// TrackingErrors returns the absolute pose error (robot against the goal pose)
// and the relative pose error (robot against the next waypoint) computed by
// the most recent PublishLocalPath call.
func (p *Publisher) TrackingErrors() (PoseError, PoseError, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveMetrics {
		return PoseError{}, PoseError{}, errors.Wrap(ErrInsufficientPath, "no pose error computed yet")
	}
	return p.absErr, p.relErr, nil
}

// CurrentWaypointID returns the waypoint index the next search will resume from.
func (p *Publisher) CurrentWaypointID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentID
}
