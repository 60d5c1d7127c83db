// Package testhelper provides fakes for exercising the path tracking service
// and its collaborators in tests.
package testhelper

import (
	"context"
	"sync"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-pure-pursuit/purepursuit"
)

// VelocityCommand records one SetVelocity call made against the fake base.
type VelocityCommand struct {
	Linear  r3.Vector
	Angular r3.Vector
}

// Commander is a fake base that records the velocity commands it receives.
type Commander struct {
	mu       sync.Mutex
	commands []VelocityCommand
	stopped  bool

	// SetVelocityErr, when set, is returned by SetVelocity.
	SetVelocityErr error
}

// SetVelocity records the command.
func (c *Commander) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	if c.SetVelocityErr != nil {
		return c.SetVelocityErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, VelocityCommand{Linear: linear, Angular: angular})
	return nil
}

// Stop records that the base was stopped.
func (c *Commander) Stop(ctx context.Context, extra map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

// Commands returns a copy of the recorded commands.
func (c *Commander) Commands() []VelocityCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]VelocityCommand, len(c.commands))
	copy(out, c.commands)
	return out
}

// Stopped reports whether Stop was called.
func (c *Commander) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Odometry is a fake odometry source returning a settable sample.
type Odometry struct {
	mu     sync.Mutex
	sample purepursuit.Odometry
	err    error
}

// SetSample sets the sample returned by Sample.
func (o *Odometry) SetSample(sample purepursuit.Odometry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sample = sample
	o.err = nil
}

// SetErr makes Sample fail with the given error.
func (o *Odometry) SetErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// Sample returns the configured sample or error.
func (o *Odometry) Sample(ctx context.Context) (purepursuit.Odometry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return purepursuit.Odometry{}, o.err
	}
	return o.sample, nil
}

// PoseSource is a fake SLAM position source.
type PoseSource struct {
	// Pose is returned by GetPosition along with the component reference.
	Pose               spatialmath.Pose
	ComponentReference string
	// Err, when set, is returned by GetPosition.
	Err error
}

// GetPosition returns the configured pose.
func (p *PoseSource) GetPosition(ctx context.Context, name string) (spatialmath.Pose, string, error) {
	if p.Err != nil {
		return nil, "", p.Err
	}
	return p.Pose, p.ComponentReference, nil
}
