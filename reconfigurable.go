package viampurepursuit

import (
	"context"
	"sync"

	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	rdkutils "go.viam.com/rdk/utils"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/viam-pure-pursuit/refpath"
)

var (
	_ = Service(&reconfigurablePathTracking{})
	_ = resource.Reconfigurable(&reconfigurablePathTracking{})
	_ = goutils.ContextCloser(&reconfigurablePathTracking{})
)

type reconfigurablePathTracking struct {
	mu     sync.RWMutex
	name   resource.Name
	actual Service
}

func (svc *reconfigurablePathTracking) Name() resource.Name {
	return svc.name
}

func (svc *reconfigurablePathTracking) GlobalPath(ctx context.Context) (*refpath.Path, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.actual.GlobalPath(ctx)
}

func (svc *reconfigurablePathTracking) LocalPath(ctx context.Context) (*refpath.Path, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.actual.LocalPath(ctx)
}

func (svc *reconfigurablePathTracking) TrackingErrors(ctx context.Context) (TrackingErrors, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.actual.TrackingErrors(ctx)
}

func (svc *reconfigurablePathTracking) RobotTransform(ctx context.Context) (*referenceframe.PoseInFrame, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.actual.RobotTransform(ctx)
}

func (svc *reconfigurablePathTracking) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.actual.DoCommand(ctx, cmd)
}

func (svc *reconfigurablePathTracking) Close(ctx context.Context) error {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return goutils.TryClose(ctx, svc.actual)
}

// Reconfigure replaces the old path tracking service with a new one.
func (svc *reconfigurablePathTracking) Reconfigure(ctx context.Context, newSvc resource.Reconfigurable) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	rSvc, ok := newSvc.(*reconfigurablePathTracking)
	if !ok {
		return rdkutils.NewUnexpectedTypeError(svc, newSvc)
	}
	if err := goutils.TryClose(ctx, svc.actual); err != nil {
		return err
	}
	svc.actual = rSvc.actual
	return nil
}

// NewUnimplementedInterfaceError is used when there is a failed interface check.
func NewUnimplementedInterfaceError(actual interface{}) error {
	return rdkutils.NewUnimplementedInterfaceError((Service)(nil), actual)
}

// WrapWithReconfigurable wraps a path tracking service as a Reconfigurable.
func WrapWithReconfigurable(s interface{}, name resource.Name) (resource.Reconfigurable, error) {
	svc, ok := s.(Service)
	if !ok {
		return nil, NewUnimplementedInterfaceError(s)
	}
	if reconfigurable, ok := s.(*reconfigurablePathTracking); ok {
		return reconfigurable, nil
	}
	return &reconfigurablePathTracking{name: name, actual: svc}, nil
}
