package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/worker/docker"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

// reconcileParallelism bounds concurrent per-tenant convergence. Tenants are
// independent, but image pulls and container churn share the engine.
const reconcileParallelism = 4

// Reconciler converges the engine toward each tenant's desired state: once
// at startup, then on a fixed interval. It discovers tenants from both the
// directory tree and labeled containers, so orphans on either side are
// found.
type Reconciler struct {
	manager  *Manager
	interval time.Duration
	logger   *logger.Logger

	// last observed state per tenant, to emit runtime.status only on
	// transitions
	stateMu   sync.Mutex
	lastState map[string]string
}

func NewReconciler(manager *Manager, interval time.Duration, log *logger.Logger) *Reconciler {
	return &Reconciler{
		manager:   manager,
		interval:  interval,
		logger:    log.WithFields(zap.String("component", "reconciler")),
		lastState: make(map[string]string),
	}
}

// Run blocks until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.pass(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.pass(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// pass reconciles every known tenant.
func (r *Reconciler) pass(ctx context.Context) {
	ids, err := r.discover(ctx)
	if err != nil {
		r.logger.Error("Reconcile discovery failed", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := r.reconcileTenant(gctx, id); err != nil {
				r.logger.Warn("Tenant reconcile failed",
					zap.String("tenant_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// discover unions tenant ids from the directory tree and from labeled
// containers.
func (r *Reconciler) discover(ctx context.Context) ([]string, error) {
	ids, err := r.manager.Layout().ListTenants()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}

	containers, err := r.manager.engine.ListContainers(ctx, map[string]string{docker.TenantLabel: ""})
	if err != nil {
		return nil, err
	}
	for _, c := range containers {
		id := c.Labels[docker.TenantLabel]
		if id == "" {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// reconcileTenant converges one tenant and reports state transitions.
func (r *Reconciler) reconcileTenant(ctx context.Context, tenantID string) error {
	m := r.manager

	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	desired, err := m.layout.ReadDesired(tenantID)
	if err != nil {
		return err
	}
	info, err := m.engine.InspectContainer(ctx, ContainerName(tenantID))
	if err != nil {
		return err
	}

	// Orphaned container: engine state with no desired record. Tear it down.
	if desired == nil {
		if info != nil {
			r.logger.Warn("Removing orphaned runtime container",
				zap.String("tenant_id", tenantID))
			if err := m.stopContainer(ctx, tenantID); err != nil {
				return err
			}
			if err := m.removeContainer(ctx, tenantID); err != nil {
				return err
			}
		}
		return nil
	}

	switch desired.State {
	case string(v1.TenantStateRunning), string(v1.TenantStatePendingPairing):
		if info == nil || !info.Running() {
			r.logger.Info("Converging tenant runtime up",
				zap.String("tenant_id", tenantID),
				zap.String("desired", desired.State))
			if err := m.ensureRunning(ctx, tenantID, m.image("", desired)); err != nil {
				m.pub.Error(ctx, tenantID, "reconcile failed to start runtime", err.Error())
				return err
			}
		}
		m.watcher.Watch(tenantID)

	case string(v1.TenantStatePaused):
		if info != nil && info.Running() {
			r.logger.Info("Converging tenant runtime down",
				zap.String("tenant_id", tenantID))
			m.watcher.Unwatch(tenantID)
			if err := m.stopContainer(ctx, tenantID); err != nil {
				return err
			}
		}

	case string(v1.TenantStateDeleted):
		// A crash between teardown and directory removal leaves this record
		if info != nil {
			if err := m.removeContainer(ctx, tenantID); err != nil {
				return err
			}
		}
	}

	r.report(ctx, tenantID, desired)
	return nil
}

// report emits runtime.status only when the observed state changed since
// the last pass.
func (r *Reconciler) report(ctx context.Context, tenantID string, desired *DesiredState) {
	info, err := r.manager.engine.InspectContainer(ctx, ContainerName(tenantID))
	if err != nil {
		return
	}
	state := observedState(desired, info)

	r.stateMu.Lock()
	prev, seen := r.lastState[tenantID]
	r.lastState[tenantID] = state
	r.stateMu.Unlock()

	if seen && prev == state {
		return
	}
	r.manager.pub.Status(ctx, tenantID, state, "reconciled")
}
