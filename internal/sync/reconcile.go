package sync

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/models"
)

// Reconcile pulls entities changed remotely since the last reconcile into
// the local cache and returns how many were applied. A cached entity that
// conflicts with its remote version is resolved with the configured
// strategy; an unchanged or older remote version is ignored.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.mu.Lock()
	online, halted, since := c.state == StateOnline, c.halted, c.lastReconcile
	c.mu.Unlock()

	if halted != "" {
		return 0, apperrors.New(apperrors.ErrRemoteVersionIncompatible, halted)
	}
	if !online {
		return 0, apperrors.New(apperrors.ErrNetwork, "offline: reconcile skipped")
	}

	started := c.now()
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.CycleTimeout)
	changes, err := c.remote.FetchChanges(fetchCtx, since)
	cancel()
	if err != nil {
		d := c.classifier.Classify(err)
		c.trackFailure(d, err)
		c.setLastError(d, err)
		if d.GoOffline {
			c.markNetworkDown(err)
		}
		if d.Fatal {
			c.halt(d)
		}
		return 0, err
	}
	c.trackSuccess()

	applied := 0
	for _, remote := range changes {
		if c.reconcileEntity(ctx, remote) {
			applied++
		}
	}

	c.mu.Lock()
	c.lastReconcile = started
	c.mu.Unlock()

	if len(changes) > 0 {
		c.logger.Info("reconciled remote changes",
			zap.Int("fetched", len(changes)),
			zap.Int("applied", applied))
		c.publishStatus()
	}
	return applied, nil
}

// reconcileEntity merges one remote entity into the cache and reports
// whether the cache changed.
func (c *Coordinator) reconcileEntity(ctx context.Context, remote models.Entity) bool {
	if c.cache == nil {
		return false
	}

	local, ok := c.cache.GetEntity(ctx, remote.EntityType(), remote.EntityID())
	if !ok {
		c.cacheConfirmed(ctx, []models.Entity{remote})
		return true
	}
	if models.SameContent(local, remote) {
		return false
	}

	if conflict, ok := c.resolver.Detect(local, remote); ok {
		result, err := c.resolver.Resolve(conflict)
		if err != nil {
			c.logger.Warn("failed to resolve reconcile conflict", zap.String("entity", models.KeyOf(remote)), zap.Error(err))
			return false
		}
		c.recordConflict(ctx, result.Log, result.Resolution)
		if models.SameContent(result.Winner, local) {
			return false
		}
		c.cacheConfirmed(ctx, []models.Entity{result.Winner})
		return true
	}

	if remote.VersionMarker() < local.VersionMarker() {
		return false
	}
	c.cacheConfirmed(ctx, []models.Entity{remote})
	return true
}
