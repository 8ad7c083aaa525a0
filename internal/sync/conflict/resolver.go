// Package conflict detects and resolves divergent local and remote versions
// of the same entity.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mimisupply/synccore/internal/logging"
	"github.com/mimisupply/synccore/internal/models"
)

// Strategy defines how conflicts are resolved.
type Strategy string

const (
	StrategyClientWins     Strategy = "client_wins"
	StrategyServerWins     Strategy = "server_wins"
	StrategyTimestampBased Strategy = "timestamp_based"
	StrategyMerge          Strategy = "merge"
)

// DefaultStrategy is used when none is configured.
const DefaultStrategy = StrategyTimestampBased

// DefaultTolerance is the clock skew under which two versions are treated as
// the same write.
const DefaultTolerance = time.Second

// Resolutions recorded in the conflict log.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
	ResolutionMerged     = "merged"
)

// ParseStrategy parses a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyClientWins, StrategyServerWins, StrategyTimestampBased, StrategyMerge:
		return st, nil
	case "":
		return DefaultStrategy, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Options configures a Resolver.
type Options struct {
	Tolerance time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy  Strategy
	tolerance time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewResolver creates a new Resolver with the specified default strategy.
func NewResolver(strategy Strategy, opts Options) *Resolver {
	if strategy == "" {
		strategy = DefaultStrategy
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Resolver{
		strategy:  strategy,
		tolerance: opts.Tolerance,
		now:       opts.Clock,
		logger:    logging.Or(opts.Logger, "conflict"),
	}
}

// Strategy returns the resolver's default strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Conflict is a local and a remote version of the same entity.
type Conflict struct {
	Local      models.Entity
	Remote     models.Entity
	DetectedAt time.Time
}

// Key returns the entity key both versions share.
func (c *Conflict) Key() string {
	if c == nil || c.Local == nil {
		return ""
	}
	return models.KeyOf(c.Local)
}

// Result is the outcome of resolving a conflict.
type Result struct {
	Winner     models.Entity
	Strategy   Strategy
	Resolution string
	Log        models.ConflictLog
}

// Detect reports whether local and remote conflict. Two versions of the same
// entity conflict only if their version markers differ and their
// modification times are further apart than the tolerance.
func (r *Resolver) Detect(local, remote models.Entity) (*Conflict, bool) {
	if local == nil || remote == nil {
		return nil, false
	}
	if models.KeyOf(local) != models.KeyOf(remote) {
		return nil, false
	}
	if local.VersionMarker() == remote.VersionMarker() {
		return nil, false
	}
	if skew(local.ModifiedAt(), remote.ModifiedAt()) <= r.tolerance {
		return nil, false
	}

	r.logger.Warn("concurrent edit conflict detected",
		zap.String("entity", models.KeyOf(local)),
		zap.Int64("local_version", local.VersionMarker()),
		zap.Int64("remote_version", remote.VersionMarker()),
		zap.Time("local_timestamp", local.ModifiedAt()),
		zap.Time("remote_timestamp", remote.ModifiedAt()))

	return &Conflict{Local: local, Remote: remote, DetectedAt: r.now()}, true
}

func skew(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}

// Resolve resolves a conflict using the default strategy.
func (r *Resolver) Resolve(c *Conflict) (*Result, error) {
	return r.ResolveWith(c, r.strategy)
}

// ResolveWith resolves a conflict using the given strategy.
func (r *Resolver) ResolveWith(c *Conflict, strategy Strategy) (*Result, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if models.KeyOf(c.Local) != models.KeyOf(c.Remote) {
		return nil, ErrEntityMismatch
	}

	var (
		winner     models.Entity
		resolution string
	)
	switch strategy {
	case StrategyClientWins:
		winner, resolution = c.Local, ResolutionLocalWins
	case StrategyServerWins:
		winner, resolution = c.Remote, ResolutionRemoteWins
	case StrategyTimestampBased:
		winner, resolution = latest(c.Local, c.Remote)
	case StrategyMerge:
		winner, resolution = merge(c.Local, c.Remote)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	detectedAt := c.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = r.now()
	}
	result := &Result{
		Winner:     winner,
		Strategy:   strategy,
		Resolution: resolution,
		Log: models.ConflictLog{
			EntityID:        c.Local.EntityID(),
			EntityType:      c.Local.EntityType(),
			LocalVersion:    c.Local.VersionMarker(),
			RemoteVersion:   c.Remote.VersionMarker(),
			LocalTimestamp:  c.Local.ModifiedAt(),
			RemoteTimestamp: c.Remote.ModifiedAt(),
			Strategy:        string(strategy),
			Resolution:      resolution,
			DetectedAt:      detectedAt,
		},
	}

	r.logger.Info("conflict resolved",
		zap.String("entity", c.Key()),
		zap.String("strategy", string(strategy)),
		zap.String("resolution", resolution))

	return result, nil
}

// ResolveEntities resolves local against remote with the default strategy
// without running detection first.
func (r *Resolver) ResolveEntities(local, remote models.Entity) (*Result, error) {
	return r.Resolve(&Conflict{Local: local, Remote: remote, DetectedAt: r.now()})
}

// ResolveMultiple resolves multiple conflicts in batch.
func (r *Resolver) ResolveMultiple(conflicts []*Conflict) ([]*Result, error) {
	results := make([]*Result, 0, len(conflicts))

	for _, c := range conflicts {
		result, err := r.Resolve(c)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return results, nil
}

// latest returns the version with the later modification time. Ties go to
// the remote.
func latest(local, remote models.Entity) (models.Entity, string) {
	if local.ModifiedAt().After(remote.ModifiedAt()) {
		return local, ResolutionLocalWins
	}
	return remote, ResolutionRemoteWins
}

// merge applies the field-level rules for entity types that have them and
// falls back to latest for the rest.
func merge(local, remote models.Entity) (models.Entity, string) {
	switch l := local.(type) {
	case models.Order:
		if r, ok := remote.(models.Order); ok {
			return mergeOrder(l, r), ResolutionMerged
		}
	case models.UserProfile:
		if r, ok := remote.(models.UserProfile); ok {
			return mergeProfile(l, r), ResolutionMerged
		}
	case models.DriverLocation:
		// Positions are never field-merged.
		return latest(local, remote)
	}
	return latest(local, remote)
}

// mergeOrder takes status and charges from the remote, keeps non-empty local
// delivery instructions and the higher tip. The total is rebuilt from the
// charges whenever the two sides disagree on the tip.
func mergeOrder(local, remote models.Order) models.Order {
	merged := remote.Clone()
	if local.DeliveryInstructions != "" {
		merged.DeliveryInstructions = local.DeliveryInstructions
	}
	if local.TipCents != remote.TipCents {
		merged.TipCents = max(local.TipCents, remote.TipCents)
		merged = merged.RecomputeTotal()
	}
	merged.Version = max(local.Version, remote.Version)
	merged.UpdatedAt = laterOf(local.UpdatedAt, remote.UpdatedAt)
	return merged
}

// mergeProfile keeps user-entered contact details and the latest activity.
func mergeProfile(local, remote models.UserProfile) models.UserProfile {
	merged := remote
	if local.Phone != "" {
		merged.Phone = local.Phone
	}
	if local.Email != "" {
		merged.Email = local.Email
	}
	merged.LastActiveAt = laterOf(local.LastActiveAt, remote.LastActiveAt)
	merged.Version = max(local.Version, remote.Version)
	merged.UpdatedAt = laterOf(local.UpdatedAt, remote.UpdatedAt)
	return merged
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both versions must be non-nil"}
	ErrEntityMismatch  = &ConflictError{Message: "entity mismatch"}
	ErrUnknownStrategy = &ConflictError{Message: "unknown conflict strategy"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
