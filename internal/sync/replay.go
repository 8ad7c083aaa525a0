package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/sync/retry"
	"github.com/mimisupply/synccore/internal/uuid"
)

// CycleResult summarizes one replay cycle.
type CycleResult struct {
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Drained    int       `json:"drained"`
	Succeeded  int       `json:"succeeded"`
	Retried    int       `json:"retried"`
	Deferred   int       `json:"deferred"`
	Dropped    int       `json:"dropped"`
	Failed     int       `json:"failed"`
	Reconciled int       `json:"reconciled"`
	// Skipped is set when the cycle did not run because the coordinator was
	// offline or halted.
	Skipped bool `json:"skipped"`
	Pending int  `json:"pending"`
}

// tally counts outcomes from concurrent entity groups.
type tally struct {
	mu       stdsync.Mutex
	result   *CycleResult
	observer Observer
}

func (t *tally) add(kind models.MutationKind, outcome Outcome) {
	t.mu.Lock()
	switch outcome {
	case OutcomeSucceeded:
		t.result.Succeeded++
	case OutcomeRetried:
		t.result.Retried++
	case OutcomeDeferred:
		t.result.Deferred++
	case OutcomeDropped:
		t.result.Dropped++
	case OutcomeFailed:
		t.result.Failed++
	}
	t.mu.Unlock()
	t.observer.MutationOutcome(kind, outcome)
}

func (t *tally) skip(ms []models.Mutation) {
	for _, m := range ms {
		t.add(m.Kind(), OutcomeDeferred)
	}
}

// runCycle drains the queue and replays it. Mutations that are neither
// applied nor terminally failed go back to the head of the queue in their
// original order.
func (c *Coordinator) runCycle() *CycleResult {
	result := &CycleResult{Started: c.now()}

	c.mu.Lock()
	ctx, halted := c.onlineCtx, c.halted
	c.mu.Unlock()

	if ctx == nil || halted != "" {
		result.Skipped = true
		result.Finished = c.now()
		result.Pending = c.queue.Count()
		return result
	}

	drained := c.queue.DrainAll()
	result.Drained = len(drained)
	groups := groupByEntity(drained)
	leftovers := make([][]models.Mutation, len(groups))
	t := &tally{result: result, observer: c.observer}

	var wg stdsync.WaitGroup
	for i, group := range groups {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(groups); j++ {
				leftovers[j] = groups[j]
				t.skip(groups[j])
			}
			break
		}

		wg.Add(1)
		go func(i int, group []models.Mutation) {
			defer wg.Done()
			defer c.sem.Release(1)

			key := group[0].EntityKey()
			c.setInflight(key, true)
			defer c.setInflight(key, false)

			leftovers[i] = c.replayGroup(ctx, group, t)
		}(i, group)
	}
	wg.Wait()

	var requeue []models.Mutation
	for _, ms := range leftovers {
		requeue = append(requeue, ms...)
	}
	if err := c.queue.Requeue(context.Background(), requeue); err != nil {
		c.logger.Error("failed to requeue mutations", zap.Int("count", len(requeue)), zap.Error(err))
	}

	result.Finished = c.now()
	result.Pending = c.queue.Count()

	c.mu.Lock()
	c.lastSync = result.Finished
	c.lastCycle = result
	c.mu.Unlock()

	c.observer.CycleCompleted(result.Finished.Sub(result.Started))
	if result.Drained > 0 {
		c.logger.Info("replay cycle completed",
			zap.Int("drained", result.Drained),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("retried", result.Retried),
			zap.Int("deferred", result.Deferred),
			zap.Int("dropped", result.Dropped),
			zap.Int("failed", result.Failed),
			zap.Int("pending", result.Pending))
	}
	c.publishStatus()
	return result
}

// groupByEntity splits ms into per-entity runs. Groups are ordered by the
// first appearance of their entity; each group keeps enqueue order.
func groupByEntity(ms []models.Mutation) [][]models.Mutation {
	index := make(map[string]int)
	var groups [][]models.Mutation
	for _, m := range ms {
		key := m.EntityKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

func (c *Coordinator) setInflight(key string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.inflight[key] = struct{}{}
	} else {
		delete(c.inflight, key)
	}
}

func (c *Coordinator) isHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted != ""
}

// replayGroup applies one entity's mutations in order and returns those
// that must be requeued. A mutation that has to wait holds back every later
// mutation of the same entity.
func (c *Coordinator) replayGroup(ctx context.Context, group []models.Mutation, t *tally) []models.Mutation {
	for i, m := range group {
		if ctx.Err() != nil || c.isHalted() || !m.Due(c.now()) {
			t.skip(group[i:])
			return group[i:]
		}

		res := c.attempt(ctx, m)
		t.add(m.Kind(), res.outcome)

		switch res.outcome {
		case OutcomeSucceeded:
			c.ack(m)
		case OutcomeDropped, OutcomeFailed:
			c.ack(m)
			if !res.reported {
				c.report(res.mutation, res.decision)
			}
		default:
			if res.split {
				c.ack(m)
			}
			t.skip(group[i+1:])
			return append(res.requeue, group[i+1:]...)
		}
	}
	return nil
}

type attemptResult struct {
	outcome  Outcome
	mutation models.Mutation
	decision retry.Decision
	// requeue replaces the mutation in the queue when it is not finished.
	requeue []models.Mutation
	// split is set when the mutation was replaced by per-item mutations.
	split    bool
	reported bool
}

func (c *Coordinator) retried(m models.Mutation, d retry.Decision) attemptResult {
	return attemptResult{outcome: OutcomeRetried, mutation: m, decision: d, requeue: []models.Mutation{m}}
}

// attempt sends m until it succeeds, fails terminally or has to wait.
// Calls run on a context detached from ctx so a call already dispatched is
// not abandoned by going offline; ctx only gates starting another one.
func (c *Coordinator) attempt(ctx context.Context, m models.Mutation) attemptResult {
	callCtx := context.WithoutCancel(ctx)

	for {
		confirmed, err := c.dispatch(callCtx, m)
		if err == nil {
			c.trackSuccess()
			c.cacheConfirmed(callCtx, confirmed)
			c.logger.Debug("mutation applied",
				zap.String("mutation_id", m.ID),
				zap.String("kind", string(m.Kind())),
				zap.String("entity", m.EntityKey()))
			return attemptResult{outcome: OutcomeSucceeded, mutation: m}
		}

		d := c.classifier.Classify(err)
		c.trackFailure(d, err)
		m.LastError = err.Error()
		c.setLastError(d, err)
		c.logger.Warn("mutation attempt failed",
			zap.String("mutation_id", m.ID),
			zap.String("kind", string(m.Kind())),
			zap.String("entity", m.EntityKey()),
			zap.String("error_code", string(d.Code)),
			zap.Int("retry_count", m.RetryCount),
			zap.Error(err))

		if d.Code == apperrors.ErrRemotePartialFailure && len(d.Items) > 0 {
			return c.split(callCtx, m, confirmed, d)
		}
		if d.GoOffline {
			c.markNetworkDown(err)
		}
		if d.Fatal {
			c.halt(d)
			return attemptResult{outcome: OutcomeDeferred, mutation: m, decision: d, requeue: []models.Mutation{m}}
		}
		if !d.Retryable {
			return attemptResult{outcome: OutcomeFailed, mutation: m, decision: d, reported: d.Silent}
		}

		m.RetryCount++
		if m.Exhausted() {
			exhausted := d
			exhausted.Code = apperrors.ErrMutationRetryExhausted
			exhausted.Retryable = false
			return attemptResult{outcome: OutcomeDropped, mutation: m, decision: exhausted}
		}

		if d.Reresolve {
			done, remote, next, err := c.reresolve(callCtx, m)
			if err != nil {
				rd := c.classifier.Classify(err)
				c.trackFailure(rd, err)
				if rd.GoOffline {
					c.markNetworkDown(err)
				}
				m.NotBefore = c.policy.NextAttempt(rd, m.RetryCount-1, c.now())
				return c.retried(m, rd)
			}
			if done {
				c.trackSuccess()
				c.cacheConfirmed(callCtx, []models.Entity{remote})
				return attemptResult{outcome: OutcomeSucceeded, mutation: m}
			}
			m = next
			if ctx.Err() != nil {
				return c.retried(m, d)
			}
			continue
		}

		m.Recheck = m.Recheck || d.Recheck
		m.NotBefore = c.policy.NextAttempt(d, m.RetryCount-1, c.now())
		if m.Due(c.now()) && ctx.Err() == nil && !d.GoOffline {
			continue
		}
		return c.retried(m, d)
	}
}

// dispatch performs the remote call for m and returns the entities the
// remote store confirmed. After a lost response the entity is read back
// first; if the write already landed it is not sent again.
func (c *Coordinator) dispatch(ctx context.Context, m models.Mutation) ([]models.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CycleTimeout)
	defer cancel()

	if m.Recheck {
		if es := m.Payload.Entities(); len(es) == 1 {
			remote, err := c.remote.Fetch(ctx, es[0].EntityType(), es[0].EntityID())
			switch {
			case err == nil && models.SameContent(remote, es[0]):
				c.logger.Debug("write already applied", zap.String("mutation_id", m.ID), zap.String("entity", m.EntityKey()))
				return []models.Entity{remote}, nil
			case err != nil && !apperrors.Is(err, apperrors.ErrRemoteNotFound):
				return nil, err
			}
		}
	}

	switch p := m.Payload.(type) {
	case models.CreateOrder:
		return one(c.remote.Create(ctx, p.Order))
	case models.UpdateOrderStatus:
		return one(c.remote.Update(ctx, p.Order))
	case models.UpdateProfile:
		return one(c.remote.Update(ctx, p.Profile))
	case models.SaveLocation:
		return one(c.remote.Update(ctx, p.Location))
	case models.CompleteDelivery:
		return one(c.remote.Create(ctx, p.Completion))
	case models.SaveLocationBatch:
		return c.remote.SaveBatch(ctx, p.Entities())
	default:
		return nil, apperrors.NewRemote(apperrors.ErrRemoteConstraint, "dispatch", fmt.Errorf("unsupported mutation kind %q", m.Kind()))
	}
}

func one(e models.Entity, err error) ([]models.Entity, error) {
	if err != nil {
		return nil, err
	}
	return []models.Entity{e}, nil
}

// split replaces a partially applied batch with one mutation per failed
// item. Retryable items are requeued; the rest are reported.
func (c *Coordinator) split(ctx context.Context, m models.Mutation, confirmed []models.Entity, d retry.Decision) attemptResult {
	c.cacheConfirmed(ctx, confirmed)

	batch, ok := m.Payload.(models.SaveLocationBatch)
	if !ok {
		return attemptResult{outcome: OutcomeFailed, mutation: m, decision: d}
	}

	var requeue []models.Mutation
	for i, loc := range batch.Locations {
		item, failed := d.Items[models.BatchItemKey(i)]
		if !failed {
			continue
		}
		if item.GoOffline {
			c.markNetworkDown(fmt.Errorf("batch item %d: %s", i, item.Code))
		}

		child := models.Mutation{
			ID:         uuid.New(),
			Payload:    models.SaveLocation{Location: loc},
			EnqueuedAt: m.EnqueuedAt,
			RetryCount: m.RetryCount + 1,
			MaxRetries: m.MaxRetries,
			LastError:  m.LastError,
		}
		if item.Retryable && !child.Exhausted() {
			child.Recheck = item.Recheck
			child.NotBefore = c.policy.NextAttempt(item, m.RetryCount, c.now())
			requeue = append(requeue, child)
			continue
		}
		if !item.Silent {
			c.report(child, item)
		}
	}

	c.logger.Info("batch partially applied",
		zap.String("mutation_id", m.ID),
		zap.Int("applied", len(confirmed)),
		zap.Int("failed", len(d.Items)),
		zap.Int("requeued", len(requeue)))

	outcome := OutcomeFailed
	if len(requeue) > 0 {
		outcome = OutcomeRetried
	}
	return attemptResult{outcome: outcome, mutation: m, decision: d, requeue: requeue, split: true, reported: true}
}

// reresolve resolves a write conflict against the current remote version.
// It reports done when the remote version already wins; otherwise it returns
// m carrying the resolved entity rebased onto the remote version.
func (c *Coordinator) reresolve(ctx context.Context, m models.Mutation) (bool, models.Entity, models.Mutation, error) {
	es := m.Payload.Entities()
	if len(es) != 1 {
		return false, nil, m, nil
	}
	local := es[0]

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.CycleTimeout)
	defer cancel()
	remote, err := c.remote.Fetch(fetchCtx, local.EntityType(), local.EntityID())
	if apperrors.Is(err, apperrors.ErrRemoteNotFound) {
		return false, nil, m, nil
	}
	if err != nil {
		return false, nil, m, err
	}

	result, err := c.resolver.ResolveEntities(local, remote)
	if err != nil {
		return false, nil, m, err
	}
	c.recordConflict(ctx, result.Log, result.Resolution)

	if models.SameContent(result.Winner, remote) {
		return true, remote, m, nil
	}
	payload, err := models.ReplacePayloadEntity(m.Payload, models.WithVersion(result.Winner, remote.VersionMarker()+1))
	if err != nil {
		return false, nil, m, err
	}
	m.Payload = payload
	m.Recheck = false
	return false, nil, m, nil
}

func (c *Coordinator) ack(m models.Mutation) {
	if err := c.queue.Ack(context.Background(), m.ID); err != nil {
		c.logger.Error("failed to ack mutation", zap.String("mutation_id", m.ID), zap.Error(err))
	}
}

// report tells the reporter and subscribers that m will never be applied.
func (c *Coordinator) report(m models.Mutation, d retry.Decision) {
	c.logger.Warn("mutation abandoned",
		zap.String("mutation_id", m.ID),
		zap.String("kind", string(m.Kind())),
		zap.String("entity", m.EntityKey()),
		zap.String("error_code", string(d.Code)),
		zap.Int("retry_count", m.RetryCount),
		zap.String("last_error", m.LastError))

	if c.reporter != nil {
		c.reporter.MutationFailed(m, d)
	}
	c.events.publish(Event{
		Type: EventMutationFailed,
		At:   c.now(),
		Failure: &FailureEvent{
			MutationID: m.ID,
			Kind:       m.Kind(),
			EntityKey:  m.EntityKey(),
			Code:       d.Code,
			Message:    d.UserMessage,
			RetryCount: m.RetryCount,
		},
	})
}

func (c *Coordinator) recordConflict(ctx context.Context, log models.ConflictLog, resolution string) {
	c.observer.ConflictResolved(log.EntityType, resolution)
	if c.conflicts != nil {
		if err := c.conflicts.RecordConflict(ctx, log); err != nil {
			c.logger.Warn("failed to record conflict", zap.String("entity_id", log.EntityID), zap.Error(err))
		}
	}
	c.events.publish(Event{Type: EventConflictResolved, At: c.now(), Conflict: &log})
}

func (c *Coordinator) cacheConfirmed(ctx context.Context, es []models.Entity) {
	if c.cache == nil {
		return
	}
	for _, e := range es {
		if e == nil {
			continue
		}
		if err := c.cache.PutEntity(ctx, e); err != nil {
			c.logger.Warn("failed to cache confirmed entity", zap.String("entity", models.KeyOf(e)), zap.Error(err))
		}
	}
}

func (c *Coordinator) trackSuccess() {
	if c.tracker != nil {
		c.tracker.ReportRecovery(models.ServiceRemoteStore)
	}
}

// trackFailure reports failures that say something about the remote
// store's health. Conflicts and validation errors do not.
func (c *Coordinator) trackFailure(d retry.Decision, err error) {
	if c.tracker == nil {
		return
	}
	switch d.Code {
	case apperrors.ErrNetwork, apperrors.ErrRemoteRateLimit, apperrors.ErrRemoteTransient,
		apperrors.ErrRemoteUnknown, apperrors.ErrRemoteQuota, apperrors.ErrRemoteAuth,
		apperrors.ErrRemoteVersionIncompatible:
		c.tracker.ReportFailure(models.ServiceRemoteStore, err)
	}
}

func (c *Coordinator) setLastError(d retry.Decision, err error) {
	msg := d.UserMessage
	if msg == "" {
		msg = err.Error()
	}
	c.mu.Lock()
	c.lastError = msg
	c.mu.Unlock()
}
