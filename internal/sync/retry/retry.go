// Package retry classifies remote store failures and derives when a failed
// mutation may be attempted again.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	apperrors "github.com/mimisupply/synccore/internal/errors"
)

// User-facing messages per failure class.
const (
	MsgOffline        = "You appear to be offline. Changes will sync when you reconnect"
	MsgBusy           = "Service busy, retrying shortly"
	MsgConflict       = "Updating with the latest changes"
	MsgInterrupted    = "Connection interrupted, checking what was saved"
	MsgQuota          = "Storage quota exceeded"
	MsgSignIn         = "Please sign in again"
	MsgPermission     = "You don't have permission to do that"
	MsgUpdateApp      = "Please update the app to keep syncing"
	MsgInvalid        = "Some details are invalid"
	MsgPartialFailure = "Some items could not be saved"
	MsgUnknown        = "Something went wrong, retrying"
)

// Decision is the classifier's verdict on one failure.
type Decision struct {
	Code      apperrors.ErrorCode
	Retryable bool
	// Delay is the suggested wait before the next attempt. Zero means retry
	// immediately.
	Delay       time.Duration
	UserMessage string
	// GoOffline tells the caller to switch to offline mode.
	GoOffline bool
	// Recheck asks for the remote state to be read before retrying, since
	// the previous write may have been applied.
	Recheck bool
	// Reresolve asks for conflict resolution against the remote version
	// before retrying.
	Reresolve bool
	// Fatal stops syncing for the rest of the session.
	Fatal bool
	// Silent marks an expected absence that is not shown to the user.
	Silent bool
	// Items holds per-item decisions for a partial batch failure.
	Items map[string]Decision
}

// Policy holds the delays used by the classifier and the backoff for
// repeated network failures.
type Policy struct {
	DefaultDelay time.Duration
	NetworkDelay time.Duration
	BusyMinDelay time.Duration
	BusyMaxDelay time.Duration
	BackoffCap   time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the standard delays.
func DefaultPolicy() Policy {
	return Policy{
		DefaultDelay: 5 * time.Second,
		NetworkDelay: 15 * time.Second,
		BusyMinDelay: 30 * time.Second,
		BusyMaxDelay: 60 * time.Second,
		BackoffCap:   time.Hour,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.DefaultDelay <= 0 {
		p.DefaultDelay = d.DefaultDelay
	}
	if p.NetworkDelay <= 0 {
		p.NetworkDelay = d.NetworkDelay
	}
	if p.BusyMinDelay <= 0 {
		p.BusyMinDelay = d.BusyMinDelay
	}
	if p.BusyMaxDelay < p.BusyMinDelay {
		p.BusyMaxDelay = p.BusyMinDelay
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = d.BackoffCap
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// busyDelay picks a jittered delay in [BusyMinDelay, BusyMaxDelay] so
// clients rejected together do not come back together.
func (p Policy) busyDelay() time.Duration {
	span := p.BusyMaxDelay - p.BusyMinDelay
	return p.BusyMinDelay + time.Duration(p.Rand()*float64(span))
}

// Backoff returns the wait before the next attempt of a mutation that has
// already been retried retryCount times. Network failures back off
// exponentially (delay * 2^retryCount, capped); other classes use the
// decision's delay.
func (p Policy) Backoff(d Decision, retryCount int) time.Duration {
	p = p.withDefaults()
	if d.Code != apperrors.ErrNetwork {
		return d.Delay
	}
	if retryCount > 16 {
		retryCount = 16
	}
	backoff := d.Delay * time.Duration(int64(1)<<uint(retryCount))
	if backoff > p.BackoffCap || backoff <= 0 {
		backoff = p.BackoffCap
	}
	return backoff
}

// NextAttempt returns the earliest time the mutation may be attempted again.
func (p Policy) NextAttempt(d Decision, retryCount int, now time.Time) time.Time {
	return now.Add(p.Backoff(d, retryCount))
}

// Classifier maps remote store errors onto the retry taxonomy.
type Classifier struct {
	policy Policy
}

// NewClassifier creates a Classifier using p for delays.
func NewClassifier(p Policy) *Classifier {
	return &Classifier{policy: p.withDefaults()}
}

// Policy returns the classifier's delay policy.
func (c *Classifier) Policy() Policy {
	return c.policy
}

// Classify returns the decision for err. Errors without a taxonomy code are
// retryable after the default delay.
func (c *Classifier) Classify(err error) Decision {
	if err == nil {
		return Decision{}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return c.network()
	}

	var remoteErr *apperrors.RemoteError
	errors.As(err, &remoteErr)

	switch apperrors.CodeOf(err) {
	case apperrors.ErrNetwork:
		return c.network()
	case apperrors.ErrRemoteRateLimit:
		delay := c.policy.busyDelay()
		if remoteErr != nil && remoteErr.RetryAfter > 0 {
			delay = remoteErr.RetryAfter
		}
		return Decision{Code: apperrors.ErrRemoteRateLimit, Retryable: true, Delay: delay, UserMessage: MsgBusy}
	case apperrors.ErrRemoteConflict:
		return Decision{Code: apperrors.ErrRemoteConflict, Retryable: true, Reresolve: true, UserMessage: MsgConflict}
	case apperrors.ErrRemoteTransient:
		return Decision{Code: apperrors.ErrRemoteTransient, Retryable: true, Recheck: true, UserMessage: MsgInterrupted}
	case apperrors.ErrRemoteQuota:
		return Decision{Code: apperrors.ErrRemoteQuota, UserMessage: MsgQuota}
	case apperrors.ErrRemoteAuth:
		return Decision{Code: apperrors.ErrRemoteAuth, UserMessage: MsgSignIn}
	case apperrors.ErrRemotePermission:
		return Decision{Code: apperrors.ErrRemotePermission, UserMessage: MsgPermission}
	case apperrors.ErrRemoteVersionIncompatible:
		return Decision{Code: apperrors.ErrRemoteVersionIncompatible, Fatal: true, UserMessage: MsgUpdateApp}
	case apperrors.ErrRemoteNotFound:
		return Decision{Code: apperrors.ErrRemoteNotFound, Silent: true}
	case apperrors.ErrRemoteConstraint:
		return Decision{Code: apperrors.ErrRemoteConstraint, UserMessage: MsgInvalid}
	case apperrors.ErrRemotePartialFailure:
		return c.partial(remoteErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return c.network()
	}
	return Decision{Code: apperrors.ErrRemoteUnknown, Retryable: true, Delay: c.policy.DefaultDelay, UserMessage: MsgUnknown}
}

func (c *Classifier) network() Decision {
	return Decision{
		Code:        apperrors.ErrNetwork,
		Retryable:   true,
		Delay:       c.policy.NetworkDelay,
		UserMessage: MsgOffline,
		GoOffline:   true,
	}
}

// partial classifies each failed item on its own. The batch as a whole is
// retryable when any item is.
func (c *Classifier) partial(remoteErr *apperrors.RemoteError) Decision {
	d := Decision{
		Code:        apperrors.ErrRemotePartialFailure,
		UserMessage: MsgPartialFailure,
		Items:       make(map[string]Decision),
	}
	if remoteErr == nil {
		return d
	}
	for key, itemErr := range remoteErr.Items {
		item := c.Classify(itemErr)
		d.Items[key] = item
		if item.Retryable {
			d.Retryable = true
		}
	}
	return d
}
