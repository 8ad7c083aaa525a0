package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mimisupply/synccore/internal/logging"
)

// Probe defaults.
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ProbeOptions configures an HTTPProbe.
type ProbeOptions struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   *zap.Logger
}

// HTTPProbe is a Monitor that periodically sends a HEAD request to a URL.
// Any response, whatever its status, counts as reachable. Only transitions
// are published.
type HTTPProbe struct {
	*broadcaster
	url      string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewHTTPProbe creates a probe. It reports unreachable until the first
// check completes.
func NewHTTPProbe(opts ProbeOptions) *HTTPProbe {
	if opts.Interval <= 0 {
		opts.Interval = DefaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPProbe{
		broadcaster: newBroadcaster(false, false),
		url:         opts.URL,
		interval:    opts.Interval,
		client:      opts.Client,
		logger:      logging.Or(opts.Logger, "connectivity"),
	}
}

// Check probes once and publishes the result if it changed.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	reachable := p.probe(ctx)
	if ctx.Err() != nil {
		return p.Reachable()
	}
	if p.set(reachable) {
		p.logger.Info("connectivity changed", zap.Bool("reachable", reachable), zap.String("url", p.url))
	}
	return reachable
}

func (p *HTTPProbe) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("invalid probe request", zap.String("url", p.url), zap.Error(err))
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", zap.Error(err))
		return false
	}
	resp.Body.Close()
	return true
}

// Start runs an immediate check and then one per interval until Stop.
func (p *HTTPProbe) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})

	go func(stopped chan struct{}) {
		defer close(stopped)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}(p.stopped)
}

// Stop ends the probe loop and closes every subscription.
func (p *HTTPProbe) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	p.closeAll()
}
