// Package health probes registered agent endpoints and feeds the outcomes
// into the availability trust dimension. It is optional: a mesh without a
// prober still works, its agents just carry no availability evidence.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/reward"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// Config holds prober configuration.
type Config struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
	Concurrency   int
}

// Directory is the slice of the identity store the prober reads.
type Directory interface {
	List(ctx context.Context, f identity.Filter) []*identity.Identity
	Counts(ctx context.Context) map[identity.Status]int
	Revocations() *identity.RevocationList
}

// SignalRecorder receives availability observations.
type SignalRecorder interface {
	Record(ctx context.Context, d did.DID, dimension string, value float64, source string) (*reward.TrustScore, error)
}

// Prober periodically probes active agent endpoints. A reachable endpoint
// scores a 1.0 availability signal, an unreachable one a 0.0. Each sweep
// also drops expired revocations and refreshes the per-status agent gauges.
type Prober struct {
	dir        Directory
	signals    SignalRecorder
	httpClient *http.Client
	cfg        Config
	log        *zap.Logger

	mu         sync.Mutex
	failCounts map[did.DID]int
}

// New builds a Prober. A nil logger is replaced with a no-op one.
func New(dir Directory, signals SignalRecorder, cfg Config, log *zap.Logger) *Prober {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{
		dir:        dir,
		signals:    signals,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		log:        log,
		failCounts: make(map[did.DID]int),
	}
}

// Start runs sweeps on the configured interval until ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			budget := p.cfg.Interval
			if budget > 2*time.Second {
				budget -= time.Second
			}
			sctx, cancel := context.WithTimeout(ctx, budget)
			p.Sweep(sctx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep probes every active agent once and performs housekeeping.
func (p *Prober) Sweep(ctx context.Context) {
	if swept := p.dir.Revocations().Sweep(); swept > 0 {
		p.log.Debug("expired revocations dropped", zap.Int("count", swept))
	}
	for status, n := range p.dir.Counts(ctx) {
		metrics.SetAgentsGauge(string(status), float64(n))
	}

	agents := p.dir.List(ctx, identity.Filter{Status: identity.StatusActive})
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, a := range agents {
		if a.Endpoint == "" {
			continue
		}
		wg.Add(1)
		go func(agent *identity.Identity) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			p.probeAgent(ctx, agent)
		}(a)
	}
	wg.Wait()
}

func (p *Prober) probeAgent(ctx context.Context, a *identity.Identity) {
	up := p.probe(ctx, a.Endpoint)
	metrics.RecordAvailabilityProbe(up)

	value := 0.0
	if up {
		value = 1.0
	}
	if _, err := p.signals.Record(ctx, a.DID, string(reward.DimAvailability), value, "prober"); err != nil {
		p.log.Warn("availability signal dropped",
			zap.String("did", string(a.DID)),
			zap.Error(err))
	}

	p.mu.Lock()
	prev := p.failCounts[a.DID]
	if up {
		p.failCounts[a.DID] = 0
	} else {
		p.failCounts[a.DID]++
	}
	count := p.failCounts[a.DID]
	p.mu.Unlock()

	switch {
	case up && prev >= p.cfg.FailThreshold:
		p.log.Info("agent endpoint recovered",
			zap.String("did", string(a.DID)),
			zap.String("endpoint", a.Endpoint))
	case !up && count == p.cfg.FailThreshold:
		p.log.Warn("agent endpoint down",
			zap.String("did", string(a.DID)),
			zap.String("endpoint", a.Endpoint),
			zap.Int("consecutive_failures", count))
	}
}

// probe attempts HEAD then GET, reporting true on any 2xx response.
func (p *Prober) probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
