package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// defaultHealthCheckInterval, defaultRequestTimeout, defaultMaxRetries and
// defaultMaxConcurrentBatch are the core configuration defaults.
const (
	defaultHealthCheckInterval = 30 * time.Second
	defaultRequestTimeout      = 300 * time.Second
	defaultMaxRetries          = 3
	defaultMaxConcurrentBatch  = 50
)

// closeGracePeriod bounds how long Close waits for in-flight dispatches to
// finish before tearing down the HTTP Client Pool regardless.
const closeGracePeriod = 10 * time.Second

// PoolConfig is the Dispatcher/Batch Engine configuration block a Pool is
// constructed with.
type PoolConfig struct {
	HealthCheckInterval time.Duration
	RequestTimeout      time.Duration
	MaxRetries          int
	MaxConcurrentBatch  int
	EnableMetrics       bool
	Logger              zerolog.Logger
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxConcurrentBatch <= 0 {
		c.MaxConcurrentBatch = defaultMaxConcurrentBatch
	}
	return c
}

// poolState tracks the Pool's lifecycle: ProcessRequest, ProcessBatch,
// GetMetrics and GetWorkerStatus are only valid in stateOpen.
type poolState int

const (
	stateConstructed poolState = iota
	stateOpen
	stateClosed
)

// Pool is the fixed ordered collection of Workers plus the shared
// Dispatcher/Batch Engine/Metrics Registry/HTTP Client Pool/Health Prober
// collaborators.
type Pool struct {
	mu      sync.Mutex
	state   poolState
	workers []*Worker

	cfg     PoolConfig
	client  *HTTPClientPool
	metrics *Metrics
	prober  *healthProber
	dispatcher *dispatcher

	inFlight sync.WaitGroup
}

// NewPool constructs a Pool from worker configs. It does not start health
// probing; call Open for that.
func NewPool(workerConfigs []WorkerConfig, cfg PoolConfig) (*Pool, error) {
	if len(workerConfigs) == 0 {
		return nil, fmt.Errorf("core: pool requires at least one worker")
	}
	cfg = cfg.withDefaults()

	workers := make([]*Worker, 0, len(workerConfigs))
	seen := make(map[string]bool, len(workerConfigs))
	for _, wc := range workerConfigs {
		if seen[wc.ID] {
			return nil, fmt.Errorf("core: duplicate worker id %q", wc.ID)
		}
		seen[wc.ID] = true
		w, err := NewWorker(wc)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	clientCfg := defaultHTTPClientPoolConfig()
	clientCfg.RequestTimeout = cfg.RequestTimeout
	client := newHTTPClientPool(clientCfg)

	metrics := NewMetrics(cfg.EnableMetrics, nil)

	p := &Pool{
		state:   stateConstructed,
		workers: workers,
		cfg:     cfg,
		client:  client,
		metrics: metrics,
	}
	p.dispatcher = &dispatcher{
		workers:    workers,
		selector:   NewSelector(),
		client:     client,
		metrics:    metrics,
		maxRetries: cfg.MaxRetries,
		reqTimeout: cfg.RequestTimeout,
		logger:     cfg.Logger,
	}
	p.prober = newHealthProber(workers, client, cfg.HealthCheckInterval, cfg.Logger)

	return p, nil
}

// NewPoolWithRegisterer is NewPool plus registration of the Metrics
// Registry's Prometheus collectors, for callers that want /metrics
// scraping (cmd/gatewayd wires this).
func NewPoolWithRegisterer(workerConfigs []WorkerConfig, cfg PoolConfig, registerer prometheus.Registerer) (*Pool, error) {
	p, err := NewPool(workerConfigs, cfg)
	if err != nil {
		return nil, err
	}
	if registerer != nil {
		p.metrics = NewMetrics(cfg.EnableMetrics, registerer)
		p.dispatcher.metrics = p.metrics
	}
	return p, nil
}

// Open runs the synchronous initial health probe round and starts the
// periodic prober.
func (p *Pool) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateConstructed {
		p.mu.Unlock()
		return fmt.Errorf("core: pool already open or closed")
	}
	p.state = stateOpen
	p.mu.Unlock()

	p.prober.probeOnce(ctx)
	p.prober.start(ctx)
	return nil
}

// Close cancels the prober, gives in-flight requests a brief grace period
// to finish, and closes the HTTP Client Pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.state != stateOpen {
		p.mu.Unlock()
		return ErrPoolNotOpen
	}
	p.state = stateClosed
	p.mu.Unlock()

	p.prober.stop()

	drained := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(closeGracePeriod):
		p.cfg.Logger.Warn().Msg("pool close: grace period elapsed with requests still in flight")
	}

	p.client.Close()
	return nil
}

func (p *Pool) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateConstructed:
		return ErrPoolNotOpen
	case stateClosed:
		return ErrPoolClosed
	default:
		return nil
	}
}

// beginRequest admits one in-flight dispatch if the Pool is open, registering
// it with the WaitGroup Close drains on shutdown. The admission check and
// the registration happen under the same lock Close uses to flip state, so
// no request is admitted after Close has already started draining.
func (p *Pool) beginRequest() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateConstructed:
		return ErrPoolNotOpen
	case stateClosed:
		return ErrPoolClosed
	}
	p.inFlight.Add(1)
	return nil
}

func (p *Pool) endRequest() {
	p.inFlight.Done()
}

// ProcessRequest dispatches a single prompt through the Dispatcher.
func (p *Pool) ProcessRequest(ctx context.Context, prompt string, params RequestParams) (ProcessResult, error) {
	if err := p.beginRequest(); err != nil {
		return ProcessResult{}, err
	}
	defer p.endRequest()
	return p.dispatcher.dispatch(ctx, prompt, params)
}

// RequestMetricsView is the request-level portion of Pool.GetMetrics.
type RequestMetricsView struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	SuccessRate        float64
	AverageResponseTime float64
	MinResponseTime    float64
	MaxResponseTime    float64
	RequestsPerSecond  float64
}

// WorkerMetricsView is one worker's entry in Pool.GetMetrics.
type WorkerMetricsView struct {
	ID              string
	Healthy         bool
	InFlight        int
	Ceiling         int
	Total           int64
	Successes       int64
	Failures        int64
	SuccessRate     float64
	AvgResponseTime float64
}

// MetricsView is the combined result of Pool.GetMetrics.
type MetricsView struct {
	RequestMetrics RequestMetricsView
	WorkerMetrics  []WorkerMetricsView
}

// GetMetrics returns the Metrics Registry snapshot plus a per-worker summary.
func (p *Pool) GetMetrics() (MetricsView, error) {
	if err := p.checkOpen(); err != nil {
		return MetricsView{}, err
	}

	snap := p.metrics.Snapshot()
	view := MetricsView{
		RequestMetrics: RequestMetricsView{
			TotalRequests:       snap.Total,
			SuccessfulRequests:  snap.Successful,
			FailedRequests:      snap.Failed,
			SuccessRate:         snap.SuccessRate,
			AverageResponseTime: snap.AverageResponseTime,
			MinResponseTime:     snap.MinResponseTime,
			MaxResponseTime:     snap.MaxResponseTime,
			RequestsPerSecond:   snap.RequestsPerSecond,
		},
	}

	for _, w := range p.workers {
		s := w.snapshot()
		var successRate float64
		if s.total > 0 {
			successRate = float64(s.successes) / float64(s.total)
		}
		view.WorkerMetrics = append(view.WorkerMetrics, WorkerMetricsView{
			ID:              s.id,
			Healthy:         s.healthy,
			InFlight:        s.inFlight,
			Ceiling:         s.ceiling,
			Total:           s.total,
			Successes:       s.successes,
			Failures:        s.failures,
			SuccessRate:     successRate,
			AvgResponseTime: s.meanLatency,
		})
	}
	return view, nil
}

// WorkerStatus is one entry of Pool.GetWorkerStatus's summary, usable for a
// CLI status view.
type WorkerStatus struct {
	ID       string
	Model    string
	Healthy  bool
	InFlight int
	Ceiling  int
	Total    int64
}

// GetWorkerStatus returns a lightweight per-worker summary.
func (p *Pool) GetWorkerStatus() ([]WorkerStatus, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		s := w.snapshot()
		out = append(out, WorkerStatus{
			ID:       s.id,
			Model:    w.Model(),
			Healthy:  s.healthy,
			InFlight: s.inFlight,
			Ceiling:  s.ceiling,
			Total:    s.total,
		})
	}
	return out, nil
}
