package core

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// healthProbeTimeout is the per-worker deadline for one health check.
const healthProbeTimeout = 5 * time.Second

// healthProber runs the background periodic task that hits each worker's
// listing endpoint and updates its health flag and response-time stats. A
// single round runs synchronously at Pool.Open, then every
// health_check_interval seconds thereafter.
type healthProber struct {
	workers  []*Worker
	client   *HTTPClientPool
	interval time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func newHealthProber(workers []*Worker, client *HTTPClientPool, interval time.Duration, logger zerolog.Logger) *healthProber {
	return &healthProber{
		workers:  workers,
		client:   client,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// probeOnce runs one round synchronously, hitting every worker's health
// endpoint in parallel with a 5-second timeout each.
func (p *healthProber) probeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			p.probeWorker(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (p *healthProber) probeWorker(ctx context.Context, w *Worker) {
	url, err := w.URLForHealth()
	if err != nil {
		w.SetHealthy(false)
		p.logger.Warn().Str("worker", w.ID()).Err(err).Msg("health probe: cannot build health URL")
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		w.SetHealthy(false)
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		w.SetHealthy(false)
		p.logger.Warn().Str("worker", w.ID()).Err(err).Msg("health probe failed")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.SetHealthy(false)
		p.logger.Warn().Str("worker", w.ID()).Int("status", resp.StatusCode).Msg("health probe: non-2xx status")
		return
	}

	w.SetHealthy(true)
	w.recordHealthProbeDuration(elapsed)
}

// start begins the periodic loop; the first round has already run via
// probeOnce in Pool.Open.
func (p *healthProber) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probeOnce(ctx)
			}
		}
	}()
}

// stop cancels the periodic loop promptly and waits for the current round
// to finish or abort within its own per-request deadline.
func (p *healthProber) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
