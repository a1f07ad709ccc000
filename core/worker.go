package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/LaansDole/distributed-llm-mac/dialect"
)

// defaultRollingWindow is the default number of recent request durations a
// Worker retains.
const defaultRollingWindow = 100

// WorkerConfig is the caller-supplied description of one upstream, as
// consumed from the external config loader.
type WorkerConfig struct {
	ID                    string
	Host                  string
	Port                  int
	Dialect               dialect.Dialect
	Model                 string
	MaxConcurrentRequests int
}

// Worker encapsulates one upstream endpoint: its dialect, addressing, live
// counters, rolling stats, and health flag.
type Worker struct {
	id      string
	host    string
	port    int
	dialect dialect.Dialect
	model   string
	ceiling int

	mu            sync.Mutex
	inFlight      int
	healthy       bool
	lastErrorAt   time.Time
	hasLastError  bool
	total         int64
	successes     int64
	failures      int64
	durations     *durationRing
}

// NewWorker constructs a Worker from a WorkerConfig. It starts healthy with
// zero counters.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("core: worker config missing id")
	}
	if !cfg.Dialect.Valid() {
		return nil, fmt.Errorf("core: worker %s has unknown dialect %q", cfg.ID, cfg.Dialect)
	}
	ceiling := cfg.MaxConcurrentRequests
	if ceiling <= 0 {
		ceiling = 5
	}
	return &Worker{
		id:        cfg.ID,
		host:      cfg.Host,
		port:      cfg.Port,
		dialect:   cfg.Dialect,
		model:     cfg.Model,
		ceiling:   ceiling,
		healthy:   true,
		durations: newDurationRing(defaultRollingWindow),
	}, nil
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id }

// Model returns the model name this worker serves.
func (w *Worker) Model() string { return w.model }

// Ceiling returns the per-worker concurrency ceiling.
func (w *Worker) Ceiling() int { return w.ceiling }

// URLForRequest produces the absolute URL used to submit a completion.
func (w *Worker) URLForRequest() (string, error) {
	path, err := dialect.RequestPath(w.dialect)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d%s", w.host, w.port, path), nil
}

// URLForHealth produces the absolute URL used to probe liveness.
func (w *Worker) URLForHealth() (string, error) {
	path, err := dialect.HealthPath(w.dialect)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d%s", w.host, w.port, path), nil
}

// BuildRequestBody produces the dialect-specific payload for prompt/params.
func (w *Worker) BuildRequestBody(prompt string, params dialect.Params) ([]byte, error) {
	return dialect.BuildRequestBody(w.dialect, w.model, prompt, params)
}

// NormalizeResponse extracts {model, response_text} from a dialect-specific
// response body.
func (w *Worker) NormalizeResponse(body []byte) (model string, text string, err error) {
	return dialect.NormalizeResponse(w.dialect, body)
}

// TryAcquireSlot atomically increments in_flight iff it is strictly less
// than ceiling. It is the back-pressure primitive; callers MUST treat a
// false return as a selection failure and try another worker.
func (w *Worker) TryAcquireSlot() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight >= w.ceiling {
		return false
	}
	w.inFlight++
	return true
}

// ReleaseSlot atomically decrements in_flight. It must be paired with a
// prior successful TryAcquireSlot.
func (w *Worker) ReleaseSlot() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight > 0 {
		w.inFlight--
	}
}

// InFlight returns the current in-flight count.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// RecordRequest appends duration to the rolling window, bumps the cumulative
// counters, and on failure stamps the last-error timestamp.
func (w *Worker) RecordRequest(duration time.Duration, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total++
	if success {
		w.successes++
	} else {
		w.failures++
		w.lastErrorAt = time.Now()
		w.hasLastError = true
	}
	w.durations.push(duration.Seconds())
}

// SetHealthy sets the worker's health flag.
func (w *Worker) SetHealthy(healthy bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthy = healthy
	if !healthy {
		w.lastErrorAt = time.Now()
		w.hasLastError = true
	}
}

// Healthy reports the worker's current health flag.
func (w *Worker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// recordHealthProbeDuration seeds the speed component from a successful
// health probe's elapsed time, without touching the success/failure
// counters (those only move on real dispatch outcomes).
func (w *Worker) recordHealthProbeDuration(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.durations.push(d.Seconds())
}

// snapshot is an immutable point-in-time view of a worker's state, used by
// the Selector and by Pool.GetWorkerStatus.
type workerSnapshot struct {
	id          string
	healthy     bool
	inFlight    int
	ceiling     int
	total       int64
	successes   int64
	failures    int64
	meanLatency float64
	sampleCount int
}

func (w *Worker) snapshot() workerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return workerSnapshot{
		id:          w.id,
		healthy:     w.healthy,
		inFlight:    w.inFlight,
		ceiling:     w.ceiling,
		total:       w.total,
		successes:   w.successes,
		failures:    w.failures,
		meanLatency: w.durations.mean(),
		sampleCount: w.durations.len(),
	}
}

// score computes the composite weight the Selector uses for weighted random
// draw. It is only meaningful for eligible workers but is defined for any
// snapshot.
func (s workerSnapshot) score() float64 {
	const (
		availabilityWeight = 0.4
		successWeight      = 0.4
		speedWeight        = 0.2
		epsilon            = 0.01
	)

	a := 1 - float64(s.inFlight)/float64(s.ceiling)
	if a < 0 {
		a = 0
	}
	if a > 1 {
		a = 1
	}

	var successRate float64
	if s.total == 0 {
		successRate = 1.0
	} else {
		successRate = float64(s.successes) / float64(s.total)
	}

	var speed float64
	if s.sampleCount == 0 {
		speed = 0.5
	} else {
		speed = 1 / (1 + s.meanLatency)
	}

	w := availabilityWeight*a + successWeight*successRate + speedWeight*speed
	if w < epsilon {
		w = epsilon
	}
	return w
}

// eligible reports whether the worker may be returned by the Selector:
// healthy AND strictly under its ceiling.
func (s workerSnapshot) eligible() bool {
	return s.healthy && s.inFlight < s.ceiling
}
