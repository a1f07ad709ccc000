package core

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LaansDole/distributed-llm-mac/dialect"
)

// RequestParams carries the caller-supplied generation parameters for one
// prompt. Temperature and TopP are pointers so an omitted field can be
// told apart from an explicit zero: nil means "use the default", a pointer
// to 0.0 means the caller asked for greedy/no-nucleus sampling and that
// value is honored as-is (after clamping to [0, 1]). Out-of-range values
// are clamped by normalizeParams.
type RequestParams struct {
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	Stop             []string
	FrequencyPenalty float64
}

const (
	defaultMaxTokens        = 500
	defaultTemperature      = 0.7
	defaultTopP             = 0.9
	defaultFrequencyPenalty = 0.0
)

// normalizeParams applies defaults for omitted fields and clamps
// out-of-range values.
func normalizeParams(p RequestParams) dialect.Params {
	maxTokens := p.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	if maxTokens < 1 {
		maxTokens = 1
	}

	temperature := defaultTemperature
	if p.Temperature != nil {
		temperature = *p.Temperature
	}
	temperature = clamp01(temperature)

	topP := defaultTopP
	if p.TopP != nil {
		topP = *p.TopP
	}
	topP = clamp01(topP)

	freqPenalty := p.FrequencyPenalty
	if freqPenalty < 0 {
		freqPenalty = 0
	}

	return dialect.Params{
		MaxTokens:        maxTokens,
		Temperature:      temperature,
		TopP:             topP,
		Stop:             p.Stop,
		FrequencyPenalty: freqPenalty,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ProcessResult is the normalized outcome of one successful dispatch.
type ProcessResult struct {
	WorkerID     string
	Model        string
	ResponseText string
	Duration     time.Duration
}

// dispatcher runs the single-request path: select -> acquire -> send ->
// record -> retry on failure.
type dispatcher struct {
	workers    []*Worker
	selector   *Selector
	client     *HTTPClientPool
	metrics    *Metrics
	maxRetries int
	reqTimeout time.Duration
	logger     zerolog.Logger
}

// routingMissBackoff bounds the spin between a lost slot race and the next
// Selector call; it does not count against max_retries.
const routingMissBackoff = 5 * time.Millisecond

// maxRoutingMisses bounds how many times acquireWorker will retry a lost
// TryAcquireSlot race within a single attempt before giving up and
// surfacing ErrSelectionStarvation.
const maxRoutingMisses = 20

// acquireWorker selects a worker and acquires its slot, internally retrying
// past transient routing misses — a Selector snapshot that was stale by the
// time TryAcquireSlot ran — without consuming a caller-visible attempt. It
// gives up after maxRoutingMisses consecutive misses and reports
// ErrSelectionStarvation; if the eligible set is provably empty it reports
// ErrNoWorkersAvailable instead.
func (d *dispatcher) acquireWorker(ctx context.Context) (*Worker, error) {
	for misses := 0; ; misses++ {
		worker, err := d.selector.Select(d.workers)
		if err != nil {
			return nil, err
		}
		if worker.TryAcquireSlot() {
			return worker, nil
		}
		if !anyEligible(d.workers) {
			return nil, newDispatchError(ErrNoWorkersAvailable, nil)
		}
		if misses+1 >= maxRoutingMisses {
			return nil, newDispatchError(ErrSelectionStarvation, nil)
		}
		if err := sleepWithContext(ctx, routingMissBackoff); err != nil {
			return nil, newDispatchError(ErrConnect, err)
		}
	}
}

// dispatch runs one caller request through up to maxRetries+1 attempts.
func (d *dispatcher) dispatch(ctx context.Context, prompt string, params RequestParams) (ProcessResult, error) {
	normalized := normalizeParams(params)
	traceID := newTraceID()

	var lastErr error
	attempt := 0

	for attempt <= d.maxRetries {
		worker, acquireErr := d.acquireWorker(ctx)
		if acquireErr != nil {
			lastErr = acquireErr
			// No eligible worker at all, or the context is already done:
			// neither will be fixed by retrying, so stop immediately.
			if ctx.Err() != nil || isNoWorkersAvailable(acquireErr) {
				attempt++
				break
			}
			// ErrSelectionStarvation is itself an attempt-level outcome:
			// it consumes a retry and backs off like any other failed
			// attempt.
			if !d.advanceRetry(ctx, &attempt, &lastErr) {
				break
			}
			continue
		}

		d.logger.Debug().Str("trace_id", traceID).Str("worker", worker.ID()).Int("attempt", attempt+1).Msg("dispatching request")

		result, dispatchErr := d.attempt(ctx, worker, prompt, normalized)
		if dispatchErr == nil {
			return result, nil
		}

		lastErr = dispatchErr
		if !d.advanceRetry(ctx, &attempt, &lastErr) {
			break
		}
	}

	return ProcessResult{}, &AllRetriesExhaustedError{Attempts: attempt, Last: lastErr}
}

// advanceRetry increments attempt and sleeps for the backoff before the
// next one. It reports false when max_retries is exhausted or the sleep is
// cut short by context cancellation, overwriting lastErr with the
// cancellation cause in the latter case.
func (d *dispatcher) advanceRetry(ctx context.Context, attempt *int, lastErr *error) bool {
	*attempt++
	if *attempt > d.maxRetries {
		return false
	}
	// attempt is now the count of failed attempts so far; the nth retry
	// (0-indexed) sleeps 0.5*2^n seconds, and the retry about to happen
	// is number attempt-1.
	if err := sleepWithContext(ctx, retryBackoff(*attempt-1)); err != nil {
		*lastErr = newDispatchError(ErrConnect, err)
		return false
	}
	return true
}

func isNoWorkersAvailable(err error) bool {
	de, ok := err.(*DispatchError)
	return ok && de.Kind == ErrNoWorkersAvailable
}

// retryBackoff returns the sleep duration before the nth retry (0-indexed):
// 0.5 * 2^n seconds, i.e. 0.5, 1, 2, 4, ...
func retryBackoff(n int) time.Duration {
	seconds := 0.5 * float64pow2(n)
	return time.Duration(seconds * float64(time.Second))
}

func float64pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func anyEligible(workers []*Worker) bool {
	for _, w := range workers {
		snap := w.snapshot()
		if snap.eligible() {
			return true
		}
	}
	return false
}

// sleepWithContext sleeps for d or returns ctx.Err() if ctx is cancelled
// first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attempt performs exactly one HTTP call against worker: acquire was already
// done by the caller; attempt always releases the slot before returning.
func (d *dispatcher) attempt(ctx context.Context, worker *Worker, prompt string, params dialect.Params) (ProcessResult, error) {
	defer func() {
		worker.ReleaseSlot()
		if d.metrics != nil {
			d.metrics.SetInFlightGauge(worker.ID(), worker.InFlight())
		}
	}()
	if d.metrics != nil {
		d.metrics.SetInFlightGauge(worker.ID(), worker.InFlight())
	}

	start := time.Now()
	text, model, dispatchErr := d.send(ctx, worker, prompt, params)
	duration := time.Since(start)

	success := dispatchErr == nil
	worker.RecordRequest(duration, success)

	var kind ErrorKind
	if !success {
		if de, ok := dispatchErr.(*DispatchError); ok {
			kind = de.Kind
		} else {
			kind = ErrConnect
		}
	}

	if d.metrics != nil {
		d.metrics.Record(MetricsRecord{
			StartTime: start,
			EndTime:   start.Add(duration),
			WorkerID:  worker.ID(),
			Success:   success,
			ErrorKind: kind,
		})
	}

	if dispatchErr != nil {
		d.logger.Debug().Str("worker", worker.ID()).Err(dispatchErr).Msg("dispatch attempt failed")
		return ProcessResult{}, dispatchErr
	}

	return ProcessResult{
		WorkerID:     worker.ID(),
		Model:        model,
		ResponseText: text,
		Duration:     duration,
	}, nil
}

// send issues the HTTP call and normalizes the response, classifying any
// failure into the dispatch error taxonomy.
func (d *dispatcher) send(ctx context.Context, worker *Worker, prompt string, params dialect.Params) (text string, model string, err error) {
	url, err := worker.URLForRequest()
	if err != nil {
		return "", "", newDispatchError(ErrMalformedResponse, err)
	}

	body, err := worker.BuildRequestBody(prompt, params)
	if err != nil {
		return "", "", newDispatchError(ErrMalformedResponse, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.reqTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", newDispatchError(ErrConnect, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return "", "", newDispatchError(ErrTimeout, err)
		}
		return "", "", newDispatchError(ErrConnect, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", newDispatchError(ErrMalformedResponse, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", newHTTPStatusError(resp.StatusCode, truncate(string(respBody), 200))
	}

	model, text, err = worker.NormalizeResponse(respBody)
	if err != nil {
		return "", "", newDispatchError(ErrMalformedResponse, err)
	}
	return text, model, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// newTraceID generates a correlation id for logging a request's attempts;
// it is not part of the normalized result, which only reports worker_id.
func newTraceID() string {
	return uuid.NewString()
}
