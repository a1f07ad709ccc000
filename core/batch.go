package core

import (
	"context"
	"sync"
	"time"
)

// BatchOutcome is one entry of Pool.ProcessBatch's ordered result list.
// Result is meaningful when Success is true; ErrorKind and Message when it
// is false.
type BatchOutcome struct {
	PromptIndex int
	Success     bool
	Result      ProcessResult
	ErrorKind   ErrorKind
	Message     string
}

// OnProgress is invoked after every completion, success or error, with the
// running completed/total count and elapsed wall time in seconds.
type OnProgress func(completed, total int, elapsedSeconds float64)

// ProcessBatch fans out prompts over the Dispatcher with a single counting
// semaphore of size maxConcurrent gating entry. Results preserve input order
// and every prompt yields an outcome; the batch never short-circuits on the
// first error.
func (p *Pool) ProcessBatch(ctx context.Context, prompts []string, params RequestParams, maxConcurrent int, onProgress OnProgress) ([]BatchOutcome, error) {
	if err := p.beginRequest(); err != nil {
		return nil, err
	}
	defer p.endRequest()
	if maxConcurrent <= 0 {
		maxConcurrent = p.cfg.MaxConcurrentBatch
	}

	outcomes := make([]BatchOutcome, len(prompts))
	sem := make(chan struct{}, maxConcurrent)

	var completed int64
	var progressMu sync.Mutex
	total := len(prompts)
	start := time.Now()

	var wg sync.WaitGroup
	for i, prompt := range prompts {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, prompt string) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := p.dispatcher.dispatch(ctx, prompt, params)
			if err != nil {
				outcomes[idx] = BatchOutcome{
					PromptIndex: idx,
					Success:     false,
					ErrorKind:   errorKindOf(err),
					Message:     err.Error(),
				}
			} else {
				outcomes[idx] = BatchOutcome{
					PromptIndex: idx,
					Success:     true,
					Result:      result,
				}
			}

			if onProgress != nil {
				progressMu.Lock()
				completed++
				n := completed
				progressMu.Unlock()
				onProgress(int(n), total, time.Since(start).Seconds())
			}
		}(i, prompt)
	}

	wg.Wait()
	return outcomes, nil
}

// errorKindOf extracts the stable top-level ErrorKind from a dispatch
// failure. The outcome's error object is {prompt_index, error_kind,
// message}; the underlying cause is folded into message, not a separate
// kind, so a retry-exhausted failure reports AllRetriesExhausted with its
// root cause only visible in the message.
func errorKindOf(err error) ErrorKind {
	if _, ok := err.(*AllRetriesExhaustedError); ok {
		return ErrAllRetriesExhausted
	}
	if de, ok := err.(*DispatchError); ok {
		return de.Kind
	}
	return ErrConnect
}
