package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LaansDole/distributed-llm-mac/dialect"
)

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func newTestPool(t *testing.T, workers []WorkerConfig, cfg PoolConfig) *Pool {
	t.Helper()
	p, err := NewPool(workers, cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func hostPort(url string) (string, int) {
	var host string
	var port int
	fmt.Sscanf(url, "http://%s", &host)
	// url is like 127.0.0.1:PORT; split manually.
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			fmt.Sscanf(host[i+1:], "%d", &port)
			host = host[:i]
			break
		}
	}
	return host, port
}

func TestProcessRequest_SingleHealthyWorkerSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"hello"}],"model":"m"}`))
	}))
	defer srv.Close()

	host, port := hostPort(srv.URL)
	p := newTestPool(t, []WorkerConfig{
		{ID: "w1", Host: host, Port: port, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 2},
	}, PoolConfig{EnableMetrics: true, RequestTimeout: 5 * time.Second})

	result, err := p.ProcessRequest(context.Background(), "hi", RequestParams{MaxTokens: 10})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if result.ResponseText != "hello" {
		t.Errorf("ResponseText: got %q, want %q", result.ResponseText, "hello")
	}

	view, err := p.GetMetrics()
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if view.RequestMetrics.TotalRequests != 1 || view.RequestMetrics.SuccessfulRequests != 1 || view.RequestMetrics.FailedRequests != 0 {
		t.Errorf("metrics: got %+v", view.RequestMetrics)
	}
}

func TestProcessRequest_FailoverToSecondWorker(t *testing.T) {
	var calls int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			return // health probe: 200, not counted
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}],"model":"m"}`))
	}))
	defer flaky.Close()

	reliable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}],"model":"m"}`))
	}))
	defer reliable.Close()

	h1, p1 := hostPort(flaky.URL)
	h2, p2 := hostPort(reliable.URL)

	p := newTestPool(t, []WorkerConfig{
		{ID: "flaky", Host: h1, Port: p1, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 2},
		{ID: "reliable", Host: h2, Port: p2, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 2},
	}, PoolConfig{EnableMetrics: true, RequestTimeout: 5 * time.Second, MaxRetries: 3})

	result, err := p.ProcessRequest(context.Background(), "x", RequestParams{})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if result.ResponseText != "ok" {
		t.Errorf("ResponseText: got %q, want %q", result.ResponseText, "ok")
	}

	view, _ := p.GetMetrics()
	if view.RequestMetrics.SuccessfulRequests != 1 {
		t.Errorf("SuccessfulRequests: got %d, want 1", view.RequestMetrics.SuccessfulRequests)
	}
	if view.RequestMetrics.TotalRequests > 2 {
		t.Errorf("TotalRequests: got %d, want <= 2", view.RequestMetrics.TotalRequests)
	}
}

func TestProcessRequest_AllWorkersFailExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			return // health probe: 200, not counted
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := hostPort(srv.URL)
	p := newTestPool(t, []WorkerConfig{
		{ID: "w1", Host: host, Port: port, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 2},
	}, PoolConfig{EnableMetrics: true, RequestTimeout: 5 * time.Second, MaxRetries: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.ProcessRequest(ctx, "x", RequestParams{})
	if err == nil {
		t.Fatal("ProcessRequest: expected error, got nil")
	}
	are, ok := err.(*AllRetriesExhaustedError)
	if !ok {
		t.Fatalf("error type: got %T, want *AllRetriesExhaustedError", err)
	}
	de, ok := are.Last.(*DispatchError)
	if !ok || de.Kind != ErrHTTPStatus || de.Status != 500 {
		t.Fatalf("underlying cause: got %+v", are.Last)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("upstream calls: got %d, want 3 (max_retries=2 => 3 attempts)", got)
	}
}

func TestProcessBatch_PreservesOrderAndBoundsConcurrency(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"` + echoPrompt(r) + `"}],"model":"m"}`))
	}))
	defer srv.Close()

	host, port := hostPort(srv.URL)
	p := newTestPool(t, []WorkerConfig{
		{ID: "w1", Host: host, Port: port, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 10},
	}, PoolConfig{EnableMetrics: true, RequestTimeout: 5 * time.Second})

	prompts := make([]string, 10)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("p%d", i)
	}

	outcomes, err := p.ProcessBatch(context.Background(), prompts, RequestParams{}, 3, nil)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(outcomes) != 10 {
		t.Fatalf("outcomes length: got %d, want 10", len(outcomes))
	}
	for i, o := range outcomes {
		if !o.Success {
			t.Fatalf("outcomes[%d]: expected success, got %+v", i, o)
		}
		if o.Result.ResponseText != prompts[i] {
			t.Errorf("outcomes[%d].ResponseText: got %q, want %q", i, o.Result.ResponseText, prompts[i])
		}
	}
	if atomic.LoadInt32(&maxObserved) > 3 {
		t.Errorf("observed concurrency %d exceeds max_concurrent=3", maxObserved)
	}
}

func echoPrompt(r *http.Request) string {
	var body struct {
		Prompt string `json:"prompt"`
	}
	_ = readJSON(r, &body)
	return body.Prompt
}

func TestProcessRequest_BackpressureAtWorkerCeiling(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}],"model":"m"}`))
	}))
	defer srv.Close()

	host, port := hostPort(srv.URL)
	p := newTestPool(t, []WorkerConfig{
		{ID: "w1", Host: host, Port: port, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 1},
	}, PoolConfig{EnableMetrics: true, RequestTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	successes := make([]bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := p.ProcessRequest(context.Background(), "x", RequestParams{})
			successes[idx] = err == nil
		}(i)
	}
	wg.Wait()

	for i, ok := range successes {
		if !ok {
			t.Errorf("request %d: expected success", i)
		}
	}
	if atomic.LoadInt32(&maxObserved) > 1 {
		t.Errorf("observed worker concurrency %d exceeds ceiling=1", maxObserved)
	}
}

func TestNoWorkersAvailableWhenAllUnhealthy(t *testing.T) {
	host, port := "127.0.0.1", 1 // nothing listens here
	p := newTestPool(t, []WorkerConfig{
		{ID: "w1", Host: host, Port: port, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 1},
	}, PoolConfig{EnableMetrics: true, RequestTimeout: 2 * time.Second, MaxRetries: 1})

	for _, w := range p.workers {
		w.SetHealthy(false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.ProcessRequest(ctx, "x", RequestParams{})
	if err == nil {
		t.Fatal("ProcessRequest: expected error, got nil")
	}
	are, ok := err.(*AllRetriesExhaustedError)
	if !ok {
		t.Fatalf("error type: got %T, want *AllRetriesExhaustedError", err)
	}
	de, ok := are.Last.(*DispatchError)
	if !ok || de.Kind != ErrNoWorkersAvailable {
		t.Fatalf("underlying cause: got %+v, want ErrNoWorkersAvailable", are.Last)
	}
}

// TestCloseWaitsForInFlightRequests exercises Close's in-flight grace
// period.
func TestCloseWaitsForInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			return // health probe from Open
		}
		close(started)
		time.Sleep(150 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}],"model":"m"}`))
	}))
	defer srv.Close()

	host, port := hostPort(srv.URL)
	p, err := NewPool([]WorkerConfig{
		{ID: "w1", Host: host, Port: port, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 2},
	}, PoolConfig{EnableMetrics: true, RequestTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var result ProcessResult
	var reqErr error
	done := make(chan struct{})
	go func() {
		result, reqErr = p.ProcessRequest(context.Background(), "x", RequestParams{})
		close(done)
	}()

	<-started
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	default:
		t.Fatal("ProcessRequest: expected the in-flight request to finish before Close returned")
	}
	if reqErr != nil {
		t.Fatalf("ProcessRequest: %v", reqErr)
	}
	if result.ResponseText != "ok" {
		t.Errorf("ResponseText: got %q, want %q", result.ResponseText, "ok")
	}
}

// TestProcessRequestRejectedAfterClose confirms Close's state flip is
// admission-closing: no new request starts once it has run.
func TestProcessRequestRejectedAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}],"model":"m"}`))
	}))
	defer srv.Close()

	host, port := hostPort(srv.URL)
	p := newTestPool(t, []WorkerConfig{
		{ID: "w1", Host: host, Port: port, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 2},
	}, PoolConfig{EnableMetrics: true, RequestTimeout: 5 * time.Second})

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := p.ProcessRequest(context.Background(), "x", RequestParams{})
	if err != ErrPoolClosed {
		t.Fatalf("ProcessRequest after Close: got %v, want ErrPoolClosed", err)
	}
}

// TestRetryBudget confirms a dispatch never exceeds max_retries+1 attempts.
func TestRetryBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			return // health probe: 200, not counted
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := hostPort(srv.URL)
	p := newTestPool(t, []WorkerConfig{
		{ID: "w1", Host: host, Port: port, Dialect: dialect.OpenAIStyle, Model: "m", MaxConcurrentRequests: 2},
	}, PoolConfig{EnableMetrics: true, RequestTimeout: 5 * time.Second, MaxRetries: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = p.ProcessRequest(ctx, "x", RequestParams{})
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls: got %d, want 1 (max_retries=0 => 1 attempt)", got)
	}
}
