package core

import (
	"net"
	"net/http"
	"time"
)

// HTTPClientPool is the single shared HTTP client every upstream call goes
// through: connection-pooled, with a fixed per-host pool size, keep-alive,
// and layered deadlines; DNS caching is left to the platform resolver. It
// is safe for concurrent use by
// contract once constructed.
type HTTPClientPool struct {
	client *http.Client
}

// httpClientPoolConfig controls the transport tuning knobs. Callers start
// from defaultHTTPClientPoolConfig; newHTTPClientPool applies the fields as
// given, so a zero value means no limit, as in net/http.
type httpClientPoolConfig struct {
	MaxConnsPerHost     int
	DNSCacheTTL         time.Duration
	KeepAlive           time.Duration
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	RequestTimeout      time.Duration
}

func defaultHTTPClientPoolConfig() httpClientPoolConfig {
	return httpClientPoolConfig{
		MaxConnsPerHost: 100,
		DNSCacheTTL:     300 * time.Second,
		KeepAlive:       30 * time.Second,
		ConnectTimeout:  10 * time.Second,
		ReadTimeout:     60 * time.Second,
		RequestTimeout:  300 * time.Second,
	}
}

// newHTTPClientPool builds the shared client. The connect/read deadlines are
// enforced by the dialer and the transport's ResponseHeaderTimeout; the
// overall per-request deadline is left to callers via context, since it
// varies with the configured request_timeout.
func newHTTPClientPool(cfg httpClientPoolConfig) *HTTPClientPool {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.KeepAlive,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		// DNS answers are cached by the platform resolver; DNSCacheTTL is
		// carried in config for parity with the Python original's aiohttp
		// connector (ttl_dns_cache) and documents the intended staleness
		// bound rather than controlling Go's resolver directly.
	}

	return &HTTPClientPool{
		client: &http.Client{
			Transport: transport,
		},
	}
}

// Do issues req using the shared client.
func (p *HTTPClientPool) Do(req *http.Request) (*http.Response, error) {
	return p.client.Do(req)
}

// Close tears down idle connections. In-flight sockets belonging to
// cancelled requests are closed by their own context cancellation; this
// additionally releases the idle pool on pool shutdown.
func (p *HTTPClientPool) Close() {
	p.client.CloseIdleConnections()
}
