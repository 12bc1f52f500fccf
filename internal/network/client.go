// Package network builds the HTTP clients used to reach the ledger node.
package network

import (
	"net/http"
	"time"

	"github.com/sharding-experiment/parallel-executor/config"
)

// NewHTTPClient creates an HTTP client for ledger RPC traffic. Idle
// connections are kept for every concurrent submission the executor may
// have in flight. If cfg.DelayEnabled is true, each request is delayed to
// simulate network latency.
func NewHTTPClient(cfg config.NetworkConfig, timeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxConnsPerHost > 0 {
		base.MaxConnsPerHost = cfg.MaxConnsPerHost
		base.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	}

	var transport http.RoundTripper = base
	if cfg.DelayEnabled {
		transport = NewDelayedRoundTripper(base, DelayConfig{
			Enabled:  true,
			MinDelay: time.Duration(cfg.MinDelayMs) * time.Millisecond,
			MaxDelay: time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		})
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
