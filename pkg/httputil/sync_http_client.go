// Package httputil provides pooled HTTP clients tuned per upstream API.
package httputil

import (
	"context"
	"net"
	"net/http"
	"time"
)

// =============================================================================
// Optimized HTTP Client Pool
// =============================================================================

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeout settings
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration

	// Keep-alive settings
	DisableKeepAlives bool
	KeepAliveInterval time.Duration
}

// DefaultClientConfig returns optimized default configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewOptimizedClient creates an optimized HTTP client with connection pooling.
func NewOptimizedClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     true,
		DisableCompression:    false,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ResponseTimeout,
	}
}

// =============================================================================
// API-Specific Client Configurations
// =============================================================================

// GoogleClientConfig returns configuration tuned for Google APIs
// (Gmail, Drive, Calendar). Batch fetches want high concurrency and
// longer response timeouts.
func GoogleClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     60 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// GraphClientConfig returns configuration tuned for Microsoft Graph
// (Outlook mail, OneDrive, Calendar). Graph throttles harder, so fewer
// connections.
func GraphClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     45 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// OpenAIClientConfig returns configuration for OpenAI API calls.
// Completions need a long response timeout but moderate concurrency.
func OpenAIClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        30,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     120 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// =============================================================================
// Global Shared Client Pool (Singleton)
// =============================================================================

var (
	defaultClient *http.Client
	googleClient  *http.Client
	graphClient   *http.Client
	openaiClient  *http.Client
)

func init() {
	defaultClient = NewOptimizedClient(DefaultClientConfig())
	googleClient = NewOptimizedClient(GoogleClientConfig())
	graphClient = NewOptimizedClient(GraphClientConfig())
	openaiClient = NewOptimizedClient(OpenAIClientConfig())
}

// DefaultClient returns the shared default HTTP client.
func DefaultClient() *http.Client {
	return defaultClient
}

// GoogleClient returns the shared HTTP client for Google APIs.
func GoogleClient() *http.Client {
	return googleClient
}

// GraphClient returns the shared HTTP client for Microsoft Graph.
func GraphClient() *http.Client {
	return graphClient
}

// OpenAIClient returns the shared HTTP client for OpenAI API.
func OpenAIClient() *http.Client {
	return openaiClient
}

// =============================================================================
// Request Helper with Context
// =============================================================================

// DoWithContext executes HTTP request with context and timeout.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = defaultClient
	}
	return client.Do(req.WithContext(ctx))
}

// =============================================================================
// Client Pool Statistics
// =============================================================================

// ClientPoolStats holds HTTP client pool statistics.
type ClientPoolStats struct {
	Name                string `json:"name"`
	MaxIdleConns        int    `json:"max_idle_conns"`
	MaxIdleConnsPerHost int    `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int    `json:"max_conns_per_host"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
}

// GetAllPoolStats returns statistics for all HTTP client pools.
func GetAllPoolStats() []ClientPoolStats {
	return []ClientPoolStats{
		getPoolStats("default", DefaultClientConfig()),
		getPoolStats("google", GoogleClientConfig()),
		getPoolStats("graph", GraphClientConfig()),
		getPoolStats("openai", OpenAIClientConfig()),
	}
}

func getPoolStats(name string, cfg *ClientConfig) ClientPoolStats {
	return ClientPoolStats{
		Name:                name,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		TimeoutSeconds:      int(cfg.ResponseTimeout.Seconds()),
	}
}
