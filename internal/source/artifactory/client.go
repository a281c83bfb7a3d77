// Package artifactory reads repositories, package versions and binaries from
// a JFrog Artifactory instance.
package artifactory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/go-resty/resty/v2"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/rs/dnscache"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/retry"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("artifactory unavailable")

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Method string
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Status)
}

// NotFound reports whether the response was a 404.
func (e *StatusError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// Config holds the Artifactory connection settings.
type Config struct {
	BaseURL      string // protocol://host/prefix
	Username     string
	Password     string
	Timeout      time.Duration
	DNSRefresh   time.Duration
	TripFailures int64
	Retry        retry.Policy
}

// Client implements source.Source over the Artifactory REST API.
type Client struct {
	http    *resty.Client
	exec    *retry.Executor
	breaker *circuit.Breaker

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Client. Close stops its background DNS refresh.
// Parameters:
//   - cfg: connection settings.
// Returns:
//   - *Client: client ready for use.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.DNSRefresh <= 0 {
		cfg.DNSRefresh = 5 * time.Minute
	}
	if cfg.TripFailures <= 0 {
		cfg.TripFailures = 5
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	c := &Client{stop: make(chan struct{})}

	resolver := &dnscache.Resolver{}
	go c.refreshDNS(resolver, cfg.DNSRefresh)

	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "artifactory-codeartifact-migrator").
		SetTransport(newTransport(resolver))

	// The breaker re-probes on an exponential schedule once tripped.
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()
	c.breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(cfg.TripFailures),
	})

	c.exec = retry.New(cfg.Retry,
		retry.WithRetryable(isRetryable),
		retry.WithNotify(func(err error, attempt int, wait time.Duration) {
			logger.GetDefault().WithField(logger.FieldAttempt, attempt).
				Debugf("[Artifactory] Retrying in %s: %v", wait, err)
		}),
	)
	return c
}

func newTransport(resolver *dnscache.Resolver) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, fmt.Errorf("failed to dial any resolved IP for %s: %w", host, lastErr)
		},
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (c *Client) refreshDNS(resolver *dnscache.Resolver, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}

// Close stops background work.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// isRetryable retries throttling, server errors and transport failures.
func isRetryable(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	return true
}

// get fetches path relative to the base URL and returns the body. Only
// transport failures and 5xx responses count against the breaker.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	err := c.exec.Do(ctx, func(ctx context.Context) error {
		if !c.breaker.Ready() {
			return ErrUnavailable
		}
		var clientErr error
		err := c.breaker.Call(func() error {
			resp, err := c.http.R().SetContext(ctx).Get(path)
			if err != nil {
				return fmt.Errorf("GET %s: %w", path, err)
			}
			if resp.IsError() {
				se := &StatusError{Method: http.MethodGet, Path: path, Status: resp.StatusCode()}
				if se.Status >= 500 {
					return se
				}
				clientErr = se
				return nil
			}
			body = resp.Body()
			return nil
		}, 0)
		if errors.Is(err, circuit.ErrBreakerOpen) {
			return ErrUnavailable
		}
		if err != nil {
			return err
		}
		return clientErr
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
