package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
	"osrsprices/internal/config"
	"osrsprices/internal/observability"
)

// Endpoint names one of the upstream price API resources.
type Endpoint string

const (
	EndpointLatest     Endpoint = "latest"
	EndpointFiveMinute Endpoint = "5m"
	EndpointOneHour    Endpoint = "1h"
	EndpointTimeseries Endpoint = "timeseries"
	EndpointMapping    Endpoint = "mapping"
)

func (e Endpoint) valid() bool {
	switch e {
	case EndpointLatest, EndpointFiveMinute, EndpointOneHour, EndpointTimeseries, EndpointMapping:
		return true
	}
	return false
}

// Params are the optional request filters. Zero values are omitted.
// Timestamp is only honoured by the 5m and 1h endpoints.
type Params struct {
	ItemID    int
	Timestamp int64
	Timestep  string
}

func (p Params) query(endpoint Endpoint) map[string]string {
	q := map[string]string{}
	if p.ItemID != 0 {
		q["id"] = strconv.Itoa(p.ItemID)
	}
	if p.Timestamp != 0 && (endpoint == EndpointFiveMinute || endpoint == EndpointOneHour) {
		q["timestamp"] = strconv.FormatInt(p.Timestamp, 10)
	}
	if p.Timestep != "" && endpoint == EndpointTimeseries {
		q["timestep"] = p.Timestep
	}
	return q
}

// Client talks to the real-time prices API. One Client reuses its underlying
// HTTP connections for the lifetime of the process.
type Client struct {
	logger        *slog.Logger
	metrics       *observability.Metrics
	http          *resty.Client
	limiter       *rate.Limiter
	baseURL       string
	userAgent     string
	maxRetries    uint64
	retryInterval time.Duration
	configErr     error
}

// NewClient creates a new Client. Missing identification does not fail here;
// it is reported as a ConfigurationError on every call instead.
func NewClient(logger *slog.Logger, cfg config.WikiConfig, metrics *observability.Metrics) *Client {
	c := &Client{
		logger:        logger,
		metrics:       metrics,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries:    cfg.MaxRetries,
		retryInterval: 500 * time.Millisecond,
	}

	switch {
	case strings.TrimSpace(cfg.UserAgent) == "":
		c.configErr = &ConfigurationError{Field: "wiki.user_agent"}
	case strings.TrimSpace(cfg.Contact) == "":
		c.configErr = &ConfigurationError{Field: "wiki.contact"}
	default:
		c.userAgent = fmt.Sprintf("%s - %s", cfg.UserAgent, cfg.Contact)
	}

	rps := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		rps = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rps, burst)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.http = resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if c.userAgent != "" {
		c.http.SetHeader("User-Agent", c.userAgent)
	}
	return c
}

// Fetch performs a GET against endpoint and returns the raw JSON body.
func (c *Client) Fetch(ctx context.Context, endpoint Endpoint, params Params) ([]byte, error) {
	if c.configErr != nil {
		return nil, c.configErr
	}
	if !endpoint.valid() {
		return nil, &SourceError{Endpoint: endpoint, Message: "unknown endpoint"}
	}

	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(&SourceError{Endpoint: endpoint, Message: "rate limiter: " + err.Error(), Err: err})
		}
		b, err := c.do(ctx, endpoint, params)
		if err != nil {
			var srcErr *SourceError
			if errors.As(err, &srcErr) && !srcErr.transient() {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		var srcErr *SourceError
		if !errors.As(err, &srcErr) {
			err = &SourceError{Endpoint: endpoint, Message: err.Error(), Err: err}
		}
		c.recordFailure(endpoint, err)
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, endpoint Endpoint, params Params) ([]byte, error) {
	started := time.Now()
	c.metrics.SourceRequests.WithLabelValues(string(endpoint)).Inc()
	c.logger.Debug("WikiClient: fetching", "endpoint", endpoint, "item", params.ItemID, "timestamp", params.Timestamp)

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params.query(endpoint)).
		Get(c.baseURL + "/" + string(endpoint))
	c.metrics.SourceLatency.WithLabelValues(string(endpoint)).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, &SourceError{Endpoint: endpoint, Message: err.Error(), Err: err}
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, &SourceError{Status: resp.StatusCode(), Endpoint: endpoint, Message: truncate(resp.String(), 200)}
	}

	body := resp.Body()
	if !json.Valid(body) {
		return nil, &SourceError{Status: resp.StatusCode(), Endpoint: endpoint, Message: "malformed JSON response"}
	}
	return body, nil
}

func (c *Client) recordFailure(endpoint Endpoint, err error) {
	status := "error"
	var srcErr *SourceError
	if errors.As(err, &srcErr) && srcErr.Status != 0 {
		status = strconv.Itoa(srcErr.Status)
	}
	c.metrics.SourceFailures.WithLabelValues(string(endpoint), status).Inc()
	c.logger.Error("WikiClient: request failed", "endpoint", endpoint, "status", status, "error", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
