// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package httpapi is the stateless HTTP connector: every call is one request
// against the device's /api endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/telemetry"
	"github.com/ManuGH/mixlink/internal/vmix"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	apiPath      = "/api"
	functionPath = "/api/"

	// Device state documents of large shows stay well below this.
	maxBodyBytes = 32 << 20
)

// Client talks to one device over HTTP. It holds no connection state beyond
// the pooled transport; New performs no I/O.
type Client struct {
	host       string
	port       int
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	username   string
	password   string
	userAgent  string
	logger     zerolog.Logger
	group      singleflight.Group
	rnd        *rand.Rand
	mu         sync.Mutex
}

// Options configures the connector behavior.
type Options struct {
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration
	// MaxRetries is the number of in-client retries on 5xx or network errors.
	// The scheduler owns the retry ladder, so this defaults to 0.
	MaxRetries     int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	Username       string
	Password       string
	UserAgent      string
	RateLimit      rate.Limit
	RateLimitBurst int
}

const (
	defaultTimeout        = 10 * time.Second
	defaultBackoff        = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultRateLimit      = 10
	defaultRateLimitBurst = 20
	tracerName            = "mixlink.httpapi"
)

// New creates a connector for host:port. A zero port selects the default HTTP port.
func New(host string, port int, opts Options, logger zerolog.Logger) *Client {
	if port <= 0 {
		port = mixer.TransportHTTP.DefaultPort()
	}
	nopts := normalizeOptions(opts)
	transport := &http.Transport{
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: nopts.ResponseHeaderTimeout,
	}

	return &Client{
		host:    host,
		port:    port,
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		httpClient: &http.Client{
			Timeout:   nopts.Timeout,
			Transport: transport,
		},
		limiter:    rate.NewLimiter(nopts.RateLimit, nopts.RateLimitBurst),
		maxRetries: nopts.MaxRetries,
		backoff:    nopts.Backoff,
		maxBackoff: nopts.MaxBackoff,
		username:   nopts.Username,
		password:   nopts.Password,
		userAgent:  nopts.UserAgent,
		logger:     xglog.ForHost(xglog.Component(logger, "httpapi"), host, string(mixer.TransportHTTP)),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = opts.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "mixlink"
	}
	return opts
}

func (c *Client) Host() string { return c.host }

func (c *Client) Transport() mixer.Transport { return mixer.TransportHTTP }

// BaseURL returns the device root URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Probe reports whether the device answers GET /api with a 2xx status.
func (c *Client) Probe(ctx context.Context) bool {
	resp, err := c.do(ctx, "probe", apiPath, nil)
	if err != nil {
		c.logger.Debug().Err(err).Str(xglog.FieldEvent, "http.probe_failed").Msg("device probe failed")
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// FetchSnapshot reads and parses the state document. Concurrent calls share
// one request; the returned State must be treated as read-only.
func (c *Client) FetchSnapshot(ctx context.Context) (mixer.State, error) {
	ch := c.group.DoChan("snapshot", func() (interface{}, error) {
		// The shared request outlives any single caller; the client timeout bounds it.
		return c.fetch(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return mixer.State{}, mixer.NewError(mixer.ErrTransport, "fetch_snapshot", c.host, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return mixer.State{}, res.Err
		}
		return res.Val.(mixer.State), nil
	}
}

func (c *Client) fetch(ctx context.Context) (mixer.State, error) {
	const op = "fetch_snapshot"

	resp, err := c.do(ctx, op, apiPath, nil)
	if err != nil {
		return mixer.State{}, mixer.NewError(mixer.ErrTransport, op, c.host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return mixer.State{}, &mixer.Error{Kind: mixer.ErrTransport, Op: op, Host: c.host, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return mixer.State{}, mixer.NewError(mixer.ErrTransport, op, c.host, fmt.Errorf("read body: %w", err))
	}

	st, err := vmix.ParseState(body)
	if err != nil {
		return mixer.State{}, mixer.NewError(mixer.ErrParse, op, c.host, err)
	}
	return st, nil
}

// Invoke calls GET /api/?Function=<name>&k=v... and succeeds on any 2xx.
func (c *Client) Invoke(ctx context.Context, function string, params mixer.Params) error {
	const op = "invoke"

	if err := vmix.ValidateFunctionName(function); err != nil {
		return mixer.NewError(mixer.ErrConfig, op, c.host, err)
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("Function", function)

	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "mixlink.httpapi.invoke")
	span.SetAttributes(telemetry.FunctionAttributes(function, params["Input"])...)
	defer span.End()

	resp, err := c.do(ctx, op, functionPath, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mixer.NewError(mixer.ErrTransport, op, c.host, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return &mixer.Error{Kind: mixer.ErrTransport, Op: op, Host: c.host, Status: resp.StatusCode}
	}

	c.logger.Debug().
		Str(xglog.FieldFunction, function).
		Str(xglog.FieldEvent, "http.function_invoked").
		Msg("function invoked")
	return nil
}

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// do performs one GET with limiter, retries, metrics and tracing. Any
// response that is not retried is returned; the caller owns its body.
func (c *Client) do(ctx context.Context, op, path string, params url.Values) (*http.Response, error) {
	rawURL := c.baseURL + path
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}

	tracer := telemetry.Tracer(tracerName)
	route := path
	ctx, span := tracer.Start(ctx, "mixlink.httpapi.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(telemetry.MixerAttributes(c.host, string(mixer.TransportHTTP))...)
	span.SetAttributes(attribute.String("mixlink.op", op))
	defer span.End()

	maxAttempts := c.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		c.applyHeaders(req)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		retry := attempt < maxAttempts && shouldRetry(resp, err)
		recordAttemptMetrics(op, status, duration, err, retry)

		if err == nil && !retry {
			span.SetAttributes(telemetry.HTTPAttributes(http.MethodGet, route, traceURL(path, params), status)...)
			if status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return resp, nil
		}

		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("device returned HTTP %d", status)
		}

		c.logger.Debug().
			Err(err).
			Int("status", status).
			Int(xglog.FieldAttempt, attempt).
			Str("op", op).
			Str(xglog.FieldEvent, "http.attempt_failed").
			Msg("device request attempt failed")

		if !retry {
			break
		}
		if err := sleepWithContext(ctx, c.backoffFor(attempt-1)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	errType := "http_status"
	var netErr net.Error
	if errors.As(lastErr, &netErr) {
		errType = "network"
	}
	span.SetAttributes(telemetry.ErrorAttributes(lastErr, errType)...)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/xml, application/xml")
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return resp == nil || resp.StatusCode >= http.StatusInternalServerError
}

func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.backoff * time.Duration(1<<attempt)
	if wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	c.mu.Lock()
	jitter := time.Duration(c.rnd.Int63n(int64(wait/5 + 1)))
	c.mu.Unlock()
	return wait + jitter
}

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

// traceURL keeps parameter values out of span attributes.
func traceURL(path string, params url.Values) string {
	if fn := params.Get("Function"); fn != "" {
		return path + "?Function=" + fn
	}
	return path
}

var _ mixer.Device = (*Client)(nil)
