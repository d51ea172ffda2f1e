package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
)

const defaultCheckerUserAgent = "uptimeguard-checker/1.0"

type ProbeRequest struct {
	URL            string
	Method         string
	ExpectedStatus int
	Timeout        time.Duration
}

// ProbeResult is the classified outcome of one probe. Every failure mode is expressed
// here; Probe never returns an error.
type ProbeResult struct {
	Status       CheckStatus
	StatusCode   null.Int
	ResponseTime time.Duration
	Error        null.String
	Timings      ProbeTimings
}

// Responded reports whether the target answered with a status line.
func (r ProbeResult) Responded() bool {
	return r.StatusCode.Valid
}

// Err maps the outcome onto the probe error taxonomy. It is nil for UP.
func (r ProbeResult) Err() error {
	switch r.Status {
	case CheckStatusTimeout:
		return fmt.Errorf("%w: %s", ErrNetworkTimeout, r.Error.ValueOrZero())
	case CheckStatusError:
		return fmt.Errorf("%w: %s", ErrNetworkError, r.Error.ValueOrZero())
	case CheckStatusDown:
		return fmt.Errorf("%w: received status code %d", ErrUnexpectedStatus, r.StatusCode.ValueOrZero())
	default:
		return nil
	}
}

// Prober executes a single probe against a target.
type Prober interface {
	Probe(ctx context.Context, probe ProbeRequest) ProbeResult
}

type Checker struct {
	httpClient     *http.Client
	userAgent      string
	defaultTimeout time.Duration
}

type CheckerOptions struct {
	UserAgent      string
	DefaultTimeout time.Duration
	// Transport overrides the probing transport. Mostly useful for tests.
	Transport http.RoundTripper
}

func NewChecker(options CheckerOptions) *Checker {
	if options.UserAgent == "" {
		options.UserAgent = defaultCheckerUserAgent
	}
	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = DefaultMonitorTimeout
	}
	if options.Transport == nil {
		options.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			// Each probe measures a fresh connection, a pooled one would hide DNS and TLS problems.
			DisableKeepAlives: true,
		}
	}

	return &Checker{
		httpClient: &http.Client{
			Transport: options.Transport,
			// The first response is what gets classified, redirects are not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:      options.UserAgent,
		defaultTimeout: options.DefaultTimeout,
	}
}

func (c *Checker) Probe(ctx context.Context, probe ProbeRequest) ProbeResult {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Probe Target"))
	ctx = span.Context()
	defer span.Finish()

	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	method := strings.ToUpper(probe.Method)
	if method == "" {
		method = http.MethodGet
	}
	expectedStatus := probe.ExpectedStatus
	if expectedStatus == 0 {
		expectedStatus = http.StatusOK
	}

	requestStart := time.Now()

	target, err := url.Parse(probe.URL)
	if err != nil {
		return erroredProbe(requestStart, fmt.Sprintf("invalid target url: %s", err.Error()), ProbeTimings{})
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return erroredProbe(requestStart, fmt.Sprintf("invalid target url: unsupported scheme %q", target.Scheme), ProbeTimings{})
	}
	if target.Host == "" {
		return erroredProbe(requestStart, "invalid target url: missing host", ProbeTimings{})
	}

	probeCtx, probeCancel := context.WithTimeout(ctx, timeout)
	defer probeCancel()

	checkerTracer := NewCheckerTracer(requestStart)
	probeCtx = httptrace.WithClientTrace(probeCtx, checkerTracer.GetClientTrace())

	request, err := http.NewRequestWithContext(probeCtx, method, target.String(), nil)
	if err != nil {
		return erroredProbe(requestStart, fmt.Sprintf("creating request: %s", err.Error()), ProbeTimings{})
	}
	request.Header.Set("User-Agent", c.userAgent)

	response, err := c.httpClient.Do(request)
	if err != nil {
		elapsed := time.Since(requestStart)
		if probeTimedOut(ctx, probeCtx, err) {
			return ProbeResult{
				Status:       CheckStatusTimeout,
				ResponseTime: elapsed,
				Error:        null.StringFrom(fmt.Sprintf("no response within %s", timeout)),
				Timings:      checkerTracer.GetTimings(),
			}
		}

		return erroredProbe(requestStart, describeTransportError(err), checkerTracer.GetTimings())
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()

	responseTime, ok := checkerTracer.ResponseTime()
	if !ok {
		responseTime = time.Since(requestStart)
	}

	// The body is drained so the exchange completes, its content is not looked at.
	// The drain is still bounded by the probe deadline.
	if response.Body != nil {
		_, _ = io.Copy(io.Discard, response.Body)
	}

	status := CheckStatusUp
	if response.StatusCode != expectedStatus {
		status = CheckStatusDown
	}

	return ProbeResult{
		Status:       status,
		StatusCode:   null.IntFrom(int64(response.StatusCode)),
		ResponseTime: responseTime,
		Timings:      checkerTracer.GetTimings(),
	}
}

func erroredProbe(requestStart time.Time, message string, timings ProbeTimings) ProbeResult {
	return ProbeResult{
		Status:       CheckStatusError,
		ResponseTime: time.Since(requestStart),
		Error:        null.StringFrom(message),
		Timings:      timings,
	}
}

func probeTimedOut(parent context.Context, probeCtx context.Context, err error) bool {
	if errors.Is(parent.Err(), context.Canceled) {
		return false
	}
	if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// describeTransportError strips the method and url that net/http prefixes every error with.
func describeTransportError(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}
