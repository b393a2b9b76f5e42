package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"uptrack/model"
	"uptrack/safeurl"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultUserAgent      = "uptrack-monitor/1.0"

	maxErrorMessageLen = 250
)

// Result is one probe outcome, ready to be persisted as a MonitorCheck.
type Result struct {
	Status         int
	StatusCode     int
	ResponseTimeMs *int
	ErrorMessage   string
	CheckedAt      time.Time
}

// Executor issues single HTTP probes. The client never follows
// redirects: a redirect target is not validated against the SSRF
// blocklist, so following it would bypass the connect-time check.
type Executor struct {
	client    *http.Client
	userAgent string
}

// Option tweaks an Executor at construction time.
type Option func(*options)

type options struct {
	userAgent      string
	connectTimeout time.Duration
	dialControl    func(network, address string, c syscall.RawConn) error
}

func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithDialControl overrides the connect-time address check. Tests use a
// permissive control to reach loopback httptest servers.
func WithDialControl(fn func(network, address string, c syscall.RawConn) error) Option {
	return func(o *options) { o.dialControl = fn }
}

func NewExecutor(opts ...Option) *Executor {
	o := options{
		userAgent:      DefaultUserAgent,
		connectTimeout: DefaultConnectTimeout,
		dialControl:    safeurl.DialControl,
	}
	for _, opt := range opts {
		opt(&o)
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   o.connectTimeout,
			KeepAlive: 30 * time.Second,
			Control:   o.dialControl,
		}).DialContext,
	}

	return &Executor{
		client: &http.Client{
			Transport: transport,
			// Safety net only; the real bound is the per-request context.
			Timeout: 10 * time.Minute,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: o.userAgent,
	}
}

// Execute runs one probe against the monitor's URL. Every network-layer
// outcome is a normal Down result, never an error: retry policy lives in
// the scheduler's job layer, not here.
func (e *Executor) Execute(ctx context.Context, m *model.Monitor) Result {
	checkedAt := time.Now()

	method := strings.ToUpper(m.Method)
	if method != http.MethodGet && method != http.MethodHead {
		// Unreachable given input validation, but a bad row must not
		// take a worker down.
		return Result{
			Status:       model.StatusDown,
			ErrorMessage: fmt.Sprintf("Unsupported method %q", m.Method),
			CheckedAt:    checkedAt,
		}
	}

	timeout := m.Timeout
	if timeout < model.MinTimeoutSeconds {
		timeout = model.MinTimeoutSeconds
	}
	if timeout > model.MaxTimeoutSeconds {
		timeout = model.MaxTimeoutSeconds
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, m.URL, nil)
	if err != nil {
		return Result{
			Status:       model.StatusDown,
			ErrorMessage: classifyError(err),
			CheckedAt:    checkedAt,
		}
	}
	req.Header.Set("User-Agent", e.userAgent)

	start := time.Now()
	resp, err := e.client.Do(req)
	elapsed := int(time.Since(start).Milliseconds())

	if err != nil {
		return Result{
			Status:       model.StatusDown,
			ErrorMessage: classifyError(err),
			CheckedAt:    checkedAt,
		}
	}
	defer resp.Body.Close()

	result := Result{
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: &elapsed,
		CheckedAt:      checkedAt,
	}

	if resp.StatusCode == m.ExpectedStatus {
		result.Status = model.StatusUp
	} else {
		result.Status = model.StatusDown
		result.ErrorMessage = fmt.Sprintf("Expected status %d, got %d", m.ExpectedStatus, resp.StatusCode)
	}
	return result
}

// classifyError folds transport errors into the short human-readable
// categories stored on down checks.
func classifyError(err error) string {
	if errors.Is(err, safeurl.ErrBlocked) {
		return "Blocked by SSRF protection: target resolves to a private or reserved address"
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "context deadline exceeded"),
		strings.Contains(errStr, "Client.Timeout"),
		strings.Contains(errStr, "i/o timeout"):
		return "Timeout"
	case strings.Contains(errStr, "no such host"):
		return "DNS resolution failed"
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused"
	case strings.Contains(errStr, "network is unreachable"):
		return "Network unreachable"
	case strings.Contains(errStr, "remote error: tls"),
		strings.Contains(errStr, "x509"),
		strings.Contains(errStr, "certificate"):
		return "TLS certificate error"
	case strings.Contains(errStr, "malformed HTTP"),
		strings.Contains(errStr, "malformed MIME"):
		return "Malformed HTTP response"
	}

	if len(errStr) > maxErrorMessageLen {
		return errStr[:maxErrorMessageLen-3] + "..."
	}
	return errStr
}
