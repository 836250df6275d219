package matrix

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hrygo/activematrix/internal/metrics"
)

const (
	// maxRateLimitAttempts caps how often a single request is retried on 429
	// before the error is surfaced to the caller.
	maxRateLimitAttempts = 10

	defaultRequestTimeout = 2 * time.Minute
	defaultRetryAfter     = time.Second
)

var jsonContentType = regexp.MustCompile(`\bjson$`)

// TransportConfig configures a Transport.
type TransportConfig struct {
	// Homeserver is the base URL, e.g. "https://matrix.example.org".
	Homeserver string
	// AccessToken, when set, is sent as a Bearer token on every request
	// unless the request opts out.
	AccessToken string
	// Timeout bounds a single HTTP exchange. It must exceed the longest
	// sync long-poll the client will issue. Defaults to two minutes.
	Timeout time.Duration
	// Proxy is an optional proxy URL.
	Proxy string
	// InsecureSkipVerify disables TLS certificate checks.
	InsecureSkipVerify bool
	// RetryAfter is the fallback sleep between 429 retries when the
	// homeserver does not advertise retry_after_ms. Defaults to one second.
	RetryAfter time.Duration
	// Limiter optionally paces every outgoing request. Clients sharing a
	// homeserver share one limiter via the client pool.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Request describes one HTTP exchange against the homeserver.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-marshaled. A nil body is sent as the literal token
	// "null" with a JSON content type.
	Body    any
	Headers http.Header
	// SkipAuth suppresses the Authorization header, for login, register
	// and discovery calls.
	SkipAuth bool
}

// Response is a completed exchange. Body holds the raw bytes; DecodeJSON
// unmarshals them when the content type was JSON.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// IsJSON reports whether the response declared a JSON content type.
func (r *Response) IsJSON() bool {
	mediaType := r.ContentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return jsonContentType.MatchString(strings.TrimSpace(mediaType))
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if !r.IsJSON() {
		return fmt.Errorf("matrix: response is %q, not JSON", r.ContentType)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("matrix: failed to decode response body: %w", err)
	}
	return nil
}

// Transport is the HTTP layer under the Matrix API: bearer auth, JSON
// encoding, 429 honoring, and the error taxonomy. It is safe for concurrent
// use; mutating any connection parameter tears down and rebuilds the
// underlying connection pool.
type Transport struct {
	mu         sync.RWMutex
	homeserver *url.URL
	token      string
	timeout    time.Duration
	proxy      *url.URL
	insecure   bool
	retryAfter time.Duration
	limiter    *rate.Limiter
	client     *http.Client
	logger     *slog.Logger

	// sleep is swapped out by tests exercising the 429 path.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTransport builds a Transport for the configured homeserver.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	hs, err := url.Parse(cfg.Homeserver)
	if err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver URL %q: %w", cfg.Homeserver, err)
	}
	if hs.Scheme == "" || hs.Host == "" {
		return nil, fmt.Errorf("matrix: homeserver URL %q must be absolute", cfg.Homeserver)
	}

	t := &Transport{
		homeserver: hs,
		token:      cfg.AccessToken,
		timeout:    cfg.Timeout,
		insecure:   cfg.InsecureSkipVerify,
		retryAfter: cfg.RetryAfter,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
		sleep:      sleepCtx,
	}
	if t.timeout <= 0 {
		t.timeout = defaultRequestTimeout
	}
	if t.retryAfter <= 0 {
		t.retryAfter = defaultRetryAfter
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if cfg.Proxy != "" {
		proxy, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("matrix: invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		t.proxy = proxy
	}
	t.rebuildLocked()
	return t, nil
}

// rebuildLocked replaces the HTTP client. Callers must hold mu, except the
// constructor.
func (t *Transport) rebuildLocked() {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	inner := &http.Transport{
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: t.insecure},
	}
	if t.proxy != nil {
		inner.Proxy = http.ProxyURL(t.proxy)
	}
	t.client = &http.Client{
		Timeout:   t.timeout,
		Transport: inner,
	}
}

// Homeserver returns the current base URL.
func (t *Transport) Homeserver() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.homeserver.String()
}

// SetHomeserver switches the base URL and rebuilds the connection pool.
func (t *Transport) SetHomeserver(raw string) error {
	hs, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("matrix: invalid homeserver URL %q: %w", raw, err)
	}
	if hs.Scheme == "" || hs.Host == "" {
		return fmt.Errorf("matrix: homeserver URL %q must be absolute", raw)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.homeserver = hs
	t.rebuildLocked()
	return nil
}

// SetTimeout changes the per-request timeout and rebuilds the pool.
func (t *Transport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
	t.rebuildLocked()
}

// SetProxy changes the proxy and rebuilds the pool. An empty URL clears it.
func (t *Transport) SetProxy(raw string) error {
	var proxy *url.URL
	if raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("matrix: invalid proxy URL %q: %w", raw, err)
		}
		proxy = parsed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proxy = proxy
	t.rebuildLocked()
	return nil
}

// SetInsecureSkipVerify toggles TLS verification and rebuilds the pool.
func (t *Transport) SetInsecureSkipVerify(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insecure = v
	t.rebuildLocked()
}

// SetAccessToken updates the bearer token used for subsequent requests.
func (t *Transport) SetAccessToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// AccessToken returns the current bearer token.
func (t *Transport) AccessToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// SetLimiter installs a shared request pacer.
func (t *Transport) SetLimiter(l *rate.Limiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter = l
}

// Limiter returns the current request pacer, nil when unpaced.
func (t *Transport) Limiter() *rate.Limiter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limiter
}

// CloseIdleConnections drops pooled connections. The client pool janitor
// calls this on idle clients.
func (t *Transport) CloseIdleConnections() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.client.CloseIdleConnections()
}

// Do performs one request, retrying on 429 up to maxRateLimitAttempts.
// Errors are always from the taxonomy: ConnectionError, TimeoutError, or
// RequestError.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to encode request body: %w", err)
	}

	op := req.Method + " " + req.Path
	for attempt := 1; ; attempt++ {
		resp, retry, err := t.doOnce(ctx, req, body, op)
		if err == nil {
			return resp, nil
		}
		if !retry || attempt >= maxRateLimitAttempts {
			return nil, err
		}

		delay := t.retryAfterFallback()
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			if ms := reqErr.RetryAfter(); ms > 0 {
				delay = time.Duration(ms) * time.Millisecond
			}
		}
		metrics.RateLimitedTotal.Inc()
		t.logger.Warn("transport: rate limited, backing off",
			"method", req.Method, "path", req.Path, "delay", delay, "attempt", attempt)
		if err := t.sleep(ctx, delay); err != nil {
			return nil, &TimeoutError{Op: op, Err: err}
		}
	}
}

func (t *Transport) retryAfterFallback() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retryAfter
}

// doOnce performs a single exchange. retry is true only for 429 responses.
func (t *Transport) doOnce(ctx context.Context, req Request, body []byte, op string) (*Response, bool, error) {
	t.mu.RLock()
	client := t.client
	base := t.homeserver
	token := t.token
	limiter := t.limiter
	t.mu.RUnlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, false, &TimeoutError{Op: op, Err: err}
		}
	}

	// req.Path arrives with its segments already percent-escaped; parsing
	// the assembled string keeps that encoding instead of re-escaping it.
	fullURL := joinURLPath(base.String(), req.Path)
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, &ConnectionError{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.Headers {
		httpReq.Header[k] = vs
	}
	if !req.SkipAuth && token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, false, &TimeoutError{Op: op, Err: err}
		}
		return nil, false, &ConnectionError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, false, &ConnectionError{Op: op, Err: err}
	}

	// Authorization is deliberately absent from this log line.
	t.logger.Debug("transport: request completed",
		"method", req.Method, "path", req.Path,
		"status", httpResp.StatusCode, "duration", time.Since(start))

	resp := &Response{
		StatusCode:  httpResp.StatusCode,
		Body:        raw,
		ContentType: httpResp.Header.Get("Content-Type"),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, requestErrorFrom(resp)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(raw) == 0 {
			return nil, false, &ConnectionError{Op: op, Err: fmt.Errorf("empty body")}
		}
		return resp, false, nil
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, false, &TimeoutError{Op: op, Err: fmt.Errorf("homeserver returned 504")}
	case resp.StatusCode >= 500:
		return nil, false, &ConnectionError{Op: op, Err: fmt.Errorf("homeserver returned %d", resp.StatusCode)}
	default:
		return nil, false, requestErrorFrom(resp)
	}
}

// requestErrorFrom maps a Matrix JSON error body onto a RequestError.
func requestErrorFrom(resp *Response) *RequestError {
	reqErr := &RequestError{
		HTTPStatus: resp.StatusCode,
		Data:       map[string]any{},
	}
	if resp.IsJSON() {
		var body map[string]any
		if err := json.Unmarshal(resp.Body, &body); err == nil {
			reqErr.Data = body
			if code, ok := body["errcode"].(string); ok {
				reqErr.Code = code
			}
			if msg, ok := body["error"].(string); ok {
				reqErr.Message = msg
			}
		}
	}
	if reqErr.Message == "" {
		reqErr.Message = http.StatusText(resp.StatusCode)
	}
	return reqErr
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

func joinURLPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
