package osmapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmupload-go/internal/logger"
	"github.com/wegman-software/osmupload-go/internal/metrics"
)

// UserAgent is sent with every request
const UserAgent = "osmupload-go/1.0"

// Request is one API call. Path is relative to the API base URL, e.g.
// "/0.6/changeset/create".
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Header http.Header
}

// Transport performs authenticated API calls. Non-2xx answers are returned as
// *StatusError.
type Transport interface {
	Do(ctx context.Context, req *Request) ([]byte, error)
}

// HTTPTransport is the Transport talking to a real API over HTTP
type HTTPTransport struct {
	baseURL    string
	token      string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	metrics    *metrics.Collector
}

// TransportOption configures an HTTPTransport
type TransportOption func(*HTTPTransport)

// WithToken sets the OAuth2 bearer token
func WithToken(token string) TransportOption {
	return func(t *HTTPTransport) { t.token = token }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) { t.client.Timeout = d }
}

// WithRetries sets how often failed reads are retried and the pause between attempts
func WithRetries(n int, delay time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		t.maxRetries = n
		t.retryDelay = delay
	}
}

// WithMetrics counts every round trip in c
func WithMetrics(c *metrics.Collector) TransportOption {
	return func(t *HTTPTransport) { t.metrics = c }
}

// NewHTTPTransport creates a transport for the API at baseURL (ending in "/api")
func NewHTTPTransport(baseURL string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		maxRetries: 3,
		retryDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do performs the request. Only GET requests are retried, on network errors and 5xx
// answers; writes are never repeated.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) ([]byte, error) {
	target := t.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	retries := 0
	if req.Method == http.MethodGet {
		retries = t.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			logger.Get().Debug("Retrying request",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(t.retryDelay):
			}
		}

		body, retry, err := t.roundTrip(ctx, target, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// roundTrip performs one attempt; retry reports whether the failure is transient
func (t *HTTPTransport) roundTrip(ctx context.Context, target string, req *Request) (body []byte, retry bool, err error) {
	var reqBody io.Reader
	if req.Body != nil {
		reqBody = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reqBody)
	if err != nil {
		return nil, false, err
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", UserAgent)
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.metrics.RecordRequest(len(req.Body), 0, err)
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		t.metrics.RecordRequest(len(req.Body), len(body), err)
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			Method:     req.Method,
			Path:       req.Path,
			Message:    strings.TrimSpace(string(body)),
		}
		t.metrics.RecordRequest(len(req.Body), len(body), statusErr)
		if resp.StatusCode == http.StatusConflict {
			t.metrics.RecordConflict()
		}
		return nil, resp.StatusCode >= 500, statusErr
	}

	t.metrics.RecordRequest(len(req.Body), len(body), nil)
	return body, false, nil
}
