package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/huangang/featurehub/pkg/logger"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// restClient is the JSON-over-HTTP plumbing shared by both adapters.
type restClient struct {
	provider    string
	httpClient  *http.Client
	limiter     *rate.Limiter
	callTimeout time.Duration
}

func newRESTClient(provider string, opts Options) *restClient {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &restClient{
		provider:    provider,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     opts.limiter(),
		callTimeout: timeout,
	}
}

type request struct {
	op          string
	method      string
	url         string
	body        interface{}
	contentType string
	authorize   func(*http.Request)
	headers     map[string]string
}

// do sends req, decodes a 2xx JSON body into out (when non-nil) and maps
// failures onto the tracker sentinel errors. The response headers are
// returned for pagination.
func (c *restClient) do(ctx context.Context, req request, out interface{}) (http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &APIError{Provider: c.provider, Op: req.op, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}

	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode body: %w", c.provider, req.op, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, configError("%s %s: build request: %v", c.provider, req.op, err)
	}
	if req.body != nil {
		contentType := req.contentType
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	if req.authorize != nil {
		req.authorize(httpReq)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.Debug().Err(err).Str("provider", c.provider).Str("op", req.op).Msg("tracker request failed")
		return nil, &APIError{Provider: c.provider, Op: req.op, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header, &APIError{
			Provider:   c.provider,
			Op:         req.op,
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
			Err:        classifyResponse(resp),
		}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.Header, &APIError{Provider: c.provider, Op: req.op, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err)}
		}
	}
	return resp.Header, nil
}

// classifyResponse maps a failed response onto a sentinel. A 403 that comes
// with an exhausted rate limit (X-RateLimit-Remaining: 0 or Retry-After) is
// throttling, not an auth failure.
func classifyResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusForbidden && rateLimited(resp.Header) {
		reset := resp.Header.Get("X-RateLimit-Reset")
		if secs, err := strconv.ParseInt(reset, 10, 64); err == nil {
			logger.Warn().Time("reset_at", time.Unix(secs, 0)).Str("url", resp.Request.URL.Path).
				Msg("tracker rate limit exhausted")
		}
		return ErrProviderUnavailable
	}
	return classifyStatus(resp.StatusCode)
}

func rateLimited(h http.Header) bool {
	return h.Get("X-RateLimit-Remaining") == "0" || h.Get("Retry-After") != ""
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrProviderAuth
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrProviderNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrProviderUnavailable
	default:
		return ErrProviderRejected
	}
}
