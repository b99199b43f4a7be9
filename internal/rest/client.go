package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cryptotrader/internal/fault"
	"cryptotrader/internal/metrics"
	"cryptotrader/logger"
)

// Security selects how a request is authenticated.
type Security int

const (
	Public Security = iota
	// APIKey sends the API key header without a signature.
	APIKey
	// Signed adds timestamp, recvWindow and signature parameters.
	Signed
)

const apiKeyHeader = "X-MBX-APIKEY"

// Credentials holds the account secrets. PrivateKeyPEM takes precedence over
// Secret when both are set.
type Credentials struct {
	APIKey        string
	PrivateKeyPEM string
	Secret        string
}

type Options struct {
	BaseURL           string
	Credentials       Credentials
	Timeout           time.Duration
	RecvWindow        time.Duration
	RequestsPerSecond float64
	Burst             int
	BindIP            string
	UserAgent         string
	Metrics           *metrics.Metrics
	// HTTPClient replaces the bound transport, mainly for tests.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Response is a successful (2xx) reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fault.New(fault.Protocol, "rest.decode", err)
	}
	return nil
}

// Caller is the part of Client the session and the engine depend on.
type Caller interface {
	Call(ctx context.Context, method, path string, params url.Values, sec Security) (*Response, error)
}

// Client performs rate limited, timed out and optionally signed calls
// against the exchange REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	signer     signer
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	recvWindow time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
	log        *logger.Entry
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fault.Errorf(fault.Config, "rest.new", "base url is required")
	}
	sig, err := newSigner(opts.Credentials)
	if err != nil {
		return nil, fault.New(fault.Config, "rest.new", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3000 * time.Millisecond
	}
	if opts.RecvWindow <= 0 {
		opts.RecvWindow = 5 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cryptotrader"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: userAgentTransport{agent: opts.UserAgent, base: newTransport(opts.BindIP)},
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.Credentials.APIKey,
		signer:     sig,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, opts.Burst),
		timeout:    opts.Timeout,
		recvWindow: opts.RecvWindow,
		metrics:    opts.Metrics,
		now:        opts.Now,
		log:        logger.GetLogger().WithComponent("rest"),
	}, nil
}

// Call issues one request. Parameters travel in the query string. Every
// failure other than parent context cancellation is an *Error.
func (c *Client) Call(ctx context.Context, method, path string, params url.Values, sec Security) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: RateLimited, Method: method, Path: path, Err: err}
	}

	query, err := c.encode(params, sec)
	if err != nil {
		return nil, &Error{Kind: AuthRejected, Method: method, Path: path, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, nil)
	if err != nil {
		return nil, &Error{Kind: Transport, Method: method, Path: path, Err: err}
	}
	if sec != Public {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, reqCtx, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, reqCtx, method, path, err)
	}
	c.reportUsedWeight(resp.Header)

	entry := c.log.WithFields(logger.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		restErr := classify(method, path, resp.StatusCode, resp.Header, body)
		if restErr.Kind == RateLimited {
			entry.WithFields(logger.Fields{
				"retry_after": restErr.RetryAfter.String(),
				"ip_banned":   restErr.IPBanned,
			}).Warn("request rate limited")
		} else {
			entry.WithError(restErr).Debug("request failed")
		}
		return nil, restErr
	}

	entry.Debug("request completed")
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) encode(params url.Values, sec Security) (string, error) {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if sec != Public && c.apiKey == "" {
		return "", errors.New("api key is not configured")
	}
	if sec != Signed {
		return q.Encode(), nil
	}
	if c.signer == nil {
		return "", errors.New("no signing key is configured")
	}
	q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	q.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	payload := q.Encode()
	return payload + "&signature=" + url.QueryEscape(c.signer.Sign(payload)), nil
}

func (c *Client) transportError(parent, reqCtx context.Context, method, path string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Method: method, Path: path, Err: fmt.Errorf("no response within %s: %w", c.timeout, err)}
	}
	return &Error{Kind: Transport, Method: method, Path: path, Err: err}
}

var usedWeightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// reportUsedWeight publishes the first parseable used-weight header.
func (c *Client) reportUsedWeight(header http.Header) {
	for _, h := range usedWeightHeaders {
		value := header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			c.log.WithFields(logger.Fields{"header": h.key, "value": value}).WithError(err).Debug("failed to parse used weight header")
			continue
		}
		c.metrics.UsedWeight(h.window, used)
		c.log.LogMetric("rest", "used_weight", used, "gauge", logger.Fields{"window": h.window})
		return
	}
}
