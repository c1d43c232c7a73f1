// Package rest is the request pipeline to the chat API.
//
// Every call carries the current bearer credential. A 401 whose body says
// ACCESS_TOKEN_EXPIRED triggers one coordinated refresh and one retry; any
// other 401 clears the credential and fails with ErrUnauthorized.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/refresh"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// CodeTokenExpired is the 401 body code that makes a request refreshable.
const CodeTokenExpired = "ACCESS_TOKEN_EXPIRED"

const maxBodySize = 4 << 20

// Refresher renews the credential on behalf of the pipeline.
type Refresher interface {
	RefreshErr(ctx context.Context) error
}

// Request describes one API call. Path is relative to the API base.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// Response is a 2xx reply with its body fully read.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Options configure a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// Client sends API requests on behalf of the signed-in user.
type Client struct {
	base      *url.URL
	http      *http.Client
	creds     *credential.Store
	refresher Refresher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewClient creates a client. The cookie jar keeps the refresh cookie set by
// login and consumed by RefreshToken.
func NewClient(opts Options, creds *credential.Store, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		http:    &http.Client{Jar: jar, Timeout: opts.Timeout, Transport: opts.Transport},
		creds:   creds,
		metrics: m,
		logger:  logger,
	}, nil
}

// SetRefresher installs the refresh coordinator. The coordinator itself
// depends on the client for the raw refresh call, so it is wired after both
// are built.
func (c *Client) SetRefresher(r Refresher) {
	c.refresher = r
}

// Do runs the request through the pipeline.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	status, resp, sent, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusUnauthorized {
		return c.finish(req, resp)
	}

	if !refreshable(resp.Body) || c.refresher == nil {
		return nil, c.unauthorized(req, sent, "credential rejected")
	}

	// A 401 for a token that has since been replaced is answered by the
	// replacement; only the current token is worth refreshing.
	if c.creds.Snapshot().Version == sent.Version {
		c.logger.Debug("access token expired, refreshing", zap.String("path", req.Path))
		if err := c.refresher.RefreshErr(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if c.creds.Snapshot().Version == sent.Version {
				return nil, c.refreshFailed(req, sent, err)
			}
		}
	} else {
		c.logger.Debug("credential rotated while request was in flight, retrying", zap.String("path", req.Path))
	}

	if !c.creds.Snapshot().Valid() {
		c.metrics.Request(methodOf(req), "unauthorized")
		return nil, ErrUnauthorized
	}

	status, resp, sent, err = c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, c.unauthorized(req, sent, "credential rejected after refresh")
	}
	return c.finish(req, resp)
}

// send performs one HTTP exchange with the current credential attached and
// returns the credential it used.
func (c *Client) send(ctx context.Context, req Request) (int, *Response, credential.Snapshot, error) {
	snap := c.creds.Snapshot()
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return 0, nil, snap, err
	}
	if snap.Valid() {
		httpReq.Header.Set("Authorization", "Bearer "+snap.Token)
	}
	status, resp, err := c.roundTrip(req, httpReq)
	return status, resp, snap, err
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	u, err := c.base.Parse(strings.TrimPrefix(req.Path, "/"))
	if err != nil {
		return nil, fmt.Errorf("build url %q: %w", req.Path, err)
	}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", req.Path, err)
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Request-Id", ulid.Make().String())
	return httpReq, nil
}

func (c *Client) roundTrip(req Request, httpReq *http.Request) (int, *Response, error) {
	res, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.Request(httpReq.Method, "network_error")
		return 0, nil, &NetworkError{Method: httpReq.Method, Path: req.Path, Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		c.metrics.Request(httpReq.Method, "network_error")
		return 0, nil, &NetworkError{Method: httpReq.Method, Path: req.Path, Err: err}
	}
	return res.StatusCode, &Response{Status: res.StatusCode, Header: res.Header, Body: data}, nil
}

func (c *Client) finish(req Request, resp *Response) (*Response, error) {
	if resp.Status < 200 || resp.Status > 299 {
		c.metrics.Request(methodOf(req), "server_error")
		return nil, &ServerError{
			Method: methodOf(req),
			Path:   req.Path,
			Status: resp.Status,
			Body:   strings.TrimSpace(string(resp.Body)),
		}
	}
	c.metrics.Request(methodOf(req), "ok")
	return resp, nil
}

// unauthorized clears the credential the rejected request carried. A newer
// credential installed meanwhile is left alone.
func (c *Client) unauthorized(req Request, sent credential.Snapshot, reason string) error {
	c.metrics.Request(methodOf(req), "unauthorized")
	if sent.Valid() && c.creds.ClearIf(sent.Version, true) {
		c.logger.Warn("unauthorized, credential cleared", zap.String("path", req.Path), zap.String("reason", reason))
	}
	return ErrUnauthorized
}

func (c *Client) refreshFailed(req Request, sent credential.Snapshot, err error) error {
	c.creds.ClearIf(sent.Version, true)
	c.metrics.Request(methodOf(req), "unauthorized")
	c.logger.Warn("refresh failed, ending session", zap.String("path", req.Path), zap.Error(err))
	if errors.Is(err, refresh.ErrExhausted) {
		return ErrRefreshExhausted
	}
	return fmt.Errorf("%w: %v", ErrUnauthorized, err)
}

// refreshable reports whether a 401 body carries the expired-token code.
// Anything unparseable is a hard rejection.
func refreshable(body []byte) bool {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.Code == CodeTokenExpired
}

func methodOf(req Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}
