// Package remote is the request client for the chat service REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 5 * time.Second

	// maxResponseBytes caps response body reads. API responses are small
	// JSON envelopes.
	maxResponseBytes = 4 << 20
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response from the chat service.
type APIError struct {
	Method   string
	Path     string
	Status   int
	Reason   string
	Message  string
	Metadata string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, e.Reason, e.Message)
}

// StatusCode returns the HTTP status of the response.
func (e *APIError) StatusCode() int { return e.Status }

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate discards the stored credentials after the server rejected
	// them.
	Invalidate(ctx context.Context) error
}

// Response is the service's uniform envelope.
type Response struct {
	Message    string
	StatusCode int
	Reason     string
	Metadata   gjson.Result
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *zap.Logger

	// OnUnauthorized runs after a 401, once the session was invalidated.
	OnUnauthorized func(err error)
}

// Client issues authenticated requests against the chat service.
type Client struct {
	baseURL        string
	timeout        time.Duration
	http           *http.Client
	tokens         TokenSource
	logger         *zap.Logger
	onUnauthorized func(err error)
}

// NewClient creates a request client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		timeout:        opts.Timeout,
		http:           opts.HTTPClient,
		tokens:         opts.Tokens,
		logger:         opts.Logger,
		onUnauthorized: opts.OnUnauthorized,
	}
}

type requestConfig struct {
	timeout time.Duration
	query   url.Values
}

// RequestOption adjusts a single request.
type RequestOption func(*requestConfig)

// WithTimeout overrides the client's default timeout for one request.
func WithTimeout(d time.Duration) RequestOption {
	return func(rc *requestConfig) { rc.timeout = d }
}

// WithQuery appends query parameters.
func WithQuery(q url.Values) RequestOption {
	return func(rc *requestConfig) { rc.query = q }
}

// Get issues a GET request and decodes the response envelope.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.doJSON(ctx, http.MethodGet, path, nil, opts)
}

// Post sends body as JSON and decodes the response envelope.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.doJSON(ctx, http.MethodPost, path, body, opts)
}

// Patch sends body as JSON with PATCH.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.doJSON(ctx, http.MethodPatch, path, body, opts)
}

// Delete issues a DELETE request, with body as JSON when non-nil.
func (c *Client) Delete(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.doJSON(ctx, http.MethodDelete, path, body, opts)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, opts []RequestOption) (*Response, error) {
	var (
		payload     io.Reader
		contentType string
	)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		payload = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, payload, contentType, opts)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, opts []RequestOption) (*Response, error) {
	rc := requestConfig{timeout: c.timeout}
	for _, o := range opts {
		o(&rc)
	}
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(rc.query) > 0 {
		target += "?" + rc.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", path, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.failure(ctx, method, path, resp, raw)
	}

	env := gjson.ParseBytes(raw)
	out := &Response{
		Message:    env.Get("message").String(),
		StatusCode: resp.StatusCode,
		Reason:     env.Get("reasonStatusCode").String(),
		Metadata:   env.Get("metadata"),
	}
	if sc := env.Get("statusCode"); sc.Exists() {
		out.StatusCode = int(sc.Int())
	}
	return out, nil
}

func (c *Client) failure(ctx context.Context, method, path string, resp *http.Response, raw []byte) error {
	apiErr := &APIError{
		Method: method,
		Path:   path,
		Status: resp.StatusCode,
		Reason: http.StatusText(resp.StatusCode),
	}
	if gjson.ValidBytes(raw) {
		env := gjson.ParseBytes(raw)
		apiErr.Message = errorMessage(env)
		if r := env.Get("reasonStatusCode"); r.Exists() {
			apiErr.Reason = r.String()
		}
		if md := env.Get("metadata"); md.Exists() {
			apiErr.Metadata = md.Raw
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = sanitizeResponseBody(raw)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		err := fmt.Errorf("%w: %w", errs.ErrUnauthorized, apiErr)
		c.unauthorized(ctx, err)
		return err
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return &TransientError{Err: apiErr}
	default:
		return apiErr
	}
}

func (c *Client) unauthorized(ctx context.Context, err error) {
	c.logger.Warn("request rejected credentials, invalidating session", zap.Error(err))
	if c.tokens != nil {
		if ierr := c.tokens.Invalidate(context.WithoutCancel(ctx)); ierr != nil {
			c.logger.Error("invalidating session", zap.Error(ierr))
		}
	}
	if c.onUnauthorized != nil {
		c.onUnauthorized(err)
	}
}

// errorMessage flattens the service's error message, which is either a
// string or a list of {field, errors} validation entries.
func errorMessage(env gjson.Result) string {
	msg := env.Get("message")
	if !msg.IsArray() {
		return msg.String()
	}
	var parts []string
	for _, item := range msg.Array() {
		field, list := item.Get("field"), item.Get("errors")
		if field.Exists() && list.IsArray() {
			var fieldErrs []string
			for _, e := range list.Array() {
				fieldErrs = append(fieldErrs, e.String())
			}
			parts = append(parts, field.String()+": "+strings.Join(fieldErrs, ", "))
			continue
		}
		parts = append(parts, item.String())
	}
	return strings.Join(parts, "; ")
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Non-printable characters are replaced to
// prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	var clean []byte
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]
			continue
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}
		body = body[size:]
	}
	return string(clean)
}
