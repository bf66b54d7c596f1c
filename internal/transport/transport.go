// SPDX-License-Identifier: MIT

// Package transport implements the plain-HTTP leg of the Tapo wire
// protocols: POST (JSON or binary) with configurable timeouts, cookie
// capture, and status-code/network-error classification. There is no GET
// helper. Grounded on the teacher's
// klap_protocol.go (parseBrokenCookies, manual http.Client/http.Request
// construction) and passthrough_protocol.go (JSON POST with a Cookie
// header rather than a cookie jar, since Tapo's Set-Cookie lines are
// malformed enough to confuse net/http's jar).
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is spec.md §4.2's default per-request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultHandshakeTimeout is spec.md §5's handshake-specific timeout.
const DefaultHandshakeTimeout = 15 * time.Second

// ErrorKind classifies a network-layer failure, per spec.md §4.2/§7.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindRefused
	ErrorKindUnreachable
	ErrorKindTimeout
	ErrorKindReset
	ErrorKindServer // HTTP >= 500
)

// Error wraps a transport-layer failure with its classification.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: status %d", e.Status)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps a net/http transport error to an ErrorKind.
func classify(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorKindRefused
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ErrorKindReset
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorKindUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorKindUnreachable
	}
	return ErrorKindUnknown
}

// Transport is a per-device HTTP client: base URL http://<ip>/app and a
// configurable timeout. It keeps no cookie state; cookies are returned in
// each Response and passed back in by the caller.
type Transport struct {
	BaseURL string
	Client  *http.Client
	log     *zap.Logger
}

// New builds a Transport for the given device address and timeout. A zero
// timeout uses DefaultTimeout.
func New(addr string, timeout time.Duration, log *zap.Logger) *Transport {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		BaseURL: fmt.Sprintf("http://%s/app", addr),
		Client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// WithTimeout returns a shallow copy of t using a dedicated client timeout,
// e.g. spec.md §5's longer handshake timeout, while sharing BaseURL and
// logger with t.
func (t *Transport) WithTimeout(timeout time.Duration) *Transport {
	return &Transport{
		BaseURL: t.BaseURL,
		Client:  &http.Client{Timeout: timeout},
		log:     t.log,
	}
}

// Response is the raw result of a POST: status, body, and any captured
// Set-Cookie headers (parsed leniently, see ParseCookies).
type Response struct {
	Status  int
	Body    []byte
	Cookies []*http.Cookie
}

// PostJSON issues a JSON POST to path (relative to BaseURL, may be empty
// for the bare /app endpoint) with the given cookie header value and
// optional query string.
func (t *Transport) PostJSON(ctx context.Context, path, query, cookie string, body []byte) (*Response, error) {
	return t.post(ctx, path, query, cookie, "application/json", body)
}

// PostBinary issues an application/octet-stream POST, used by the KLAP
// handshake and request endpoints.
func (t *Transport) PostBinary(ctx context.Context, path, query, cookie string, body []byte) (*Response, error) {
	return t.post(ctx, path, query, cookie, "application/octet-stream", body)
}

func (t *Transport) post(ctx context.Context, path, query, cookie, contentType string, body []byte) (*Response, error) {
	url := t.BaseURL + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	t.log.Debug("transport post", zap.String("path", path), zap.Int("body_len", len(body)))
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, &Error{Kind: classify(err), Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, &Error{Kind: ErrorKindServer, Status: resp.StatusCode, Err: fmt.Errorf("server error")}
	}
	return &Response{
		Status:  resp.StatusCode,
		Body:    respBody,
		Cookies: ParseCookies(resp.Header["Set-Cookie"]),
	}, nil
}

// ParseCookies parses Set-Cookie header lines leniently. Tapo devices emit
// cookies that net/http's strict cookie parser rejects (extra attributes
// without values, stray semicolons), so this mirrors the teacher's
// parseBrokenCookies: split each line on ';', then each part on the first
// '='.
func ParseCookies(lines []string) []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(lines))
	for _, line := range lines {
		for _, part := range strings.Split(textproto.TrimString(line), ";") {
			name, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			name = textproto.TrimString(name)
			if name == "" {
				continue
			}
			cookies = append(cookies, &http.Cookie{Name: name, Value: value, Raw: line})
		}
	}
	return cookies
}

// CookieValue returns the value of the named cookie, or "" if absent.
func CookieValue(cookies []*http.Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
