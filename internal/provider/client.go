// Package provider is the HTTP plumbing shared by the third-party REST
// clients: request encoding, status handling and a circuit breaker per
// provider.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"tradefinance-backend/internal/metrics"
)

const maxErrorBody = 4096

// ErrUnavailable is returned while the provider's breaker is open.
var ErrUnavailable = errors.New("provider unavailable")

// StatusError is a non-2xx response.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed: status=%d body=%s", e.Provider, e.Status, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	// JSON is encoded as the body when set; Form is used otherwise.
	JSON interface{}
	Form url.Values
	// BasicAuth is user, password.
	BasicAuth [2]string
}

type Response struct {
	Status int
	Header http.Header
}

type Client struct {
	name    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[Response]
}

func NewClient(name string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		name:    name,
		http:    &http.Client{Timeout: timeout},
		breaker: newBreaker(name),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker[Response] {
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors are the caller's fault and must not open the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

func (c *Client) Name() string {
	return c.name
}

// Do sends req through the breaker and decodes a JSON response into out
// when out is non-nil and the body is not empty.
func (c *Client) Do(ctx context.Context, req Request, out interface{}) (Response, error) {
	resp, err := c.breaker.Execute(func() (Response, error) {
		return c.do(ctx, req, out)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.MessagesSent.WithLabelValues(c.name, "breaker_open").Inc()
		return Response{}, fmt.Errorf("%s: %w", c.name, ErrUnavailable)
	case err != nil:
		metrics.MessagesSent.WithLabelValues(c.name, "error").Inc()
		return resp, err
	}
	metrics.MessagesSent.WithLabelValues(c.name, "ok").Inc()
	return resp, nil
}

func (c *Client) do(ctx context.Context, req Request, out interface{}) (Response, error) {
	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		raw, err := json.Marshal(req.JSON)
		if err != nil {
			return Response{}, fmt.Errorf("%s marshal payload: %w", c.name, err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("%s create request: %w", c.name, err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.BasicAuth[0] != "" {
		httpReq.SetBasicAuth(req.BasicAuth[0], req.BasicAuth[1])
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	result := Response{Status: resp.StatusCode, Header: resp.Header}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return result, &StatusError{Provider: c.name, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return result, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, fmt.Errorf("%s read response: %w", c.name, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return result, fmt.Errorf("%s decode response: %w", c.name, err)
	}
	return result, nil
}
