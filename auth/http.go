package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jkoelker/ffsclient/metrics"
	"github.com/jkoelker/ffsclient/tracing"
)

const (
	// UserAgent is sent with every request.
	UserAgent = "ffsclient/1.0 (Firefox Sync 1.5)"

	maxResponseSize = 1 << 20

	serverAuth  = "auth"
	serverToken = "token"
)

// request is a JSON call against the auth or token server.
type request struct {
	server  string
	method  string
	url     string
	body    any
	hawk    *Hawk
	headers http.Header
}

func doJSON(ctx context.Context, client *http.Client, r request, out any) error {
	var payload []byte

	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		payload = data
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	ctx, span := tracing.StartClientSpan(ctx, r.server, r.method, req.URL.Path)
	defer span.End()

	req = req.WithContext(ctx)

	for name, values := range r.headers {
		req.Header[name] = values
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if r.hawk != nil {
		if err := r.hawk.Sign(req, payload); err != nil {
			return err
		}
	}

	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		metrics.RecordHTTPRequest(ctx, r.server, r.method, 0, time.Since(start))
		tracing.SetError(ctx, err)

		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, r.method, req.URL.Path, err)
	}

	defer resp.Body.Close()

	metrics.RecordHTTPRequest(ctx, r.server, r.method, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		serverErr := decodeServerError(r.server, resp, data)
		tracing.SetError(ctx, serverErr)

		return serverErr
	}

	tracing.SetOK(ctx)

	if out == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", r.server, err)
	}

	return nil
}

// errorBody covers both the auth server and token server error shapes.
type errorBody struct {
	Errno      int     `json:"errno"`
	Message    string  `json:"message"`
	Error      string  `json:"error"`
	RetryAfter float64 `json:"retryAfter"`
	Status     string  `json:"status"`
	Errors     []struct {
		Description string `json:"description"`
	} `json:"errors"`
}

func decodeServerError(server string, resp *http.Response, data []byte) *ServerError {
	serverErr := &ServerError{Server: server, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var body errorBody
	if json.Unmarshal(data, &body) == nil {
		serverErr.Errno = body.Errno

		switch {
		case body.Message != "":
			serverErr.Message = body.Message
		case body.Status != "":
			serverErr.Message = body.Status
		case body.Error != "":
			serverErr.Message = body.Error
		}

		if len(body.Errors) > 0 && body.Errors[0].Description != "" && body.Message == "" {
			serverErr.Message += ": " + body.Errors[0].Description
		}

		if body.RetryAfter > 0 {
			serverErr.RetryAfter = time.Duration(body.RetryAfter * float64(time.Second))
		}
	}

	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		serverErr.RetryAfter = time.Duration(seconds) * time.Second
	}

	return serverErr
}
