package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 8 << 20

// APIError is returned for any failed call. StatusCode is 0 when no HTTP
// response was received.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("runpod: %s: %v", e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("runpod: %s: %v (status %d)", e.Op, e.Err, e.StatusCode)
	default:
		return fmt.Sprintf("runpod: %s: API error %d: %s", e.Op, e.StatusCode, e.Body)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// HTTPStatus satisfies the status carrier used by the retry policy.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RequestNotSent reports whether err is a failed call that never reached
// RunPod because no connection could be made. Any other failure without a
// response, such as a timeout, may have been processed upstream.
func RequestNotSent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 0 {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Config holds the client configuration.
type Config struct {
	BaseURL        string
	EndpointID     string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client talks to a single RunPod serverless endpoint.
type Client struct {
	client     *http.Client
	baseURL    string
	endpointID string
	timeout    time.Duration
}

// NewClient creates a new RunPod client.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		client:     hc,
		baseURL:    cfg.BaseURL,
		endpointID: cfg.EndpointID,
		timeout:    cfg.RequestTimeout,
	}
}

// Run submits an asynchronous job and returns its ID.
func (c *Client) Run(ctx context.Context, apiKey string, input Input) (RunResponse, error) {
	jsonBody, err := json.Marshal(runRequest{Input: input})
	if err != nil {
		return RunResponse{}, &APIError{Op: "run", Err: errors.Wrap(err, "marshal request")}
	}

	body, err := c.do(ctx, "run", http.MethodPost, c.endpointURL("run"), apiKey, jsonBody)
	if err != nil {
		return RunResponse{}, err
	}

	var raw struct {
		ID     json.RawMessage `json:"id"`
		Status JobStatus       `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return RunResponse{}, &APIError{Op: "run", StatusCode: http.StatusBadGateway, Body: string(body), Err: errors.Wrap(err, "decode response")}
	}
	var id string
	if err := json.Unmarshal(raw.ID, &id); err != nil || id == "" {
		return RunResponse{}, &APIError{Op: "run", StatusCode: http.StatusBadGateway, Body: string(body), Err: errors.New("response has no job id")}
	}

	return RunResponse{ID: id, Status: raw.Status}, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, apiKey, jobID string) (StatusResponse, error) {
	body, err := c.do(ctx, "status", http.MethodGet, c.endpointURL("status", jobID), apiKey, nil)
	if err != nil {
		return StatusResponse{}, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StatusResponse{}, &APIError{Op: "status", StatusCode: http.StatusBadGateway, Body: string(body), Err: errors.Wrap(err, "decode response")}
	}
	return resp, nil
}

func (c *Client) endpointURL(parts ...string) string {
	u := c.baseURL + "/v2/" + url.PathEscape(c.endpointID)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// do issues one request bounded by the per-call timeout and returns the
// body of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, u, apiKey string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, &APIError{Op: op, Err: errors.Wrap(err, "create request")}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &APIError{Op: op, Err: errors.Wrap(err, "do request")}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, &APIError{Op: op, StatusCode: httpResp.StatusCode, Err: errors.Wrap(err, "read response")}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &APIError{Op: op, StatusCode: httpResp.StatusCode, Body: string(body)}
	}
	return body, nil
}
