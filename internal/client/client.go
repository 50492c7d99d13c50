// Package client talks to a deskstream API server. It is the backend of
// remote chat sessions.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/user/deskstream/internal/types"
)

var (
	_ types.Backend   = (*Client)(nil)
	_ types.JobGetter = (*Client)(nil)
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (status %d)", e.Status)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// Unwrap maps a 404 to types.ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return types.ErrNotFound
	}
	return nil
}

type Client struct {
	http *resty.Client
	// submit sends turns. It never retries: a turn the server already
	// committed would be saved and run twice.
	submit *resty.Client
}

type Option func(*resty.Client)

func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetries retries reads that failed in transit or got a 5xx.
func WithRetries(n int) Option {
	return func(c *resty.Client) { c.SetRetryCount(n) }
}

func New(baseURL string, opts ...Option) *Client {
	return &Client{
		http:   newResty(baseURL, opts),
		submit: newResty(baseURL, opts).SetRetryCount(0),
	}
}

func newResty(baseURL string, opts []Option) *resty.Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json").
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second)
	rc.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

type errorBody struct {
	Error string `json:"error"`
}

type jobIDBody struct {
	JobID types.JobID `json:"job_id"`
}

// do sends req and decodes a JSON error body on failure.
func do(req *resty.Request, method, path string) (*resty.Response, error) {
	req.SetError(&errorBody{})
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if body, ok := resp.Error().(*errorBody); ok {
			apiErr.Message = body.Error
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) SubmitTurn(ctx context.Context, conv types.ConversationID, turn types.Turn) (types.JobID, error) {
	var out jobIDBody
	req := c.submit.R().SetContext(ctx).
		SetPathParam("id", string(conv)).
		SetBody(turn).
		SetResult(&out)
	if _, err := do(req, http.MethodPost, "/api/conversations/{id}/turns"); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("submit turn: empty job id in response")
	}
	return out.JobID, nil
}

func (c *Client) FetchMessagesPage(ctx context.Context, conv types.ConversationID, page, pageSize int) ([]*types.Message, error) {
	var out []*types.Message
	req := c.http.R().SetContext(ctx).
		SetPathParam("id", string(conv)).
		SetQueryParam("page", strconv.Itoa(page)).
		SetResult(&out)
	if pageSize > 0 {
		req.SetQueryParam("page_size", strconv.Itoa(pageSize))
	}
	if _, err := do(req, http.MethodGet, "/api/conversations/{id}/messages"); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchActiveJob reports the conversation's queued or running job. The
// server answers 204 when there is none.
func (c *Client) FetchActiveJob(ctx context.Context, conv types.ConversationID) (types.JobID, bool, error) {
	var out jobIDBody
	req := c.http.R().SetContext(ctx).
		SetPathParam("id", string(conv)).
		SetResult(&out)
	resp, err := do(req, http.MethodGet, "/api/conversations/{id}/active-job")
	if err != nil {
		return "", false, err
	}
	if resp.StatusCode() == http.StatusNoContent || out.JobID == "" {
		return "", false, nil
	}
	return out.JobID, true, nil
}

func (c *Client) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	var out types.Job
	req := c.http.R().SetContext(ctx).
		SetPathParam("id", string(id)).
		SetResult(&out)
	if _, err := do(req, http.MethodGet, "/api/jobs/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Conversations(ctx context.Context) ([]*types.ConversationSummary, error) {
	var out []*types.ConversationSummary
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if _, err := do(req, http.MethodGet, "/api/conversations"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) JobEvents(ctx context.Context, id types.JobID, after int64) ([]*types.StreamEvent, error) {
	var out []*types.StreamEvent
	req := c.http.R().SetContext(ctx).
		SetPathParam("id", string(id)).
		SetQueryParam("after", strconv.FormatInt(after, 10)).
		SetResult(&out)
	if _, err := do(req, http.MethodGet, "/api/jobs/{id}/events"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Artifact(ctx context.Context, id types.ArtifactID) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx).SetPathParam("id", string(id))
	resp, err := do(req, http.MethodGet, "/api/artifacts/{id}")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body()), nil
}

// Health returns nil when the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	_, err := do(c.http.R().SetContext(ctx), http.MethodGet, "/health")
	return err
}
