package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client is the HTTP implementation of Backend.
//
// The client carries no per-call timeout of its own; the synchronizer
// bounds every call through the context.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Backend over the HTTP API at baseURL.
// token, if non-empty, is sent as a bearer token on every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

// HealthURL returns the endpoint the connectivity probe should check.
func (c *Client) HealthURL() string {
	return c.baseURL + "/health"
}

func (c *Client) SubmitPhotoStart(ctx context.Context, sub PhotoSubmission) error {
	return c.put(ctx, "/orders/"+strconv.FormatInt(sub.OrderID, 10)+"/photos/start/"+sub.ActionID, sub)
}

func (c *Client) SubmitPhotoFinal(ctx context.Context, sub PhotoSubmission) error {
	return c.put(ctx, "/orders/"+strconv.FormatInt(sub.OrderID, 10)+"/photos/final/"+sub.ActionID, sub)
}

func (c *Client) SubmitFinalAudit(ctx context.Context, sub AuditSubmission) error {
	return c.put(ctx, "/orders/"+strconv.FormatInt(sub.OrderID, 10)+"/audit/"+sub.ActionID, sub)
}

func (c *Client) SubmitComment(ctx context.Context, sub CommentSubmission) error {
	return c.put(ctx, "/orders/"+strconv.FormatInt(sub.OrderID, 10)+"/comments/"+sub.ActionID, sub)
}

func (c *Client) FetchOrderTypes(ctx context.Context) ([]OrderType, error) {
	var types []OrderType
	query := url.Values{"active": {"true"}}
	if err := c.get(ctx, "/catalog/order-types", query, &types); err != nil {
		return nil, err
	}
	return types, nil
}

func (c *Client) FetchSteps(ctx context.Context, orderTypeIDs []int64, limit, offset int) ([]Step, error) {
	var steps []Step
	query := url.Values{
		"active":   {"true"},
		"type_ids": {joinIDs(orderTypeIDs)},
		"limit":    {strconv.Itoa(limit)},
		"offset":   {strconv.Itoa(offset)},
	}
	if err := c.get(ctx, "/catalog/steps", query, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func (c *Client) FetchFields(ctx context.Context, stepIDs []int64, limit, offset int) ([]Field, error) {
	var fields []Field
	query := url.Values{
		"active":   {"true"},
		"step_ids": {joinIDs(stepIDs)},
		"limit":    {strconv.Itoa(limit)},
		"offset":   {strconv.Itoa(offset)},
	}
	if err := c.get(ctx, "/catalog/fields", query, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// put submits a JSON body via PUT. PUT keyed by action id makes retried
// submissions upserts on the backend side.
func (c *Client) put(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend rejected %s: status %d: %s", path, resp.StatusCode, msg)
	}
	return nil
}

// get fetches JSON into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend rejected %s: status %d: %s", path, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
