// Package rest is a client for the activity and sample resources of the
// adage REST API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/sample"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 32 << 20

// ListMeta is the paging metadata of a list response.
type ListMeta struct {
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
	TotalCount int `json:"total_count"`
}

// ListResponse is the envelope every list endpoint returns.
type ListResponse[T any] struct {
	Meta    ListMeta `json:"meta"`
	Objects []T      `json:"objects"`
}

// HTTPError is returned for a non-2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus lets activity.TransportError pick up the status code.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// Client talks to the API rooted at BaseURL (for example
// "http://localhost:8650/api/v1").
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client. The per-request timeout is left to the caller's
// context; hc may be nil.
func NewClient(baseURL string, hc *http.Client, logger *slog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid api base url %q: %w", baseURL, err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: baseURL, http: hc, logger: logger}, nil
}

// FetchActivity implements activity.Source.
func (c *Client) FetchActivity(ctx context.Context, model, sampleID int64) ([]activity.Record, error) {
	q := url.Values{}
	q.Set("mlmodel", strconv.FormatInt(model, 10))
	q.Set("sample", strconv.FormatInt(sampleID, 10))
	q.Set("order_by", activity.OrderBySignature)
	q.Set("limit", "0")

	var resp ListResponse[activity.Record]
	if err := c.get(ctx, "/activity/", q, &resp); err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// FetchSamples implements sample.Source.
func (c *Client) FetchSamples(ctx context.Context, ids []int64) ([]sample.Sample, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	q := url.Values{}
	q.Set("id__in", strings.Join(parts, ","))
	q.Set("limit", "0")

	var resp ListResponse[sample.Sample]
	if err := c.get(ctx, "/sample/", q, &resp); err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	c.logger.Debug("api request", "path", path, "status", resp.StatusCode, "bytes", len(body), "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response JSON: %w", err)
	}
	return nil
}
