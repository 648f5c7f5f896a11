package syncclient

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
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/siftapp/sift/internal/sift"
)

type Logger interface {
	Printf(format string, args ...any)
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client is the view-side HTTP client for the item API. Transient failures
// (network, 429, 5xx) retry with exponential backoff; everything else is
// surfaced verbatim for the caller to act on.
type Client struct {
	baseURL    string
	csrfToken  string
	httpClient *http.Client
	logger     Logger

	// RetryInitialInterval and RetryMaxElapsed tune the backoff policy;
	// tests shrink them.
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
}

func NewClient(baseURL, csrfToken string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:              baseURL,
		csrfToken:            strings.TrimSpace(csrfToken),
		httpClient:           httpClient,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxElapsed:      10 * time.Second,
	}
}

func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SyncPage fetches one page of the incremental sync feed.
func (c *Client) SyncPage(ctx context.Context, cursor string, includeCompleted bool, limit int) (sift.SyncResponse, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if includeCompleted {
		q.Set("completed", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out sift.SyncResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/items/sync?"+q.Encode(), nil, &out)
	return out, err
}

// PullAll walks the cursor chain until the server reports no more pages,
// upserting every page into the cache. A failed page leaves the cache as of
// the last successful one; the caller decides whether to retry or go stale.
func (c *Client) PullAll(ctx context.Context, cache *Cache, includeCompleted bool) error {
	cursor := ""
	for {
		page, err := c.SyncPage(ctx, cursor, includeCompleted, 0)
		if err != nil {
			return err
		}
		cache.Upsert(page.Items...)
		cache.setServerTime(page.ServerTime)
		if !page.HasMore || page.NextCursor == nil || *page.NextCursor == "" {
			return nil
		}
		cursor = *page.NextCursor
	}
}

func (c *Client) CreateItem(ctx context.Context, source string, payload sift.Payload) (sift.ItemRecord, error) {
	body := map[string]any{"source": source, "item": payload}
	var out sift.ItemRecord
	err := c.doJSON(ctx, http.MethodPost, "/v1/items", body, &out)
	return out, err
}

func (c *Client) GetItem(ctx context.Context, canonicalID string) (sift.ItemRecord, error) {
	var out sift.ItemRecord
	err := c.doJSON(ctx, http.MethodGet, "/v1/items/"+url.PathEscape(canonicalID), nil, &out)
	return out, err
}

func (c *Client) PatchItem(ctx context.Context, canonicalID string, patch sift.ItemPatch) (sift.ItemRecord, error) {
	body := map[string]any{"item": patch}
	var out sift.ItemRecord
	err := c.doJSON(ctx, http.MethodPatch, "/v1/items/"+url.PathEscape(canonicalID), body, &out)
	return out, err
}

func (c *Client) Triage(ctx context.Context, canonicalID string, target sift.Bucket, extra sift.TriageExtra) (sift.TriageResult, error) {
	body := map[string]any{
		"targetBucket": string(target),
		"dueDate":      extra.DueDate,
		"projectId":    extra.ProjectID,
	}
	var out sift.TriageResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/items/"+url.PathEscape(canonicalID)+"/triage", body, &out)
	return out, err
}

func (c *Client) Archive(ctx context.Context, canonicalID string) (sift.ArchiveResult, error) {
	var out sift.ArchiveResult
	err := c.doJSON(ctx, http.MethodDelete, "/v1/items/"+url.PathEscape(canonicalID), nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	attempt := func() error {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.csrfToken != "" {
			req.Header.Set("X-CSRF-Token", c.csrfToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
			c.logf("retrying %s %s after %d", method, requestPath, resp.StatusCode)
			return httpErr
		}
		return backoff.Permanent(httpErr)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.RetryInitialInterval
	policy.MaxElapsedTime = c.RetryMaxElapsed
	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
