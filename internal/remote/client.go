// Package remote implements the HTTP client for the record-store API and
// a websocket subscriber for its change-event feed.
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

	"github.com/tidwall/gjson"

	"github.com/examsync/examsync/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads for metadata endpoints.
	// Full-record endpoints use maxRecordBytes instead.
	maxResponseBytes = 1024 * 1024

	// maxRecordBytes caps response body reads for full-record endpoints,
	// which can carry inline page images.
	maxRecordBytes = 256 * 1024 * 1024

	// maxRedirects is the maximum number of HTTP redirects to follow.
	maxRedirects = 10
)

// Client talks to the record-store REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the auth token never leaks to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the given base URL. If httpClient
// is nil, a client with a 30-second timeout and same-host redirect policy
// is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
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

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// do sends a request with auth headers and decodes a JSON response into
// result. A nil body sends no payload; a nil result discards the response.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}, maxBytes int64) error {
	var reqBody io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Error bodies carry a JSON "error" field when the server produced
		// the failure itself; peek it without committing to a full decode.
		msg := gjson.GetBytes(respBody, "error").Str
		if msg == "" {
			msg = sanitizeResponseBody(respBody)
		}

		reqErr := fmt.Errorf("API %s %s (%d): %s", method, path, resp.StatusCode, msg)
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: reqErr}
		}

		return reqErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}

	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// List returns the metadata listing of every remote record.
func (c *Client) List(ctx context.Context) ([]models.RecordMetadata, error) {
	var metas []models.RecordMetadata
	if err := c.do(ctx, http.MethodGet, "/records", nil, &metas, maxResponseBytes); err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	return metas, nil
}

// Get returns the full record with the given id.
func (c *Client) Get(ctx context.Context, id string) (*models.Record, error) {
	var rec models.Record
	if err := c.do(ctx, http.MethodGet, "/records/"+url.PathEscape(id), nil, &rec, maxRecordBytes); err != nil {
		return nil, fmt.Errorf("fetching record %s: %w", id, err)
	}

	return &rec, nil
}

// Save uploads a record (image fields hash-referenced) and returns the
// server-assigned timestamp.
func (c *Client) Save(ctx context.Context, rec *models.Record) (*SaveResponse, error) {
	var resp SaveResponse
	if err := c.do(ctx, http.MethodPost, "/records", rec, &resp, maxResponseBytes); err != nil {
		return nil, fmt.Errorf("saving record %s: %w", rec.ID, err)
	}

	if !resp.Success {
		return nil, fmt.Errorf("saving record %s: server rejected save", rec.ID)
	}

	return &resp, nil
}

// Delete removes a single remote record.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/records/"+url.PathEscape(id), nil, nil, maxResponseBytes); err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}

	return nil
}

// DeleteMany removes a set of remote records in one request.
func (c *Client) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := c.do(ctx, http.MethodPost, "/records/batch-delete", batchDeleteRequest{IDs: ids}, nil, maxResponseBytes); err != nil {
		return fmt.Errorf("batch-deleting %d records: %w", len(ids), err)
	}

	return nil
}

// PullSince returns records changed on the server after the given
// watermark, plus ids deleted there and the server clock.
func (c *Client) PullSince(ctx context.Context, since int64) (*models.PullResult, error) {
	var result models.PullResult
	if err := c.do(ctx, http.MethodPost, "/sync/pull", pullRequest{Since: since}, &result, maxRecordBytes); err != nil {
		return nil, fmt.Errorf("pulling changes since %d: %w", since, err)
	}

	return &result, nil
}

// ImageExists checks a single hash via HEAD. Used by callers that only
// have one hash; batch checks go through CheckImages.
func (c *Client) ImageExists(ctx context.Context, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/images/"+url.PathEscape(hash), nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}

	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &TransientError{Err: fmt.Errorf("checking image %s: %w", hash, err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}

	err = fmt.Errorf("checking image %s: status %d", hash, resp.StatusCode)
	if isTransientStatus(resp.StatusCode) {
		return false, &TransientError{Err: err}
	}

	return false, err
}

// GetImage downloads the raw bytes stored under a content hash.
func (c *Client) GetImage(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/images/"+url.PathEscape(hash), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("fetching image %s: %w", hash, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fetchErr := fmt.Errorf("fetching image %s: status %d", hash, resp.StatusCode)
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: fetchErr}
		}

		return nil, fetchErr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", hash, err)
	}

	return data, nil
}

// CheckImages returns hash -> exists for a batch of hashes. The server
// answers for every requested hash; missing entries are treated as absent.
func (c *Client) CheckImages(ctx context.Context, hashes []string) (map[string]bool, error) {
	var resp checkBatchResponse
	if err := c.do(ctx, http.MethodPost, "/images/check-batch", checkBatchRequest{Hashes: hashes}, &resp, maxResponseBytes); err != nil {
		return nil, fmt.Errorf("checking %d images: %w", len(hashes), err)
	}

	results := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		results[h] = resp.Results[h]
	}

	return results, nil
}

// PutImage uploads raw image bytes under their content hash. Existed
// reports that the server already had the bytes.
func (c *Client) PutImage(ctx context.Context, hash string, data []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/images/"+url.PathEscape(hash), bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", http.DetectContentType(data))
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &TransientError{Err: fmt.Errorf("uploading image %s: %w", hash, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, fmt.Errorf("reading upload response for %s: %w", hash, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		uploadErr := fmt.Errorf("uploading image %s: status %d: %s", hash, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return false, &TransientError{Err: uploadErr}
		}

		return false, uploadErr
	}

	var putResp putImageResponse
	if err := json.Unmarshal(respBody, &putResp); err != nil {
		return false, fmt.Errorf("decoding upload response for %s: %w", hash, err)
	}

	if !putResp.Success {
		return false, fmt.Errorf("uploading image %s: server rejected upload", hash)
	}

	return putResp.Existed, nil
}
