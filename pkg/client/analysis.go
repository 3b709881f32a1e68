package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// ErrNotFound means the service has no record of the request_id.
var ErrNotFound = errors.New("client: request not found")

// ErrInProgress means the request is known but has no terminal result
// yet.
var ErrInProgress = errors.New("client: analysis still in progress")

// AnalysisClient provides a client interface for the image analysis
// service. The result path is the polling fallback; clients wanting
// push delivery hold a websocket on /ws/{user_id} instead.
type AnalysisClient interface {
	// Submission
	AnalyzeImage(ctx context.Context, userID, filename, contentType string, image []byte) (*UploadResponse, error)

	// Polling
	Status(ctx context.Context, requestID string) (*StatusResponse, error)
	Result(ctx context.Context, requestID string) (*AnalysisResult, error)
	WaitForResult(ctx context.Context, requestID string) (*AnalysisResult, error)

	// Operational
	Stats(ctx context.Context) (*StatsResponse, error)
}

// HTTPAnalysisClient implements AnalysisClient over the service's HTTP
// surface.
type HTTPAnalysisClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string) *HTTPAnalysisClient {
	return &HTTPAnalysisClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: time.Second,
	}
}

// SetPollInterval configures how often WaitForResult re-queries.
func (c *HTTPAnalysisClient) SetPollInterval(interval time.Duration) {
	c.pollInterval = interval
}

// AnalyzeImage submits an image and returns the acceptance receipt. The
// request_id in the receipt is the handle for all further queries.
func (c *HTTPAnalysisClient) AnalyzeImage(ctx context.Context, userID, filename, contentType string, image []byte) (*UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image payload: %w", err)
	}
	if userID != "" {
		if err := mw.WriteField("user_id", userID); err != nil {
			return nil, fmt.Errorf("failed to write user_id field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze-image", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var upload UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		return nil, fmt.Errorf("failed to parse upload response: %w", err)
	}

	slog.Debug("Image submitted",
		"request_id", upload.RequestID,
		"filename", filename,
		"size_bytes", len(image))

	return &upload, nil
}

// Status queries where a request stands. Unknown request_ids answer
// with status not_found, not an error.
func (c *HTTPAnalysisClient) Status(ctx context.Context, requestID string) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+requestID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status query answered %d", resp.StatusCode)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}

// Result fetches the terminal result. Returns ErrInProgress while the
// request is still moving and ErrNotFound for unknown request_ids.
func (c *HTTPAnalysisClient) Result(ctx context.Context, requestID string) (*AnalysisResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/result/"+requestID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("result query failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result AnalysisResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
		return &result, nil
	case http.StatusAccepted:
		return nil, ErrInProgress
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("result query answered %d", resp.StatusCode)
	}
}

// WaitForResult polls until the request reaches a terminal state or ctx
// expires. A failed analysis is a successful wait: the returned result
// carries the error text.
func (c *HTTPAnalysisClient) WaitForResult(ctx context.Context, requestID string) (*AnalysisResult, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		result, err := c.Result(ctx, requestID)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrInProgress) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats fetches the aggregate counters of the instance behind baseURL.
func (c *HTTPAnalysisClient) Stats(ctx context.Context) (*StatsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stats", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats query answered %d", resp.StatusCode)
	}

	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to parse stats response: %w", err)
	}
	return &stats, nil
}
