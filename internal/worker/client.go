// Package worker is the synchronous HTTP facade over the independently
// deployed analysis worker. It enforces request timeouts, maps worker failures
// onto a sentinel-error taxonomy the orchestrator can act on, and streams large
// artifact payloads instead of buffering them.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors for worker call failures. Timeout and unreachable are
// transient and retried by the orchestrator; index-not-built is terminal with a
// "run ingest first" recovery action.
var (
	ErrWorkerUnreachable = errors.New("worker unreachable")
	ErrWorkerTimeout     = errors.New("worker call timeout")
	ErrWorkerFailed      = errors.New("worker request failed")
	ErrIndexNotBuilt     = errors.New("index not built")
)

// Client is the interface for calling the analysis worker.
type Client interface {
	RunStage(ctx context.Context, req StageRequest) (*StageResult, error)
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)
	ListArtifacts(ctx context.Context, documentID string) ([]ArtifactInfo, error)
	DownloadArtifact(ctx context.Context, storagePath string) (io.ReadCloser, error)
}

// StageRequest asks the worker to run one pipeline stage over a document set.
type StageRequest struct {
	JobID         string          `json:"job_id"`
	Stage         string          `json:"stage"`
	DocumentPaths []string        `json:"document_paths"`
	Options       json.RawMessage `json:"options,omitempty"`
}

// StageResult describes the artifact the worker produced for a stage.
type StageResult struct {
	ArtifactPath string `json:"artifact_path"`
	ContentHash  string `json:"content_hash"`
	SizeBytes    int64  `json:"size_bytes"`
}

// QueryRequest is a bounded question against an already-built index.
type QueryRequest struct {
	Query   string            `json:"query"`
	Scope   string            `json:"scope"`
	Filters map[string]string `json:"filters,omitempty"`
}

// QueryResult carries the worker's answer verbatim.
type QueryResult struct {
	Answer json.RawMessage `json:"answer"`
}

// ArtifactInfo describes one artifact held by the worker.
type ArtifactInfo struct {
	Path        string `json:"path"`
	Kind        string `json:"kind"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size_bytes"`
}

// HTTPClient implements Client against the worker's HTTP API.
type HTTPClient struct {
	baseURL      string
	apiToken     string
	client       *http.Client
	queryTimeout time.Duration
}

// NewHTTPClient creates a worker client. timeout bounds stage calls; the
// shorter queryTimeout bounds interactive query calls.
func NewHTTPClient(baseURL, apiToken string, timeout, queryTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		apiToken:     apiToken,
		client:       &http.Client{Timeout: timeout},
		queryTimeout: queryTimeout,
	}
}

func (c *HTTPClient) RunStage(ctx context.Context, req StageRequest) (*StageResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stage request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/jobs/ingest", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var result StageResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding stage response: %w", err)
	}
	return &result, nil
}

func (c *HTTPClient) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal query request: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(queryCtx, http.MethodPost,
		c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	return &result, nil
}

func (c *HTTPClient) ListArtifacts(ctx context.Context, documentID string) ([]ArtifactInfo, error) {
	u := fmt.Sprintf("%s/artifacts?document_id=%s", c.baseURL, url.QueryEscape(documentID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var artifacts []ArtifactInfo
	if err := json.NewDecoder(resp.Body).Decode(&artifacts); err != nil {
		return nil, fmt.Errorf("decoding artifacts response: %w", err)
	}
	return artifacts, nil
}

// DownloadArtifact streams an artifact's bytes. The caller owns the returned
// ReadCloser; the body is never buffered here, so multi-gigabyte outputs pass
// through in constant memory.
func (c *HTTPClient) DownloadArtifact(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/artifacts/download?path=%s", c.baseURL, url.QueryEscape(storagePath))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp.StatusCode)
	}

	return resp.Body, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

func (c *HTTPClient) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return statusError(resp.StatusCode)
}

// statusError maps worker HTTP statuses to sentinel errors. 404 means the
// index for the queried scope was never built, which is a distinct recovery
// path ("run ingest first") from a worker outage.
func statusError(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrIndexNotBuilt
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrWorkerUnreachable, status)
	default:
		return fmt.Errorf("%w: status %d", ErrWorkerFailed, status)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrWorkerTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrWorkerTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrWorkerUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrWorkerUnreachable, err)
}

// Transient reports whether an error is worth retrying with backoff.
func Transient(err error) bool {
	return errors.Is(err, ErrWorkerTimeout) || errors.Is(err, ErrWorkerUnreachable)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
