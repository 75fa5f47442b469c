package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/metrics"
	"github.com/imaistudio/orchestrator/internal/tracing"
)

// Service is the client for the external object storage collaborator.
// put(bytes, path) -> uri and get(uri) -> bytes, nothing more.
type Service struct {
	baseURL    string
	http       *http.Client
	putTimeout time.Duration
	getTimeout time.Duration
	logger     *zap.Logger
}

// Config configures the storage client.
type Config struct {
	BaseURL    string
	PutTimeout time.Duration
	GetTimeout time.Duration
}

// New creates a storage client.
func New(cfg Config, logger *zap.Logger) *Service {
	if cfg.PutTimeout == 0 {
		cfg.PutTimeout = 10 * time.Second
	}
	if cfg.GetTimeout == 0 {
		cfg.GetTimeout = 15 * time.Second
	}
	return &Service{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{},
		putTimeout: cfg.PutTimeout,
		getTimeout: cfg.GetTimeout,
		logger:     logger,
	}
}

type putResponse struct {
	URI string `json:"uri"`
}

// Put persists a payload under the given path and returns its stable URI.
func (s *Service) Put(ctx context.Context, data []byte, path string, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to store empty payload")
	}

	ctx, cancel := context.WithTimeout(ctx, s.putTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/objects/%s", s.baseURL, strings.TrimLeft(path, "/"))
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordStorage("put", "error", time.Since(start).Seconds())
		return "", fmt.Errorf("storage put: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordStorage("put", "error", time.Since(start).Seconds())
		return "", fmt.Errorf("storage put status %d", resp.StatusCode)
	}

	var pr putResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil || pr.URI == "" {
		// Older storage deployments return the URI in a Location header.
		if loc := resp.Header.Get("Location"); loc != "" {
			metrics.RecordStorage("put", "ok", time.Since(start).Seconds())
			return loc, nil
		}
		metrics.RecordStorage("put", "error", time.Since(start).Seconds())
		return "", fmt.Errorf("storage put: missing uri in response")
	}

	metrics.RecordStorage("put", "ok", time.Since(start).Seconds())
	return pr.URI, nil
}

// Get fetches the bytes behind a stored URI.
func (s *Service) Get(ctx context.Context, uri string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.getTimeout)
	defer cancel()

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, uri)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordStorage("get", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("storage get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordStorage("get", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("storage get status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordStorage("get", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("storage get read: %w", err)
	}

	metrics.RecordStorage("get", "ok", time.Since(start).Seconds())
	return data, nil
}

// Ping checks reachability for health probes.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("storage health status %d", resp.StatusCode)
	}
	return nil
}
