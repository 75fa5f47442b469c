package backends

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/circuitbreaker"
	"github.com/imaistudio/orchestrator/internal/metrics"
	"github.com/imaistudio/orchestrator/internal/models"
	"github.com/imaistudio/orchestrator/internal/tracing"
)

// Result is the uniform outcome of one backend invocation, regardless of
// whether the backend returned an inline payload or a remote URI.
type Result struct {
	Method      string // backend identifier that produced the result
	ArtifactURI string // set when the backend stored the artifact itself
	Payload     []byte // set when the backend returned inline bytes
	ContentType string
}

// HasArtifact reports whether the invocation produced anything usable.
func (r Result) HasArtifact() bool {
	return r.ArtifactURI != "" || len(r.Payload) > 0
}

// Invoker performs one generation call.
type Invoker interface {
	Invoke(ctx context.Context, op string, params map[string]interface{}, mediaRefs []string) (Result, error)
	Name() string
}

// Config configures the HTTP backend layer.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Adapter routes operations to registered invokers.
type Adapter struct {
	invokers map[string]Invoker
	fallback Invoker // used when an operation has no dedicated invoker
	logger   *zap.Logger
}

// NewAdapter creates an empty Adapter.
func NewAdapter(logger *zap.Logger) *Adapter {
	return &Adapter{invokers: make(map[string]Invoker), logger: logger}
}

// Register maps an operation to its invoker.
func (a *Adapter) Register(op string, inv Invoker) {
	a.invokers[op] = inv
}

// SetDefault sets the invoker for operations with no dedicated registration.
func (a *Adapter) SetDefault(inv Invoker) {
	a.fallback = inv
}

// Invoke runs one operation. Unknown operations go to the default invoker.
func (a *Adapter) Invoke(ctx context.Context, op string, params map[string]interface{}, mediaRefs []string) (Result, error) {
	inv, ok := a.invokers[op]
	if !ok {
		inv = a.fallback
	}
	if inv == nil {
		return Result{}, &models.BackendError{
			Operation: op,
			Err:       fmt.Errorf("no backend registered"),
		}
	}

	res, err := inv.Invoke(ctx, op, params, mediaRefs)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordBackend(op, inv.Name(), status)
	return res, err
}

// HTTPBackend invokes one generation service endpoint over HTTP through the
// circuit breaker.
type HTTPBackend struct {
	name     string
	baseURL  string
	endpoint string
	http     *circuitbreaker.HTTPWrapper
	logger   *zap.Logger
}

// NewHTTPBackend creates an HTTPBackend for one endpoint.
func NewHTTPBackend(name string, cfg Config, endpoint string, logger *zap.Logger) *HTTPBackend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPBackend{
		name:     name,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		endpoint: endpoint,
		http:     circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "backend-"+name, logger),
		logger:   logger,
	}
}

// Name returns the backend identifier.
func (b *HTTPBackend) Name() string { return b.name }

type invokeRequest struct {
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	MediaRefs  []string               `json:"media_refs,omitempty"`
}

// invokeResponse accepts both output shapes backends produce: a stored
// artifact URI, or an inline base64 payload.
type invokeResponse struct {
	Status      string `json:"status"`
	ArtifactURI string `json:"artifact_uri,omitempty"`
	Payload     string `json:"payload,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Invoke posts the operation to the backend and normalizes its response.
func (b *HTTPBackend) Invoke(ctx context.Context, op string, params map[string]interface{}, mediaRefs []string) (Result, error) {
	body, err := json.Marshal(invokeRequest{Operation: op, Parameters: params, MediaRefs: mediaRefs})
	if err != nil {
		return Result{}, &models.BackendError{Operation: op, Method: b.name, Err: err}
	}

	url := b.baseURL + b.endpoint
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &models.BackendError{Operation: op, Method: b.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := b.http.Do(req)
	if err != nil {
		return Result{}, &models.BackendError{Operation: op, Method: b.name, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Result{}, &models.BackendError{Operation: op, Method: b.name, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, &models.BackendError{
			Operation: op,
			Method:    b.name,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw)),
		}
	}

	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, &models.BackendError{Operation: op, Method: b.name, Err: fmt.Errorf("undecodable response: %w", err)}
	}
	if out.Status != "success" {
		return Result{}, &models.BackendError{
			Operation: op,
			Method:    b.name,
			Err:       fmt.Errorf("backend reported %q: %s", out.Status, out.Error),
		}
	}

	return b.normalize(op, out)
}

// normalize folds the two response shapes into one Result.
func (b *HTTPBackend) normalize(op string, out invokeResponse) (Result, error) {
	res := Result{Method: b.name, ContentType: out.ContentType}
	switch {
	case out.ArtifactURI != "":
		res.ArtifactURI = out.ArtifactURI
	case out.Payload != "":
		data, err := base64.StdEncoding.DecodeString(out.Payload)
		if err != nil {
			return Result{}, &models.BackendError{Operation: op, Method: b.name, Err: fmt.Errorf("undecodable inline payload: %w", err)}
		}
		res.Payload = data
		if res.ContentType == "" {
			res.ContentType = http.DetectContentType(data)
		}
	default:
		return Result{}, &models.BackendError{Operation: op, Method: b.name, Err: fmt.Errorf("success response with no artifact")}
	}
	return res, nil
}

func truncate(raw []byte) string {
	const max = 200
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
