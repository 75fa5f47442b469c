package workflow

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
	"golang.org/x/time/rate"

	"github.com/imaistudio/orchestrator/internal/circuitbreaker"
	"github.com/imaistudio/orchestrator/internal/metrics"
	"github.com/imaistudio/orchestrator/internal/models"
	"github.com/imaistudio/orchestrator/internal/tracing"
)

// SemanticConfig configures the semantic classifier client.
type SemanticConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	RateBurst     int
}

// SemanticRequest is the normalized context sent to the classifier service.
type SemanticRequest struct {
	Message          string   `json:"message"`
	HasMedia         bool     `json:"has_media"`
	HasReference     bool     `json:"has_reference"`
	ReferenceIsVideo bool     `json:"reference_is_video"`
	RecentHistory    []string `json:"recent_history,omitempty"`
}

// SemanticStep is one operation in a multi-step semantic decision.
type SemanticStep struct {
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Rationale  string                 `json:"rationale,omitempty"`
}

// SemanticDecision is the structured verdict the service must return.
type SemanticDecision struct {
	Operation     string                 `json:"operation"`
	Endpoint      string                 `json:"endpoint"`
	Confidence    float64                `json:"confidence"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	RequiresFiles bool                   `json:"requires_files"`
	MultiStep     bool                   `json:"multi_step"`
	Steps         []SemanticStep         `json:"steps,omitempty"`
}

// SemanticClient talks to the LLM-backed intent classifier over HTTP. Calls
// are rate-limited and go through the circuit breaker.
type SemanticClient struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewSemanticClient creates a SemanticClient.
func NewSemanticClient(cfg SemanticConfig, logger *zap.Logger) *SemanticClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 20
	}
	return &SemanticClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "semantic-classifier", logger),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		logger:  logger,
	}
}

// Classify asks the service for a decision. Malformed output gets exactly
// one repair-and-reparse round trip; a second failure is a
// ClassificationError for the caller to recover from.
func (c *SemanticClient) Classify(ctx context.Context, req SemanticRequest) (*SemanticDecision, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	start := time.Now()
	defer func() {
		metrics.SemanticLatency.Observe(time.Since(start).Seconds())
	}()

	raw, err := c.post(ctx, "/intent/classify", req)
	if err != nil {
		return nil, err
	}

	decision, verr := parseDecision(raw)
	if verr == nil {
		return decision, nil
	}

	metrics.SemanticRepairs.Inc()
	c.logger.Warn("Malformed classifier output, attempting repair",
		zap.String("reason", verr.Error()),
	)

	raw, err = c.post(ctx, "/intent/repair", repairRequest{
		Original: req,
		Raw:      string(raw),
		Problem:  verr.Error(),
	})
	if err != nil {
		return nil, err
	}
	decision, verr = parseDecision(raw)
	if verr != nil {
		return nil, &models.ClassificationError{Reason: verr.Error(), Raw: string(raw)}
	}
	return decision, nil
}

type repairRequest struct {
	Original SemanticRequest `json:"original"`
	Raw      string          `json:"raw"`
	Problem  string          `json:"problem"`
}

func (c *SemanticClient) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	url := c.baseURL + path
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier service returned %d", resp.StatusCode)
	}
	return raw, nil
}

// parseDecision unmarshals and schema-checks the classifier output.
func parseDecision(raw []byte) (*SemanticDecision, error) {
	var d SemanticDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("not valid JSON: %v", err)
	}
	if d.Operation == "" {
		return nil, fmt.Errorf("missing operation")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return nil, fmt.Errorf("confidence %.2f out of [0,1]", d.Confidence)
	}
	if !validEndpoint(d.Endpoint) {
		return nil, fmt.Errorf("endpoint %q outside known namespace", d.Endpoint)
	}
	if d.MultiStep && len(d.Steps) < 2 {
		return nil, fmt.Errorf("multi_step decision with %d steps", len(d.Steps))
	}
	return &d, nil
}

func validEndpoint(endpoint string) bool {
	switch endpoint {
	case "none", "multi_step":
		return true
	}
	return strings.HasPrefix(endpoint, "/v1/")
}
