package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/backends"
	"github.com/imaistudio/orchestrator/internal/metrics"
	"github.com/imaistudio/orchestrator/internal/models"
	"github.com/imaistudio/orchestrator/internal/tracing"
)

// Backend is the step-level generation interface.
type Backend interface {
	Invoke(ctx context.Context, op string, params map[string]interface{}, mediaRefs []string) (backends.Result, error)
}

// Persister re-homes step artifacts into durable storage.
type Persister interface {
	Put(ctx context.Context, data []byte, path string, contentType string) (string, error)
	Get(ctx context.Context, uri string) ([]byte, error)
}

// Config bounds artifact persistence per step.
type Config struct {
	PersistTimeout time.Duration
}

// Executor runs a step plan strictly sequentially. Steps never run in
// parallel: a chained step's input is the previous step's output.
type Executor struct {
	backend Backend
	store   Persister
	cfg     Config
	logger  *zap.Logger
}

// New creates an Executor.
func New(backend Backend, store Persister, cfg Config, logger *zap.Logger) *Executor {
	if cfg.PersistTimeout == 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Executor{backend: backend, store: store, cfg: cfg, logger: logger}
}

// Execute runs the plan and returns one result per executed step, in order.
// On a chained failure the remaining steps are skipped and the returned list
// holds exactly the executed prefix. Earlier steps are never retried.
func (e *Executor) Execute(ctx context.Context, plan models.StepPlan, seedRefs []string) []models.StepResult {
	results := make([]models.StepResult, 0, len(plan.Steps))
	refs := seedRefs

	for i, step := range plan.Steps {
		if plan.ContextChain && i > 0 {
			prev := results[i-1]
			if prev.Status != models.StepSuccess || prev.Artifact == nil || prev.Artifact.URI == "" {
				metrics.ChainsAborted.Inc()
				e.logger.Warn("Chain aborted on failed step",
					zap.String("failed_operation", prev.Operation),
					zap.Int("steps_remaining", len(plan.Steps)-i),
				)
				break
			}
			refs = []string{prev.Artifact.URI}
		}

		results = append(results, e.runStep(ctx, step, refs))
	}
	return results
}

func (e *Executor) runStep(ctx context.Context, step models.PlannedStep, refs []string) models.StepResult {
	ctx, span := tracing.StartSpan(ctx, "step."+step.Operation)
	defer span.End()

	start := time.Now()
	res, err := e.backend.Invoke(ctx, step.Operation, step.Parameters, refs)
	duration := time.Since(start)

	result := models.StepResult{
		Operation:  step.Operation,
		Method:     res.Method,
		DurationMs: duration.Milliseconds(),
	}

	if err != nil {
		result.Status = models.StepError
		result.Error = err.Error()
		metrics.RecordStep(step.Operation, "error", duration.Seconds())
		return result
	}

	artifact, err := e.persist(ctx, step.Operation, res)
	if err != nil {
		result.Status = models.StepError
		result.Error = err.Error()
		metrics.RecordStep(step.Operation, "error", duration.Seconds())
		return result
	}

	result.Status = models.StepSuccess
	result.Artifact = artifact
	metrics.RecordStep(step.Operation, "success", duration.Seconds())
	return result
}

// persist re-homes the step output into durable storage under a bounded
// timeout. When the backend already stored the artifact and persistence does
// not finish in time, the backend URI passes through unpersisted rather than
// failing the chain.
func (e *Executor) persist(ctx context.Context, op string, res backends.Result) (*models.StoredArtifact, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PersistTimeout)
	defer cancel()

	data := res.Payload
	if len(data) == 0 {
		fetched, err := e.store.Get(pctx, res.ArtifactURI)
		if err != nil {
			return e.passThrough(op, res, err)
		}
		data = fetched
	}

	path := fmt.Sprintf("outputs/%s%s", uuid.New().String(), extensionFor(res.ContentType))
	uri, err := e.store.Put(pctx, data, path, res.ContentType)
	if err != nil {
		return e.passThrough(op, res, err)
	}

	return &models.StoredArtifact{
		URI:         uri,
		ContentType: res.ContentType,
		SizeBytes:   int64(len(data)),
	}, nil
}

func (e *Executor) passThrough(op string, res backends.Result, cause error) (*models.StoredArtifact, error) {
	if res.ArtifactURI == "" {
		// Inline payloads have nowhere else to live; this step fails.
		return nil, fmt.Errorf("persist %s output: %w", op, cause)
	}
	metrics.PersistPassThroughs.Inc()
	e.logger.Warn("Persistence timed out, passing backend reference through",
		zap.String("operation", op),
		zap.Error(cause),
	)
	return &models.StoredArtifact{
		URI:         res.ArtifactURI,
		ContentType: res.ContentType,
	}, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ".bin"
	}
}
