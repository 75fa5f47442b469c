package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/metrics"
	"github.com/imaistudio/orchestrator/internal/models"
)

// DefaultBypassThreshold gates the heuristic fast path.
const DefaultBypassThreshold = 0.85

// Input is everything the hybrid classifier consults for one request.
type Input struct {
	Message          string
	HasMedia         bool
	HasReference     bool
	ReferenceIsVideo bool
	RecentHistory    []string
}

// Outcome pairs the workflow decision with the semantic verdict, when one
// was obtained; the planner reads Steps from the latter.
type Outcome struct {
	Decision models.WorkflowDecision
	Semantic *SemanticDecision

	// Path records how the decision was reached: heuristic, semantic, or
	// fallback.
	Path string
}

// Classifier is the hybrid general-operation classifier: a cheap rule
// matcher in front of the semantic service, with the matcher's candidate as
// the safety net when the service misbehaves.
type Classifier struct {
	matcher   *Matcher
	semantic  *SemanticClient
	threshold float64
	logger    *zap.Logger
}

// NewClassifier creates a hybrid classifier.
func NewClassifier(matcher *Matcher, semantic *SemanticClient, threshold float64, logger *zap.Logger) *Classifier {
	if threshold == 0 {
		threshold = DefaultBypassThreshold
	}
	return &Classifier{matcher: matcher, semantic: semantic, threshold: threshold, logger: logger}
}

// Classify produces the operation decision for a non-composition request.
// It never returns an error: a broken semantic service degrades to the
// heuristic candidate, and with no candidate either, to a plain generation.
func (c *Classifier) Classify(ctx context.Context, in Input) Outcome {
	candidate, matched := c.matcher.Match(in.Message, MatchContext{
		HasMedia:         in.HasMedia,
		HasReference:     in.HasReference,
		ReferenceIsVideo: in.ReferenceIsVideo,
	})

	if matched && candidate.SafeToBypass && candidate.Decision.Confidence >= c.threshold {
		metrics.ClassifierDecisions.WithLabelValues("heuristic", candidate.Decision.TargetOperation).Inc()
		return Outcome{Decision: candidate.Decision, Path: "heuristic"}
	}

	semantic, err := c.semantic.Classify(ctx, SemanticRequest{
		Message:          in.Message,
		HasMedia:         in.HasMedia,
		HasReference:     in.HasReference,
		ReferenceIsVideo: in.ReferenceIsVideo,
		RecentHistory:    in.RecentHistory,
	})
	if err != nil {
		metrics.SemanticFallbacks.Inc()
		c.logger.Warn("Semantic classification failed, using heuristic candidate",
			zap.Error(err),
			zap.Bool("had_candidate", matched),
		)
		if matched {
			metrics.ClassifierDecisions.WithLabelValues("fallback", candidate.Decision.TargetOperation).Inc()
			return Outcome{Decision: candidate.Decision, Path: "fallback"}
		}
		decision := defaultDecision(in)
		metrics.ClassifierDecisions.WithLabelValues("fallback", decision.TargetOperation).Inc()
		return Outcome{Decision: decision, Path: "fallback"}
	}

	metrics.ClassifierDecisions.WithLabelValues("semantic", semantic.Operation).Inc()
	return Outcome{
		Decision: models.WorkflowDecision{
			WorkflowType:    models.WorkflowPromptOnly,
			Confidence:      semantic.Confidence,
			TargetOperation: semantic.Operation,
			Parameters:      semantic.Parameters,
			RequiresFiles:   semantic.RequiresFiles,
		},
		Semantic: semantic,
		Path:     "semantic",
	}
}

// defaultDecision is the last resort with neither a heuristic hit nor a
// usable semantic verdict: treat the message as a plain generation prompt.
func defaultDecision(in Input) models.WorkflowDecision {
	return models.WorkflowDecision{
		WorkflowType:    models.WorkflowPromptOnly,
		Confidence:      0.3,
		TargetOperation: "generate",
		RequiresFiles:   in.HasMedia,
	}
}
