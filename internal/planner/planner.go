package planner

import (
	"strings"

	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/models"
	"github.com/imaistudio/orchestrator/internal/workflow"
)

// maxSteps bounds compound plans. Longer chains get truncated rather than
// rejected; the tail operations are the ones users care least about.
const maxSteps = 4

// Planner turns one workflow decision into an ordered step plan.
type Planner struct {
	logger *zap.Logger
}

// New creates a Planner.
func New(logger *zap.Logger) *Planner {
	return &Planner{logger: logger}
}

// Conjunctions splitting a message into sequenced operation clauses.
var sequenceSeparators = []string{
	" then ",
	" after that ",
	" and then ",
	", then ",
	"; ",
}

// Operations whose output feeds the next step when chained.
var chainableOperations = map[string]bool{
	"compose":           true,
	"generate":          true,
	"upscale":           true,
	"reframe":           true,
	"change_lighting":   true,
	"change_scene":      true,
	"remove_background": true,
	"remove_object":     true,
	"zoom_sequence":     true,
	"trim_video":        true,
	"adjust_framerate":  true,
}

// Plan builds the step plan. A multi_step semantic decision wins outright;
// otherwise the message is scanned for sequence conjunctions and each clause
// re-matched against the heuristic rules.
func (p *Planner) Plan(decision models.WorkflowDecision, message string, semantic *workflow.SemanticDecision, matcher *workflow.Matcher) models.StepPlan {
	if semantic != nil && semantic.MultiStep && len(semantic.Steps) >= 2 {
		return p.fromSemanticSteps(message, semantic)
	}

	clauses := splitSequence(message)
	if len(clauses) >= 2 && matcher != nil {
		if plan, ok := p.fromClauses(clauses, matcher); ok {
			return plan
		}
	}

	return models.StepPlan{
		Steps: []models.PlannedStep{{
			Operation:  decision.TargetOperation,
			Parameters: withPrompt(decision.Parameters, message),
		}},
		Sequential: true,
	}
}

func (p *Planner) fromSemanticSteps(message string, semantic *workflow.SemanticDecision) models.StepPlan {
	steps := make([]models.PlannedStep, 0, maxSteps)
	for _, s := range semantic.Steps {
		if len(steps) == maxSteps {
			p.logger.Warn("Truncating semantic multi-step plan",
				zap.Int("requested", len(semantic.Steps)),
			)
			break
		}
		steps = append(steps, models.PlannedStep{
			Operation:  s.Operation,
			Parameters: withPrompt(s.Parameters, message),
			Rationale:  s.Rationale,
		})
	}
	return models.StepPlan{
		Steps:        steps,
		Sequential:   true,
		ContextChain: chained(steps),
	}
}

// fromClauses re-matches each conjunction clause individually. The plan only
// forms when at least two clauses resolve to distinct known operations; a
// rambling message with one real intent stays a single step.
func (p *Planner) fromClauses(clauses []string, matcher *workflow.Matcher) (models.StepPlan, bool) {
	var steps []models.PlannedStep
	for _, clause := range clauses {
		c, ok := matcher.Match(clause, workflow.MatchContext{})
		if !ok {
			continue
		}
		if len(steps) > 0 && steps[len(steps)-1].Operation == c.Decision.TargetOperation {
			continue
		}
		steps = append(steps, models.PlannedStep{
			Operation:  c.Decision.TargetOperation,
			Parameters: withPrompt(c.Decision.Parameters, strings.TrimSpace(clause)),
			Rationale:  strings.TrimSpace(clause),
		})
		if len(steps) == maxSteps {
			break
		}
	}
	if len(steps) < 2 {
		return models.StepPlan{}, false
	}

	p.logger.Info("Compound intent detected",
		zap.Int("steps", len(steps)),
	)
	return models.StepPlan{
		Steps:        steps,
		Sequential:   true,
		ContextChain: chained(steps),
	}, true
}

// withPrompt copies params and carries the user's text under "prompt" so the
// backend receives the instruction, not just the operation name. Existing
// prompts win; rule parameter maps are shared and must not be mutated.
func withPrompt(params map[string]interface{}, prompt string) map[string]interface{} {
	if prompt == "" {
		return params
	}
	out := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["prompt"]; !ok {
		out["prompt"] = prompt
	}
	return out
}

func splitSequence(message string) []string {
	clauses := []string{strings.ToLower(message)}
	for _, sep := range sequenceSeparators {
		var next []string
		for _, c := range clauses {
			next = append(next, strings.Split(c, sep)...)
		}
		clauses = next
	}
	var out []string
	for _, c := range clauses {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// chained reports whether consecutive steps feed each other's output.
func chained(steps []models.PlannedStep) bool {
	if len(steps) < 2 {
		return false
	}
	for _, s := range steps[1:] {
		if chainableOperations[s.Operation] {
			return true
		}
	}
	return false
}
