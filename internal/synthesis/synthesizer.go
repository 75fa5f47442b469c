package synthesis

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/models"
)

// maxRecommendations caps the next-action suggestions per response.
const maxRecommendations = 3

// Synthesizer turns step results into the user-facing summary and
// next-action recommendations.
type Synthesizer struct {
	logger *zap.Logger
}

// New creates a Synthesizer.
func New(logger *zap.Logger) *Synthesizer {
	return &Synthesizer{logger: logger}
}

// Output is the synthesized tail of a response.
type Output struct {
	Status          models.ResponseStatus
	Message         string
	FinalArtifact   *models.StoredArtifact
	Recommendations []string
}

// Synthesize summarizes the executed plan.
func (s *Synthesizer) Synthesize(wf models.WorkflowType, results []models.StepResult) Output {
	succeeded, failed := 0, 0
	var final *models.StoredArtifact
	var firstError string
	for _, r := range results {
		switch r.Status {
		case models.StepSuccess:
			succeeded++
			if r.Artifact != nil {
				final = r.Artifact
			}
		case models.StepError:
			failed++
			if firstError == "" {
				firstError = fmt.Sprintf("%s: %s", r.Operation, r.Error)
			}
		}
	}

	out := Output{FinalArtifact: final}
	switch {
	case failed == 0 && succeeded > 0:
		out.Status = models.StatusSuccess
		out.Message = successMessage(wf, results)
	case succeeded > 0:
		out.Status = models.StatusMixed
		out.Message = fmt.Sprintf("Completed %d of %d steps; stopped at %s.",
			succeeded, len(results), firstError)
	default:
		out.Status = models.StatusError
		out.Message = fmt.Sprintf("Generation failed: %s.", firstError)
	}

	out.Recommendations = recommend(wf, out.Status, final)
	return out
}

func successMessage(wf models.WorkflowType, results []models.StepResult) string {
	if len(results) == 1 {
		return fmt.Sprintf("Done: %s finished.", describeOperation(results[0].Operation))
	}
	ops := make([]string, 0, len(results))
	for _, r := range results {
		ops = append(ops, describeOperation(r.Operation))
	}
	return fmt.Sprintf("Done: %s.", strings.Join(ops, ", then "))
}

func describeOperation(op string) string {
	if d, ok := operationDescriptions[op]; ok {
		return d
	}
	return strings.ReplaceAll(op, "_", " ")
}

var operationDescriptions = map[string]string{
	"compose":           "composition",
	"generate":          "generation",
	"upscale":           "upscaling",
	"reframe":           "reframing",
	"remove_background": "background removal",
	"remove_object":     "object removal",
	"change_lighting":   "lighting change",
	"change_scene":      "scene change",
	"analyze":           "analysis",
	"zoom_sequence":     "zoom sequence",
	"trim_video":        "video trim",
	"adjust_framerate":  "frame rate adjustment",
}

// recommend proposes up to three follow-up actions keyed off the workflow
// and outcome.
func recommend(wf models.WorkflowType, status models.ResponseStatus, final *models.StoredArtifact) []string {
	if status == models.StatusError {
		return []string{"Try rephrasing your request or attaching the media again."}
	}

	var recs []string
	switch wf {
	case models.WorkflowFullComposition, models.WorkflowProductDesign, models.WorkflowProductColor:
		recs = append(recs,
			"Ask for a different color palette on the same composition.",
			"Request a scene change to place the result in context.",
		)
	case models.WorkflowProductPrompt, models.WorkflowPromptOnly:
		recs = append(recs,
			"Add a design or color reference to steer the look.",
			"Ask for variations on this result.",
		)
	case models.WorkflowColorDesign, models.WorkflowDesignPrompt, models.WorkflowColorPrompt:
		recs = append(recs,
			"Attach a product image to apply this look to.",
		)
	}
	if final != nil && strings.HasPrefix(final.ContentType, "image/") {
		recs = append(recs, "Ask to upscale the result for a high-resolution export.")
	}
	if status == models.StatusMixed {
		recs = append([]string{"Retry the request to finish the remaining steps."}, recs...)
	}

	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}
	return recs
}
