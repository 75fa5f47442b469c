package workflow

import (
	"fmt"

	"github.com/imaistudio/orchestrator/internal/models"
)

// Flags are the four booleans the composition decision table runs on.
type Flags struct {
	HasProduct  bool
	HasDesign   bool
	HasColor    bool
	HasFreeText bool
}

// CompositionOperation is the target operation for every table decision.
const CompositionOperation = "compose"

// DecideComposition maps role/text presence onto one of the eight fixed
// composition workflows. Combinations the catalog does not cover return an
// UnsupportedCombinationError naming the offending inputs.
func DecideComposition(f Flags) (models.WorkflowDecision, error) {
	wf, ok := lookupWorkflow(f)
	if !ok {
		return models.WorkflowDecision{}, &models.UnsupportedCombinationError{
			HasProduct:  f.HasProduct,
			HasDesign:   f.HasDesign,
			HasColor:    f.HasColor,
			HasFreeText: f.HasFreeText,
		}
	}
	return models.WorkflowDecision{
		WorkflowType:    wf,
		Confidence:      1.0,
		TargetOperation: CompositionOperation,
		RequiresFiles:   f.HasProduct || f.HasDesign || f.HasColor,
	}, nil
}

func lookupWorkflow(f Flags) (models.WorkflowType, bool) {
	if f.HasProduct {
		switch {
		case f.HasDesign && f.HasColor:
			return models.WorkflowFullComposition, true
		case f.HasDesign:
			return models.WorkflowProductDesign, true
		case f.HasColor:
			return models.WorkflowProductColor, true
		case f.HasFreeText:
			return models.WorkflowProductPrompt, true
		}
		return "", false
	}

	// Without a product, free text carries the intent and is mandatory.
	if !f.HasFreeText {
		return "", false
	}
	switch {
	case f.HasDesign && f.HasColor:
		return models.WorkflowColorDesign, true
	case f.HasDesign:
		return models.WorkflowDesignPrompt, true
	case f.HasColor:
		return models.WorkflowColorPrompt, true
	}
	return models.WorkflowPromptOnly, true
}

// ValidateWorkflow re-derives the workflow from the same flags and checks
// that the table agrees with the decision it produced.
func ValidateWorkflow(wf models.WorkflowType, f Flags) error {
	derived, ok := lookupWorkflow(f)
	if !ok {
		return &models.UnsupportedCombinationError{
			HasProduct:  f.HasProduct,
			HasDesign:   f.HasDesign,
			HasColor:    f.HasColor,
			HasFreeText: f.HasFreeText,
		}
	}
	if derived != wf {
		return fmt.Errorf("workflow %s does not match inputs (expected %s)", wf, derived)
	}
	return nil
}

// FlagsFromAssignment derives the table flags from a role assignment and the
// request message.
func FlagsFromAssignment(assignment models.RoleAssignment, message string) Flags {
	return Flags{
		HasProduct:  assignment.Filled(models.RoleProduct),
		HasDesign:   assignment.Filled(models.RoleDesign),
		HasColor:    assignment.Filled(models.RoleColor),
		HasFreeText: message != "",
	}
}
