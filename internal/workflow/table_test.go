package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaistudio/orchestrator/internal/models"
)

func TestDecideCompositionMappings(t *testing.T) {
	cases := []struct {
		name  string
		flags Flags
		want  models.WorkflowType
	}{
		{"all roles", Flags{HasProduct: true, HasDesign: true, HasColor: true}, models.WorkflowFullComposition},
		{"all roles with text", Flags{HasProduct: true, HasDesign: true, HasColor: true, HasFreeText: true}, models.WorkflowFullComposition},
		{"product and design", Flags{HasProduct: true, HasDesign: true}, models.WorkflowProductDesign},
		{"product and color", Flags{HasProduct: true, HasColor: true}, models.WorkflowProductColor},
		{"product with prompt", Flags{HasProduct: true, HasFreeText: true}, models.WorkflowProductPrompt},
		{"design and color with prompt", Flags{HasDesign: true, HasColor: true, HasFreeText: true}, models.WorkflowColorDesign},
		{"design with prompt", Flags{HasDesign: true, HasFreeText: true}, models.WorkflowDesignPrompt},
		{"color with prompt", Flags{HasColor: true, HasFreeText: true}, models.WorkflowColorPrompt},
		{"prompt only", Flags{HasFreeText: true}, models.WorkflowPromptOnly},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := DecideComposition(tc.flags)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.WorkflowType)
			assert.Equal(t, CompositionOperation, d.TargetOperation)
		})
	}
}

func TestDecideCompositionUnsupported(t *testing.T) {
	cases := []Flags{
		{},                              // nothing at all
		{HasProduct: true},              // product alone, no prompt
		{HasDesign: true},               // design without prompt
		{HasColor: true},                // color without prompt
		{HasDesign: true, HasColor: true}, // both secondary roles, no prompt
	}
	for _, f := range cases {
		_, err := DecideComposition(f)
		require.Error(t, err)
		var uce *models.UnsupportedCombinationError
		assert.ErrorAs(t, err, &uce)
	}
}

// The validator must agree with the table for every one of the 16 possible
// input combinations.
func TestValidateWorkflowRoundTrip(t *testing.T) {
	for i := 0; i < 16; i++ {
		f := Flags{
			HasProduct:  i&1 != 0,
			HasDesign:   i&2 != 0,
			HasColor:    i&4 != 0,
			HasFreeText: i&8 != 0,
		}
		d, err := DecideComposition(f)
		if err != nil {
			var uce *models.UnsupportedCombinationError
			require.ErrorAs(t, err, &uce)
			assert.Error(t, ValidateWorkflow(models.WorkflowPromptOnly, f))
			continue
		}
		assert.NoError(t, ValidateWorkflow(d.WorkflowType, f), "flags %+v", f)
	}
}

func TestValidateWorkflowMismatch(t *testing.T) {
	f := Flags{HasProduct: true, HasDesign: true, HasColor: true}
	assert.Error(t, ValidateWorkflow(models.WorkflowPromptOnly, f))
}

func TestFlagsFromAssignment(t *testing.T) {
	assignment := models.RoleAssignment{
		models.RoleProduct: models.RoleSourceUpload,
		models.RoleDesign:  models.RoleSourceReference,
		models.RoleColor:   models.RoleSourceNone,
	}
	f := FlagsFromAssignment(assignment, "make it pop")
	assert.True(t, f.HasProduct)
	assert.True(t, f.HasDesign)
	assert.False(t, f.HasColor)
	assert.True(t, f.HasFreeText)
}
