package models

import "time"

// SourceKind identifies where a media input's bytes come from.
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceURL    SourceKind = "url"
	SourceInline SourceKind = "inline"
	SourcePreset SourceKind = "preset"
)

// MediaInput is one raw media attachment on an incoming request.
type MediaInput struct {
	SourceKind    SourceKind `json:"source_kind"`
	RawRef        string     `json:"raw_ref"`
	FieldNameHint string     `json:"field_name_hint,omitempty"`
	Required      bool       `json:"required,omitempty"`
}

// StoredArtifact is the canonical form every MediaInput normalizes to.
type StoredArtifact struct {
	URI         string `json:"uri"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// MediaType classifies an artifact by what produced it.
type MediaType string

const (
	MediaImage   MediaType = "image"
	MediaVideo   MediaType = "video"
	MediaUnknown MediaType = "unknown"
)

// ArtifactRef is a produced artifact recorded on a conversation turn.
type ArtifactRef struct {
	URI  string    `json:"uri"`
	Type MediaType `json:"type"`
}

// Role is the semantic purpose of a media input within a composition.
type Role string

const (
	RoleProduct Role = "product"
	RoleDesign  Role = "design"
	RoleColor   Role = "color"
)

// AllRoles is the fixed role set, in reassignment priority order.
var AllRoles = []Role{RoleProduct, RoleDesign, RoleColor}

// RoleSource says where a role's content came from.
type RoleSource string

const (
	RoleSourceUpload    RoleSource = "explicit-upload"
	RoleSourcePreset    RoleSource = "preset-token"
	RoleSourceReference RoleSource = "resolved-reference"
	RoleSourceNone      RoleSource = "none"
)

// RoleAssignment maps every role to exactly one source. Roles that could not
// be filled carry RoleSourceNone rather than being absent.
type RoleAssignment map[Role]RoleSource

// Filled reports whether the role has any content.
func (ra RoleAssignment) Filled(r Role) bool {
	return ra[r] != "" && ra[r] != RoleSourceNone
}

// ResolvedReference is the output of chasing a conversational back-reference.
type ResolvedReference struct {
	Artifacts          []ArtifactRef   `json:"artifacts"`
	TextTrail          string          `json:"text_trail,omitempty"`
	InheritedRoleHints map[Role]string `json:"inherited_role_hints,omitempty"`
	HopCount           int             `json:"hop_count"`
}

// Empty reports whether resolution found nothing usable.
func (r ResolvedReference) Empty() bool { return len(r.Artifacts) == 0 }

// Primary returns the first resolved artifact, if any.
func (r ResolvedReference) Primary() (ArtifactRef, bool) {
	if len(r.Artifacts) == 0 {
		return ArtifactRef{}, false
	}
	return r.Artifacts[0], true
}

// WorkflowType is one of the fixed catalog of composition workflows.
type WorkflowType string

const (
	WorkflowFullComposition WorkflowType = "full_composition"
	WorkflowProductDesign   WorkflowType = "product_design"
	WorkflowProductColor    WorkflowType = "product_color"
	WorkflowProductPrompt   WorkflowType = "product_prompt"
	WorkflowColorDesign     WorkflowType = "color_design"
	WorkflowDesignPrompt    WorkflowType = "design_prompt"
	WorkflowColorPrompt     WorkflowType = "color_prompt"
	WorkflowPromptOnly      WorkflowType = "prompt_only"
)

// WorkflowDecision is the classifier's verdict for one request (or one step).
type WorkflowDecision struct {
	WorkflowType    WorkflowType           `json:"workflow_type"`
	Confidence      float64                `json:"confidence"`
	TargetOperation string                 `json:"target_operation"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	RequiresFiles   bool                   `json:"requires_files"`
}

// PlannedStep is one operation in a StepPlan.
type PlannedStep struct {
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Rationale  string                 `json:"rationale,omitempty"`
}

// StepPlan is the ordered execution plan for a request. Immutable once built.
type StepPlan struct {
	Steps        []PlannedStep `json:"steps"`
	Sequential   bool          `json:"sequential"`
	ContextChain bool          `json:"context_chain"`
}

// MultiStep reports whether the plan chains more than one operation.
func (p StepPlan) MultiStep() bool { return len(p.Steps) > 1 }

// StepStatus is the terminal state of one executed step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
)

// StepResult records the outcome of one executed step.
type StepResult struct {
	Operation  string          `json:"operation"`
	Status     StepStatus      `json:"status"`
	Artifact   *StoredArtifact `json:"artifact,omitempty"`
	Error      string          `json:"error,omitempty"`
	Method     string          `json:"method,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Request is the single produced interface to callers.
type Request struct {
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id,omitempty"`
	Message        string            `json:"message,omitempty"`
	MediaInputs    []MediaInput      `json:"media_inputs,omitempty"`
	Reference      *ReferencePointer `json:"explicit_reference,omitempty"`
	ReferenceMode  Role              `json:"reference_mode,omitempty"`
	Streaming      bool              `json:"streaming,omitempty"`
}

// ReferencePointer is an optional caller-supplied pointer into history.
type ReferencePointer struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Text      string     `json:"text,omitempty"`
	ID        string     `json:"id,omitempty"`
}

// ResponseStatus summarizes the whole request outcome.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusMixed   ResponseStatus = "mixed"
	StatusError   ResponseStatus = "error"
)

// Response is what the engine returns to callers.
type Response struct {
	RequestID       string            `json:"request_id"`
	Status          ResponseStatus    `json:"status"`
	Decision        *WorkflowDecision `json:"decision,omitempty"`
	Plan            *StepPlan         `json:"plan,omitempty"`
	StepResults     []StepResult      `json:"step_results,omitempty"`
	FinalArtifact   *StoredArtifact   `json:"final_artifact,omitempty"`
	Message         string            `json:"message,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Error           string            `json:"error,omitempty"`
}
