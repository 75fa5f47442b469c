package roles

import (
	"strings"

	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/models"
)

// Input is everything role assignment may consult. Built once per request
// and never mutated; the guards below read it and return early.
type Input struct {
	Message       string
	ReferenceMode models.Role // caller-supplied flag, may be empty
	Reference     models.ResolvedReference

	UploadRoles map[models.Role]bool // roles filled by explicit uploads
	PresetRoles map[models.Role]bool // roles filled by preset tokens

	// SelectedProductPreset is the product preset named on this request, if
	// any. When it differs from a product preset inherited through the
	// reference chain, the reference is demoted to inspiration only.
	SelectedProductPreset string
}

func (in Input) filledByUpload(r models.Role) bool { return in.UploadRoles[r] }

func (in Input) filled(r models.Role) bool {
	return in.UploadRoles[r] || in.PresetRoles[r]
}

// Assigner maps media inputs and the resolved reference onto the fixed
// product/design/color role set.
type Assigner struct {
	logger *zap.Logger
}

// New creates an Assigner.
func New(logger *zap.Logger) *Assigner {
	return &Assigner{logger: logger}
}

// Explicit instruction phrases, checked verbatim against the lowercased
// message. Order matters: longer, more specific phrases first.
var explicitPhrases = []struct {
	phrase string
	role   models.Role
}{
	{"use reference for color only", models.RoleColor},
	{"use reference for colour only", models.RoleColor},
	{"use reference for design only", models.RoleDesign},
	{"use reference for product only", models.RoleProduct},
	{"reference for color only", models.RoleColor},
	{"reference for design only", models.RoleDesign},
	{"reference for product only", models.RoleProduct},
	{"as color reference only", models.RoleColor},
	{"as design reference only", models.RoleDesign},
	{"use it for color only", models.RoleColor},
	{"use it for design only", models.RoleDesign},
}

// Assign produces the complete role map. Every role is present in the
// output; unfilled roles carry RoleSourceNone.
func (a *Assigner) Assign(in Input) models.RoleAssignment {
	assignment := models.RoleAssignment{}
	for _, r := range models.AllRoles {
		switch {
		case in.UploadRoles[r]:
			assignment[r] = models.RoleSourceUpload
		case in.PresetRoles[r]:
			assignment[r] = models.RoleSourcePreset
		default:
			assignment[r] = models.RoleSourceNone
		}
	}

	if in.Reference.Empty() {
		return assignment
	}

	// Ordered guards; the first one that places the reference wins.
	for _, guard := range []func(Input, models.RoleAssignment) bool{
		a.explicitInstruction,
		a.referenceModeFlag,
		a.semanticInference,
	} {
		if guard(in, assignment) {
			break
		}
	}
	return assignment
}

// explicitInstruction: a phrase naming a role for the reference always wins.
func (a *Assigner) explicitInstruction(in Input, assignment models.RoleAssignment) bool {
	lower := strings.ToLower(in.Message)
	for _, p := range explicitPhrases {
		if strings.Contains(lower, p.phrase) {
			assignment[p.role] = models.RoleSourceReference
			a.logger.Debug("Role assigned by explicit instruction",
				zap.String("role", string(p.role)),
				zap.String("phrase", p.phrase),
			)
			return true
		}
	}
	return false
}

// referenceModeFlag honors the caller's mode flag unless it collides with a
// role already filled by an explicit upload; then the reference moves to the
// next compatible missing role.
func (a *Assigner) referenceModeFlag(in Input, assignment models.RoleAssignment) bool {
	mode := in.ReferenceMode
	if mode == "" {
		return false
	}
	if in.productDemoted() && mode == models.RoleProduct {
		mode = "" // fall through to reassignment below
	}

	if mode != "" && !in.filledByUpload(mode) {
		assignment[mode] = models.RoleSourceReference
		return true
	}

	// Conflict: pick the first missing role the reference may still take.
	for _, r := range models.AllRoles {
		if r == models.RoleProduct && in.productDemoted() {
			continue
		}
		if !assignment.Filled(r) {
			assignment[r] = models.RoleSourceReference
			a.logger.Debug("Reference mode conflicted; reassigned",
				zap.String("requested", string(in.ReferenceMode)),
				zap.String("assigned", string(r)),
			)
			return true
		}
	}
	return true // flag present but nothing assignable; stop the chain
}

// semanticInference: the reference fills whatever is missing. With a product
// already supplied it becomes the design (and color, when unfilled); without
// one it becomes the product to modify.
func (a *Assigner) semanticInference(in Input, assignment models.RoleAssignment) bool {
	if in.filled(models.RoleProduct) || in.productDemoted() {
		placed := false
		if !assignment.Filled(models.RoleDesign) {
			assignment[models.RoleDesign] = models.RoleSourceReference
			placed = true
		}
		if !assignment.Filled(models.RoleColor) {
			assignment[models.RoleColor] = models.RoleSourceReference
			placed = true
		}
		return placed
	}

	assignment[models.RoleProduct] = models.RoleSourceReference
	return true
}

// productDemoted reports whether the user picked a different product preset
// than the one the reference chain carries: the referenced artifact is then
// design/color inspiration only, never the product base.
func (in Input) productDemoted() bool {
	if in.SelectedProductPreset == "" {
		return false
	}
	inherited := in.Reference.InheritedRoleHints[models.RoleProduct]
	return inherited != "" && inherited != in.SelectedProductPreset
}
