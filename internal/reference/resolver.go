package reference

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/history"
	"github.com/imaistudio/orchestrator/internal/metrics"
	"github.com/imaistudio/orchestrator/internal/models"
	"github.com/imaistudio/orchestrator/internal/normalize"
)

// Config bounds the resolution walk.
type Config struct {
	Window  time.Duration // tolerance around a caller-supplied timestamp
	MaxHops int           // total back-reference hops before giving up
}

// Resolver chases conversational back-references to the artifacts a user
// means by "it"/"this". Resolution degrades to an empty reference, never an
// error: a request without a resolvable reference is still a valid request.
type Resolver struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Resolver.
func New(cfg Config, logger *zap.Logger) *Resolver {
	if cfg.Window == 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.MaxHops == 0 {
		cfg.MaxHops = 10
	}
	return &Resolver{cfg: cfg, logger: logger}
}

var backReferenceMarkers = []string{"this", "it", "that"}

// Operations that only make sense on video output. When the current message
// signals one, the no-pointer fallback prefers the most recent video artifact
// over a newer image.
var videoOperationMarkers = []string{
	"video", "clip", "footage", "slow motion", "frame rate", "trim",
}

// artifactURIPattern scans free text for artifact URIs when a turn predates
// the structured produced_artifacts field. Compatibility fallback only.
var artifactURIPattern = regexp.MustCompile(`https?://[^\s"')]+\.(?:png|jpe?g|webp|gif|mp4|mov|webm)`)

var videoURIPattern = regexp.MustCompile(`(?i)\.(?:mp4|mov|webm)$|/video[s]?/`)

// Resolve builds the ResolvedReference for one request.
func (r *Resolver) Resolve(ptr *models.ReferencePointer, turns []history.Turn, message string) models.ResolvedReference {
	if len(turns) == 0 {
		metrics.ReferenceResolutions.WithLabelValues("empty_history").Inc()
		return models.ResolvedReference{}
	}

	var resolved models.ResolvedReference
	if ptr != nil {
		resolved = r.resolvePointer(ptr, turns)
	}
	if resolved.Empty() {
		resolved = r.resolveLatest(turns, message)
	}

	outcome := "resolved"
	if resolved.Empty() {
		outcome = "none"
	}
	metrics.ReferenceResolutions.WithLabelValues(outcome).Inc()
	metrics.ReferenceHops.Observe(float64(resolved.HopCount))
	return resolved
}

// resolvePointer handles an explicit caller-supplied pointer: locate the
// origin turn, read the artifacts the assistant produced right after it, and
// if the pointer's own text is a back-reference, keep walking.
func (r *Resolver) resolvePointer(ptr *models.ReferencePointer, turns []history.Turn) models.ResolvedReference {
	origin := -1
	switch {
	case ptr.ID != "":
		for i, t := range turns {
			if t.ID == ptr.ID {
				origin = i
				break
			}
		}
	case ptr.Timestamp != nil:
		origin = r.findByTimestamp(*ptr.Timestamp, turns)
	}
	if origin < 0 {
		return models.ResolvedReference{}
	}

	walk := newWalk(r.cfg.MaxHops)
	walk.collectProducedAfter(turns, origin)

	if walk.empty() && hasBackReference(ptr.Text) {
		walk.walkBackward(turns, origin-1)
	}
	return walk.result(turns, origin)
}

// resolveLatest is the no-pointer fallback: the most recent assistant turn
// bearing any artifact, honoring a media-type preference from the message.
func (r *Resolver) resolveLatest(turns []history.Turn, message string) models.ResolvedReference {
	preferVideo := signalsVideoOperation(message)

	best := -1
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role != history.RoleAssistant || !t.HasArtifacts() {
			continue
		}
		if best < 0 {
			best = i
		}
		if !preferVideo {
			break
		}
		if hasArtifactOfType(t, models.MediaVideo) {
			best = i
			break
		}
	}
	if best < 0 {
		return models.ResolvedReference{}
	}

	walk := newWalk(r.cfg.MaxHops)
	walk.collectTurn(turns[best])
	// When the message walks further back ("make it like that again"), chase
	// the chain from the chosen turn too.
	if hasBackReference(turns[best].Text) {
		walk.walkBackward(turns, best-1)
	}
	return walk.result(turns, best)
}

func (r *Resolver) findByTimestamp(ts time.Time, turns []history.Turn) int {
	best, bestDelta := -1, r.cfg.Window
	for i, t := range turns {
		delta := t.Timestamp.Sub(ts)
		if delta < 0 {
			delta = -delta
		}
		if delta <= bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best
}

// walk accumulates artifacts across back-reference hops, guarding against
// cycles and runaway chains.
type walk struct {
	artifacts []models.ArtifactRef
	seenURIs  map[string]bool
	visited   map[string]bool
	trail     []string
	hops      int
	maxHops   int
}

func newWalk(maxHops int) *walk {
	return &walk{
		seenURIs: make(map[string]bool),
		visited:  make(map[string]bool),
		maxHops:  maxHops,
	}
}

func (w *walk) empty() bool { return len(w.artifacts) == 0 }

// collectProducedAfter reads the artifacts of the assistant turn immediately
// following origin (or origin itself when it is an assistant turn).
func (w *walk) collectProducedAfter(turns []history.Turn, origin int) {
	t := turns[origin]
	if t.Role == history.RoleAssistant {
		w.collectTurn(t)
		return
	}
	if origin+1 < len(turns) && turns[origin+1].Role == history.RoleAssistant {
		w.collectTurn(turns[origin+1])
	}
}

// collectTurn pulls artifacts from one turn: the structured field first,
// then a URI pattern-scan of the free text as a compatibility fallback.
func (w *walk) collectTurn(t history.Turn) {
	if w.visited[t.ID] {
		return
	}
	w.visited[t.ID] = true
	if t.Text != "" {
		w.trail = append(w.trail, t.Text)
	}

	if t.HasArtifacts() {
		for _, a := range t.ProducedArtifacts {
			w.add(a)
		}
		return
	}
	for _, uri := range artifactURIPattern.FindAllString(t.Text, -1) {
		w.add(models.ArtifactRef{URI: uri, Type: classifyURI(uri)})
	}
}

// walkBackward hops to the nearest earlier artifact-bearing turn, following
// further back-references until the hop budget is spent or a cycle closes.
func (w *walk) walkBackward(turns []history.Turn, from int) {
	for i := from; i >= 0; i-- {
		if w.hops >= w.maxHops {
			return
		}
		t := turns[i]
		if w.visited[t.ID] {
			return
		}
		w.hops++
		if !t.HasArtifacts() && len(artifactURIPattern.FindAllString(t.Text, -1)) == 0 {
			w.visited[t.ID] = true
			continue
		}
		w.collectTurn(t)
		if !hasBackReference(t.Text) {
			return
		}
		// The artifact-bearing turn itself points further back; recurse.
	}
}

func (w *walk) add(a models.ArtifactRef) {
	if w.seenURIs[a.URI] {
		return
	}
	w.seenURIs[a.URI] = true
	if a.Type == "" || a.Type == models.MediaUnknown {
		a.Type = classifyURI(a.URI)
	}
	w.artifacts = append(w.artifacts, a)
}

func (w *walk) result(turns []history.Turn, origin int) models.ResolvedReference {
	if len(w.artifacts) == 0 {
		return models.ResolvedReference{}
	}
	return models.ResolvedReference{
		Artifacts:          w.artifacts,
		TextTrail:          strings.Join(w.trail, "\n"),
		InheritedRoleHints: inheritRoleHints(turns, origin),
		HopCount:           w.hops,
	}
}

// inheritRoleHints classifies preset-style tokens attached to the origin
// turn's inputs into role hints by naming convention.
func inheritRoleHints(turns []history.Turn, origin int) map[models.Role]string {
	hints := make(map[models.Role]string)
	for i := origin; i >= 0 && i >= origin-1; i-- {
		for _, ref := range turns[i].InputMediaRefs {
			if role := normalize.ClassifyPresetRole(ref, ""); role != "" {
				if _, taken := hints[role]; !taken {
					hints[role] = ref
				}
			}
		}
	}
	if len(hints) == 0 {
		return nil
	}
	return hints
}

func hasBackReference(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z')
	})
	for _, word := range words {
		for _, marker := range backReferenceMarkers {
			if word == marker {
				return true
			}
		}
	}
	return false
}

func signalsVideoOperation(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range videoOperationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func classifyURI(uri string) models.MediaType {
	if videoURIPattern.MatchString(uri) {
		return models.MediaVideo
	}
	return models.MediaImage
}

func hasArtifactOfType(t history.Turn, mt models.MediaType) bool {
	for _, a := range t.ProducedArtifacts {
		typ := a.Type
		if typ == "" || typ == models.MediaUnknown {
			typ = classifyURI(a.URI)
		}
		if typ == mt {
			return true
		}
	}
	return false
}
