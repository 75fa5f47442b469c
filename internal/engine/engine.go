package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imaistudio/orchestrator/internal/db"
	"github.com/imaistudio/orchestrator/internal/executor"
	"github.com/imaistudio/orchestrator/internal/history"
	"github.com/imaistudio/orchestrator/internal/metrics"
	"github.com/imaistudio/orchestrator/internal/models"
	"github.com/imaistudio/orchestrator/internal/normalize"
	"github.com/imaistudio/orchestrator/internal/planner"
	"github.com/imaistudio/orchestrator/internal/reference"
	"github.com/imaistudio/orchestrator/internal/roles"
	"github.com/imaistudio/orchestrator/internal/synthesis"
	"github.com/imaistudio/orchestrator/internal/tracing"
	"github.com/imaistudio/orchestrator/internal/workflow"
)

// HistoryStore is the slice of the conversation store the engine needs.
type HistoryStore interface {
	Append(ctx context.Context, conversationID string, turn history.Turn) (history.Turn, error)
	Read(ctx context.Context, conversationID string) ([]history.Turn, error)
}

// AuditSink receives finished-request records. Persistence is best-effort.
type AuditSink interface {
	Enqueue(rec db.AuditRecord)
}

// Engine drives the full request pipeline: normalize and resolve
// concurrently, then assign, classify, plan, execute and synthesize.
type Engine struct {
	normalizer *normalize.Normalizer
	history    HistoryStore
	resolver   *reference.Resolver
	assigner   *roles.Assigner
	matcher    *workflow.Matcher
	classifier *workflow.Classifier
	planner    *planner.Planner
	executor   *executor.Executor
	synth      *synthesis.Synthesizer
	audit      AuditSink // nil when auditing is disabled
	logger     *zap.Logger
}

// New wires an Engine.
func New(
	normalizer *normalize.Normalizer,
	hist HistoryStore,
	resolver *reference.Resolver,
	assigner *roles.Assigner,
	matcher *workflow.Matcher,
	classifier *workflow.Classifier,
	plan *planner.Planner,
	exec *executor.Executor,
	synth *synthesis.Synthesizer,
	audit AuditSink,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		normalizer: normalizer,
		history:    hist,
		resolver:   resolver,
		assigner:   assigner,
		matcher:    matcher,
		classifier: classifier,
		planner:    plan,
		executor:   exec,
		synth:      synth,
		audit:      audit,
		logger:     logger,
	}
}

// Handle runs one request through the pipeline. It always returns a
// structured response; terminal errors map onto status error per the
// taxonomy, never onto a panic or a bare transport failure.
func (e *Engine) Handle(ctx context.Context, req models.Request) models.Response {
	requestID := uuid.New().String()
	start := time.Now()
	logger := e.logger.With(
		zap.String("request_id", requestID),
		zap.String("conversation_id", req.ConversationID),
	)

	if req.Message == "" && len(req.MediaInputs) == 0 {
		return e.finish(requestID, "none", start, models.Response{
			RequestID: requestID,
			Status:    models.StatusError,
			Error:     models.ErrEmptyRequest.Error(),
		})
	}

	turns := e.readHistory(ctx, requestID, req.ConversationID, logger)

	items, resolved, err := e.normalizeAndResolve(ctx, requestID, req, turns)
	if err != nil {
		return e.finish(requestID, "none", start, models.Response{
			RequestID: requestID,
			Status:    models.StatusError,
			Error:     err.Error(),
		})
	}

	assignment, roleRefs := e.assignRoles(ctx, requestID, req, items, resolved)

	decision, semantic, verr := e.classify(ctx, requestID, req, assignment, roleRefs, resolved, turns)
	if verr != nil {
		return e.finish(requestID, "none", start, models.Response{
			RequestID: requestID,
			Status:    models.StatusError,
			Error:     verr.Error(),
		})
	}

	_, span := tracing.StartStageSpan(ctx, "plan", requestID)
	plan := e.planner.Plan(decision, req.Message, semantic, e.matcher)
	span.End()

	ectx, span := tracing.StartStageSpan(ctx, "execute", requestID)
	results := e.executor.Execute(ectx, plan, seedRefs(items, resolved))
	span.End()

	out := e.synth.Synthesize(decision.WorkflowType, results)

	resp := models.Response{
		RequestID:       requestID,
		Status:          out.Status,
		Decision:        &decision,
		Plan:            &plan,
		StepResults:     results,
		FinalArtifact:   out.FinalArtifact,
		Message:         out.Message,
		Recommendations: out.Recommendations,
	}

	e.appendTurns(ctx, req, items, resp, logger)
	e.enqueueAudit(req, resp, decision, start)

	return e.finish(requestID, string(decision.WorkflowType), start, resp)
}

func (e *Engine) finish(requestID, wf string, start time.Time, resp models.Response) models.Response {
	metrics.RecordRequest(wf, string(resp.Status), time.Since(start).Seconds())
	return resp
}

func (e *Engine) readHistory(ctx context.Context, requestID, conversationID string, logger *zap.Logger) []history.Turn {
	if conversationID == "" {
		return nil
	}
	ctx, span := tracing.StartStageSpan(ctx, "history", requestID)
	defer span.End()

	turns, err := e.history.Read(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, history.ErrConversationNotFound) {
			// Degraded history means degraded references, not a failure.
			logger.Warn("History read failed", zap.Error(err))
		}
		return nil
	}
	return turns
}

// normalizeAndResolve runs media normalization and reference resolution
// concurrently. Only a required-input normalization failure is terminal.
func (e *Engine) normalizeAndResolve(ctx context.Context, requestID string, req models.Request, turns []history.Turn) ([]normalize.Item, models.ResolvedReference, error) {
	var (
		items    []normalize.Item
		resolved models.ResolvedReference
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		nctx, span := tracing.StartStageSpan(gctx, "normalize", requestID)
		defer span.End()
		var err error
		items, err = e.normalizer.Normalize(nctx, req.MediaInputs)
		return err
	})
	g.Go(func() error {
		_, span := tracing.StartStageSpan(gctx, "resolve", requestID)
		defer span.End()
		resolved = e.resolver.Resolve(req.Reference, turns, req.Message)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, models.ResolvedReference{}, err
	}

	// A fresh-generation request ignores whatever the resolver dug up.
	if !resolved.Empty() && e.matcher.PrefersFreshGeneration(req.Message) {
		resolved = models.ResolvedReference{}
	}
	return items, resolved, nil
}

// assignRoles also reports which reference fills each role, so the
// composition step can label its inputs for the backend.
func (e *Engine) assignRoles(ctx context.Context, requestID string, req models.Request, items []normalize.Item, resolved models.ResolvedReference) (models.RoleAssignment, map[models.Role]string) {
	_, span := tracing.StartStageSpan(ctx, "assign", requestID)
	defer span.End()

	in := roles.Input{
		Message:       req.Message,
		ReferenceMode: req.ReferenceMode,
		Reference:     resolved,
		UploadRoles:   make(map[models.Role]bool),
		PresetRoles:   make(map[models.Role]bool),
	}
	roleRefs := make(map[models.Role]string)

	for _, it := range items {
		if it.Failed() {
			continue
		}
		switch {
		case it.PresetToken != "":
			role := it.RoleHint
			if role == "" {
				role = firstMissing(in)
			}
			if role != "" {
				in.PresetRoles[role] = true
				roleRefs[role] = it.PresetToken
			}
			if it.RoleHint == models.RoleProduct {
				in.SelectedProductPreset = it.PresetToken
			}
		case it.Artifact != nil:
			role := it.RoleHint
			if role == "" {
				// Unhinted uploads take the highest-priority open role.
				role = firstMissing(in)
			}
			if role != "" {
				in.UploadRoles[role] = true
				roleRefs[role] = it.Artifact.URI
			}
		}
	}

	assignment := e.assigner.Assign(in)
	if primary, ok := resolved.Primary(); ok {
		for _, r := range models.AllRoles {
			if assignment[r] == models.RoleSourceReference {
				roleRefs[r] = primary.URI
			}
		}
	}
	return assignment, roleRefs
}

func firstMissing(in roles.Input) models.Role {
	for _, r := range models.AllRoles {
		if !in.UploadRoles[r] && !in.PresetRoles[r] {
			return r
		}
	}
	return ""
}

// classify picks the decision path: role-bearing requests go through the
// composition table, everything else through the hybrid classifier.
func (e *Engine) classify(ctx context.Context, requestID string, req models.Request, assignment models.RoleAssignment, roleRefs map[models.Role]string, resolved models.ResolvedReference, turns []history.Turn) (models.WorkflowDecision, *workflow.SemanticDecision, error) {
	ctx, span := tracing.StartStageSpan(ctx, "classify", requestID)
	defer span.End()

	composing := assignment[models.RoleProduct] == models.RoleSourceUpload ||
		assignment[models.RoleProduct] == models.RoleSourcePreset ||
		assignment[models.RoleDesign] == models.RoleSourceUpload ||
		assignment[models.RoleDesign] == models.RoleSourcePreset ||
		assignment[models.RoleColor] == models.RoleSourceUpload ||
		assignment[models.RoleColor] == models.RoleSourcePreset

	if composing {
		flags := workflow.FlagsFromAssignment(assignment, req.Message)
		decision, err := workflow.DecideComposition(flags)
		if err != nil {
			var uce *models.UnsupportedCombinationError
			if errors.As(err, &uce) {
				return models.WorkflowDecision{}, nil, &models.ValidationError{
					Field:  "mediaInputs",
					Detail: uce.Error(),
				}
			}
			return models.WorkflowDecision{}, nil, err
		}
		if verr := workflow.ValidateWorkflow(decision.WorkflowType, flags); verr != nil {
			return models.WorkflowDecision{}, nil, verr
		}
		decision.Parameters = compositionParams(decision.WorkflowType, roleRefs, req.Streaming)
		return decision, nil, nil
	}

	refIsVideo := false
	if primary, ok := resolved.Primary(); ok {
		refIsVideo = primary.Type == models.MediaVideo
	}
	outcome := e.classifier.Classify(ctx, workflow.Input{
		Message:          req.Message,
		HasMedia:         len(req.MediaInputs) > 0,
		HasReference:     !resolved.Empty(),
		ReferenceIsVideo: refIsVideo,
		RecentHistory:    recentTexts(turns, 6),
	})
	return outcome.Decision, outcome.Semantic, nil
}

// compositionParams labels the composition inputs: the chosen workflow, the
// reference filling each role, and whether the caller asked for streaming
// delivery. The flat seed refs alone cannot tell the backend which input
// plays which role.
func compositionParams(wf models.WorkflowType, roleRefs map[models.Role]string, streaming bool) map[string]interface{} {
	params := map[string]interface{}{"workflow": string(wf)}
	for role, ref := range roleRefs {
		params[string(role)+"_ref"] = ref
	}
	if streaming {
		params["streaming"] = true
	}
	return params
}

// seedRefs collects the media references the first step starts from:
// normalized artifact URIs, preset tokens, then resolved reference artifacts.
func seedRefs(items []normalize.Item, resolved models.ResolvedReference) []string {
	var refs []string
	for _, it := range items {
		switch {
		case it.Failed():
		case it.Artifact != nil:
			refs = append(refs, it.Artifact.URI)
		case it.PresetToken != "":
			refs = append(refs, it.PresetToken)
		}
	}
	for _, a := range resolved.Artifacts {
		refs = append(refs, a.URI)
	}
	return refs
}

func recentTexts(turns []history.Turn, max int) []string {
	if len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	var texts []string
	for _, t := range turns {
		if t.Text != "" {
			texts = append(texts, t.Text)
		}
	}
	return texts
}

// appendTurns records both sides of the exchange. Failures are logged only;
// history is not on the critical path.
func (e *Engine) appendTurns(ctx context.Context, req models.Request, items []normalize.Item, resp models.Response, logger *zap.Logger) {
	if req.ConversationID == "" {
		return
	}

	var inputRefs []string
	for _, it := range items {
		switch {
		case it.PresetToken != "":
			inputRefs = append(inputRefs, it.PresetToken)
		case it.Artifact != nil:
			inputRefs = append(inputRefs, it.Artifact.URI)
		}
	}
	if _, err := e.history.Append(ctx, req.ConversationID, history.Turn{
		Role:           history.RoleUser,
		Text:           req.Message,
		InputMediaRefs: inputRefs,
	}); err != nil {
		logger.Warn("Failed to record user turn", zap.Error(err))
		return
	}

	var produced []models.ArtifactRef
	for _, r := range resp.StepResults {
		if r.Status == models.StepSuccess && r.Artifact != nil {
			produced = append(produced, models.ArtifactRef{
				URI:  r.Artifact.URI,
				Type: mediaTypeOf(r.Artifact.ContentType),
			})
		}
	}
	if _, err := e.history.Append(ctx, req.ConversationID, history.Turn{
		Role:              history.RoleAssistant,
		Text:              resp.Message,
		ProducedArtifacts: produced,
	}); err != nil {
		logger.Warn("Failed to record assistant turn", zap.Error(err))
	}
}

func mediaTypeOf(contentType string) models.MediaType {
	switch {
	case contentType == "":
		return models.MediaUnknown
	case strings.HasPrefix(contentType, "video/"):
		return models.MediaVideo
	default:
		return models.MediaImage
	}
}

func (e *Engine) enqueueAudit(req models.Request, resp models.Response, decision models.WorkflowDecision, start time.Time) {
	if e.audit == nil {
		return
	}
	e.audit.Enqueue(db.AuditRecord{
		RequestID:      resp.RequestID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Workflow:       string(decision.WorkflowType),
		Operation:      decision.TargetOperation,
		Status:         string(resp.Status),
		StepCount:      len(resp.StepResults),
		DurationMs:     time.Since(start).Milliseconds(),
		StepResults:    resp.StepResults,
	})
}
