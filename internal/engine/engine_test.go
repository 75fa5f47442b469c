package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imaistudio/orchestrator/internal/backends"
	"github.com/imaistudio/orchestrator/internal/db"
	"github.com/imaistudio/orchestrator/internal/executor"
	"github.com/imaistudio/orchestrator/internal/history"
	"github.com/imaistudio/orchestrator/internal/models"
	"github.com/imaistudio/orchestrator/internal/normalize"
	"github.com/imaistudio/orchestrator/internal/planner"
	"github.com/imaistudio/orchestrator/internal/reference"
	"github.com/imaistudio/orchestrator/internal/roles"
	"github.com/imaistudio/orchestrator/internal/storage"
	"github.com/imaistudio/orchestrator/internal/synthesis"
	"github.com/imaistudio/orchestrator/internal/workflow"
)

// fakeHistory is an in-memory HistoryStore.
type fakeHistory struct {
	turns map[string][]history.Turn
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{turns: make(map[string][]history.Turn)}
}

func (f *fakeHistory) Append(ctx context.Context, conversationID string, turn history.Turn) (history.Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	f.turns[conversationID] = append(f.turns[conversationID], turn)
	return turn, nil
}

func (f *fakeHistory) Read(ctx context.Context, conversationID string) ([]history.Turn, error) {
	turns, ok := f.turns[conversationID]
	if !ok {
		return nil, history.ErrConversationNotFound
	}
	return turns, nil
}

// fakeBackend answers every operation with a stored artifact URI.
type fakeBackend struct {
	calls  []string
	refs   [][]string
	params []map[string]interface{}
}

func (f *fakeBackend) Invoke(ctx context.Context, op string, params map[string]interface{}, refs []string) (backends.Result, error) {
	f.calls = append(f.calls, op)
	f.refs = append(f.refs, refs)
	f.params = append(f.params, params)
	return backends.Result{
		Method:      "fake",
		ArtifactURI: "https://backend.example.com/out/" + op + ".png",
		ContentType: "image/png",
	}, nil
}

type fakeStore struct{}

func (fakeStore) Put(ctx context.Context, data []byte, path, contentType string) (string, error) {
	return "https://cdn.example.com/" + path, nil
}

func (fakeStore) Get(ctx context.Context, uri string) ([]byte, error) {
	return []byte("bytes"), nil
}

type auditCapture struct {
	records []db.AuditRecord
}

func (a *auditCapture) Enqueue(rec db.AuditRecord) { a.records = append(a.records, rec) }

const engineRules = `
rules:
  - operation: remove_background
    endpoint: /v1/background/remove
    phrases: ["remove the background"]
    confidence: 0.95
    priority: 90
    safe_to_bypass: true
    requires_files: true
  - operation: change_lighting
    endpoint: /v1/lighting
    phrases: ["lighting", "brighter"]
    confidence: 0.9
    priority: 60
    safe_to_bypass: true
  - operation: upscale
    endpoint: /v1/enhance
    phrases: ["upscale"]
    confidence: 0.92
    priority: 80
    safe_to_bypass: true
fresh_generation_phrases: ["start over", "from scratch"]
`

type fixture struct {
	engine  *Engine
	history *fakeHistory
	backend *fakeBackend
	audit   *auditCapture
}

func newFixture(t *testing.T, semanticHandler http.HandlerFunc) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	storageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"uri":"https://cdn.example.com` + r.URL.Path + `"}`))
	}))
	t.Cleanup(storageSrv.Close)
	store := storage.New(storage.Config{BaseURL: storageSrv.URL}, logger)

	if semanticHandler == nil {
		semanticHandler = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}
	}
	semanticSrv := httptest.NewServer(semanticHandler)
	t.Cleanup(semanticSrv.Close)

	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(engineRules), 0o644))
	rs, err := workflow.LoadRules(rulesPath)
	require.NoError(t, err)
	matcher := workflow.NewMatcher(rs, logger)

	hist := newFakeHistory()
	backend := &fakeBackend{}
	audit := &auditCapture{}

	eng := New(
		normalize.New(normalize.Config{}, store, logger),
		hist,
		reference.New(reference.Config{}, logger),
		roles.New(logger),
		matcher,
		workflow.NewClassifier(matcher, workflow.NewSemanticClient(workflow.SemanticConfig{BaseURL: semanticSrv.URL}, logger), 0.85, logger),
		planner.New(logger),
		executor.New(backend, fakeStore{}, executor.Config{}, logger),
		synthesis.New(logger),
		audit,
		logger,
	)
	return &fixture{engine: eng, history: hist, backend: backend, audit: audit}
}

func TestHandleEmptyRequest(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.engine.Handle(context.Background(), models.Request{ConversationID: "c1"})
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "message or at least one media input")
}

func TestHandleCompositionWithPresets(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.engine.Handle(context.Background(), models.Request{
		ConversationID: "c1",
		Message:        "put the floral pattern on the vase in terracotta",
		MediaInputs: []models.MediaInput{
			{SourceKind: models.SourcePreset, RawRef: "product_vase_01"},
			{SourceKind: models.SourcePreset, RawRef: "design_floral"},
			{SourceKind: models.SourcePreset, RawRef: "color_terracotta"},
		},
	})

	assert.Equal(t, models.StatusSuccess, resp.Status)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, models.WorkflowFullComposition, resp.Decision.WorkflowType)
	assert.Equal(t, []string{"compose"}, f.backend.calls)
	assert.Contains(t, f.backend.refs[0], "product_vase_01")
	require.NotNil(t, resp.FinalArtifact)

	// The compose step names the workflow and which reference fills each role.
	params := f.backend.params[0]
	assert.Equal(t, "full_composition", params["workflow"])
	assert.Equal(t, "product_vase_01", params["product_ref"])
	assert.Equal(t, "design_floral", params["design_ref"])
	assert.Equal(t, "color_terracotta", params["color_ref"])
	assert.Equal(t, "put the floral pattern on the vase in terracotta", params["prompt"])

	// Both turns recorded, with the produced artifact on the assistant side.
	turns := f.history.turns["c1"]
	require.Len(t, turns, 2)
	assert.Equal(t, history.RoleUser, turns[0].Role)
	assert.True(t, turns[1].HasArtifacts())
}

func TestHandlePromptReachesBackend(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.engine.Handle(context.Background(), models.Request{
		ConversationID: "c1",
		Message:        "make a ceramic vase with a narrow neck",
	})

	require.NotEqual(t, models.StatusError, resp.Status)
	require.Len(t, f.backend.params, 1)
	assert.Equal(t, "make a ceramic vase with a narrow neck", f.backend.params[0]["prompt"],
		"the backend must see the user's text, not just the operation name")
}

func TestHandleStreamingFlaggedForComposition(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.engine.Handle(context.Background(), models.Request{
		ConversationID: "c1",
		Message:        "put this design on the mug",
		Streaming:      true,
		MediaInputs: []models.MediaInput{
			{SourceKind: models.SourcePreset, RawRef: "product_mug_02"},
			{SourceKind: models.SourcePreset, RawRef: "design_waves"},
		},
	})

	require.NotEqual(t, models.StatusError, resp.Status)
	require.Len(t, f.backend.params, 1)
	assert.Equal(t, true, f.backend.params[0]["streaming"])
}

func TestHandleUnsupportedCombination(t *testing.T) {
	f := newFixture(t, nil)

	// A design preset alone, with no free text, matches no workflow.
	resp := f.engine.Handle(context.Background(), models.Request{
		ConversationID: "c1",
		MediaInputs: []models.MediaInput{
			{SourceKind: models.SourcePreset, RawRef: "design_floral"},
		},
	})
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "no workflow accepts this combination")
}

func TestHandleModificationViaReference(t *testing.T) {
	f := newFixture(t, nil)

	// Seed a previous exchange producing an artifact.
	_, err := f.history.Append(context.Background(), "c1", history.Turn{
		Role: history.RoleUser, Text: "make a vase",
	})
	require.NoError(t, err)
	_, err = f.history.Append(context.Background(), "c1", history.Turn{
		Role: history.RoleAssistant, Text: "done",
		ProducedArtifacts: []models.ArtifactRef{
			{URI: "https://cdn.example.com/outputs/vase.png", Type: models.MediaImage},
		},
	})
	require.NoError(t, err)

	resp := f.engine.Handle(context.Background(), models.Request{
		ConversationID: "c1",
		Message:        "remove the background from it",
	})

	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, []string{"remove_background"}, f.backend.calls)
	assert.Contains(t, f.backend.refs[0], "https://cdn.example.com/outputs/vase.png",
		"the resolved artifact seeds the step")
}

func TestHandleFreshGenerationIgnoresReference(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.history.Append(context.Background(), "c1", history.Turn{
		Role: history.RoleAssistant, Text: "done",
		ProducedArtifacts: []models.ArtifactRef{
			{URI: "https://cdn.example.com/outputs/old.png", Type: models.MediaImage},
		},
	})
	require.NoError(t, err)

	resp := f.engine.Handle(context.Background(), models.Request{
		ConversationID: "c1",
		Message:        "upscale quality, start over with something new",
	})
	assert.NotEqual(t, models.StatusError, resp.Status)
	assert.NotContains(t, f.backend.refs[0], "https://cdn.example.com/outputs/old.png",
		"fresh generation must not inherit the previous artifact")
}

func TestHandleCompoundIntentExecutesChain(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.engine.Handle(context.Background(), models.Request{
		ConversationID: "c1",
		Message:        "make the lighting brighter, then upscale",
	})

	assert.Equal(t, models.StatusSuccess, resp.Status)
	require.NotNil(t, resp.Plan)
	assert.True(t, resp.Plan.MultiStep())
	assert.Equal(t, []string{"change_lighting", "upscale"}, f.backend.calls)
	assert.Len(t, resp.StepResults, 2)
}

func TestHandleAuditRecordEnqueued(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.engine.Handle(context.Background(), models.Request{
		ConversationID: "c1",
		UserID:         "u1",
		Message:        "upscale this image for print",
	})
	require.NotEqual(t, models.StatusError, resp.Status)
	require.Len(t, f.audit.records, 1)
	rec := f.audit.records[0]
	assert.Equal(t, resp.RequestID, rec.RequestID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, len(resp.StepResults), rec.StepCount)
}
