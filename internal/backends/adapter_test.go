package backends

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imaistudio/orchestrator/internal/models"
)

type stubInvoker struct {
	name  string
	res   Result
	err   error
	calls atomic.Int32
}

func (s *stubInvoker) Name() string { return s.name }

func (s *stubInvoker) Invoke(ctx context.Context, op string, params map[string]interface{}, refs []string) (Result, error) {
	s.calls.Add(1)
	return s.res, s.err
}

func TestAdapterRoutesToRegisteredInvoker(t *testing.T) {
	a := NewAdapter(zaptest.NewLogger(t))
	upscale := &stubInvoker{name: "upscale-svc", res: Result{Method: "upscale-svc", ArtifactURI: "u"}}
	dflt := &stubInvoker{name: "default-svc", res: Result{Method: "default-svc", ArtifactURI: "d"}}
	a.Register("upscale", upscale)
	a.SetDefault(dflt)

	res, err := a.Invoke(context.Background(), "upscale", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "upscale-svc", res.Method)

	res, err = a.Invoke(context.Background(), "unknown_op", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "default-svc", res.Method)
}

func TestAdapterNoBackend(t *testing.T) {
	a := NewAdapter(zaptest.NewLogger(t))
	_, err := a.Invoke(context.Background(), "upscale", nil, nil)
	var berr *models.BackendError
	require.ErrorAs(t, err, &berr)
}

func TestHTTPBackendRemoteURI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "compose", req.Operation)
		assert.Equal(t, []string{"ref1"}, req.MediaRefs)
		_ = json.NewEncoder(w).Encode(invokeResponse{
			Status:      "success",
			ArtifactURI: "https://cdn.example.com/out/1.png",
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend("multimodal", Config{BaseURL: srv.URL}, "/v1/compose", zaptest.NewLogger(t))
	res, err := b.Invoke(context.Background(), "compose", nil, []string{"ref1"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/out/1.png", res.ArtifactURI)
	assert.Empty(t, res.Payload)
	assert.True(t, res.HasArtifact())
}

func TestHTTPBackendInlinePayload(t *testing.T) {
	payload := []byte("pretend-image-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(invokeResponse{
			Status:      "success",
			Payload:     base64.StdEncoding.EncodeToString(payload),
			ContentType: "image/png",
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend("textonly", Config{BaseURL: srv.URL}, "/v1/generate", zaptest.NewLogger(t))
	res, err := b.Invoke(context.Background(), "generate", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, res.Payload)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Empty(t, res.ArtifactURI)
}

func TestHTTPBackendErrorShapes(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		},
		"backend-reported failure": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(invokeResponse{Status: "error", Error: "model overloaded"})
		},
		"empty success": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(invokeResponse{Status: "success"})
		},
		"bad payload": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(invokeResponse{Status: "success", Payload: "!!!"})
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			b := NewHTTPBackend("svc", Config{BaseURL: srv.URL}, "/v1/generate", zaptest.NewLogger(t))
			_, err := b.Invoke(context.Background(), "generate", nil, nil)
			var berr *models.BackendError
			require.ErrorAs(t, err, &berr)
			assert.Equal(t, "svc", berr.Method)
		})
	}
}

func TestWithFallbackPrimarySucceeds(t *testing.T) {
	primary := &stubInvoker{name: "rich", res: Result{Method: "rich", ArtifactURI: "p"}}
	fallback := &stubInvoker{name: "plain", res: Result{Method: "plain", ArtifactURI: "f"}}

	inv := WithFallback(primary, fallback, zaptest.NewLogger(t))
	res, err := inv.Invoke(context.Background(), "compose", nil, []string{"ref1"})
	require.NoError(t, err)
	assert.Equal(t, "rich", res.Method)
	assert.Equal(t, int32(0), fallback.calls.Load())
}

func TestWithFallbackTextOnlyGoesStraightToPlain(t *testing.T) {
	primary := &stubInvoker{name: "rich", res: Result{Method: "rich", ArtifactURI: "p"}}
	fallback := &stubInvoker{name: "plain", res: Result{Method: "plain", ArtifactURI: "f"}}

	inv := WithFallback(primary, fallback, zaptest.NewLogger(t))
	res, err := inv.Invoke(context.Background(), "compose", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", res.Method)
	assert.Equal(t, int32(0), primary.calls.Load(), "no media and no streaming leaves the rich backend idle")
}

func TestWithFallbackStreamingPrefersRich(t *testing.T) {
	primary := &stubInvoker{name: "rich", res: Result{Method: "rich", ArtifactURI: "p"}}
	fallback := &stubInvoker{name: "plain", res: Result{Method: "plain", ArtifactURI: "f"}}

	inv := WithFallback(primary, fallback, zaptest.NewLogger(t))
	res, err := inv.Invoke(context.Background(), "compose", map[string]interface{}{"streaming": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "rich", res.Method)
	assert.Equal(t, int32(0), fallback.calls.Load())
}

func TestWithFallbackInvokedExactlyOnce(t *testing.T) {
	primary := &stubInvoker{name: "rich", err: errors.New("overloaded")}
	fallback := &stubInvoker{name: "plain", res: Result{Method: "plain", ArtifactURI: "f"}}

	inv := WithFallback(primary, fallback, zaptest.NewLogger(t))
	res, err := inv.Invoke(context.Background(), "compose", nil, []string{"ref1"})
	require.NoError(t, err)
	assert.Equal(t, "plain", res.Method, "result must carry the fallback's method")
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(1), fallback.calls.Load())
}

func TestWithFallbackBothFail(t *testing.T) {
	primary := &stubInvoker{name: "rich", err: errors.New("overloaded")}
	fallback := &stubInvoker{name: "plain", err: errors.New("also down")}

	inv := WithFallback(primary, fallback, zaptest.NewLogger(t))
	_, err := inv.Invoke(context.Background(), "compose", nil, []string{"ref1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), primary.calls.Load(), "no retry of the primary")
	assert.Equal(t, int32(1), fallback.calls.Load(), "no retry of the fallback")
}

func TestWithFallbackSkipsOnCancelledContext(t *testing.T) {
	primary := &stubInvoker{name: "rich", err: errors.New("cancelled")}
	fallback := &stubInvoker{name: "plain", res: Result{Method: "plain"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithFallback(primary, fallback, zaptest.NewLogger(t)).Invoke(ctx, "compose", nil, []string{"ref1"})
	require.Error(t, err)
	assert.Equal(t, int32(0), fallback.calls.Load(), "caller cancellation must not trigger the fallback")
}
