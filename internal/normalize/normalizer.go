package normalize

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imaistudio/orchestrator/internal/metrics"
	"github.com/imaistudio/orchestrator/internal/models"
	"github.com/imaistudio/orchestrator/internal/storage"
)

// Item is the per-input outcome of normalization. A failed input carries its
// error here instead of aborting the batch.
type Item struct {
	Input       models.MediaInput
	Artifact    *models.StoredArtifact
	PresetToken string
	RoleHint    models.Role
	SoftWarn    bool
	Err         error
}

// Failed reports whether this input could not be normalized.
func (it Item) Failed() bool { return it.Err != nil }

// Config holds normalizer thresholds.
type Config struct {
	SoftLimitBytes int64
	HardCapBytes   int64
	FetchTimeout   time.Duration
	LocalRoot      string
}

// Normalizer canonicalizes heterogeneous media inputs into stored artifacts.
type Normalizer struct {
	cfg     Config
	store   *storage.Service
	fetcher *http.Client
	logger  *zap.Logger
}

// New creates a Normalizer.
func New(cfg Config, store *storage.Service, logger *zap.Logger) *Normalizer {
	if cfg.SoftLimitBytes == 0 {
		cfg.SoftLimitBytes = 8 << 20
	}
	if cfg.HardCapBytes == 0 {
		cfg.HardCapBytes = 25 << 20
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Normalizer{
		cfg:     cfg,
		store:   store,
		fetcher: &http.Client{Timeout: cfg.FetchTimeout},
		logger:  logger,
	}
}

// Normalize runs every input concurrently and joins the results in input
// order. It never returns a partial slice: every input gets an Item, failed
// or not. The returned error is non-nil only when a required input failed.
func (n *Normalizer) Normalize(ctx context.Context, inputs []models.MediaInput) ([]Item, error) {
	items := make([]Item, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	for i := range inputs {
		i := i
		g.Go(func() error {
			items[i] = n.normalizeOne(gctx, inputs[i])
			// Item-level failures are recorded, not propagated, so one bad
			// input cannot cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	var requiredFailure error
	for _, it := range items {
		status := "ok"
		if it.Failed() {
			status = "error"
			if it.Input.Required && requiredFailure == nil {
				requiredFailure = it.Err
			}
		}
		metrics.MediaNormalized.WithLabelValues(string(it.Input.SourceKind), status).Inc()
	}
	return items, requiredFailure
}

func (n *Normalizer) normalizeOne(ctx context.Context, in models.MediaInput) Item {
	item := Item{Input: in}

	switch in.SourceKind {
	case models.SourcePreset:
		item.PresetToken = in.RawRef
		item.RoleHint = ClassifyPresetRole(in.RawRef, in.FieldNameHint)
		return item

	case models.SourceUpload, models.SourceInline:
		data, err := decodePayload(in.RawRef)
		if err != nil {
			item.Err = &models.NormalizationError{Input: in, Reason: "unreadable payload", Err: err}
			return item
		}
		return n.validateAndStore(ctx, in, data, item)

	case models.SourceURL:
		data, err := n.fetch(ctx, in.RawRef)
		if err != nil {
			item.Err = &models.NormalizationError{Input: in, Reason: "fetch failed", Err: err}
			return item
		}
		return n.validateAndStore(ctx, in, data, item)

	default:
		item.Err = &models.NormalizationError{Input: in, Reason: fmt.Sprintf("unknown source kind %q", in.SourceKind)}
		return item
	}
}

func (n *Normalizer) validateAndStore(ctx context.Context, in models.MediaInput, data []byte, item Item) Item {
	if len(data) == 0 {
		item.Err = &models.NormalizationError{Input: in, Reason: "empty payload"}
		return item
	}
	metrics.MediaBytesIn.Observe(float64(len(data)))

	if int64(len(data)) > n.cfg.HardCapBytes {
		item.Err = &models.NormalizationError{
			Input:  in,
			Reason: fmt.Sprintf("payload %d bytes exceeds hard cap %d", len(data), n.cfg.HardCapBytes),
		}
		return item
	}
	if int64(len(data)) > n.cfg.SoftLimitBytes {
		item.SoftWarn = true
		n.logger.Warn("Media payload above soft size limit",
			zap.Int("size_bytes", len(data)),
			zap.Int64("soft_limit", n.cfg.SoftLimitBytes),
		)
	}

	data, contentType, err := EnsureSupportedFormat(data, in.RawRef)
	if err != nil {
		item.Err = &models.NormalizationError{Input: in, Reason: "unsupported format after conversion attempt", Err: err}
		return item
	}

	path := fmt.Sprintf("inputs/%s%s", uuid.New().String(), extensionFor(contentType))
	uri, err := n.store.Put(ctx, data, path, contentType)
	if err != nil {
		item.Err = &models.NormalizationError{Input: in, Reason: "persist failed", Err: err}
		return item
	}

	item.Artifact = &models.StoredArtifact{
		URI:         uri,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	}
	if in.FieldNameHint != "" {
		item.RoleHint = ClassifyPresetRole("", in.FieldNameHint)
	}
	return item
}

func (n *Normalizer) fetch(ctx context.Context, ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		// Local-relative path under the configured root.
		if n.cfg.LocalRoot == "" {
			return nil, fmt.Errorf("local references disabled (no local root configured)")
		}
		clean := filepath.Clean("/" + ref)
		return os.ReadFile(filepath.Join(n.cfg.LocalRoot, clean))
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch status %d", resp.StatusCode)
	}
	// Cap the read at one byte past the hard limit so oversized remote
	// payloads fail the size check without unbounded buffering.
	return io.ReadAll(io.LimitReader(resp.Body, n.cfg.HardCapBytes+1))
}

func decodePayload(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty reference")
	}
	// data URLs: strip the "data:image/png;base64," prefix.
	if strings.HasPrefix(raw, "data:") {
		idx := strings.Index(raw, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data url")
		}
		raw = raw[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Some clients send URL-safe encoding.
		data, err = base64.URLEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("base64 decode: %w", err)
		}
	}
	return data, nil
}

// ClassifyPresetRole maps a preset token or field name to a role hint by
// naming convention (product*/design*/color* prefixes).
func ClassifyPresetRole(token, fieldHint string) models.Role {
	for _, candidate := range []string{token, fieldHint} {
		lower := strings.ToLower(candidate)
		switch {
		case strings.HasPrefix(lower, "product"):
			return models.RoleProduct
		case strings.HasPrefix(lower, "design"):
			return models.RoleDesign
		case strings.HasPrefix(lower, "color"), strings.HasPrefix(lower, "colour"):
			return models.RoleColor
		}
	}
	return ""
}
