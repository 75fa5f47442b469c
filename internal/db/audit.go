package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/config"
	"github.com/imaistudio/orchestrator/internal/metrics"
	"github.com/imaistudio/orchestrator/internal/models"
)

// AuditRecord is one finished request, flattened for persistence.
type AuditRecord struct {
	RequestID      string
	ConversationID string
	UserID         string
	Workflow       string
	Operation      string
	Status         string
	StepCount      int
	DurationMs     int64
	StepResults    []models.StepResult
	CreatedAt      time.Time
}

// Writer persists audit records through an async queue so that a slow or
// down database never blocks request handling.
type Writer struct {
	db     *sql.DB
	queue  chan AuditRecord
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	logger *zap.Logger
}

const defaultQueueSize = 256

// NewWriter connects to Postgres and starts the write worker.
func NewWriter(cfg config.DatabaseConfig, logger *zap.Logger) (*Writer, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return newWriter(sqlDB, logger), nil
}

// NewWriterWithDB wires an existing connection, used by tests.
func NewWriterWithDB(sqlDB *sql.DB, logger *zap.Logger) *Writer {
	return newWriter(sqlDB, logger)
}

func newWriter(sqlDB *sql.DB, logger *zap.Logger) *Writer {
	w := &Writer{
		db:     sqlDB,
		queue:  make(chan AuditRecord, defaultQueueSize),
		logger: logger,
	}
	w.wg.Add(1)
	go w.worker()
	return w
}

// EnsureSchema creates the audit table when it does not exist yet.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS request_audit (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			user_id TEXT,
			workflow TEXT NOT NULL,
			operation TEXT,
			status TEXT NOT NULL,
			step_count INT NOT NULL,
			duration_ms BIGINT NOT NULL,
			step_results JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Enqueue hands a record to the write worker without blocking. A full queue
// drops the record; auditing is best-effort.
func (w *Writer) Enqueue(rec AuditRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	// The lock pairs with Close: the send can never race the channel close.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- rec:
		metrics.AuditQueueDepth.Set(float64(len(w.queue)))
	default:
		metrics.AuditWrites.WithLabelValues("dropped").Inc()
		w.logger.Warn("Audit queue full, dropping record",
			zap.String("request_id", rec.RequestID),
		)
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for rec := range w.queue {
		metrics.AuditQueueDepth.Set(float64(len(w.queue)))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.insert(ctx, rec); err != nil {
			metrics.AuditWrites.WithLabelValues("error").Inc()
			w.logger.Warn("Audit write failed",
				zap.String("request_id", rec.RequestID),
				zap.Error(err),
			)
		} else {
			metrics.AuditWrites.WithLabelValues("ok").Inc()
		}
		cancel()
	}
}

func (w *Writer) insert(ctx context.Context, rec AuditRecord) error {
	steps, err := json.Marshal(rec.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT INTO request_audit
			(request_id, conversation_id, user_id, workflow, operation, status, step_count, duration_ms, step_results, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.RequestID, rec.ConversationID, rec.UserID, rec.Workflow, rec.Operation,
		rec.Status, rec.StepCount, rec.DurationMs, steps, rec.CreatedAt,
	)
	return err
}

// Close drains the queue and shuts the connection down.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.db.Close()
}

// Healthy reports database reachability for health probes.
func (w *Writer) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return w.db.PingContext(ctx)
}
