package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imaistudio/orchestrator/internal/models"
)

func TestEnqueueWritesRow(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO request_audit").
		WithArgs("req-1", "conv-1", "user-1", "full_composition", "compose",
			"success", 1, int64(1200), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()

	w := NewWriterWithDB(sqlDB, zaptest.NewLogger(t))
	w.Enqueue(AuditRecord{
		RequestID:      "req-1",
		ConversationID: "conv-1",
		UserID:         "user-1",
		Workflow:       "full_composition",
		Operation:      "compose",
		Status:         "success",
		StepCount:      1,
		DurationMs:     1200,
		StepResults: []models.StepResult{
			{Operation: "compose", Status: models.StepSuccess},
		},
	})

	// Close drains the queue before shutting down.
	require.NoError(t, w.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueSurvivesWriteFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO request_audit").
		WillReturnError(assert.AnError)
	mock.ExpectClose()

	w := NewWriterWithDB(sqlDB, zaptest.NewLogger(t))
	w.Enqueue(AuditRecord{RequestID: "req-1", Workflow: "prompt_only", Status: "error"})
	require.NoError(t, w.Close(), "a failed insert must not wedge the worker")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	w := NewWriterWithDB(sqlDB, zaptest.NewLogger(t))
	require.NoError(t, w.Close())

	// Must not panic on the closed channel.
	w.Enqueue(AuditRecord{RequestID: "late"})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueConcurrentWithClose(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectClose()

	w := NewWriterWithDB(sqlDB, zaptest.NewLogger(t))

	// Writers racing shutdown must never hit a closed channel.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.Enqueue(AuditRecord{RequestID: "req"})
			}
		}()
	}
	require.NoError(t, w.Close())
	wg.Wait()
}

func TestEnsureSchema(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS request_audit").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	w := NewWriterWithDB(sqlDB, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.EnsureSchema(ctx))
	require.NoError(t, w.Close())
}
