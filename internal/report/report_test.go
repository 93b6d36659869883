package report_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rock-core/tools-syskit-sub009/internal/report"
)

func openArchive(t *testing.T) *report.Archive {
	t.Helper()
	a, err := report.Open(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestWriteAndReadRecord(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	rec := report.Record{
		ID:         "0192f0a1-0000-7000-8000-000000000001",
		StartedAt:  time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		Duration:   1500 * time.Microsecond,
		Outcome:    "committed",
		TaskCount:  5,
		MergeCount: 2,
		Phases: []report.PhaseTiming{
			{Phase: "compute_system_network", Duration: 800 * time.Microsecond},
			{Phase: "deploy_system_network", Duration: 400 * time.Microsecond},
			{Phase: "commit", Duration: 300 * time.Microsecond},
		},
	}
	require.NoError(t, a.Write(ctx, rec))

	got, err := a.Read(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, rec.Duration, got.Duration)
	assert.Equal(t, "committed", got.Outcome)
	assert.Equal(t, 5, got.TaskCount)
	assert.Equal(t, 2, got.MergeCount)
	require.Len(t, got.Phases, 3)
	assert.Equal(t, "compute_system_network", got.Phases[0].Phase)
	assert.Equal(t, 800*time.Microsecond, got.Phases[0].Duration)
	assert.Equal(t, "commit", got.Phases[2].Phase)
}

func TestWriteIsIdempotentPerID(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()

	rec := report.Record{
		ID:        "0192f0a1-0000-7000-8000-000000000002",
		StartedAt: time.Now().UTC(),
		Outcome:   "rolled-back",
		ErrorCode: "ALLOCATION",
		Error:     "1 task(s) could not be allocated",
		Phases:    []report.PhaseTiming{{Phase: "compute_system_network", Duration: time.Millisecond}},
	}
	require.NoError(t, a.Write(ctx, rec))
	require.NoError(t, a.Write(ctx, rec))

	got, err := a.Read(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "rolled-back", got.Outcome)
	assert.Equal(t, "ALLOCATION", got.ErrorCode)
	assert.Len(t, got.Phases, 1)
}

func TestReadUnknownID(t *testing.T) {
	a := openArchive(t)
	_, err := a.Read(context.Background(), "missing")
	assert.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")
	a, err := report.Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// Re-opening an existing archive applies the schema without error.
	b, err := report.Open(path)
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}
