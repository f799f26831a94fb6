package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/scanning"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewFromSQL(conn), mock
}

func sampleResult() *scanning.ScanResult {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &scanning.ScanResult{
		ID:           uuid.NewString(),
		Host:         "example.test",
		Target:       "192.0.2.10",
		StartTime:    start,
		EndTime:      start.Add(2 * time.Second),
		Duration:     2 * time.Second,
		TotalPorts:   4,
		ScannedPorts: 4,
		OpenPorts: []scanning.ProbeOutcome{
			{Port: 22, Status: scanning.StatusOpen, Banner: "SSH-2.0", Latency: 3 * time.Millisecond},
			{Port: 80, Status: scanning.StatusOpen},
		},
		ClosedCount:   1,
		FilteredCount: 1,
		ScanSpeed:     2,
	}
}

var scanRowColumns = []string{
	"id", "target", "host", "profile", "status", "start_time", "end_time", "duration_ms",
	"total_ports", "scanned_ports", "open_count", "closed_count", "filtered_count", "scan_speed", "cancelled", "created_at",
}

func scanRow(rows *sqlmock.Rows, rec *ScanRecord) *sqlmock.Rows {
	return rows.AddRow(rec.ID.String(), rec.Target, rec.Host, rec.Profile, rec.Status, rec.StartTime, rec.EndTime,
		rec.DurationMS, rec.TotalPorts, rec.ScannedPorts, rec.OpenCount, rec.ClosedCount, rec.FilteredCount,
		rec.ScanSpeed, rec.Cancelled, rec.StartTime)
}

func TestNewScanRecordRoundTrip(t *testing.T) {
	result := sampleResult()
	rec := NewScanRecord(result, "quick")

	assert.Equal(t, result.ID, rec.ID.String())
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "quick", rec.Profile)
	assert.Equal(t, int64(2000), rec.DurationMS)
	assert.Equal(t, 2, rec.OpenCount)
	require.Len(t, rec.OpenPorts, 2)
	assert.Equal(t, "SSH", rec.OpenPorts[0].Service)
	assert.InDelta(t, 3.0, rec.OpenPorts[0].LatencyMS, 1e-9)

	back := rec.ToResult()
	assert.Equal(t, result.Target, back.Target)
	assert.Equal(t, result.Duration, back.Duration)
	assert.Equal(t, []int{22, 80}, back.OpenPortNumbers())
	assert.Equal(t, "SSH-2.0", back.OpenPorts[0].Banner)
	assert.Equal(t, result.OpenPorts[0].Latency, back.OpenPorts[0].Latency)
}

func TestNewScanRecordCancelled(t *testing.T) {
	result := sampleResult()
	result.ID = "not-a-uuid"
	result.ScannedPorts = 3
	result.Cancelled = true

	rec := NewScanRecord(result, "")
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, "cancelled", rec.Status)
	assert.True(t, rec.Cancelled)
}

func TestScanRepositoryCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db)
	rec := NewScanRecord(sampleResult(), "web")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scans")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scan_open_ports")).
		WithArgs(rec.ID.String(), 22, "SSH", "SSH-2.0", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scan_open_ports")).
		WithArgs(rec.ID.String(), 80, "HTTP", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepositoryCreateRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db)
	rec := NewScanRecord(sampleResult(), "")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scans")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scan_open_ports")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseQuery))
	assert.NotContains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepositoryGetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db)
	rec := NewScanRecord(sampleResult(), "quick")

	mock.ExpectQuery(regexp.QuoteMeta("FROM scans WHERE id = $1")).
		WithArgs(rec.ID.String()).
		WillReturnRows(scanRow(sqlmock.NewRows(scanRowColumns), rec))
	mock.ExpectQuery(regexp.QuoteMeta("FROM scan_open_ports WHERE scan_id = $1 ORDER BY port")).
		WithArgs(rec.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"scan_id", "port", "service", "banner", "latency_ms"}).
			AddRow(rec.ID.String(), 22, "SSH", "SSH-2.0", 3.0).
			AddRow(rec.ID.String(), 80, "HTTP", "", 1.5))

	got, err := repo.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "quick", got.Profile)
	assert.Equal(t, []int{22, 80}, got.ToResult().OpenPortNumbers())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepositoryGetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM scans WHERE id = $1")).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(scanRowColumns))

	_, err := repo.GetByID(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepositoryList(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db)
	rec := NewScanRecord(sampleResult(), "")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM scans WHERE target = $1 AND status = $2")).
		WithArgs("192.0.2.10", "completed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY start_time DESC LIMIT $3 OFFSET $4")).
		WithArgs("192.0.2.10", "completed", 5, 10).
		WillReturnRows(scanRow(sqlmock.NewRows(scanRowColumns), rec))

	records, total, err := repo.List(context.Background(), ScanFilters{
		Target: "192.0.2.10", Status: "completed", Limit: 5, Offset: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanFiltersNormalized(t *testing.T) {
	assert.Equal(t, defaultListLimit, ScanFilters{}.normalized().Limit)
	assert.Equal(t, maxListLimit, ScanFilters{Limit: 10000}.normalized().Limit)
	assert.Equal(t, 0, ScanFilters{Offset: -4}.normalized().Offset)

	where, args := buildScanFilters(ScanFilters{})
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestScanRepositoryDelete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM scans WHERE id = $1")).
		WithArgs(id.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), id))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM scans WHERE id = $1")).
		WithArgs(id.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Delete(context.Background(), id)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}
