package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/anstrom/portsweep/internal/errors"
)

// ScanRepository stores scan results and their open ports.
type ScanRepository struct {
	db *DB
}

// NewScanRepository creates a new scan repository.
func NewScanRepository(db *DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const (
	insertScanQuery = `
		INSERT INTO scans (id, target, host, profile, status, start_time, end_time, duration_ms,
			total_ports, scanned_ports, open_count, closed_count, filtered_count, scan_speed, cancelled)
		VALUES (:id, :target, :host, :profile, :status, :start_time, :end_time, :duration_ms,
			:total_ports, :scanned_ports, :open_count, :closed_count, :filtered_count, :scan_speed, :cancelled)`

	insertOpenPortQuery = `
		INSERT INTO scan_open_ports (scan_id, port, service, banner, latency_ms)
		VALUES (:scan_id, :port, :service, :banner, :latency_ms)`

	scanColumns = `id, target, host, profile, status, start_time, end_time, duration_ms,
		total_ports, scanned_ports, open_count, closed_count, filtered_count, scan_speed, cancelled, created_at`
)

// Create writes a scan and its open ports in one transaction.
func (r *ScanRepository) Create(ctx context.Context, rec *ScanRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin scan insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, insertScanQuery, rec); err != nil {
		return sanitizeDBError("create scan", err)
	}
	for i := range rec.OpenPorts {
		rec.OpenPorts[i].ScanID = rec.ID
		if _, err := tx.NamedExecContext(ctx, insertOpenPortQuery, rec.OpenPorts[i]); err != nil {
			return sanitizeDBError("create open port", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit scan insert", err)
	}
	return nil
}

// GetByID returns one scan with its open ports sorted by number.
func (r *ScanRepository) GetByID(ctx context.Context, id uuid.UUID) (*ScanRecord, error) {
	var rec ScanRecord
	query := `SELECT ` + scanColumns + ` FROM scans WHERE id = $1`
	if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrNotFound("scan", id.String())
		}
		return nil, sanitizeDBError("get scan", err)
	}

	portsQuery := `SELECT scan_id, port, service, banner, latency_ms
		FROM scan_open_ports WHERE scan_id = $1 ORDER BY port`
	rec.OpenPorts = []OpenPortRecord{}
	if err := r.db.SelectContext(ctx, &rec.OpenPorts, portsQuery, id); err != nil {
		return nil, sanitizeDBError("get open ports", err)
	}
	return &rec, nil
}

func buildScanFilters(f ScanFilters) (where string, args []interface{}) {
	var clauses []string
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Target != "" {
		add("target = $%d", f.Target)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.Since.IsZero() {
		add("start_time >= $%d", f.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns scan summaries, newest first, and the total matching count.
// Open ports are not loaded.
func (r *ScanRepository) List(ctx context.Context, filters ScanFilters) ([]*ScanRecord, int64, error) {
	filters = filters.normalized()
	where, args := buildScanFilters(filters)

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM scans`+where, args...); err != nil {
		return nil, 0, sanitizeDBError("count scans", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM scans%s ORDER BY start_time DESC LIMIT $%d OFFSET $%d`,
		scanColumns, where, len(args)+1, len(args)+2)
	args = append(args, filters.Limit, filters.Offset)

	records := []*ScanRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, 0, sanitizeDBError("list scans", err)
	}
	return records, total, nil
}

// Delete removes a scan; its open ports cascade.
func (r *ScanRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scans WHERE id = $1`, id)
	if err != nil {
		return sanitizeDBError("delete scan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sanitizeDBError("delete scan", err)
	}
	if n == 0 {
		return errors.ErrNotFound("scan", id.String())
	}
	return nil
}
