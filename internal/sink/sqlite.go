package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cmdgate/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLite persists audit records and approval decisions to a local
// database file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Write(ctx context.Context, rec domain.AuditRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	var endTime sql.NullTime
	if rec.EndTime != nil {
		endTime = sql.NullTime{Time: rec.EndTime.UTC(), Valid: true}
	}
	var duration, exitCode sql.NullInt64
	if rec.DurationMs != nil {
		duration = sql.NullInt64{Int64: *rec.DurationMs, Valid: true}
	}
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, command, args, requested_by, working_dir, start_time, end_time,
			duration_ms, blocked, block_reason, error_kind, requires_approval, approved, approval_id,
			exit_code, stdout, stderr, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Command, string(args), rec.RequestedBy, rec.WorkingDir, rec.StartTime.UTC(), endTime,
		duration, rec.Blocked, rec.BlockReason, string(rec.ErrorKind), rec.RequiresApproval, rec.Approved, rec.ApprovalID,
		exitCode, rec.Stdout, rec.Stderr, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *SQLite) WriteDecision(ctx context.Context, d domain.ApprovalDecision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_decisions (request_id, command, status, approver, decided_at) VALUES (?, ?, ?, ?, ?)`,
		d.RequestID, d.Command, string(d.Status), d.Approver, d.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert approval decision: %w", err)
	}
	return nil
}

// Recent returns the last limit records, oldest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, args, requested_by, working_dir, start_time, end_time, duration_ms,
			blocked, block_reason, error_kind, requires_approval, approved, approval_id,
			exit_code, stdout, stderr, error
		 FROM audit_records ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var (
			rec      domain.AuditRecord
			args     string
			kind     string
			endTime  sql.NullTime
			duration sql.NullInt64
			exitCode sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Command, &args, &rec.RequestedBy, &rec.WorkingDir,
			&rec.StartTime, &endTime, &duration, &rec.Blocked, &rec.BlockReason, &kind,
			&rec.RequiresApproval, &rec.Approved, &rec.ApprovalID, &exitCode,
			&rec.Stdout, &rec.Stderr, &rec.Error); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
			s.logger.Warn("corrupt args column", "id", rec.ID, "err", err)
		}
		rec.ErrorKind = domain.Kind(kind)
		if endTime.Valid {
			t := endTime.Time
			rec.EndTime = &t
		}
		if duration.Valid {
			d := duration.Int64
			rec.DurationMs = &d
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			rec.ExitCode = &c
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Decisions returns every decision recorded for one request.
func (s *SQLite) Decisions(ctx context.Context, requestID string) ([]domain.ApprovalDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, command, status, approver, decided_at FROM approval_decisions
		 WHERE request_id = ? ORDER BY seq`, requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ApprovalDecision
	for rows.Next() {
		var d domain.ApprovalDecision
		var status string
		if err := rows.Scan(&d.RequestID, &d.Command, &status, &d.Approver, &d.At); err != nil {
			return nil, err
		}
		d.Status = domain.ApprovalStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
