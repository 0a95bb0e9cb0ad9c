package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"cmdgate/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresPingTimeout  = 5 * time.Second
	tableName            = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// execer is the slice of *pgxpool.Pool the sink needs.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Postgres writes audit records and decisions to a PostgreSQL table.
type Postgres struct {
	db    execer
	table string
}

// NewPostgres connects to dsn and ensures the tables exist.
func NewPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	if table == "" {
		table = "cmdgate_audit"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxPoolNewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := newPostgres(pool, table)
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func newPostgres(db execer, table string) *Postgres {
	return &Postgres{db: db, table: table}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                TEXT PRIMARY KEY,
			command           TEXT NOT NULL,
			args              JSONB NOT NULL,
			requested_by      TEXT NOT NULL DEFAULT '',
			working_dir       TEXT NOT NULL DEFAULT '',
			start_time        TIMESTAMPTZ NOT NULL,
			end_time          TIMESTAMPTZ,
			duration_ms       BIGINT,
			blocked           BOOLEAN NOT NULL,
			block_reason      TEXT NOT NULL DEFAULT '',
			error_kind        TEXT NOT NULL DEFAULT '',
			requires_approval BOOLEAN NOT NULL,
			approved          BOOLEAN NOT NULL,
			approval_id       TEXT NOT NULL DEFAULT '',
			exit_code         INTEGER,
			stdout            TEXT NOT NULL DEFAULT '',
			stderr            TEXT NOT NULL DEFAULT '',
			error             TEXT NOT NULL DEFAULT ''
		)`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_start_idx ON %s (start_time)`, p.table, p.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_decisions (
			request_id TEXT NOT NULL,
			command    TEXT NOT NULL,
			status     TEXT NOT NULL,
			approver   TEXT NOT NULL DEFAULT '',
			decided_at TIMESTAMPTZ NOT NULL
		)`, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Write(ctx context.Context, rec domain.AuditRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = p.db.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, command, args, requested_by, working_dir, start_time, end_time, duration_ms,
			blocked, block_reason, error_kind, requires_approval, approved, approval_id,
			exit_code, stdout, stderr, error)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO NOTHING`, p.table),
		rec.ID, rec.Command, string(args), rec.RequestedBy, rec.WorkingDir, rec.StartTime, rec.EndTime, rec.DurationMs,
		rec.Blocked, rec.BlockReason, string(rec.ErrorKind), rec.RequiresApproval, rec.Approved, rec.ApprovalID,
		rec.ExitCode, rec.Stdout, rec.Stderr, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (p *Postgres) WriteDecision(ctx context.Context, d domain.ApprovalDecision) error {
	_, err := p.db.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s_decisions (request_id, command, status, approver, decided_at) VALUES ($1, $2, $3, $4, $5)`, p.table),
		d.RequestID, d.Command, string(d.Status), d.Approver, d.At,
	)
	if err != nil {
		return fmt.Errorf("insert approval decision: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}
