package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"cmdgate/internal/domain"
	"cmdgate/internal/metrics"
)

const (
	DefaultCapacity       = 1000
	DefaultMaxStoredBytes = 64 << 10
	sinkTimeout           = 10 * time.Second
)

// Sink durably stores audit records beyond the in-memory window.
type Sink interface {
	Write(ctx context.Context, rec domain.AuditRecord) error
}

// DecisionSink is implemented by sinks that also keep the approval
// decision trail.
type DecisionSink interface {
	WriteDecision(ctx context.Context, d domain.ApprovalDecision) error
}

type Config struct {
	Capacity int
	Sink     Sink
	// Redact masks credentials in arguments before storing.
	Redact bool
	// MaxStoredBytes caps stdout and stderr kept per record.
	MaxStoredBytes int
	Logger         *slog.Logger
}

// Recorder keeps the most recent records in a ring buffer and forwards
// every record to the durable sink.
type Recorder struct {
	sink     Sink
	redact   bool
	maxBytes int
	logger   *slog.Logger

	mu   sync.RWMutex
	ring []domain.AuditRecord
	next int
	size int
}

func NewRecorder(cfg Config) *Recorder {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxStoredBytes <= 0 {
		cfg.MaxStoredBytes = DefaultMaxStoredBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		sink:     cfg.Sink,
		redact:   cfg.Redact,
		maxBytes: cfg.MaxStoredBytes,
		logger:   cfg.Logger,
		ring:     make([]domain.AuditRecord, cfg.Capacity),
	}
}

// Record stores rec and writes it to the sink. Sink failures are logged
// and counted, never returned. The stored copy is returned.
func (r *Recorder) Record(ctx context.Context, rec domain.AuditRecord) domain.AuditRecord {
	rec = r.prepare(rec)

	r.mu.Lock()
	r.ring[r.next] = rec
	r.next = (r.next + 1) % len(r.ring)
	if r.size < len(r.ring) {
		r.size++
	}
	r.mu.Unlock()
	metrics.AuditRecords.Inc()

	if r.sink != nil {
		// The record must land even when the caller has given up.
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		defer cancel()
		if err := r.sink.Write(sinkCtx, rec); err != nil {
			metrics.SinkErrors.Inc()
			r.logger.Error("audit sink write failed", "id", rec.ID, "command", rec.Command, "err", err)
		}
	}
	return rec
}

// RecordDecision forwards an approval decision to the sink when it keeps
// a decision trail.
func (r *Recorder) RecordDecision(ctx context.Context, d domain.ApprovalDecision) {
	ds, ok := r.sink.(DecisionSink)
	if !ok {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := ds.WriteDecision(sinkCtx, d); err != nil {
		metrics.SinkErrors.Inc()
		r.logger.Error("audit sink decision write failed", "request_id", d.RequestID, "err", err)
	}
}

func (r *Recorder) prepare(rec domain.AuditRecord) domain.AuditRecord {
	args := append([]string(nil), rec.Args...)
	if r.redact {
		args = RedactArgs(args)
		rec.Stdout = RedactText(rec.Stdout)
		rec.Stderr = RedactText(rec.Stderr)
	}
	rec.Args = args
	rec.Stdout = capText(rec.Stdout, r.maxBytes)
	rec.Stderr = capText(rec.Stderr, r.maxBytes)
	return rec
}

func capText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}

// snapshot returns the window oldest first. Must be called with mu held.
func (r *Recorder) snapshot() []domain.AuditRecord {
	out := make([]domain.AuditRecord, 0, r.size)
	start := (r.next - r.size + len(r.ring)) % len(r.ring)
	for i := 0; i < r.size; i++ {
		out = append(out, r.ring[(start+i)%len(r.ring)])
	}
	return out
}

// Query returns matching records in completion order. With a limit, the
// most recent matches are kept.
func (r *Recorder) Query(filter domain.AuditFilter) []domain.AuditRecord {
	r.mu.RLock()
	all := r.snapshot()
	r.mu.RUnlock()

	out := all[:0]
	for _, rec := range all {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Stats derives aggregate counts from the retained window.
func (r *Recorder) Stats() domain.FirewallStats {
	r.mu.RLock()
	all := r.snapshot()
	r.mu.RUnlock()

	stats := domain.FirewallStats{
		ByCommand:     make(map[string]int),
		ByBlockReason: make(map[string]int),
	}
	var totalMs int64
	var timed int
	for _, rec := range all {
		stats.Total++
		stats.ByCommand[rec.Command]++
		switch {
		case rec.Blocked:
			stats.Blocked++
			stats.ByBlockReason[rec.BlockReason]++
		case rec.RequiresApproval && !rec.Approved:
			stats.PendingApproval++
		}
		if rec.Approved {
			stats.Approved++
		}
		if rec.Failed() {
			stats.Failed++
		}
		if rec.DurationMs != nil {
			totalMs += *rec.DurationMs
			timed++
		}
	}
	if timed > 0 {
		stats.AvgDurationMs = float64(totalMs) / float64(timed)
	}
	return stats
}
