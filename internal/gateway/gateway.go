// Package gateway mediates every command an agent wants to run: it checks
// the rule registry and the pattern validator, holds risky commands for
// approval, runs the rest under a timeout and audits every attempt.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cmdgate/internal/approval"
	"cmdgate/internal/audit"
	"cmdgate/internal/bus"
	"cmdgate/internal/domain"
	"cmdgate/internal/executor"
	"cmdgate/internal/metrics"
	"cmdgate/internal/policy"
	"cmdgate/internal/security"
	"cmdgate/internal/sink"

	"github.com/google/uuid"
)

const (
	defaultConcurrency = 8
	defaultTimeout     = 5 * time.Minute
)

// ErrShutdown is wrapped by the error Execute returns once Shutdown has
// started. No audit record is written for such calls.
var ErrShutdown = errors.New("gateway is shut down")

// Options wires a Gateway. Registry is required; everything else has a
// usable zero value.
type Options struct {
	Registry  *policy.Registry
	Validator *security.Validator
	Sink      sink.Sink
	Bus       *bus.EventBus

	ApprovalTTL       time.Duration
	ApprovalRetention time.Duration
	// SweepInterval enables the background approval sweep when > 0.
	SweepInterval time.Duration

	MaxConcurrent  int
	DefaultTimeout time.Duration
	Grace          time.Duration
	MaxOutputBytes int
	WorkDir        string

	AuditWindow   int
	RedactSecrets bool

	// Now is overridable for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// Gateway is the owned state of one command gateway instance.
type Gateway struct {
	registry  *policy.Registry
	validator *security.Validator
	approvals *approval.Manager
	recorder  *audit.Recorder
	sink      sink.Sink
	bus       *bus.EventBus
	logger    *slog.Logger
	now       func() time.Time

	sem            chan struct{}
	defaultTimeout time.Duration
	grace          time.Duration
	maxOutput      int
	workDir        string
	sweepInterval  time.Duration

	inflight sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	cancel   context.CancelFunc
	sweepers sync.WaitGroup
}

func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("gateway requires a rule registry")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Validator == nil {
		v, err := security.NewValidator(nil)
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}
	if opts.Sink == nil {
		opts.Sink = sink.Nop{}
	}
	if opts.Bus == nil {
		opts.Bus = bus.NewEventBus(opts.Logger, bus.DefaultHistory)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultConcurrency
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	g := &Gateway{
		registry:       opts.Registry,
		validator:      opts.Validator,
		sink:           opts.Sink,
		bus:            opts.Bus,
		logger:         opts.Logger,
		now:            opts.Now,
		sem:            make(chan struct{}, opts.MaxConcurrent),
		defaultTimeout: opts.DefaultTimeout,
		grace:          opts.Grace,
		maxOutput:      opts.MaxOutputBytes,
		workDir:        opts.WorkDir,
		sweepInterval:  opts.SweepInterval,
	}
	g.recorder = audit.NewRecorder(audit.Config{
		Capacity: opts.AuditWindow,
		Sink:     opts.Sink,
		Redact:   opts.RedactSecrets,
		Logger:   opts.Logger.With("component", "audit"),
	})
	g.approvals = approval.NewManager(approval.Config{
		TTL:        opts.ApprovalTTL,
		Retention:  opts.ApprovalRetention,
		Now:        opts.Now,
		OnDecision: g.onDecision,
		Logger:     opts.Logger.With("component", "approval"),
	})
	return g, nil
}

// Init starts background work. It is safe to skip when no sweep is
// configured; expiry is still enforced lazily.
func (g *Gateway) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return fmt.Errorf("gateway already initialised")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	if g.sweepInterval > 0 {
		g.sweepers.Add(1)
		go func() {
			defer g.sweepers.Done()
			g.approvals.Run(runCtx, g.sweepInterval)
		}()
	}

	g.bus.Emit(bus.Event{Type: bus.EventGatewayStarted, Source: "gateway", Payload: g.registry.Len()})
	g.logger.Info("gateway started",
		"rules", g.registry.Len(),
		"max_concurrent", cap(g.sem),
		"sweep_interval", g.sweepInterval,
	)
	return nil
}

// Shutdown refuses new calls, stops the sweep, waits for running commands
// until ctx is done and closes the sink. Later calls are no-ops.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.mu.Unlock()
	g.sweepers.Wait()

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for running commands: %w", ctx.Err())
		g.logger.Warn("shutdown deadline reached with commands still running")
	}

	closeErr := g.sink.Close()
	if closeErr != nil {
		g.logger.Error("closing audit sink", "err", closeErr)
	}
	g.bus.Emit(bus.Event{Type: bus.EventGatewayStopped, Source: "gateway"})
	g.logger.Info("gateway stopped",
		"executions", metrics.ExecLatency.Count(),
		"p50_seconds", metrics.ExecLatency.Percentile(0.5),
		"p95_seconds", metrics.ExecLatency.Percentile(0.95))
	return errors.Join(waitErr, closeErr)
}

// Execute runs one command through the full pipeline. Rejections,
// approval holds, timeouts and spawn failures come back as *domain.GateError.
// Exactly one audit record is written per call, except for calls refused
// after Shutdown.
func (g *Gateway) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	// Add under mu so Shutdown never waits on a counter that can still grow.
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return domain.ExecutionResult{}, &domain.GateError{
			Kind:   domain.KindSpawnFailed,
			Reason: ErrShutdown.Error(),
			Err:    ErrShutdown,
		}
	}
	g.inflight.Add(1)
	g.mu.Unlock()
	defer g.inflight.Done()

	// Every check below sees the argv the child will receive.
	req.Args = executor.Sanitize(req.Args)
	dir := req.WorkingDir
	if dir == "" {
		dir = g.workDir
	}
	rec := domain.AuditRecord{
		ID:          uuid.NewString(),
		Command:     req.Command,
		Args:        slices.Clone(req.Args),
		RequestedBy: req.RequestedBy,
		WorkingDir:  dir,
		StartTime:   g.now(),
	}

	if err := g.registry.Check(req.Command, req.Args); err != nil {
		return g.reject(ctx, rec, err)
	}
	rule, _ := g.registry.Get(req.Command)

	if v := g.validator.Validate(req.Command, req.Args, req.Env); !v.Valid {
		return g.reject(ctx, rec, domain.Errorf(v.Kind, "%s", v.Reason))
	}

	if rule.RequiresApproval {
		rec.RequiresApproval = true
		switch {
		case req.PreApproved:
		case req.ApprovalID != "":
			rec.ApprovalID = req.ApprovalID
			if err := g.approvals.Consume(req.ApprovalID, req.Command, req.Args); err != nil {
				return g.reject(ctx, rec, err)
			}
		default:
			return g.hold(ctx, rec, rule)
		}
	}
	rec.Approved = true

	return g.run(ctx, rec, req, rule, dir)
}

// reject audits a refusal. No process is started.
func (g *Gateway) reject(ctx context.Context, rec domain.AuditRecord, err error) (domain.ExecutionResult, error) {
	var ge *domain.GateError
	if !errors.As(err, &ge) {
		ge = &domain.GateError{Kind: domain.KindNotWhitelisted, Reason: err.Error(), Err: err}
	}

	end := g.now()
	rec.EndTime = &end
	rec.Blocked = true
	rec.BlockReason = ge.Reason
	rec.ErrorKind = ge.Kind
	rec = g.recorder.Record(ctx, rec)

	metrics.Executions("blocked").Inc()
	metrics.Blocked(string(ge.Kind)).Inc()
	g.bus.Emit(bus.Event{Type: bus.EventCommandBlocked, Source: "gateway", Payload: rec})
	g.bus.Emit(bus.Event{Type: bus.EventAuditRecorded, Source: "gateway", Payload: rec})
	g.logger.Warn("command blocked",
		"command", rec.Command,
		"reason", ge.Reason,
		"kind", ge.Kind,
		"requested_by", rec.RequestedBy,
	)
	return domain.ExecutionResult{AuditID: rec.ID}, ge
}

// hold files an approval request and audits the pending attempt.
func (g *Gateway) hold(ctx context.Context, rec domain.AuditRecord, rule domain.CommandRule) (domain.ExecutionResult, error) {
	reason := fmt.Sprintf("%s is a %s-risk %s command and requires approval", rule.Command, rule.Risk, rule.Family)
	req := g.approvals.Create(rec.Command, rec.Args, rec.RequestedBy, reason)
	metrics.Pending.Inc()
	g.bus.Emit(bus.Event{Type: bus.EventApprovalCreated, Source: "gateway", Payload: req})

	end := g.now()
	rec.EndTime = &end
	rec.ApprovalID = req.ID
	rec.ErrorKind = domain.KindApprovalRequired
	rec = g.recorder.Record(ctx, rec)
	metrics.Executions("pending_approval").Inc()
	g.bus.Emit(bus.Event{Type: bus.EventAuditRecorded, Source: "gateway", Payload: rec})

	return domain.ExecutionResult{AuditID: rec.ID}, &domain.GateError{
		Kind:       domain.KindApprovalRequired,
		Reason:     reason,
		ApprovalID: req.ID,
	}
}

func (g *Gateway) run(ctx context.Context, rec domain.AuditRecord, req domain.ExecutionRequest, rule domain.CommandRule, dir string) (domain.ExecutionResult, error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return g.finish(ctx, rec, executor.Result{}, &domain.GateError{
			Kind:   domain.KindTimeout,
			Reason: "execution cancelled while waiting for a slot",
			Err:    ctx.Err(),
		})
	}
	metrics.Inflight.Inc()
	defer func() {
		metrics.Inflight.Dec()
		<-g.sem
	}()

	res, err := executor.Run(ctx, executor.Spec{
		Name:           req.Command,
		Args:           req.Args,
		Dir:            dir,
		Env:            req.Env,
		Timeout:        effectiveTimeout(req.Timeout, rule.MaxTimeout, g.defaultTimeout),
		Grace:          g.grace,
		MaxOutputBytes: g.maxOutput,
	})
	return g.finish(ctx, rec, res, err)
}

// finish audits a permitted attempt once the process is done or could
// not be started.
func (g *Gateway) finish(ctx context.Context, rec domain.AuditRecord, res executor.Result, err error) (domain.ExecutionResult, error) {
	end := g.now()
	rec.EndTime = &end
	rec.Stdout = res.Stdout
	rec.Stderr = res.Stderr
	if res.Started {
		code := res.ExitCode
		ms := res.Duration.Milliseconds()
		rec.ExitCode = &code
		rec.DurationMs = &ms
		metrics.ExecLatency.Observe(res.Duration)
	}

	outcome := "executed"
	var ge *domain.GateError
	if err != nil {
		if !errors.As(err, &ge) {
			ge = &domain.GateError{Kind: domain.KindSpawnFailed, Reason: err.Error(), Err: err}
		}
		rec.ErrorKind = ge.Kind
		rec.Error = ge.Error()
		outcome = "failed"
		if ge.Kind == domain.KindTimeout {
			outcome = "timeout"
		}
	} else if res.ExitCode != 0 {
		outcome = "failed"
	}

	rec = g.recorder.Record(ctx, rec)
	metrics.Executions(outcome).Inc()
	g.bus.Emit(bus.Event{Type: bus.EventAuditRecorded, Source: "gateway", Payload: rec})

	result := domain.ExecutionResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		AuditID:  rec.ID,
	}
	if ge != nil {
		ge.Stdout, ge.Stderr = res.Stdout, res.Stderr
		g.logger.Warn("command did not complete",
			"command", rec.Command,
			"kind", ge.Kind,
			"reason", ge.Reason,
			"signal", res.Signal,
		)
		return result, ge
	}

	g.logger.Info("command executed",
		"command", rec.Command,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
		"truncated", res.Truncated,
	)
	return result, nil
}

// effectiveTimeout is min(requested, rule max). A zero request uses the
// rule max; a rule without a max uses fallback.
func effectiveTimeout(requested, ruleMax, fallback time.Duration) time.Duration {
	limit := ruleMax
	if limit <= 0 {
		limit = fallback
	}
	if requested > 0 && requested < limit {
		return requested
	}
	return limit
}

func (g *Gateway) onDecision(d domain.ApprovalDecision) {
	metrics.Pending.Dec()
	metrics.Approvals(string(d.Status)).Inc()

	eventType := bus.EventApprovalDecided
	if d.Status == domain.ApprovalExpired {
		eventType = bus.EventApprovalExpired
	}
	g.bus.Emit(bus.Event{Type: eventType, Source: "approval", Payload: d})
	g.recorder.RecordDecision(context.Background(), d)
}

// --- Approval resolution ---

func (g *Gateway) Approve(id, approver string) bool {
	return g.approvals.Approve(id, approver)
}

func (g *Gateway) Reject(id, approver string) bool {
	return g.approvals.Reject(id, approver)
}

// ListPending returns requests awaiting a decision. Callers should still
// treat ExpiresAt as authoritative.
func (g *Gateway) ListPending() []domain.ApprovalRequest {
	return g.approvals.ListPending()
}

func (g *Gateway) GetApproval(id string) (domain.ApprovalRequest, bool) {
	return g.approvals.Get(id)
}

func (g *Gateway) Decisions() []domain.ApprovalDecision {
	return g.approvals.Decisions()
}

// --- Policy and audit export ---

func (g *Gateway) ListRules() []domain.CommandRule {
	return g.registry.List()
}

// Check reports whether an invocation would pass the registry and the
// validator, without recording or running anything.
func (g *Gateway) Check(command string, args []string, env map[string]string) (domain.CommandRule, error) {
	args = executor.Sanitize(args)
	if err := g.registry.Check(command, args); err != nil {
		return domain.CommandRule{}, err
	}
	rule, _ := g.registry.Get(command)
	if v := g.validator.Validate(command, args, env); !v.Valid {
		return rule, domain.Errorf(v.Kind, "%s", v.Reason)
	}
	return rule, nil
}

func (g *Gateway) QueryAudit(filter domain.AuditFilter) []domain.AuditRecord {
	return g.recorder.Query(filter)
}

func (g *Gateway) Stats() domain.FirewallStats {
	return g.recorder.Stats()
}

// Bus exposes the event bus for subscribers such as the audit stream.
func (g *Gateway) Bus() *bus.EventBus {
	return g.bus
}
