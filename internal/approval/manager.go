package approval

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"cmdgate/internal/domain"

	"github.com/google/uuid"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultRetention = time.Hour
	maxDecisions     = 1000
)

// Config configures a Manager. Zero values get defaults.
type Config struct {
	TTL       time.Duration
	Retention time.Duration
	// Now is overridable for tests.
	Now func() time.Time
	// OnDecision is called outside the lock for every transition out of
	// pending, including lazy expiry.
	OnDecision func(domain.ApprovalDecision)
	Logger     *slog.Logger
}

// Manager tracks time-boxed approval requests. Every status transition
// happens under mu, so each request gets at most one decision.
type Manager struct {
	ttl        time.Duration
	retention  time.Duration
	now        func() time.Time
	onDecision func(domain.ApprovalDecision)
	logger     *slog.Logger

	mu        sync.Mutex
	requests  map[string]*domain.ApprovalRequest
	decisions []domain.ApprovalDecision
}

func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		ttl:        cfg.TTL,
		retention:  cfg.Retention,
		now:        cfg.Now,
		onDecision: cfg.OnDecision,
		logger:     cfg.Logger,
		requests:   make(map[string]*domain.ApprovalRequest),
	}
}

// Create registers a new pending request that expires after the TTL.
func (m *Manager) Create(command string, args []string, requestedBy, reason string) domain.ApprovalRequest {
	now := m.now()
	req := &domain.ApprovalRequest{
		ID:          uuid.NewString(),
		Command:     command,
		Args:        slices.Clone(args),
		RequestedBy: requestedBy,
		Reason:      reason,
		RequestedAt: now,
		ExpiresAt:   now.Add(m.ttl),
		Status:      domain.ApprovalPending,
	}

	m.mu.Lock()
	m.requests[req.ID] = req
	m.mu.Unlock()

	m.logger.Info("approval requested",
		"id", req.ID,
		"command", command,
		"requested_by", requestedBy,
		"expires_at", req.ExpiresAt,
	)
	return cloneRequest(req)
}

func (m *Manager) Approve(id, approver string) bool {
	return m.decide(id, approver, domain.ApprovalApproved)
}

func (m *Manager) Reject(id, approver string) bool {
	return m.decide(id, approver, domain.ApprovalRejected)
}

func (m *Manager) decide(id, approver string, status domain.ApprovalStatus) bool {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok || req.Status != domain.ApprovalPending {
		m.mu.Unlock()
		return false
	}

	now := m.now()
	if now.After(req.ExpiresAt) {
		d := m.transition(req, domain.ApprovalExpired, "", now)
		m.mu.Unlock()
		m.emit(d)
		m.logger.Warn("approval decision after expiry", "id", id, "approver", approver)
		return false
	}

	d := m.transition(req, status, approver, now)
	m.mu.Unlock()
	m.emit(d)
	m.logger.Info("approval decided", "id", id, "status", status, "approver", approver)
	return true
}

// transition must be called with mu held.
func (m *Manager) transition(req *domain.ApprovalRequest, status domain.ApprovalStatus, approver string, now time.Time) domain.ApprovalDecision {
	req.Status = status
	req.DecidedBy = approver
	req.DecidedAt = now

	d := domain.ApprovalDecision{
		RequestID: req.ID,
		Command:   req.Command,
		Status:    status,
		Approver:  approver,
		At:        now,
	}
	m.decisions = append(m.decisions, d)
	if len(m.decisions) > maxDecisions {
		m.decisions = m.decisions[len(m.decisions)-maxDecisions:]
	}
	return d
}

func (m *Manager) emit(decisions ...domain.ApprovalDecision) {
	if m.onDecision == nil {
		return
	}
	for _, d := range decisions {
		m.onDecision(d)
	}
}

// expireStale moves overdue pending requests to expired. Must be called
// with mu held.
func (m *Manager) expireStale(now time.Time) []domain.ApprovalDecision {
	var out []domain.ApprovalDecision
	for _, req := range m.requests {
		if req.Status == domain.ApprovalPending && now.After(req.ExpiresAt) {
			out = append(out, m.transition(req, domain.ApprovalExpired, "", now))
		}
	}
	return out
}

// ListPending returns requests still awaiting a decision, oldest first.
// Requests past their deadline are expired on the way.
func (m *Manager) ListPending() []domain.ApprovalRequest {
	m.mu.Lock()
	expired := m.expireStale(m.now())
	var out []domain.ApprovalRequest
	for _, req := range m.requests {
		if req.Status == domain.ApprovalPending {
			out = append(out, cloneRequest(req))
		}
	}
	m.mu.Unlock()

	m.emit(expired...)
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Get returns a snapshot of one request.
func (m *Manager) Get(id string) (domain.ApprovalRequest, bool) {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return domain.ApprovalRequest{}, false
	}
	var expired []domain.ApprovalDecision
	if now := m.now(); req.Status == domain.ApprovalPending && now.After(req.ExpiresAt) {
		expired = append(expired, m.transition(req, domain.ApprovalExpired, "", now))
	}
	snapshot := cloneRequest(req)
	m.mu.Unlock()

	m.emit(expired...)
	return snapshot, true
}

// Consume redeems an approved request for exactly the command and
// arguments it was created for. It succeeds once.
func (m *Manager) Consume(id, command string, args []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return domain.Errorf(domain.KindApprovalRequired, "unknown approval request %s", id)
	}
	if req.Command != command || !slices.Equal(req.Args, args) {
		return domain.Errorf(domain.KindApprovalRequired, "approval request %s does not match this invocation", id)
	}

	now := m.now()
	switch req.Status {
	case domain.ApprovalExpired:
		return domain.Errorf(domain.KindApprovalExpired, "approval request %s expired", id)
	case domain.ApprovalRejected:
		return domain.Errorf(domain.KindApprovalRequired, "approval request %s was rejected", id)
	case domain.ApprovalPending:
		if now.After(req.ExpiresAt) {
			return domain.Errorf(domain.KindApprovalExpired, "approval request %s expired", id)
		}
		return domain.Errorf(domain.KindApprovalRequired, "approval request %s is still pending", id)
	}

	if req.Consumed {
		return domain.Errorf(domain.KindApprovalRequired, "approval request %s was already used", id)
	}
	if now.After(req.ExpiresAt) {
		return domain.Errorf(domain.KindApprovalExpired, "approval request %s expired", id)
	}
	req.Consumed = true
	return nil
}

// Decisions returns the most recent decision entries, oldest first.
func (m *Manager) Decisions() []domain.ApprovalDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.decisions)
}

// Sweep expires overdue pending requests and forgets finished requests
// older than the retention window. It returns the number of requests
// expired by this call.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	expired := m.expireStale(now)
	for id, req := range m.requests {
		if req.Status != domain.ApprovalPending && now.Sub(req.ExpiresAt) > m.retention {
			delete(m.requests, id)
		}
	}
	m.mu.Unlock()

	m.emit(expired...)
	if len(expired) > 0 {
		m.logger.Info("expired stale approval requests", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func cloneRequest(req *domain.ApprovalRequest) domain.ApprovalRequest {
	c := *req
	c.Args = slices.Clone(req.Args)
	return c
}
