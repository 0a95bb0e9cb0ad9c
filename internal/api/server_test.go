//go:build !windows

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"cmdgate/internal/bus"
	"cmdgate/internal/config"
	"cmdgate/internal/domain"
	"cmdgate/internal/gateway"
	"cmdgate/internal/policy"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gatedPrintf is a whitelisted command that always needs approval.
var gatedPrintf = domain.CommandRule{
	Command:          "printf",
	Family:           policy.FamilyInspection,
	Risk:             domain.RiskCritical,
	RequiresApproval: true,
	MaxTimeout:       time.Minute,
}

func newTestServer(t *testing.T, auth config.APIAuth) (*Server, *httptest.Server) {
	t.Helper()
	reg, err := policy.Build(policy.Options{}, testLogger())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if err := reg.Register(gatedPrintf); err != nil {
		t.Fatalf("register: %v", err)
	}
	gw, err := gateway.New(gateway.Options{
		Registry: reg,
		Grace:    time.Second,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := gw.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	srv := NewServer(gw, Config{Auth: auth, MetricsPath: "/metrics", Logger: testLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.closeStreams()
		ts.Close()
		gw.Shutdown(context.Background())
	})
	return srv, ts
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{})
	if err := NewClient(ts.URL, "", "").Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestAuth(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{
		Enabled:      true,
		Username:     "ops",
		PasswordHash: HashPassword("s3cret"),
	})

	resp, err := http.Get(ts.URL + "/v1/rules")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("WWW-Authenticate"), "cmdgate") {
		t.Fatalf("missing challenge header: %q", resp.Header.Get("WWW-Authenticate"))
	}

	if _, err := NewClient(ts.URL, "ops", "wrong").Rules(context.Background(), ""); err == nil {
		t.Fatal("wrong password should fail")
	}
	if _, err := NewClient(ts.URL, "ops", "s3cret").Rules(context.Background(), ""); err != nil {
		t.Fatalf("valid credentials: %v", err)
	}

	// Health and metrics stay public.
	if err := NewClient(ts.URL, "", "").Health(context.Background()); err != nil {
		t.Fatalf("health should not need auth: %v", err)
	}
	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
}

func TestExec(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{})
	c := NewClient(ts.URL, "", "")

	res, err := c.Exec(context.Background(), ExecRequest{Command: "echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Stdout != "hello\n" || res.ExitCode != 0 || res.AuditID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExec_StatusMapping(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{})

	tests := []struct {
		name   string
		body   string
		status int
		kind   domain.Kind
	}{
		{"dangerous", `{"command":"rm","args":["-rf","/"]}`, http.StatusForbidden, domain.KindDangerousPattern},
		{"not whitelisted", `{"command":"nc","args":["-l"]}`, http.StatusForbidden, domain.KindNotWhitelisted},
		{"needs approval", `{"command":"printf","args":["x"]}`, http.StatusAccepted, domain.KindApprovalRequired},
		{"missing command", `{"args":["x"]}`, http.StatusBadRequest, ""},
		{"bad json", `{`, http.StatusBadRequest, ""},
		{"negative timeout", `{"command":"echo","timeoutSeconds":-1}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/exec", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			var er errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
				t.Fatal(err)
			}
			if er.Kind != tt.kind {
				t.Fatalf("expected kind %q, got %q", tt.kind, er.Kind)
			}
			if tt.kind == domain.KindApprovalRequired && er.ApprovalID == "" {
				t.Fatal("approval response must carry an approval id")
			}
		})
	}
}

func TestApprovalFlow(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{})
	c := NewClient(ts.URL, "", "")
	ctx := context.Background()
	req := ExecRequest{Command: "printf", Args: []string{"ok"}, RequestedBy: "agent"}

	_, err := c.Exec(ctx, req)
	if domain.KindOf(err) != domain.KindApprovalRequired {
		t.Fatalf("expected ApprovalRequired, got %v", err)
	}
	var ge *domain.GateError
	if !asGateError(err, &ge) || ge.ApprovalID == "" {
		t.Fatalf("expected approval id in %v", err)
	}

	pending, err := c.Pending(ctx)
	if err != nil || len(pending) != 1 || pending[0].ID != ge.ApprovalID {
		t.Fatalf("unexpected pending list %+v (%v)", pending, err)
	}

	approved, err := c.Approve(ctx, ge.ApprovalID, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.ApprovalApproved || approved.DecidedBy != "alice" {
		t.Fatalf("unexpected approval %+v", approved)
	}
	if _, err := c.Approve(ctx, ge.ApprovalID, "alice"); err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("second approve should conflict, got %v", err)
	}

	req.ApprovalID = ge.ApprovalID
	res, err := c.Exec(ctx, req)
	if err != nil {
		t.Fatalf("exec with approval: %v", err)
	}
	if res.Stdout != "ok" {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}
	if _, err := c.Exec(ctx, req); domain.KindOf(err) != domain.KindApprovalRequired {
		t.Fatalf("approval must be single use, got %v", err)
	}

	decisions, err := c.Decisions(ctx)
	if err != nil || len(decisions) != 1 || decisions[0].Approver != "alice" {
		t.Fatalf("unexpected decisions %+v (%v)", decisions, err)
	}
}

func TestReject_DefaultApprover(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{})
	c := NewClient(ts.URL, "", "")
	ctx := context.Background()

	_, err := c.Exec(ctx, ExecRequest{Command: "printf", Args: []string{"x"}})
	var ge *domain.GateError
	if !asGateError(err, &ge) {
		t.Fatalf("expected gate error, got %v", err)
	}

	resp, err := http.Post(ts.URL+"/v1/approvals/"+ge.ApprovalID+"/reject", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	got, err := c.Approval(ctx, ge.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ApprovalRejected || got.DecidedBy != "api" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestApproval_NotFound(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{})
	c := NewClient(ts.URL, "", "")

	if _, err := c.Approve(context.Background(), "missing", "alice"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404, got %v", err)
	}
	if _, err := c.Approval(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestAuditQuery(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{})
	c := NewClient(ts.URL, "", "")
	ctx := context.Background()

	c.Exec(ctx, ExecRequest{Command: "echo", Args: []string{"a"}})
	c.Exec(ctx, ExecRequest{Command: "rm", Args: []string{"-rf", "/"}})
	c.Exec(ctx, ExecRequest{Command: "nc", Args: []string{"-l"}})

	all, err := c.Audit(ctx, domain.AuditFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 records, got %d (%v)", len(all), err)
	}
	blocked, err := c.Audit(ctx, domain.AuditFilter{BlockedOnly: true, Limit: 1})
	if err != nil || len(blocked) != 1 || blocked[0].Command != "nc" {
		t.Fatalf("expected newest blocked record, got %+v (%v)", blocked, err)
	}
	echo, err := c.Audit(ctx, domain.AuditFilter{Command: "echo", Since: time.Now().Add(-time.Hour)})
	if err != nil || len(echo) != 1 || echo[0].ExitCode == nil {
		t.Fatalf("unexpected echo records %+v (%v)", echo, err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Blocked != 2 || stats.Approved != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	for _, q := range []string{"since=yesterday", "blocked=maybe", "limit=-1"} {
		resp, err := http.Get(ts.URL + "/v1/audit?" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestRulesAndCheck(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{})
	c := NewClient(ts.URL, "", "")
	ctx := context.Background()

	rules, err := c.Rules(ctx, policy.FamilyIaC)
	if err != nil || len(rules) == 0 {
		t.Fatalf("expected iac rules, got %v (%v)", rules, err)
	}
	for _, r := range rules {
		if r.Family != policy.FamilyIaC {
			t.Fatalf("family filter leaked %s", r.Command)
		}
	}

	res, err := c.Check(ctx, CheckRequest{Command: "git", Args: []string{"status"}})
	if err != nil || !res.Allowed || res.Rule.Risk != "low" {
		t.Fatalf("unexpected check %+v (%v)", res, err)
	}
	if _, err := c.Check(ctx, CheckRequest{Command: "git", Args: []string{"push", "origin", "--force"}}); domain.KindOf(err) != domain.KindBlockedArgsMatched {
		t.Fatalf("expected BlockedArgsMatched, got %v", err)
	}
}

func TestStream(t *testing.T) {
	_, ts := newTestServer(t, config.APIAuth{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/audit/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello StreamMessage
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "status" {
		t.Fatalf("expected status frame, got %+v (%v)", hello, err)
	}

	if _, err := NewClient(ts.URL, "", "").Exec(context.Background(), ExecRequest{Command: "nc"}); err == nil {
		t.Fatal("nc should be blocked")
	}

	for {
		var msg struct {
			Type    string             `json:"type"`
			Payload domain.AuditRecord `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != bus.EventAuditRecorded {
			continue
		}
		if msg.Payload.Command != "nc" || !msg.Payload.Blocked {
			t.Fatalf("unexpected streamed record %+v", msg.Payload)
		}
		return
	}
}

func TestStream_ClosedOnShutdown(t *testing.T) {
	srv, ts := newTestServer(t, config.APIAuth{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/audit/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello StreamMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	srv.closeStreams()

	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("expected going-away close, got %v", err)
		}
		return
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[domain.Kind]int{
		domain.KindNotWhitelisted:     http.StatusForbidden,
		domain.KindInjectionAttempt:   http.StatusForbidden,
		domain.KindDangerousEnvVar:    http.StatusForbidden,
		domain.KindApprovalRequired:   http.StatusAccepted,
		domain.KindApprovalExpired:    http.StatusGone,
		domain.KindTimeout:            http.StatusGatewayTimeout,
		domain.KindSpawnFailed:        http.StatusBadGateway,
		domain.Kind(""):               http.StatusInternalServerError,
		domain.KindBlockedArgsMatched: http.StatusForbidden,
	}
	for kind, want := range tests {
		if got := StatusFor(kind); got != want {
			t.Errorf("StatusFor(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestDecodeError(t *testing.T) {
	err := decodeError(http.StatusInternalServerError, []byte("boom"))
	if err == nil || domain.KindOf(err) != "" || !strings.Contains(err.Error(), "500") {
		t.Fatalf("unexpected error %v", err)
	}
	err = decodeError(http.StatusGatewayTimeout, []byte(`{"error":"took too long","kind":"Timeout","stdout":"partial"}`))
	var ge *domain.GateError
	if !asGateError(err, &ge) || ge.Kind != domain.KindTimeout || ge.Stdout != "partial" {
		t.Fatalf("unexpected gate error %#v", err)
	}
}

func asGateError(err error, target **domain.GateError) bool {
	return errors.As(err, target)
}
