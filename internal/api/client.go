package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cmdgate/internal/domain"
)

// Client talks to a running admin API. It is used by the CLI.
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
}

// NewClient builds a client for base (for example http://127.0.0.1:8790).
// Credentials are sent only when username is non-empty.
func NewClient(base, username, password string) *Client {
	return &Client{
		base:     strings.TrimRight(base, "/"),
		username: username,
		password: password,
		http:     newHTTPClient(),
	}
}

// newHTTPClient has no overall timeout; exec calls can legitimately run
// for the whole rule timeout, so callers bound requests with ctx.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Exec submits a command. Gate failures come back as *domain.GateError.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	err := c.do(ctx, http.MethodPost, "/v1/exec", req, &res)
	return res, err
}

func (c *Client) Check(ctx context.Context, req CheckRequest) (CheckResponse, error) {
	var res CheckResponse
	err := c.do(ctx, http.MethodPost, "/v1/check", req, &res)
	return res, err
}

func (c *Client) Rules(ctx context.Context, family string) ([]RuleView, error) {
	path := "/v1/rules"
	if family != "" {
		path += "?family=" + url.QueryEscape(family)
	}
	var out []RuleView
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Pending(ctx context.Context) ([]domain.ApprovalRequest, error) {
	var out []domain.ApprovalRequest
	err := c.do(ctx, http.MethodGet, "/v1/approvals", nil, &out)
	return out, err
}

func (c *Client) Approval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	var out domain.ApprovalRequest
	err := c.do(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Approve(ctx context.Context, id, approver string) (domain.ApprovalRequest, error) {
	return c.decide(ctx, id, "approve", approver)
}

func (c *Client) Reject(ctx context.Context, id, approver string) (domain.ApprovalRequest, error) {
	return c.decide(ctx, id, "reject", approver)
}

func (c *Client) decide(ctx context.Context, id, action, approver string) (domain.ApprovalRequest, error) {
	var out domain.ApprovalRequest
	path := "/v1/approvals/" + url.PathEscape(id) + "/" + action
	err := c.do(ctx, http.MethodPost, path, DecisionRequest{Approver: approver}, &out)
	return out, err
}

func (c *Client) Decisions(ctx context.Context) ([]domain.ApprovalDecision, error) {
	var out []domain.ApprovalDecision
	err := c.do(ctx, http.MethodGet, "/v1/decisions", nil, &out)
	return out, err
}

// Audit queries the server's retained window.
func (c *Client) Audit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditRecord, error) {
	q := url.Values{}
	if f.Command != "" {
		q.Set("command", f.Command)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q.Set("until", f.Until.Format(time.RFC3339))
	}
	if f.BlockedOnly {
		q.Set("blocked", "true")
	}
	if f.ApprovedOnly {
		q.Set("approved", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	path := "/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []domain.AuditRecord
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (domain.FirewallStats, error) {
	var out domain.FirewallStats
	err := c.do(ctx, http.MethodGet, "/v1/audit/stats", nil, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns an error body back into a GateError when the server
// reported a gate kind.
func decodeError(status int, data []byte) error {
	var er errorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(data)))
	}
	if er.Kind != "" {
		return &domain.GateError{
			Kind:       er.Kind,
			Reason:     er.Error,
			ApprovalID: er.ApprovalID,
			Stdout:     er.Stdout,
			Stderr:     er.Stderr,
		}
	}
	return fmt.Errorf("server returned %d: %s", status, er.Error)
}
