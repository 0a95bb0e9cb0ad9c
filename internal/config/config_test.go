package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MaxConcurrent_Boundary(t *testing.T) {
	cfg := Defaults()

	for _, n := range []int{1, 256} {
		cfg.General.MaxConcurrentExecutions = n
		if err := Validate(cfg); err != nil {
			t.Fatalf("maxConcurrentExecutions=%d should be valid: %v", n, err)
		}
	}
	for _, n := range []int{0, 257} {
		cfg.General.MaxConcurrentExecutions = n
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected error for maxConcurrentExecutions=%d", n)
		}
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.API.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.API.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_AuthNeedsCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.API.Auth.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for auth without credentials")
	}
}

func TestValidate_Sinks(t *testing.T) {
	cases := []struct {
		sink SinkConfig
		ok   bool
	}{
		{SinkConfig{Type: SinkSQLite, Path: "/tmp/a.db"}, true},
		{SinkConfig{Type: SinkSQLite}, false},
		{SinkConfig{Type: SinkJSONL, Path: "/tmp/a.jsonl"}, true},
		{SinkConfig{Type: SinkPostgres}, false},
		{SinkConfig{Type: SinkPostgres, DSN: "postgres://localhost/db"}, true},
		{SinkConfig{Type: SinkRedis, Addr: "localhost:6379"}, true},
		{SinkConfig{Type: SinkKafka, Brokers: []string{"b:9092"}}, false},
		{SinkConfig{Type: SinkKafka, Brokers: []string{"b:9092"}, Topic: "audit"}, true},
		{SinkConfig{Type: SinkNone}, true},
		{SinkConfig{Type: "s3"}, false},
	}
	for _, tc := range cases {
		cfg := Defaults()
		cfg.Audit.Sinks = []SinkConfig{tc.sink}
		err := Validate(cfg)
		if tc.ok && err != nil {
			t.Fatalf("%+v: unexpected error %v", tc.sink, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%+v: expected error", tc.sink)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	saved := Defaults()
	saved.Policy.RequireApproval = map[string]bool{"iac": false}
	saved.Audit.Sinks = []SinkConfig{{Type: SinkJSONL, Path: filepath.Join(dir, "audit.jsonl")}}

	if err := Save(path, saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, ok := loaded.Policy.RequireApproval["iac"]; !ok || v {
		t.Fatalf("expected iac switch off, got %v", loaded.Policy.RequireApproval)
	}
	if s, ok := loaded.SinkOfType(SinkJSONL); !ok || s.Path != filepath.Join(dir, "audit.jsonl") {
		t.Fatalf("unexpected sinks %+v", loaded.Audit.Sinks)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"general": {"maxConcurrentExecutions": 0}}`), 0o644)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "maxConcurrentExecutions") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"approval": {"ttlSeconds": 60}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Approval.TTLSeconds != 60 {
		t.Fatalf("expected ttl 60, got %d", cfg.Approval.TTLSeconds)
	}
	if cfg.Executor.GraceSeconds != 5 || cfg.Audit.WindowSize != 1000 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Executor, cfg.Audit)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_CMDGATE_DSN", "postgres://audit:pw@db:5432/audit")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"audit": {
			"sinks": [{"type": "postgres", "dsn": "${TEST_CMDGATE_DSN}", "table": "${TEST_CMDGATE_TABLE:-gate_audit}"}]
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	s, ok := cfg.SinkOfType(SinkPostgres)
	if !ok || s.DSN != "postgres://audit:pw@db:5432/audit" || s.Table != "gate_audit" {
		t.Fatalf("unexpected sink %+v", s)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "approval.ttlSeconds")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != float64(300) {
		t.Fatalf("expected 300, got %v", val)
	}

	val, err = GetByPath(cfg, "audit.sinks.0.type")
	if err != nil {
		t.Fatalf("get array element: %v", err)
	}
	if val != SinkSQLite {
		t.Fatalf("expected sqlite, got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	if _, err := GetByPath(cfg, "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
	if _, err := GetByPath(cfg, "audit.sinks.9"); err == nil {
		t.Fatal("expected error for out of range index")
	}
}

func TestSetByPath_Conversions(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "api.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if err := SetByPath(cfg, "general.maxConcurrentExecutions", "16"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := SetByPath(cfg, "general.logLevel", "debug"); err != nil {
		t.Fatalf("set string: %v", err)
	}
	if err := SetByPath(cfg, "policy.requireApproval.container", "false"); err != nil {
		t.Fatalf("set map entry: %v", err)
	}

	if !cfg.API.Enabled || cfg.General.MaxConcurrentExecutions != 16 || cfg.General.LogLevel != "debug" {
		t.Fatalf("unexpected config after set: %+v %+v", cfg.API, cfg.General)
	}
	if v, ok := cfg.Policy.RequireApproval["container"]; !ok || v {
		t.Fatalf("expected container switch off, got %v", cfg.Policy.RequireApproval)
	}
}

func TestListPaths_ReturnsLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, want := range []string{"general.logLevel", "approval.ttlSeconds", "executor.graceSeconds", "api.auth.enabled"} {
		if _, ok := paths[want]; !ok {
			t.Fatalf("missing path %s in %v", want, paths)
		}
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.API.Auth.PasswordHash = "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8"
	cfg.Audit.Sinks = []SinkConfig{
		{Type: SinkPostgres, DSN: "postgres://audit:s3cret@db:5432/audit"},
		{Type: SinkRedis, Addr: "localhost:6379", Password: "redis-pass"},
	}

	sanitized := Sanitize(cfg)

	if sanitized.API.Auth.PasswordHash != "***" {
		t.Fatalf("password hash should be masked, got %q", sanitized.API.Auth.PasswordHash)
	}
	if dsn := sanitized.Audit.Sinks[0].DSN; strings.Contains(dsn, "s3cret") || !strings.Contains(dsn, "@db:5432") {
		t.Fatalf("dsn password should be masked, got %q", sanitized.Audit.Sinks[0].DSN)
	}
	if sanitized.Audit.Sinks[1].Password != "***" {
		t.Fatalf("redis password should be masked, got %q", sanitized.Audit.Sinks[1].Password)
	}
	if cfg.Audit.Sinks[1].Password != "redis-pass" {
		t.Fatal("input config should not be modified")
	}
}

func TestSanitize_KeywordDSN(t *testing.T) {
	cfg := Defaults()
	cfg.Audit.Sinks = []SinkConfig{{Type: SinkPostgres, DSN: "host=db user=audit password=s3cret"}}

	if got := Sanitize(cfg).Audit.Sinks[0].DSN; strings.Contains(got, "s3cret") {
		t.Fatalf("keyword dsn should be masked, got %q", got)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CMDGATE_TEST_HOST", "localhost")
	t.Setenv("CMDGATE_TEST_PORT", "9090")
	t.Setenv("CMDGATE_TEST_EMPTY", "")
	os.Unsetenv("CMDGATE_TEST_UNSET")

	cases := []struct {
		in, want string
	}{
		{`"${CMDGATE_TEST_HOST}"`, `"localhost"`},
		{`"${CMDGATE_TEST_UNSET:-8080}"`, `"8080"`},
		{`"${CMDGATE_TEST_PORT:-8080}"`, `"9090"`},
		{`"${CMDGATE_TEST_HOST}:${CMDGATE_TEST_PORT}"`, `"localhost:9090"`},
		{`"${CMDGATE_TEST_UNSET}"`, `"${CMDGATE_TEST_UNSET}"`},
		{`"${CMDGATE_TEST_EMPTY:-fallback}"`, `"fallback"`},
		{`{"key": "value"}`, `{"key": "value"}`},
		{`"$HOME is not substituted"`, `"$HOME is not substituted"`},
	}
	for _, tc := range cases {
		if got := ExpandEnvVars(tc.in); got != tc.want {
			t.Fatalf("ExpandEnvVars(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

// --- Defaults ---

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Approval.TTLSeconds != 300 {
		t.Fatalf("default ttl should be 300s, got %d", cfg.Approval.TTLSeconds)
	}
	if cfg.Executor.GraceSeconds != 5 {
		t.Fatalf("default grace should be 5s, got %d", cfg.Executor.GraceSeconds)
	}
	if cfg.Audit.WindowSize != 1000 {
		t.Fatalf("default window should be 1000, got %d", cfg.Audit.WindowSize)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Fatalf("api should bind loopback by default, got %q", cfg.API.Host)
	}
}

func TestSetByPath_ListElement(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "audit.sinks.0.path", "/var/lib/cmdgate/audit.db"); err != nil {
		t.Fatalf("set list element: %v", err)
	}
	if cfg.Audit.Sinks[0].Path != "/var/lib/cmdgate/audit.db" {
		t.Fatalf("unexpected sink %+v", cfg.Audit.Sinks[0])
	}
	if err := SetByPath(cfg, "audit.sinks.5.path", "x"); err == nil {
		t.Fatal("expected error for missing list index")
	}
	if err := SetByPath(cfg, "approval.ttlSeconds", "soon"); err == nil {
		t.Fatal("expected error when the value has the wrong type")
	}
}

func TestListPaths_IncludesListElements(t *testing.T) {
	paths := ListPaths(Defaults())
	if paths["audit.sinks.0.type"] != SinkSQLite {
		t.Fatalf("expected indexed sink path, got %v", paths["audit.sinks.0.type"])
	}
	keys := SortedPaths(paths)
	if !sort.StringsAreSorted(keys) || len(keys) != len(paths) {
		t.Fatal("SortedPaths should return every key in order")
	}
}
