package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/1sec-project/reqguard/internal/catalog"
	"github.com/1sec-project/reqguard/internal/core"
	"github.com/1sec-project/reqguard/internal/guard"
	"github.com/1sec-project/reqguard/internal/scoring"
)

// ─── suggest ──────────────────────────────────────────────────────────────────

func TestSuggest_PrefixMatch(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"sc", "scan"},
		{"con", "config"},
		{"sta", "status"},
		{"met", "metrics"},
		{"thr", "threats"},
		{"ver", "version"},
		{"hel", "help"},
	}
	for _, tc := range tests {
		if got := suggest(tc.input); got != tc.want {
			t.Errorf("suggest(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSuggest_TypoCorrection(t *testing.T) {
	if got := suggest("statux"); got != "status" {
		t.Errorf("suggest('statux') = %q, want 'status'", got)
	}
	if got := suggest("scam"); got != "scan" {
		t.Errorf("suggest('scam') = %q, want 'scan'", got)
	}
}

func TestSuggest_NoMatch(t *testing.T) {
	if got := suggest("zzzzzzzzz"); got != "" {
		t.Errorf("suggest('zzzzzzzzz') = %q, want empty", got)
	}
	if got := suggest(""); got != "" {
		t.Errorf("suggest('') = %q, want empty", got)
	}
}

func TestSuggest_CaseInsensitive(t *testing.T) {
	if got := suggest("THREATS"); got != "threats" {
		t.Errorf("suggest('THREATS') = %q, want 'threats'", got)
	}
}

// ─── env helpers ──────────────────────────────────────────────────────────────

func TestEnvConfig(t *testing.T) {
	t.Setenv("REQGUARD_CONFIG", "/etc/reqguard.yaml")
	if got := envConfig(defaultConfigPath); got != "/etc/reqguard.yaml" {
		t.Errorf("envConfig(default) = %q, want env value", got)
	}
	if got := envConfig("custom.yaml"); got != "custom.yaml" {
		t.Errorf("envConfig(flag) = %q, want flag value", got)
	}
}

func TestAPIBase(t *testing.T) {
	t.Setenv("REQGUARD_PROFILE", "")
	path := filepath.Join(t.TempDir(), "reqguard.yaml")
	if err := os.WriteFile(path, []byte("server:\n  host: 0.0.0.0\n  port: 9100\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := apiBase(path, "", 0); got != "http://127.0.0.1:9100" {
		t.Errorf("apiBase = %q", got)
	}
	if got := apiBase(path, "10.1.1.1", 8000); got != "http://10.1.1.1:8000" {
		t.Errorf("apiBase with overrides = %q", got)
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("REQGUARD_API_KEY", "")
	t.Setenv("REQGUARD_PROFILE", "")
	path := filepath.Join(t.TempDir(), "reqguard.yaml")
	if err := os.WriteFile(path, []byte("server:\n  api_keys: [\"from-file\"]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := resolveAPIKey("from-flag", path); got != "from-flag" {
		t.Errorf("flag key = %q", got)
	}
	if got := resolveAPIKey("", path); got != "from-file" {
		t.Errorf("config key = %q", got)
	}
	t.Setenv("REQGUARD_API_KEY", "from-env")
	if got := resolveAPIKey("", path); got != "from-env" {
		t.Errorf("env key = %q", got)
	}
}

// ─── scan ─────────────────────────────────────────────────────────────────────

func TestBuildScanRequest(t *testing.T) {
	req, err := buildScanRequest(scanInput{
		method:    "post",
		url:       "login?next=%2F",
		userAgent: "curl/8.4.0",
		body:      "user=alice",
		headers:   []string{"X-Custom: yes"},
		clientIP:  "2001:db8::1",
	}, 1024)
	if err != nil {
		t.Fatalf("buildScanRequest: %v", err)
	}
	if req.Method != "POST" || req.Path != "/login" || req.URL != "/login?next=%2F" {
		t.Errorf("request line = %s %s (%s)", req.Method, req.Path, req.URL)
	}
	if req.ClientIP != "2001:db8::1" {
		t.Errorf("ClientIP = %q", req.ClientIP)
	}
	if req.UserAgent != "curl/8.4.0" || req.Body != "user=alice" {
		t.Errorf("UA/body = %q/%q", req.UserAgent, req.Body)
	}
	if !strings.Contains(req.Headers, `"x-custom":["yes"]`) {
		t.Errorf("Headers = %s", req.Headers)
	}
}

func TestBuildScanRequest_Defaults(t *testing.T) {
	req, err := buildScanRequest(scanInput{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "GET" || req.URL != "/" || req.ClientIP != "127.0.0.1" {
		t.Errorf("defaults = %+v", req)
	}
}

func TestBuildScanRequest_InvalidMethod(t *testing.T) {
	if _, err := buildScanRequest(scanInput{method: "NOT VALID"}, 0); err == nil {
		t.Error("expected error for invalid method")
	}
}

func TestHeaderFlags(t *testing.T) {
	var h headerFlags
	if err := h.Set("X-A: 1"); err != nil {
		t.Fatal(err)
	}
	if err := h.Set("no-colon"); err == nil {
		t.Error("expected error for header without colon")
	}
	if h.String() != "X-A: 1" {
		t.Errorf("String() = %q", h.String())
	}
}

func TestRenderAssessment(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var buf bytes.Buffer
	a := &scoring.ThreatAssessment{
		Fingerprint:       "abcd1234abcd1234",
		TotalScore:        100,
		RecommendedAction: catalog.ActionBlock,
		Detections: []scoring.Detection{{
			Category: catalog.SQLInjection, Target: catalog.FieldBody,
			Rule: "sqli_union_select", Score: 100, Excerpt: "UNION SELECT",
		}},
	}
	renderAssessment(&buf, a, guard.OutcomeBlock, core.ProfileStrict)
	out := buf.String()
	for _, want := range []string{"Score:", "100", "block", "sqli_union_select", "UNION SELECT", "strict profile"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExcerpt(t *testing.T) {
	if got := excerpt("a\nb", 10); got != `a\nb` {
		t.Errorf("excerpt control chars = %q", got)
	}
	if got := excerpt(strings.Repeat("x", 20), 5); got != "xxxx…" {
		t.Errorf("excerpt long = %q", got)
	}
}

// ─── config ───────────────────────────────────────────────────────────────────

func TestConfigIssues(t *testing.T) {
	if issues := configIssues(core.DefaultConfig()); len(issues) != 0 {
		t.Errorf("default config issues: %v", issues)
	}

	cfg := core.DefaultConfig()
	cfg.Server.Port = 70000
	cfg.Logging.Level = "verbose"
	cfg.Detection.NotableThreshold = 150
	cfg.Proxy.Upstream = ""
	issues := configIssues(cfg)
	if len(issues) != 4 {
		t.Errorf("got %d issues, want 4: %v", len(issues), issues)
	}
}

// ─── output ───────────────────────────────────────────────────────────────────

func TestParseFormat(t *testing.T) {
	cases := map[string]OutputFormat{
		"json": FormatJSON, "JSON": FormatJSON, "csv": FormatCSV,
		"sarif": FormatSARIF, "table": FormatTable, "": FormatTable, "xml": FormatTable,
	}
	for in, want := range cases {
		if got := parseFormat(in); got != want {
			t.Errorf("parseFormat(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTable_Render(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "NAME", "SCORE")
	tbl.AddRow("xss", "90")
	tbl.AddRow("sql_injection")
	tbl.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("got %d lines, want 6:\n%s", len(lines), buf.String())
	}
	width := len([]rune(lines[0]))
	for i, l := range lines {
		if n := len([]rune(l)); n != width {
			t.Errorf("line %d width %d, want %d", i, n, width)
		}
	}
}

func TestTable_NoHeaders(t *testing.T) {
	var buf bytes.Buffer
	NewTable(&buf).Render()
	if buf.Len() != 0 {
		t.Errorf("headerless table rendered %q", buf.String())
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	writeCSV(&buf, []string{"a", "b"}, [][]string{{"1", "x,y"}})
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1][1] != "x,y" {
		t.Errorf("records = %v", records)
	}
}

func TestWriteSARIF(t *testing.T) {
	var buf bytes.Buffer
	writeSARIF(&buf, []scoring.Detection{
		{Category: catalog.XSS, Rule: "xss_script_tag", Target: catalog.FieldQuery, Score: 90, Excerpt: "<script>"},
		{Category: catalog.BotSignature, Rule: "bot_scanner_tool", Target: catalog.FieldUserAgent, Score: 60},
	}, "1.0.0")

	var report sarifReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("invalid SARIF JSON: %v", err)
	}
	if report.Version != "2.1.0" || len(report.Runs) != 1 {
		t.Fatalf("report = %+v", report)
	}
	results := report.Runs[0].Results
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].RuleID != "xss/xss_script_tag" || results[0].Level != "error" {
		t.Errorf("result 0 = %+v", results[0])
	}
	if results[1].Level != "warning" {
		t.Errorf("result 1 level = %q, want warning", results[1].Level)
	}
}

func TestSarifLevel(t *testing.T) {
	cases := map[int]string{100: "error", 80: "error", 60: "warning", 40: "warning", 30: "note"}
	for score, want := range cases {
		if got := sarifLevel(score); got != want {
			t.Errorf("sarifLevel(%d) = %q, want %q", score, got, want)
		}
	}
}
