package main

// ---------------------------------------------------------------------------
// cmd_scan.go — score a request payload locally
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/core"
	"github.com/1sec-project/reqguard/internal/guard"
	"github.com/1sec-project/reqguard/internal/scoring"
)

// headerFlags collects repeated -H "Name: value" flags.
type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q must be in the form Name: value", v)
	}
	*h = append(*h, v)
	return nil
}

// scanInput is everything needed to rebuild the scanned request.
type scanInput struct {
	method    string
	url       string
	userAgent string
	referer   string
	body      string
	headers   []string
	clientIP  string
}

// buildScanRequest turns CLI input into a scoring.Request the same way the
// middleware decomposes live traffic.
func buildScanRequest(in scanInput, maxBody int64) (scoring.Request, error) {
	method := strings.ToUpper(in.method)
	if method == "" {
		method = http.MethodGet
	}
	target := in.url
	if target == "" {
		target = "/"
	}
	if !strings.HasPrefix(target, "/") && !strings.Contains(target, "://") {
		target = "/" + target
	}

	var body io.Reader
	if in.body != "" {
		body = strings.NewReader(in.body)
	}
	r, err := http.NewRequest(method, target, body)
	if err != nil {
		return scoring.Request{}, fmt.Errorf("invalid request: %w", err)
	}
	r.RemoteAddr = "127.0.0.1:0"
	if in.clientIP != "" {
		r.RemoteAddr = net.JoinHostPort(in.clientIP, "0")
	}
	for _, h := range in.headers {
		name, value, _ := strings.Cut(h, ":")
		r.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if in.userAgent != "" {
		r.Header.Set("User-Agent", in.userAgent)
	}
	if in.referer != "" {
		r.Header.Set("Referer", in.referer)
	}
	return scoring.FromHTTP(r, scoring.RequestOptions{MaxBodyBytes: maxBody}), nil
}

func cmdScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	profile := fs.String("profile", "", "Sensitivity profile override: strict or relaxed")
	method := fs.String("method", "GET", "HTTP method")
	target := fs.String("url", "/", "Request URI including query string")
	userAgent := fs.String("user-agent", "", "User-Agent header")
	referer := fs.String("referer", "", "Referer header")
	bodyFlag := fs.String("body", "", "Request body")
	inputFile := fs.String("input", "", "Read the body from file (- for stdin)")
	clientIP := fs.String("client-ip", "", "Apparent client IP")
	format := fs.String("format", "table", "Output format: table, json, sarif")
	jsonOut := fs.Bool("json", false, "Output raw JSON (shorthand for --format json)")
	output := fs.String("output", "", "Write output to file")
	var headers headerFlags
	fs.Var(&headers, "H", "Extra header \"Name: value\" (repeatable)")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	if *jsonOut {
		*format = "json"
	}
	outFmt := parseFormat(*format)

	if *profile != "" {
		os.Setenv("REQGUARD_PROFILE", *profile)
	}
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}

	body := *bodyFlag
	if *inputFile != "" {
		var data []byte
		if *inputFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(*inputFile)
		}
		if err != nil {
			errorf("reading input: %v", err)
		}
		body = string(data)
	}

	req, err := buildScanRequest(scanInput{
		method:    *method,
		url:       *target,
		userAgent: *userAgent,
		referer:   *referer,
		body:      body,
		headers:   headers,
		clientIP:  *clientIP,
	}, cfg.Detection.MaxBodyBytes)
	if err != nil {
		errorf("%v", err)
	}

	engine := scoring.NewEngine(guard.BuildCatalog(cfg.Detection), guard.ScoringOptions(cfg.Detection), nil, nil, nil, zerolog.Nop())
	a := engine.Evaluate(req)
	outcome := guard.Decide(a, cfg.Detection.BlockingThreshold)

	w, cleanup := outputWriter(*output)
	defer cleanup()

	switch outFmt {
	case FormatJSON:
		data, _ := json.MarshalIndent(map[string]interface{}{
			"profile":    cfg.Detection.Profile,
			"assessment": a,
			"outcome":    outcome,
		}, "", "  ")
		fmt.Fprintln(w, string(data))
	case FormatSARIF:
		writeSARIF(w, a.Detections, version)
	default:
		renderAssessment(w, a, outcome, cfg.Detection.Profile)
	}

	if outcome == guard.OutcomeBlock {
		cleanup()
		os.Exit(2)
	}
}

func renderAssessment(w io.Writer, a *scoring.ThreatAssessment, outcome guard.Outcome, profile core.SensitivityProfile) {
	fmt.Fprintf(w, "%s Scan result %s\n\n", bold("●"), dim("("+string(profile)+" profile)"))
	fmt.Fprintf(w, "  %-14s %d\n", "Score:", a.TotalScore)
	fmt.Fprintf(w, "  %-14s %s\n", "Recommended:", actionColor(a.RecommendedAction.String()))
	fmt.Fprintf(w, "  %-14s %s\n", "Outcome:", actionColor(outcome.String()))
	fmt.Fprintf(w, "  %-14s %s\n\n", "Fingerprint:", a.Fingerprint)

	if len(a.Detections) == 0 {
		fmt.Fprintf(w, "  %s\n\n", green("no detections"))
		return
	}
	t := NewTable(w, "CATEGORY", "FIELD", "RULE", "SCORE", "EXCERPT")
	for _, d := range a.Detections {
		t.AddRow(string(d.Category), string(d.Target), d.Rule, strconv.Itoa(d.Score), excerpt(d.Excerpt, 40))
	}
	t.Render()
	fmt.Fprintln(w)
}

// excerpt shortens s for table display and makes control characters visible.
func excerpt(s string, max int) string {
	s = strings.NewReplacer("\r", `\r`, "\n", `\n`, "\t", `\t`).Replace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
