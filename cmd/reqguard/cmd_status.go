package main

// ---------------------------------------------------------------------------
// cmd_status.go — query a running instance (status, metrics, threats)
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"strconv"
	"time"
)

// remoteFlags are shared by every command that talks to the admin API.
type remoteFlags struct {
	fs         *flag.FlagSet
	configPath *string
	host       *string
	port       *int
	apiKey     *string
	format     *string
	output     *string
	timeout    *time.Duration
}

func newRemoteFlags(name string) *remoteFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &remoteFlags{
		fs:         fs,
		configPath: fs.String("config", defaultConfigPath, "Config file path"),
		host:       fs.String("host", "", "API host override"),
		port:       fs.Int("port", 0, "API port override"),
		apiKey:     fs.String("api-key", "", "API key for authentication"),
		format:     fs.String("format", "table", "Output format: table, json, csv"),
		output:     fs.String("output", "", "Write output to file"),
		timeout:    fs.Duration("timeout", 5*time.Second, "Request timeout"),
	}
}

// get fetches path from the admin API.
func (f *remoteFlags) get(path string) []byte {
	cfgPath := envConfig(*f.configPath)
	base := apiBase(cfgPath, *f.host, *f.port)
	body, err := apiGet(base+path, resolveAPIKey(*f.apiKey, cfgPath), *f.timeout)
	if err != nil {
		errorf("%v", err)
	}
	return body
}

func cmdStatus(args []string) {
	f := newRemoteFlags("status")
	f.fs.Parse(args)

	body := f.get("/api/v1/status")
	w, cleanup := outputWriter(*f.output)
	defer cleanup()

	if parseFormat(*f.format) == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var status map[string]interface{}
	if err := json.Unmarshal(body, &status); err != nil {
		errorf("parsing response: %v", err)
	}

	fmt.Fprintf(w, "%s reqguard status\n\n", bold("●"))
	fmt.Fprintf(w, "  %-20s %s\n", "Version:", green(fmt.Sprintf("%v", status["version"])))
	fmt.Fprintf(w, "  %-20s %s\n", "Status:", green(fmt.Sprintf("%v", status["status"])))
	fmt.Fprintf(w, "  %-20s %v\n", "Profile:", status["profile"])
	fmt.Fprintf(w, "  %-20s %v\n", "Blocking threshold:", status["blocking_threshold"])
	fmt.Fprintf(w, "  %-20s %v\n", "Volume threshold:", status["volume_threshold"])
	fmt.Fprintf(w, "  %-20s %v\n", "Throttle delay:", status["throttle_delay"])
	fmt.Fprintf(w, "  %-20s %v\n", "Upstream:", status["upstream"])
	if bus, ok := status["bus"].(map[string]interface{}); ok {
		state := dim("disabled")
		if enabled, _ := bus["enabled"].(bool); enabled {
			state = yellow("disconnected")
			if connected, _ := bus["connected"].(bool); connected {
				state = green("connected")
			}
		}
		fmt.Fprintf(w, "  %-20s %s\n", "Event bus:", state)
	}
	fmt.Fprintf(w, "  %-20s %v\n", "Uptime:", status["uptime"])
	fmt.Fprintln(w)
}

func cmdMetrics(args []string) {
	f := newRemoteFlags("metrics")
	f.fs.Parse(args)

	body := f.get("/api/v1/metrics")
	w, cleanup := outputWriter(*f.output)
	defer cleanup()

	if parseFormat(*f.format) == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		errorf("parsing response: %v", err)
	}
	keys := []string{"tracked_fingerprints", "active_threats", "total_hits", "volume_counters", "session_profiles", "taken_at"}

	if parseFormat(*f.format) == FormatCSV {
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []string{k, fmt.Sprintf("%v", m[k])})
		}
		writeCSV(w, []string{"metric", "value"}, rows)
		return
	}

	t := NewTable(w, "METRIC", "VALUE")
	for _, k := range keys {
		t.AddRow(k, fmt.Sprintf("%v", m[k]))
	}
	t.Render()
}

func cmdThreats(args []string) {
	f := newRemoteFlags("threats")
	limit := f.fs.Int("limit", 20, "Maximum fingerprints to list")
	f.fs.Parse(args)

	body := f.get("/api/v1/threats?limit=" + strconv.Itoa(*limit))
	w, cleanup := outputWriter(*f.output)
	defer cleanup()

	if parseFormat(*f.format) == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var resp struct {
		Threats []struct {
			Fingerprint string    `json:"fingerprint"`
			HitCount    int64     `json:"hit_count"`
			MaxScore    int       `json:"max_score"`
			FirstSeen   time.Time `json:"first_seen"`
			LastSeen    time.Time `json:"last_seen"`
		} `json:"threats"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		errorf("parsing response: %v", err)
	}

	headers := []string{"FINGERPRINT", "MAX SCORE", "HITS", "FIRST SEEN", "LAST SEEN"}
	rows := make([][]string, 0, len(resp.Threats))
	for _, th := range resp.Threats {
		rows = append(rows, []string{
			th.Fingerprint,
			strconv.Itoa(th.MaxScore),
			strconv.FormatInt(th.HitCount, 10),
			th.FirstSeen.Local().Format(time.DateTime),
			th.LastSeen.Local().Format(time.DateTime),
		})
	}

	if parseFormat(*f.format) == FormatCSV {
		writeCSV(w, headers, rows)
		return
	}
	if len(rows) == 0 {
		fmt.Fprintf(w, "%s no tracked fingerprints\n", green("✓"))
		return
	}
	t := NewTable(w, headers...)
	for _, r := range rows {
		t.AddRow(r...)
	}
	t.Render()
}
