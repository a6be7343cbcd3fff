package main

// ---------------------------------------------------------------------------
// banner.go — banner and version/usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	text := `
   ┌─────────────────────────────────────────────┐
   │  reqguard                                   │
   │  request threat scoring & session anomalies │
   └─────────────────────────────────────────────┘
`
	if !colorEnabled() {
		return text
	}
	return "\033[36m" + text + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "reqguard v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  reqguard <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-10s  %s\n", bold("up"), "Run the guarded reverse proxy and admin API")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("scan"), "Score a request payload locally against the rule catalog")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("config"), "Show or validate the effective configuration")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("status"), "Show status of a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("metrics"), "Show the threat history snapshot of a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("threats"), "List the highest-scoring fingerprints of a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("help"), "Show help for a command")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-18s  %s\n", "REQGUARD_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-18s  %s\n", "REQGUARD_PROFILE", "Sensitivity profile: strict or relaxed")
	fmt.Fprintf(w, "  %-18s  %s\n", "REQGUARD_API_KEY", "Admin API key")
	fmt.Fprintf(w, "  %-18s  %s\n", "REQGUARD_UPSTREAM", "Upstream application URL")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Guard a local app on :3000"))
	fmt.Fprintf(w, "  reqguard up --upstream http://127.0.0.1:3000\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Check how a payload would score"))
	fmt.Fprintf(w, "  reqguard scan --url \"/api?id=1' OR '1'='1\"\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Same, with the development profile"))
	fmt.Fprintf(w, "  reqguard scan --profile relaxed --body '$(id)'\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("reqguard help <command>"))
}

var commandHelp = map[string]string{
	"up": `reqguard up [--config path] [--upstream url] [--listen addr] [--profile strict|relaxed]
             [--log-level level] [--dry-run] [-q]

Starts the guarded reverse proxy on proxy.listen and the admin API on
server.host:server.port. SIGHUP or a config file change reloads detection
policy and log level.`,
	"scan": `reqguard scan [--url u] [--method m] [--user-agent ua] [--referer r]
               [--body b | --input file] [-H "Name: value"]... [--profile p]
               [--format table|json|sarif]

Scores a request against the local rule catalog. Nothing is sent anywhere.
Exits 2 when the request would be blocked.`,
	"config": `reqguard config [--config path] [--validate] [--format yaml|json]

Prints the effective configuration after defaults, file and environment.`,
	"status": `reqguard status [--host h] [--port p] [--api-key k] [--format table|json]`,
	"metrics": `reqguard metrics [--host h] [--port p] [--api-key k] [--format table|json]`,
	"threats": `reqguard threats [--limit n] [--host h] [--port p] [--api-key k]
                  [--format table|json|csv]`,
	"version": `reqguard version`,
}

func cmdHelp(cmd string) {
	text, ok := commandHelp[cmd]
	if !ok {
		fmt.Printf("%s unknown command %q\n", red("error:"), cmd)
		if s := suggest(cmd); s != "" {
			fmt.Printf("       Did you mean %s?\n", bold(s))
		}
		return
	}
	fmt.Println(text)
}
