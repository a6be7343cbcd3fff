package main

// ---------------------------------------------------------------------------
// cmd_config.go — show or validate the effective configuration
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/1sec-project/reqguard/internal/core"
)

func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	validate := fs.Bool("validate", false, "Validate config and exit")
	format := fs.String("format", "yaml", "Output format: yaml, json")
	output := fs.String("output", "", "Write output to file")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		if *validate {
			fmt.Fprintf(os.Stderr, "%s Config invalid: %v\n", red("✗"), err)
			os.Exit(1)
		}
		errorf("loading config: %v", err)
	}

	if *validate {
		if issues := configIssues(cfg); len(issues) > 0 {
			fmt.Fprintf(os.Stderr, "%s Config has %d issue(s):\n", red("✗"), len(issues))
			for _, issue := range issues {
				fmt.Fprintf(os.Stderr, "  - %s\n", issue)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s Config valid (%s profile)\n", green("✓"), cfg.Detection.Profile)
		return
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()

	if *format == "json" {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			errorf("marshaling config: %v", err)
		}
		fmt.Fprintln(w, string(data))
		return
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		errorf("marshaling config: %v", err)
	}
	fmt.Fprint(w, string(data))
}

// configIssues reports problems Validate does not reject but that make a
// deployment unusable.
func configIssues(cfg *core.Config) []string {
	var issues []string
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port %d is out of range (1-65535)", cfg.Server.Port))
	}
	if cfg.Bus.Enabled && cfg.Bus.Port == cfg.Server.Port {
		issues = append(issues, fmt.Sprintf("server.port and bus.port are both %d", cfg.Server.Port))
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.LogLevel()] {
		issues = append(issues, fmt.Sprintf("logging.level %q is not valid (debug, info, warn, error)", cfg.Logging.Level))
	}
	if cfg.Detection.BlockingThreshold <= 0 {
		issues = append(issues, "detection.blocking_threshold must be positive")
	}
	if cfg.Detection.NotableThreshold >= cfg.Detection.BlockingThreshold {
		issues = append(issues, "detection.notable_threshold should be below detection.blocking_threshold")
	}
	if cfg.Proxy.Upstream == "" {
		issues = append(issues, "proxy.upstream is empty")
	}
	return issues
}
