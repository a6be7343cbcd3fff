package main

// ---------------------------------------------------------------------------
// cmd_up.go — run the guarded proxy and admin API
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/1sec-project/reqguard/internal/api"
	"github.com/1sec-project/reqguard/internal/core"
	"github.com/1sec-project/reqguard/internal/guard"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	upstream := fs.String("upstream", "", "Upstream application URL override")
	listen := fs.String("listen", "", "Proxy listen address override")
	profile := fs.String("profile", "", "Sensitivity profile override: strict or relaxed")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	if *profile != "" {
		os.Setenv("REQGUARD_PROFILE", *profile)
	}
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *upstream != "" {
		cfg.Proxy.Upstream = *upstream
	}
	if *listen != "" {
		cfg.Proxy.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if *dryRun {
		fmt.Fprintf(os.Stdout, "%s Config valid. profile=%s blocking_threshold=%d upstream=%s\n",
			green("✓"), cfg.Detection.Profile, cfg.Detection.BlockingThreshold, cfg.Proxy.Upstream)
		os.Exit(0)
	}

	if !cfg.AuthEnabled() && !*quiet {
		warnf("no API keys configured; the admin API on %s:%d is open", cfg.Server.Host, cfg.Server.Port)
	}

	var watchPath string
	if _, err := os.Stat(*configPath); err == nil {
		watchPath = *configPath
	}
	engine, err := core.NewEngine(cfg, watchPath)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		errorf("starting engine: %v", err)
	}

	pipeline := guard.NewPipeline(cfg, engine.Publisher(), engine.Logger)
	pipeline.Attach(engine)

	proxy, err := api.NewProxy(cfg.Proxy.Listen, cfg.Proxy.Upstream, pipeline.Guard, engine.Logger)
	if err != nil {
		errorf("%v", err)
	}
	api.Version = version
	srv := api.NewServer(engine, pipeline)
	if err := srv.Start(); err != nil {
		errorf("starting API server: %v", err)
	}
	if err := proxy.Start(); err != nil {
		errorf("starting proxy: %v", err)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s reqguard running: proxy %s → %s, profile %s, API on %s:%d\n",
			green("✓"), cfg.Proxy.Listen, cfg.Proxy.Upstream, cfg.Detection.Profile, cfg.Server.Host, cfg.Server.Port)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	// Run blocks until SIGINT/SIGTERM and shuts the engine down.
	runErr := engine.Run()
	if err := proxy.Stop(); err != nil {
		warnf("stopping proxy: %v", err)
	}
	if err := srv.Stop(); err != nil {
		warnf("stopping API server: %v", err)
	}
	if runErr != nil {
		errorf("%v", runErr)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s reqguard stopped.\n", green("✓"))
	}
}
