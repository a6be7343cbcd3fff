package guard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/catalog"
	"github.com/1sec-project/reqguard/internal/core"
	"github.com/1sec-project/reqguard/internal/history"
	"github.com/1sec-project/reqguard/internal/metrics"
	"github.com/1sec-project/reqguard/internal/scoring"
	"github.com/1sec-project/reqguard/internal/session"
	"github.com/1sec-project/reqguard/internal/volume"
)

// Pipeline owns every store and component of one guarded deployment.
type Pipeline struct {
	Volume   *volume.Tracker
	History  *history.Store
	Scoring  *scoring.Engine
	Sessions *session.Detector
	Metrics  *metrics.Collectors
	Reporter *metrics.Reporter
	Guard    *Guard

	logger zerolog.Logger
}

// ScoringOptions extracts the scoring tunables from a detection config.
func ScoringOptions(d core.DetectionConfig) scoring.Options {
	return scoring.Options{
		NotableThreshold: d.NotableThreshold,
		VolumeThreshold:  d.VolumeThreshold,
		MaxFieldBytes:    d.MaxFieldBytes,
	}
}

// BuildCatalog builds the rule catalog for a detection config.
func BuildCatalog(d core.DetectionConfig) *catalog.Catalog {
	return catalog.Build(d.Profile, catalog.Options{CommandInjectionScore: d.CommandInjectionScore})
}

// NewPipeline wires the stores, engines and metrics for cfg. publisher may be
// nil.
func NewPipeline(cfg *core.Config, publisher core.Publisher, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		Volume:  volume.NewTracker(cfg.Stores.VolumeCapacity),
		History: history.NewStore(cfg.Stores.HistoryTTL, cfg.Detection.ActiveThreatScore),
		Sessions: session.NewDetector(session.Options{
			TTL:           cfg.Stores.SessionTTL,
			Capacity:      cfg.Stores.SessionCapacity,
			MaxAnomalyLog: cfg.Stores.MaxAnomalyLog,
		}, publisher, logger),
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
	p.Scoring = scoring.NewEngine(BuildCatalog(cfg.Detection), ScoringOptions(cfg.Detection), p.Volume, p.History, publisher, logger)
	p.Metrics = metrics.New(p.History, p.Volume, p.Sessions)
	p.Reporter = metrics.NewReporter(p.History, p.Volume, p.Sessions, logger)

	p.Scoring.SetObserver(p.Metrics)
	p.Sessions.OnAnomaly(p.Metrics.ObserveAnomaly)

	opts = append([]Option{WithRecorder(p.Metrics)}, opts...)
	p.Guard = New(p.Scoring, p.Sessions, PolicyFromConfig(cfg.Detection), logger, opts...)
	return p
}

// Apply pushes a reloaded configuration into the running components. Store
// capacities and TTLs are fixed at construction.
func (p *Pipeline) Apply(cfg *core.Config) {
	p.Scoring.Reconfigure(BuildCatalog(cfg.Detection), ScoringOptions(cfg.Detection))
	p.History.SetActiveThreatScore(cfg.Detection.ActiveThreatScore)
	p.Guard.SetPolicy(PolicyFromConfig(cfg.Detection))
	p.logger.Info().
		Str("profile", string(cfg.Detection.Profile)).
		Int("blocking_threshold", cfg.Detection.BlockingThreshold).
		Msg("detection policy applied")
}

// Attach registers the pipeline's background loops and reload hook with the
// engine: the hourly history sweep and, when enabled, the metrics reporter.
func (p *Pipeline) Attach(engine *core.Engine) {
	cfg := engine.Config()
	engine.OnReload(p.Apply)

	engine.Go("history_sweeper", func(ctx context.Context) {
		p.History.StartSweeper(ctx, cfg.Stores.HistorySweep, func(removed int) {
			if removed > 0 {
				p.logger.Debug().Int("removed", removed).Msg("threat history swept")
			}
		})
	})

	if cfg.Metrics.Enabled {
		engine.Go("metrics_reporter", func(ctx context.Context) {
			p.Reporter.Run(ctx, func() time.Duration {
				return engine.Config().Metrics.ReportInterval
			})
		})
	}
}
