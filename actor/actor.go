// Package actor assembles the process-wide collaborators (§5: config, the
// keyword registry, the exposure registry, the remote call client, and the
// ambient telemetry stack) into the single top-level facade that
// cmd/spsactor drives. It is the only place in the repository that
// constructs the keyword registry and the exposure registry — both are
// threaded down explicitly to every package that needs them rather than
// reached via a package-level global.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/config"
	"github.com/Subaru-PFS/ics-spsActor/internal/cmdsurface"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/persist"
	"github.com/Subaru-PFS/ics-spsActor/internal/registry"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
	"github.com/Subaru-PFS/ics-spsActor/internal/telemetry/events"
	"github.com/Subaru-PFS/ics-spsActor/internal/telemetry/health"
	"github.com/Subaru-PFS/ics-spsActor/internal/telemetry/logging"
	"github.com/Subaru-PFS/ics-spsActor/internal/telemetry/metrics"
	"github.com/Subaru-PFS/ics-spsActor/internal/telemetry/tracing"
)

// Options configures Actor construction. A zero-value Options is usable:
// it falls back to config.Default(), an in-memory FakeClient, a no-op
// metrics provider, and no database connection.
type Options struct {
	ConfigPath  string
	DBURI       string
	BaseURL     remote.BaseURLFunc
	LampActor   string
	MetricsAddr string
	Logger      *slog.Logger
}

// Actor is the constructed, ready-to-drive instance of every §4 component
// wired together: one keyword registry, one exposure registry, one remote
// client, one persistence sink, and the command surface that dispatches
// into all of them.
type Actor struct {
	Config   *config.InstrumentConfig
	Keywords *keywords.Registry
	Registry *registry.Registry
	Client   remote.Client
	Persist  *persist.PostgresSink
	Design   *persist.DesignLookup
	Surface  *cmdsurface.Dispatcher

	Metrics metrics.Provider
	Events  events.Bus
	Tracer  tracing.Tracer
	Health  *health.Evaluator
	Log     logging.Logger
}

// New constructs an Actor from opts. The remote client is a FakeClient
// unless opts.BaseURL is set; the persistence sink is left nil (and the
// design lookup falls through straight to disk) unless opts.DBURI
// resolves to a live connection.
func New(ctx context.Context, opts Options) (*Actor, error) {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("actor: load config: %w", err)
	}
	if opts.DBURI != "" {
		cfg.DBURI = opts.DBURI
	}

	metricsProvider := metrics.NewNoopProvider()
	eventBus := events.NewBus(metricsProvider)
	tracer := tracing.NewTracer(false)
	logger := logging.New(opts.Logger)

	var client remote.Client
	if opts.BaseURL != nil {
		client = remote.NewHTTPClient(opts.BaseURL, remote.DefaultBreakerConfig())
	} else {
		client = remote.NewFakeClient()
	}

	kwReg := keywords.New()
	expReg := registry.New()

	var dbSink *persist.PostgresSink
	if cfg.DBURI != "" {
		sink, err := persist.NewPostgresSink(ctx, cfg.DBURI)
		if err != nil {
			logger.WarnCtx(ctx, "persist: database unavailable, continuing without a live sink", "error", err.Error())
		} else {
			dbSink = sink
		}
	}

	design := &persist.DesignLookup{RawDataRoot: cfg.RawDataRoot, Log: logger}
	if dbSink != nil {
		design.DB = dbSink
	}

	var expSink persist.ExposureSink
	var visitSink persist.VisitSink
	if dbSink != nil {
		expSink, visitSink = dbSink, dbSink
	}

	lampActor := opts.LampActor
	if lampActor == "" {
		lampActor = "lamps"
	}

	a := &Actor{
		Config:   cfg,
		Keywords: kwReg,
		Registry: expReg,
		Client:   client,
		Persist:  dbSink,
		Design:   design,
		Metrics:  metricsProvider,
		Events:   eventBus,
		Tracer:   tracer,
		Log:      logger,
	}
	a.Surface = cmdsurface.New(cfg, client, kwReg, expReg, expSink, visitSink, lampActor)
	a.Surface.Design = design
	a.Health = health.NewEvaluator(5*time.Second, a.healthProbes()...)
	return a, nil
}

func loadConfig(path string) (*config.InstrumentConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// healthProbes reports the process-wide signals an operator cares about:
// how many exposures are active, and whether the database sink is wired.
func (a *Actor) healthProbes() []health.Probe {
	return []health.Probe{
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			n := len(a.Registry.Status())
			return health.Healthy(fmt.Sprintf("exposures(active=%d)", n))
		}),
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if a.Persist == nil {
				return health.Degraded("persist", "no database connection; design lookups fall through to disk only")
			}
			return health.Healthy("persist")
		}),
	}
}

// Close releases the database connection, if any.
func (a *Actor) Close() {
	if a.Persist != nil {
		a.Persist.Close()
	}
}
