// Command router runs the emergency routing core as a daemon: the ledger
// client, the conflict resolver and the movement simulation, behind an
// operational HTTP surface and a gRPC health service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/emergency-routing/core"
	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/config"
	"github.com/signalsfoundry/emergency-routing/internal/controller"
	"github.com/signalsfoundry/emergency-routing/internal/history"
	"github.com/signalsfoundry/emergency-routing/internal/ledger"
	"github.com/signalsfoundry/emergency-routing/internal/logging"
	"github.com/signalsfoundry/emergency-routing/internal/observability"
	"github.com/signalsfoundry/emergency-routing/internal/ops"
	"github.com/signalsfoundry/emergency-routing/internal/retry"
	"github.com/signalsfoundry/emergency-routing/internal/routing"
	"github.com/signalsfoundry/emergency-routing/internal/sim"
	"github.com/signalsfoundry/emergency-routing/kb"
	"github.com/signalsfoundry/emergency-routing/timectrl"
)

// SimulationService is the gRPC health service name that tracks whether
// vehicles are moving.
const SimulationService = "emergency.routing.Simulation"

// Options are the process-level switches layered over config.Runtime.
type Options struct {
	// Simulate starts the movement simulation at boot.
	Simulate bool
	// Accelerated drives ticks back to back instead of on the wall clock.
	Accelerated bool
}

func main() {
	cfg := config.Load()
	var opts Options
	flag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP address for /metrics, /healthz and /debug")
	flag.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "TCP address of the gRPC health service")
	flag.StringVar(&cfg.MapPath, "map", cfg.MapPath, "path to a JSON road map (empty uses the built-in grid)")
	flag.StringVar(&cfg.Ledger, "ledger", cfg.Ledger, "ledger backend: memory or sqlite")
	flag.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite ledger file")
	flag.Float64Var(&cfg.Speed, "speed", cfg.Speed, "simulation speed multiplier")
	flag.BoolVar(&opts.Simulate, "simulate", true, "start the movement simulation at boot")
	flag.BoolVar(&opts.Accelerated, "accelerated", false, "tick as fast as possible instead of in real time")
	flag.Parse()

	log := logging.NewFromEnv().With(logging.Component("router"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(2)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddr), logging.Err(err))
		os.Exit(1)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTPAddr), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, opts, log, grpcLis, httpLis); err != nil {
		log.Error(ctx, "router exited with error", logging.Err(err))
		os.Exit(1)
	}
}

// app is the wired router.
type app struct {
	graph     *kb.Graph
	backend   ledger.Backend
	client    *ledger.Client
	hub       *broadcast.Hub
	events    *history.Recorder
	collector *observability.RoutingCollector
	resolver  *controller.Resolver
	engine    *sim.Engine
	health    *health.Server
}

func newApp(ctx context.Context, cfg config.Runtime, opts Options, log logging.Logger) (*app, error) {
	g, err := loadGraph(ctx, cfg.MapPath, log)
	if err != nil {
		return nil, err
	}

	var backend ledger.Backend
	switch cfg.Ledger {
	case config.LedgerSQLite:
		if backend, err = ledger.OpenSQLite(ctx, cfg.SQLitePath); err != nil {
			return nil, err
		}
	default:
		backend = ledger.NewMemoryBackend()
	}
	client, err := ledger.NewClient(backend, cfg.Org)
	if err != nil {
		backend.Close() //nolint:errcheck
		return nil, err
	}
	var (
		resolverPeers []controller.Ledger
		simPeers      []sim.Ledger
	)
	for _, org := range cfg.PeerOrgs {
		peer, err := client.ForOrg(org)
		if err != nil {
			backend.Close() //nolint:errcheck
			return nil, fmt.Errorf("peer %q: %w", org, err)
		}
		resolverPeers = append(resolverPeers, peer)
		simPeers = append(simPeers, peer)
	}

	collector, err := observability.NewRoutingCollector(prometheus.NewRegistry())
	if err != nil {
		backend.Close() //nolint:errcheck
		return nil, err
	}
	hub := broadcast.NewHub(broadcast.WithDropRecorder(collector))
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(SimulationService, healthpb.HealthCheckResponse_NOT_SERVING)
	events := history.NewRecorder(history.WithLimit(cfg.EventLogLimit))
	sink := broadcast.Multi{hub, events, simulationHealth(healthSrv)}

	policy := retry.Policy{
		Attempts:  uint(cfg.RetryAttempts),
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
	}
	mode := timectrl.RealTime
	if opts.Accelerated {
		mode = timectrl.Accelerated
	}
	engine := sim.NewEngine(client, g,
		sim.WithLogger(log),
		sim.WithSink(sink),
		sim.WithMetrics(collector),
		sim.WithPeers(simPeers...),
		sim.WithTickInterval(cfg.TickInterval),
		sim.WithSegmentTravelTime(cfg.SegmentTravelTime),
		sim.WithSpeed(cfg.Speed),
		sim.WithMode(mode),
		sim.WithRetryPolicy(policy),
	)
	router := routing.NewEngine(g,
		routing.WithTimePerWeightUnit(cfg.TimePerWeightUnit),
		routing.WithLogger(log),
		routing.WithMetrics(collector),
	)
	resolver := controller.NewResolver(client, router,
		controller.WithLogger(log),
		controller.WithSink(sink),
		controller.WithObserver(engine),
		controller.WithLocator(engine),
		controller.WithMetrics(collector),
		controller.WithHistory(controller.NewHistory(cfg.HistoryLimit)),
		controller.WithRetryPolicy(policy),
		controller.WithPeers(resolverPeers...),
	)

	return &app{
		graph:     g,
		backend:   backend,
		client:    client,
		hub:       hub,
		events:    events,
		collector: collector,
		resolver:  resolver,
		engine:    engine,
		health:    healthSrv,
	}, nil
}

// run serves until ctx is cancelled. The listeners are owned by run.
func run(ctx context.Context, cfg config.Runtime, opts Options, log logging.Logger, grpcLis, httpLis net.Listener) error {
	a, err := newApp(ctx, cfg, opts, log)
	if err != nil {
		grpcLis.Close() //nolint:errcheck
		httpLis.Close() //nolint:errcheck
		return err
	}
	defer a.backend.Close() //nolint:errcheck
	defer a.hub.Close()

	events, unsubscribe := a.hub.Subscribe(256)
	defer unsubscribe()
	go logEvents(ctx, log, events)

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			ops.RequestIDUnaryServerInterceptor(log),
			a.collector.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(server, a.health)

	opsSrv := ops.NewServer(a.graph, a.client,
		ops.WithLogger(log),
		ops.WithMetrics(a.collector.Handler()),
		ops.WithSimulation(a.engine),
		ops.WithConflicts(a.resolver.History()),
		ops.WithHistory(a.events),
	)
	httpSrv := &http.Server{
		Handler:           opsSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info(ctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
		if err := server.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		log.Info(ctx, "serving ops HTTP", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	if opts.Simulate {
		if err := a.engine.Start(ctx); err != nil {
			log.Warn(ctx, "simulation did not start", logging.Err(err))
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	log.Info(context.Background(), "shutting down router")
	a.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.engine.Close(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "HTTP shutdown incomplete", logging.Err(err))
	}
	server.GracefulStop()
	return runErr
}

func loadGraph(ctx context.Context, path string, log logging.Logger) (*kb.Graph, error) {
	if path == "" {
		g := core.DefaultGrid()
		log.Info(ctx, "using built-in grid map",
			logging.Int("nodes", g.NodeCount()),
			logging.Int("segments", g.EdgeCount()),
		)
		return g, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open map: %w", err)
	}
	defer f.Close()
	g, summary, err := core.LoadMap(f)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "loaded road map",
		logging.String("path", path),
		logging.Int("nodes", g.NodeCount()),
		logging.Int("segments", g.EdgeCount()),
		logging.Strings("weight_adjusted", summary.AdjustedEdgeIDs()),
	)
	return g, nil
}

// simulationHealth mirrors the simulation lifecycle onto the gRPC health
// status of SimulationService.
func simulationHealth(h *health.Server) broadcast.Sink {
	return broadcast.SinkFunc(func(e broadcast.Event) {
		switch e.Type {
		case broadcast.SimulationStarted:
			h.SetServingStatus(SimulationService, healthpb.HealthCheckResponse_SERVING)
		case broadcast.SimulationPaused, broadcast.SimulationStopped:
			h.SetServingStatus(SimulationService, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	})
}

func logEvents(ctx context.Context, log logging.Logger, events <-chan broadcast.Event) {
	for e := range events {
		if e.Type == broadcast.VehiclePosition {
			continue
		}
		log.Debug(ctx, "event", logging.String("type", string(e.Type)))
	}
}
