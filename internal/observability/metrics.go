package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
)

// RoutingCollector bundles the router's Prometheus metrics. All methods are
// safe on a nil receiver so components can run without metrics.
type RoutingCollector struct {
	gatherer prometheus.Gatherer

	PathComputationDuration prometheus.Histogram
	PathOutcomes            *prometheus.CounterVec
	AvailabilityDecisions   *prometheus.CounterVec
	Conflicts               *prometheus.CounterVec
	PreemptionsTotal        prometheus.Counter
	Reroutes                *prometheus.CounterVec

	LedgerRetries  *prometheus.CounterVec
	LedgerFailures *prometheus.CounterVec

	SimulationTicks    prometheus.Counter
	SegmentTransitions prometheus.Counter
	Arrivals           prometheus.Counter
	SimulatedVehicles  *prometheus.GaugeVec

	BroadcastDrops *prometheus.CounterVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewRoutingCollector registers the router metrics against reg, defaulting
// to the global Prometheus registry when nil. Registering twice against the
// same registry reuses the existing collectors.
func NewRoutingCollector(reg prometheus.Registerer) (*RoutingCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &RoutingCollector{gatherer: gatherer}
	var err error

	if c.PathComputationDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_path_computation_duration_seconds",
		Help:    "Duration of A* path computations.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "router_path_computation_duration_seconds"); err != nil {
		return nil, err
	}
	if c.PathOutcomes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_path_computations_total",
		Help: "Path computations by outcome (found, no_path, unknown_node).",
	}, []string{"outcome"}), "router_path_computations_total"); err != nil {
		return nil, err
	}
	if c.AvailabilityDecisions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_availability_decisions_total",
		Help: "Segment availability checks by decision.",
	}, []string{"decision"}), "router_availability_decisions_total"); err != nil {
		return nil, err
	}
	if c.Conflicts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_conflicts_total",
		Help: "Recorded segment conflicts by resolution.",
	}, []string{"resolution"}), "router_conflicts_total"); err != nil {
		return nil, err
	}
	if c.PreemptionsTotal, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_preemptions_total",
		Help: "Cumulative number of reservations taken from lower-priority missions.",
	}), "router_preemptions_total"); err != nil {
		return nil, err
	}
	if c.Reroutes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_reroutes_total",
		Help: "Mission reroute attempts by outcome (rerouted, aborted, stranded).",
	}, []string{"outcome"}), "router_reroutes_total"); err != nil {
		return nil, err
	}
	if c.LedgerRetries, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_ledger_retries_total",
		Help: "Ledger writes retried after a version conflict, by operation.",
	}, []string{"op"}), "router_ledger_retries_total"); err != nil {
		return nil, err
	}
	if c.LedgerFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_ledger_write_failures_total",
		Help: "Ledger writes that failed permanently or exhausted retries, by operation.",
	}, []string{"op"}), "router_ledger_write_failures_total"); err != nil {
		return nil, err
	}
	if c.SimulationTicks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_simulation_ticks_total",
		Help: "Simulation ticks processed.",
	}), "router_simulation_ticks_total"); err != nil {
		return nil, err
	}
	if c.SegmentTransitions, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_segment_transitions_total",
		Help: "Simulated vehicles moving onto their next segment.",
	}), "router_segment_transitions_total"); err != nil {
		return nil, err
	}
	if c.Arrivals, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_arrivals_total",
		Help: "Simulated vehicles reaching their destination.",
	}), "router_arrivals_total"); err != nil {
		return nil, err
	}
	if c.SimulatedVehicles, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "router_simulated_vehicles",
		Help: "Vehicles currently tracked by the simulation, by status.",
	}, []string{"status"}), "router_simulated_vehicles"); err != nil {
		return nil, err
	}
	if c.BroadcastDrops, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_broadcast_dropped_total",
		Help: "Events not delivered to a subscriber whose buffer was full, by type.",
	}, []string{"type"}), "router_broadcast_dropped_total"); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_grpc_requests_total",
		Help: "Total number of handled RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "router_grpc_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "router_grpc_request_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "router_grpc_request_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RoutingCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RoutingCollector) Handler() http.Handler {
	var gatherer prometheus.Gatherer
	if c != nil {
		gatherer = c.gatherer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObservePathComputation records one A* run.
func (c *RoutingCollector) ObservePathComputation(d time.Duration, outcome string) {
	if c == nil {
		return
	}
	if c.PathComputationDuration != nil {
		c.PathComputationDuration.Observe(d.Seconds())
	}
	if c.PathOutcomes != nil {
		c.PathOutcomes.WithLabelValues(outcome).Inc()
	}
}

// IncAvailability counts one availability decision.
func (c *RoutingCollector) IncAvailability(decision string) {
	if c == nil || c.AvailabilityDecisions == nil {
		return
	}
	c.AvailabilityDecisions.WithLabelValues(decision).Inc()
}

// IncConflict counts a recorded conflict.
func (c *RoutingCollector) IncConflict(resolution string) {
	if c == nil || c.Conflicts == nil {
		return
	}
	c.Conflicts.WithLabelValues(resolution).Inc()
}

// IncPreemptions increments the preemption counter.
func (c *RoutingCollector) IncPreemptions() {
	if c == nil || c.PreemptionsTotal == nil {
		return
	}
	c.PreemptionsTotal.Inc()
}

// IncReroutes counts a reroute attempt by outcome.
func (c *RoutingCollector) IncReroutes(outcome string) {
	if c == nil || c.Reroutes == nil {
		return
	}
	c.Reroutes.WithLabelValues(outcome).Inc()
}

// IncLedgerRetry counts one retried ledger write.
func (c *RoutingCollector) IncLedgerRetry(op string) {
	if c == nil || c.LedgerRetries == nil {
		return
	}
	c.LedgerRetries.WithLabelValues(op).Inc()
}

// IncLedgerFailure counts a ledger write that was given up on.
func (c *RoutingCollector) IncLedgerFailure(op string) {
	if c == nil || c.LedgerFailures == nil {
		return
	}
	c.LedgerFailures.WithLabelValues(op).Inc()
}

// IncTicks increments the tick counter.
func (c *RoutingCollector) IncTicks() {
	if c == nil || c.SimulationTicks == nil {
		return
	}
	c.SimulationTicks.Inc()
}

// IncSegmentTransitions increments the transition counter.
func (c *RoutingCollector) IncSegmentTransitions() {
	if c == nil || c.SegmentTransitions == nil {
		return
	}
	c.SegmentTransitions.Inc()
}

// IncArrivals increments the arrival counter.
func (c *RoutingCollector) IncArrivals() {
	if c == nil || c.Arrivals == nil {
		return
	}
	c.Arrivals.Inc()
}

// SetSimulatedVehicles replaces the per-status vehicle gauges. Statuses
// missing from counts are reset to zero.
func (c *RoutingCollector) SetSimulatedVehicles(counts map[string]int) {
	if c == nil || c.SimulatedVehicles == nil {
		return
	}
	c.SimulatedVehicles.Reset()
	for status, n := range counts {
		c.SimulatedVehicles.WithLabelValues(status).Set(float64(n))
	}
}

// IncBroadcastDrops satisfies broadcast.DropRecorder.
func (c *RoutingCollector) IncBroadcastDrops(t broadcast.EventType) {
	if c == nil || c.BroadcastDrops == nil {
		return
	}
	c.BroadcastDrops.WithLabelValues(string(t)).Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *RoutingCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T, name string) (T, error) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return collector, nil
}
