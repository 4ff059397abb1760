// Package config reads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/emergency-routing/model"
)

// Ledger backends.
const (
	LedgerMemory = "memory"
	LedgerSQLite = "sqlite"
)

// Runtime holds every tunable of the router process.
type Runtime struct {
	// Org is the organization this process acts for. Ledger writes are
	// authorised against it.
	Org model.Org
	// PeerOrgs lists organizations this process may also write for when
	// resolving conflicts. Missions of any other organization are left
	// stranded when they lose a segment.
	PeerOrgs []model.Org

	MapPath string // empty selects the built-in grid

	Ledger     string
	SQLitePath string

	TickInterval      time.Duration
	SegmentTravelTime time.Duration
	Speed             float64
	TimePerWeightUnit time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	HistoryLimit  int
	EventLogLimit int

	HTTPAddr string
	GRPCAddr string
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Runtime {
	return Runtime{
		Org:               model.OrgMedical,
		Ledger:            LedgerMemory,
		SQLitePath:        "router.db",
		TickInterval:      500 * time.Millisecond,
		SegmentTravelTime: 3 * time.Second,
		Speed:             1.0,
		TimePerWeightUnit: 30 * time.Second,
		RetryAttempts:     3,
		RetryBaseDelay:    500 * time.Millisecond,
		RetryMaxDelay:     4 * time.Second,
		HistoryLimit:      100,
		EventLogLimit:     500,
		HTTPAddr:          ":8080",
		GRPCAddr:          ":50051",
	}
}

// Load reads ROUTER_* variables over Defaults. Malformed values fall back
// to the default; Validate reports combinations that cannot work.
func Load() Runtime {
	d := Defaults()
	return Runtime{
		Org:               model.Org(strings.ToLower(getenv("ROUTER_ORG", string(d.Org)))),
		PeerOrgs:          getenvOrgs("ROUTER_PEER_ORGS"),
		MapPath:           getenv("ROUTER_MAP_PATH", d.MapPath),
		Ledger:            strings.ToLower(getenv("ROUTER_LEDGER", d.Ledger)),
		SQLitePath:        getenv("ROUTER_SQLITE_PATH", d.SQLitePath),
		TickInterval:      getenvDuration("ROUTER_TICK_INTERVAL", d.TickInterval),
		SegmentTravelTime: getenvDuration("ROUTER_SEGMENT_TRAVEL_TIME", d.SegmentTravelTime),
		Speed:             getenvFloat("ROUTER_SPEED", d.Speed),
		TimePerWeightUnit: getenvDuration("ROUTER_TIME_PER_WEIGHT", d.TimePerWeightUnit),
		RetryAttempts:     getenvInt("ROUTER_RETRY_ATTEMPTS", d.RetryAttempts, 1),
		RetryBaseDelay:    getenvDuration("ROUTER_RETRY_BASE_DELAY", d.RetryBaseDelay),
		RetryMaxDelay:     getenvDuration("ROUTER_RETRY_MAX_DELAY", d.RetryMaxDelay),
		HistoryLimit:      getenvInt("ROUTER_HISTORY_LIMIT", d.HistoryLimit, 1),
		EventLogLimit:     getenvInt("ROUTER_EVENT_LOG_LIMIT", d.EventLogLimit, 1),
		HTTPAddr:          getenv("ROUTER_HTTP_ADDR", d.HTTPAddr),
		GRPCAddr:          getenv("ROUTER_GRPC_ADDR", d.GRPCAddr),
	}
}

// Validate checks the settings for consistency.
func (r Runtime) Validate() error {
	if !r.Org.Valid() {
		return fmt.Errorf("config: unknown organization %q", r.Org)
	}
	for _, p := range r.PeerOrgs {
		if !p.Valid() {
			return fmt.Errorf("config: unknown peer organization %q", p)
		}
		if p == r.Org {
			return fmt.Errorf("config: %q is both the primary and a peer organization", p)
		}
	}
	switch r.Ledger {
	case LedgerMemory:
	case LedgerSQLite:
		if r.SQLitePath == "" {
			return fmt.Errorf("config: sqlite ledger needs ROUTER_SQLITE_PATH")
		}
	default:
		return fmt.Errorf("config: unknown ledger backend %q", r.Ledger)
	}
	if r.TickInterval <= 0 || r.SegmentTravelTime <= 0 {
		return fmt.Errorf("config: tick interval and segment travel time must be positive")
	}
	if r.RetryBaseDelay < 0 || r.RetryMaxDelay < r.RetryBaseDelay {
		return fmt.Errorf("config: retry delays must satisfy 0 <= base <= max")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback, min int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return fallback
	}
	return v
}

func getenvFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// getenvOrgs parses a comma-separated organization list, dropping blanks
// and duplicates.
func getenvOrgs(key string) []model.Org {
	var out []model.Org
	for _, part := range strings.Split(os.Getenv(key), ",") {
		o := model.Org(strings.ToLower(strings.TrimSpace(part)))
		if o == "" || slices.Contains(out, o) {
			continue
		}
		out = append(out, o)
	}
	return out
}
