package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ReallocationSweepInterval controls how often the sweeper looks for expired
// allocations.
//
// Set via env:
// - REALLOCATION_SWEEP_INTERVAL_SECONDS (default 60)
func ReallocationSweepInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("REALLOCATION_SWEEP_INTERVAL_SECONDS"))
	if v == "" {
		return time.Minute
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return time.Minute
	}
	return time.Duration(n) * time.Second
}

// BackorderWatchInterval controls how often pending auto-fulfill back-orders
// are retried against current inventory.
//
// Set via env:
// - BACKORDER_WATCH_INTERVAL_SECONDS (default 300)
func BackorderWatchInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("BACKORDER_WATCH_INTERVAL_SECONDS"))
	if v == "" {
		return 5 * time.Minute
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(n) * time.Second
}

// RequireQualityCheckBeforeShip blocks closing a shipment until an outbound
// quality check has passed.
//
// Set via env:
// - REQUIRE_QC_BEFORE_SHIP=true
func RequireQualityCheckBeforeShip() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REQUIRE_QC_BEFORE_SHIP")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
