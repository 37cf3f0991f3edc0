// Package config loads the pathfinder server's tunables: a struct of
// settings with sensible defaults, populated from environment variables
// rather than a settings file - this server has no desktop settings UI for
// a JSON config to back.
package config

import (
	"os"
	"strconv"
)

// Settings holds every environment-configurable tunable for the pathfinder
// server.
type Settings struct {
	// Port is the TCP port the HTTP+WebSocket server listens on.
	Port int

	// CacheDir is where the persistent store's bbolt file and the NID
	// cookie file live.
	CacheDir string

	// ReverseLookupSecret, if non-empty, gates /slow-get-pano-id behind a
	// shared-secret query parameter.
	ReverseLookupSecret string

	// HeuristicFactor is the default A* heuristic inflation factor, used
	// when a request doesn't supply its own.
	HeuristicFactor float64

	// EdgeCostSingle and EdgeCostMulti are the base per-edge costs (in
	// seconds) for a node with exactly one option and with more than one,
	// respectively. The fractional excess over the game's nominal 5s/9s
	// tick delay compensates for observed network latency; per spec.md
	// §9 these belong in configuration, not as baked-in constants, since
	// future tuning shouldn't require a rebuild.
	EdgeCostSingle float64
	EdgeCostMulti  float64

	// ForwardPenaltyOnIntersections is added to the cost of forward-ish
	// options at a likely intersection, to discourage zigzagging.
	ForwardPenaltyOnIntersections float64

	// InvalidateCooldownSeconds is a cooldown, in seconds, for cache
	// invalidations around a moving point. No code reads it; nothing in
	// this repository calls spatial.Index.ResetCacheNearby on a schedule.
	InvalidateCooldownSeconds int

	// MaxWaypoints and MaxTotalDistanceMeters hold per-request limits. No
	// code reads them; the orchestrator enforces its own constants of the
	// same names and values.
	MaxWaypoints           int
	MaxTotalDistanceMeters float64
}

// DefaultSettings returns a Settings populated with the pathfinder's
// recommended defaults, before any environment variables are applied.
func DefaultSettings() *Settings {
	return &Settings{
		Port:                          2397,
		CacheDir:                      "pathfinder-cache",
		HeuristicFactor:               3.3,
		EdgeCostSingle:                5.875,
		EdgeCostMulti:                 9.625,
		ForwardPenaltyOnIntersections: 0,
		InvalidateCooldownSeconds:     180,
		MaxWaypoints:                  200,
		MaxTotalDistanceMeters:        1_000_000,
	}
}

// LoadSettings returns a Settings built from DefaultSettings(), overridden
// by whichever of PORT, PATHFINDER_CACHE_DIR, PATHFINDER_SECRET,
// PATHFINDER_HEURISTIC_FACTOR are set in the environment.
func LoadSettings() *Settings {
	settings := DefaultSettings()

	if v, ok := os.LookupEnv("PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			settings.Port = port
		}
	}
	if v, ok := os.LookupEnv("PATHFINDER_CACHE_DIR"); ok && v != "" {
		settings.CacheDir = v
	}
	if v, ok := os.LookupEnv("PATHFINDER_SECRET"); ok {
		settings.ReverseLookupSecret = v
	}
	if v, ok := os.LookupEnv("PATHFINDER_HEURISTIC_FACTOR"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.HeuristicFactor = f
		}
	}

	return settings
}
