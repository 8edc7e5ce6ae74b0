package identity

import (
	"errors"
	"strings"
	"time"
)

// Config groups the tunable behavior of the identity core. Construct it via
// [DefaultConfig], adjust, and hand it to [Builder.WithConfig]; the store
// clones it at Build time and treats it as immutable afterwards.
type Config struct {
	Routes     RoutesConfig
	Transition TransitionConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
}

/*
====================================
ROUTES CONFIG
====================================
*/

// RoutesConfig fixes the navigation targets the gate depends on. Both paths
// are external to the core: the gate only redirects to them.
type RoutesConfig struct {
	// LoginPath is where unauthenticated visitors are sent.
	LoginPath string
	// DeniedBackPath is the "go back" affordance target on the forbidden
	// screen. Empty means browser history back.
	DeniedBackPath string
}

/*
====================================
TRANSITION CONFIG
====================================
*/

// TransitionConfig controls the one-shot screen shown on the first
// unauthenticated-to-authenticated transition a gate instance observes.
type TransitionConfig struct {
	Enabled  bool
	Duration time.Duration
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit pipeline.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls the in-process counters and the optional profile
// fetch latency histogram.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration used when Builder receives none.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Routes: RoutesConfig{
			LoginPath:      "/login",
			DeniedBackPath: "",
		},
		Transition: TransitionConfig{
			Enabled:  true,
			Duration: 2 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects configurations the store cannot run with.
func (c *Config) Validate() error {
	if c.Routes.LoginPath == "" || !strings.HasPrefix(c.Routes.LoginPath, "/") {
		return errors.New("Routes LoginPath must be an absolute path")
	}
	if c.Routes.DeniedBackPath != "" && !strings.HasPrefix(c.Routes.DeniedBackPath, "/") {
		return errors.New("Routes DeniedBackPath must be an absolute path when set")
	}

	if c.Transition.Enabled && c.Transition.Duration <= 0 {
		return errors.New("Transition Duration must be > 0 when enabled")
	}
	if c.Transition.Duration > 30*time.Second {
		return errors.New("Transition Duration must be <= 30s")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}
