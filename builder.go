package identity

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/atelier-sites/identity/provider"
)

// Builder assembles a [Store]. Configure it during initialization, call
// Build once, then treat the result as immutable wiring.
type Builder struct {
	config Config

	prov      provider.Provider
	auditSink AuditSink
	logger    zerolog.Logger
	loggerSet bool

	built bool
}

// New returns a Builder preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the builder's configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithProvider sets the identity backend. Required.
func (b *Builder) WithProvider(p provider.Provider) *Builder {
	b.prov = p
	return b
}

// WithAuditSink sets the destination for audit events. Without one, enabled
// audit falls back to [NoOpSink].
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger. Without one, logging is disabled.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	b.loggerSet = true
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the profile fetch latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, constructs the store, and subscribes
// it to the provider's auth event stream. The caller still owns hydration:
// call [Store.Initialize] once after Build, and [Store.Close] on shutdown.
func (b *Builder) Build() (*Store, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.prov == nil {
		return nil, errors.New("provider required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if b.loggerSet {
		logger = b.logger
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	store := &Store{
		config:   cfg,
		prov:     b.prov,
		audit:    newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:  NewMetrics(cfg.Metrics),
		logger:   logger,
		watchers: make(map[uint64]func(Snapshot)),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}

	store.unsub = b.prov.SubscribeAuthEvents(store.handleAuthEvent)

	b.built = true

	return store, nil
}
