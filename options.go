package pingd

import (
	"time"

	"pkt.systems/pingd/internal/sched"
	"pkt.systems/pslog"
)

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Scheduler    *sched.Scheduler
	OTLPEndpoint string
	configHooks  []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithScheduler runs the service task on s instead of the process scheduler.
func WithScheduler(s *sched.Scheduler) Option {
	return func(o *options) {
		o.Scheduler = s
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithShutdownGrace bounds the drain phase of Stop; zero waits indefinitely.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.ShutdownGrace = d
		})
	}
}

func applyOptions(cfg Config, opts []Option) (Config, options) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	for _, hook := range o.configHooks {
		hook(&cfg)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	if o.Scheduler == nil {
		o.Scheduler = sched.Default()
	}
	return cfg, o
}
