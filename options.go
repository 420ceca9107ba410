package libmodule

import "time"

// ModuleOption configures [Context.Register], grounded on the teacher's
// options.go LoopOption/loopOptionImpl/resolveLoopOptions pattern:
// functional options over a private config struct rather than spec.md
// §6's positional (flags, userdata) parameters, which do not compose as
// cleanly in Go.
type ModuleOption func(*moduleConfig)

type moduleConfig struct {
	flags    ModFlags
	userdata any
	batch    batchConfig
}

func resolveModuleOptions(opts []ModuleOption) moduleConfig {
	var cfg moduleConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithFlags sets the module's permission/lifecycle flag bits (NAME_DUP,
// ALLOW_REPLACE, PERSIST, DENY_CTX, ...).
func WithFlags(flags ModFlags) ModuleOption {
	return func(c *moduleConfig) { c.flags |= flags }
}

// WithUserdata attaches an opaque value retrievable via [Module.Userdata].
func WithUserdata(v any) ModuleOption {
	return func(c *moduleConfig) { c.userdata = v }
}

// WithBatchSize pre-configures the module's batch size, equivalent to an
// immediate [Module.SetBatchSize] after registration.
func WithBatchSize(n int) ModuleOption {
	return func(c *moduleConfig) { c.batch.size = n }
}

// WithBatchTimeout pre-configures the module's batch timeout, equivalent
// to an immediate [Module.SetBatchTimeout] after registration.
func WithBatchTimeout(d time.Duration) ModuleOption {
	return func(c *moduleConfig) { c.batch.timeout = d }
}

// ContextOption configures [NewContext].
type ContextOption func(*contextConfig)

type contextConfig struct {
	maxEvents    int
	defaultFlags ModFlags
	logger       Logger
}

func resolveContextOptions(opts []ContextOption) contextConfig {
	cfg := contextConfig{maxEvents: defaultMaxEvents}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxEvents bounds how many ready sources a single poll-adapter Wait
// call may return, grounded on spec.md §4.3's wait(handle, buf, max,
// timeout_ns) parameter (the parameterized contract chosen to resolve
// §9's open question over a package-level MAX_EVENTS array).
func WithMaxEvents(n int) ContextOption {
	return func(c *contextConfig) {
		if n > 0 {
			c.maxEvents = n
		}
	}
}

// WithDefaultModuleFlags sets flags inherited by every module registered
// on the context; they are ORed with any flags the module's own
// [WithFlags] sets. Grounded on spec.md §3's "module default flags
// (inherited at registration)".
func WithDefaultModuleFlags(flags ModFlags) ContextOption {
	return func(c *contextConfig) { c.defaultFlags = flags }
}

// WithLogger installs the context's logging collaborator, grounded on
// spec.md §3's "logger callback" and §6's ctx.set_logger.
func WithLogger(l Logger) ContextOption {
	return func(c *contextConfig) {
		if l != nil {
			c.logger = l
		}
	}
}
