package libmodule

import "time"

// ModuleStats mirrors priv.h's mod_stats_t: per-module counters exposed
// to callers via [Module.Stats]. THRESH evaluation does not read them; it
// keeps its own activity window per source (see threshWindow).
type ModuleStats struct {
	BatchesDispatched uint64
	EventsDelivered   uint64
	PSReceived        uint64
	PSSent            uint64
	LastActivity      time.Time
	InactiveMs        uint64
	ActivityFreq      float64
}

// ContextStats mirrors priv.h's ctx_stats_t: loop-wide counters.
type ContextStats struct {
	LoopStart      time.Time
	CumulativeIdle time.Duration
	RecvCount      uint64
	RunningModules int
	TotalModules   int
}
