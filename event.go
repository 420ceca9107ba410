package libmodule

// EventPayload is implemented by every per-kind event payload type
// (FDEvent, TmrEvent, ...). It is the Go expression of spec.md §9's
// "tagged variants over inheritance" design note: the C source union is
// a sum type `SrcSpec = Fd|Tmr|Sgn|Path|Pid|Task|Thresh|Ps`, which Go
// models as an interface with an unexported marker method rather than a
// nullable-field struct.
type EventPayload interface {
	srcType() SrcType
}

// FDEvent reports which readiness bits fired for an FD source.
type FDEvent struct {
	FD     int
	Events IOEvents
}

func (FDEvent) srcType() SrcType { return SrcFD }

// TmrEvent reports how many timer expirations were drained since the
// source's last delivered event (priv.h: "drained expirations → count").
type TmrEvent struct {
	Expirations uint64
}

func (TmrEvent) srcType() SrcType { return SrcTMR }

// SgnEvent reports the signal that was delivered.
type SgnEvent struct {
	Signal int
}

func (SgnEvent) srcType() SrcType { return SrcSGN }

// PathEvent reports an inotify/vnode filesystem event.
type PathEvent struct {
	Path string
	Mask PathMask
}

func (PathEvent) srcType() SrcType { return SrcPath }

// PidEvent reports a watched process's exit.
type PidEvent struct {
	Pid    int
	Status int
}

func (PidEvent) srcType() SrcType { return SrcPID }

// TaskEvent reports a TASK source's worker-goroutine completion.
type TaskEvent struct {
	Retval int
	Err    error
}

func (TaskEvent) srcType() SrcType { return SrcTask }

// ThreshEvent reports a THRESH source crossing, computed from the
// module's own stats (spec.md §4.7: "computed from module stats
// (inactive_ms, activity_freq) and fires when crossing in either
// direction").
type ThreshEvent struct {
	Direction    ThreshDirection
	InactiveMs   uint64
	ActivityFreq float64
}

func (ThreshEvent) srcType() SrcType { return SrcThresh }

// PSEvent is a delivered pub/sub message (spec.md §3 PSMessage, minus the
// in-flight refcount bookkeeping which the framework manages
// internally).
type PSEvent struct {
	Topic   string
	Sender  *Module
	Message any
	Flags   PSFlags
}

func (PSEvent) srcType() SrcType { return SrcPS }

// Event is one delivered occurrence, grounded on priv.h's evt_priv_t
// (evt + a back-reference to the source that produced it, per invariant
// 2 of spec.md §8: "E.source.mod == batch.owner").
type Event struct {
	Src     *Source
	Payload EventPayload
}

// Type returns the event's source kind, equivalent to Payload's dynamic
// type but avoiding a type switch in the common case of routing by kind.
func (e *Event) Type() SrcType {
	if e.Payload == nil {
		return srcTypeEnd
	}
	return e.Payload.srcType()
}
