package audit

import (
	"github.com/rs/zerolog"
)

// OptionalEvent accumulates fields for a nested dictionary that is only
// written when at least one field has a value.
type OptionalEvent struct {
	ev       *zerolog.Event
	modified bool
}

func NewOptionalEvent(e *zerolog.Event) *OptionalEvent {
	return &OptionalEvent{ev: e}
}

func (oe *OptionalEvent) event() *zerolog.Event {
	if oe.ev == nil {
		oe.ev = zerolog.Dict()
	}
	return oe.ev
}

// Set adds the dictionary to parent under key if anything was written to it.
func (oe *OptionalEvent) Set(parent *zerolog.Event, key string) bool {
	if !oe.modified {
		return false
	}

	parent.Dict(key, oe.event())
	return true
}

func (oe *OptionalEvent) Str(key, val string) *OptionalEvent {
	if val == "" {
		return oe
	}
	oe.event().Str(key, val)
	oe.modified = true
	return oe
}

func (oe *OptionalEvent) Strs(key string, vals []string) *OptionalEvent {
	if len(vals) == 0 {
		return oe
	}
	oe.event().Strs(key, vals)
	oe.modified = true
	return oe
}

func (oe *OptionalEvent) Int64(key string, val int64) *OptionalEvent {
	if val == 0 {
		return oe
	}
	oe.event().Int64(key, val)
	oe.modified = true
	return oe
}
