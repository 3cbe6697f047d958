package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput      Phase = iota // 0: dispatch last tick's events, drain ingest queue
	PhasePreUpdate               // 1: advance timelines
	PhaseUpdate                  // 2: interpolate live nodes toward targets
	PhasePostUpdate              // 3: diagnostics
	PhaseOutput                  // 4: build + publish frames
	PhasePersist                 // 5: journal flush
)

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhasePreUpdate:
		return "pre-update"
	case PhaseUpdate:
		return "update"
	case PhasePostUpdate:
		return "post-update"
	case PhaseOutput:
		return "output"
	case PhasePersist:
		return "persist"
	default:
		return "unknown"
	}
}

// System is the interface every tick system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
