package host

import (
	"sync/atomic"
)

// State represents the lifecycle state of a Server.
//
//	StateAwake → StateRunning             [Run(), or New() with manual ticks]
//	StateAwake → StateTerminated          [Shutdown() before Run()]
//	StateRunning → StateTerminating       [Shutdown(), or Run() ctx done]
//	StateTerminating → StateTerminated    [shutdown sequence complete]
type State uint32

const (
	StateAwake State = iota
	StateRunning
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return `Awake`
	case StateRunning:
		return `Running`
	case StateTerminating:
		return `Terminating`
	case StateTerminated:
		return `Terminated`
	default:
		return `Unknown`
	}
}

// serverState is a lock-free state machine. Transitions out of non-terminal
// states go through tryTransition, only StateTerminated may be stored.
type serverState struct {
	v atomic.Uint32
}

func (s *serverState) load() State { return State(s.v.Load()) }

func (s *serverState) tryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *serverState) terminate() { s.v.Store(uint32(StateTerminated)) }

// acceptsWork reports whether new tasks may be posted.
func (s *serverState) acceptsWork() bool {
	state := s.load()
	return state == StateAwake || state == StateRunning
}
