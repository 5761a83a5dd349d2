package adapter

import (
	"log/slog"

	"github.com/you/multichat/internal/core"
)

// Session is the handle a RunFunc uses to report progress for one attempt.
// Calls from an attempt that has since been stopped are ignored.
type Session struct {
	m         *Machine
	gen       uint64
	ready     func()
	connected bool
}

// Connected marks the attempt as established and resets the failure counters
// once the attempt ends.
func (s *Session) Connected(msg string) {
	s.connected = true
	s.m.transition(s.gen, core.StateConnected, msg)
	s.ready()
}

// Emit forwards a platform event to OnMessage.
func (s *Session) Emit(ev core.AdapterEvent) {
	if !s.m.current(s.gen) {
		return
	}
	s.m.deliver(ev)
}

// SetViewers updates the viewer count shown in the status.
func (s *Session) SetViewers(n int) {
	s.m.update(s.gen, func(st *core.Status) { st.Viewers = n })
}

// Notice replaces the status message without changing state.
func (s *Session) Notice(msg string) {
	s.m.update(s.gen, func(st *core.Status) { st.Message = msg })
}

func (s *Session) Logger() *slog.Logger { return s.m.log }
