package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/supervisor"
	"github.com/you/multichat/internal/window"
)

type controlResponse struct {
	Success bool         `json:"success"`
	Status  *core.Status `json:"status,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type messagesResponse struct {
	Messages []core.ChatMessage `json:"messages"`
	Count    int64              `json:"count"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// controlStatus maps supervisor errors onto HTTP codes.
func controlStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownPlatform):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatuses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Statuses())
}

// handlePlatformView serves GET /api/{platform}/status. Other views 404.
func (s *Server) handlePlatformView(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("view") != "status" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	p, err := core.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	st, err := s.ctl.Status(p)
	if err != nil {
		writeError(w, controlStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "start", func(p core.Platform) (bool, error) {
		return s.ctl.Start(r.Context(), p)
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stop", s.ctl.Stop)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "restart", func(p core.Platform) (bool, error) {
		return true, s.ctl.Restart(r.Context(), p)
	})
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, action string, fn func(core.Platform) (bool, error)) {
	p, err := core.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, controlResponse{Error: err.Error()})
		return
	}
	_, err = fn(p)
	st, statusErr := s.ctl.Status(p)
	resp := controlResponse{Success: err == nil}
	if statusErr == nil {
		resp.Status = &st
	}
	if err != nil {
		s.log.Warn("httpapi: control failed", "platform", p, "action", action, "err", err)
		resp.Error = err.Error()
		writeJSON(w, controlStatus(err), resp)
		return
	}
	s.log.Info("httpapi: control", "platform", p, "action", action, "status", st.State)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBadges(w http.ResponseWriter, r *http.Request) {
	if s.badges == nil {
		writeError(w, http.StatusServiceUnavailable, "badge lookup not configured")
		return
	}
	channel := strings.ToLower(strings.TrimSpace(r.PathValue("channel")))
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}
	catalog, err := s.badges.Get(r.Context(), channel)
	if err != nil {
		s.log.Warn("httpapi: badge fetch failed", "channel", channel, "err", err)
		writeError(w, http.StatusBadGateway, "badge fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "message window disabled")
		return
	}
	filters, err := window.FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.store.List(r.Context(), filters)
	if err != nil {
		s.log.Error("httpapi: list messages", "err", err)
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	count, err := s.store.Count(r.Context(), filters)
	if err != nil {
		s.log.Error("httpapi: count messages", "err", err)
		writeError(w, http.StatusInternalServerError, "count error")
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: rows, Count: count})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.streams.ServeWS(w, r)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	s.streams.ServeSSE(w, r)
}
