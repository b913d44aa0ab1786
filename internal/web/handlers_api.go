package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"lcm-console/internal/device"
	"lcm-console/internal/realtime"
	"lcm-console/internal/status"
)

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Session.Session())
}

// handleLogout blocks for the display delay while the session is torn down,
// then tells the client where to go.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.app.Logout()
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"redirect": s.app.Session.LogoutURL(),
	})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Status.Snapshot())
}

func (s *Server) handleAPIClearError(w http.ResponseWriter, r *http.Request) {
	s.app.Status.ClearError()
	s.writeJSON(w, http.StatusOK, s.app.Status.Snapshot())
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.app.Registry.All()
	// Registry order is unspecified; sort for stable output.
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := device.DeviceID(r.PathValue("id"))
	dev, ok := s.app.Registry.Get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPICreateDevice(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	dev, err := s.app.CreateDevice(r.Context(), payload)
	if err != nil {
		s.logger.Error("create device", "err", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleAPIRefreshDevices(w http.ResponseWriter, r *http.Request) {
	items, err := s.app.Refresh(r.Context())
	if err != nil {
		s.logger.Error("refresh devices", "err", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"fetched": len(items), "total": s.app.Registry.Len()})
}

func (s *Server) handleAPIChannel(w http.ResponseWriter, r *http.Request) {
	info, ok := s.app.ChannelInfo()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no realtime channel"})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Reconnect(); err != nil {
		if errors.Is(err, realtime.ErrActive) {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "channel is not failed"})
			return
		}
		s.logger.Error("reconnect channel", "err", err)
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	info, _ := s.app.ChannelInfo()
	s.writeJSON(w, http.StatusAccepted, info)
}

// writeError maps a backend failure to a response, passing the backend's
// status code through when there was one.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	var te *device.TransportError
	if errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 {
		code = te.StatusCode
	}
	s.writeJSON(w, code, map[string]string{"error": status.ErrorText(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
