package web

import (
	"encoding/json"
	"net/http"

	"lcm-console/internal/hooks"
)

// WithHooks enables the hook script endpoints.
func WithHooks(engine *hooks.Engine, mgr *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hookEngine = engine
		s.hookMgr = mgr
	}
}

type saveHookRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) hooksAvailable(w http.ResponseWriter) bool {
	if s.hookMgr == nil || s.hookEngine == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "hooks not available"})
		return false
	}
	return true
}

func (s *Server) handleAPIListHooks(w http.ResponseWriter, r *http.Request) {
	if s.hookMgr == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	scripts, err := s.hookMgr.List()
	if err != nil {
		s.logger.Error("list hooks", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if scripts == nil {
		scripts = []*hooks.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetHook(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}
	script, err := s.hookMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleAPICreateHook(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}

	var req saveHookRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	saved, err := s.hookMgr.Save(&hooks.Script{
		Meta:    hooks.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.logger.Error("create hook", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	if saved.Meta.Enabled {
		if err := s.hookEngine.ReloadScript(saved.ID); err != nil {
			s.logger.Error("reload hook after create", "id", saved.ID, "err", err)
		}
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleAPIUpdateHook(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}

	existing, err := s.hookMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}

	var req saveHookRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	existing.Meta = hooks.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled}
	existing.LuaCode = req.LuaCode

	saved, err := s.hookMgr.Save(existing)
	if err != nil {
		s.logger.Error("update hook", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if err := s.hookEngine.ReloadScript(saved.ID); err != nil {
		s.logger.Error("reload hook after update", "id", saved.ID, "err", err)
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteHook(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}

	id := r.PathValue("id")
	s.hookEngine.StopScript(id)
	if err := s.hookMgr.Delete(id); err != nil {
		s.logger.Error("delete hook", "err", err)
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleHook(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}

	script, err := s.hookMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}

	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.hookMgr.Save(script)
	if err != nil {
		s.logger.Error("toggle hook", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	if saved.Meta.Enabled {
		if err := s.hookEngine.ReloadScript(saved.ID); err != nil {
			s.logger.Error("reload hook after toggle", "id", saved.ID, "err", err)
		}
	} else {
		s.hookEngine.StopScript(saved.ID)
	}
	s.writeJSON(w, http.StatusOK, saved)
}

// handleAPIRunHook runs a saved script once, or inline code when id is
// "_inline".
func (s *Server) handleAPIRunHook(w http.ResponseWriter, r *http.Request) {
	if !s.hooksAvailable(w) {
		return
	}

	id := r.PathValue("id")
	if id != "_inline" {
		s.writeJSON(w, http.StatusOK, s.hookEngine.RunScript(id))
		return
	}

	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.hookEngine.RunLuaCode(req.LuaCode))
}
