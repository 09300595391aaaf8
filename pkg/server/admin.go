package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/polyrelay/polyrelay/pkg/channels"
	"github.com/polyrelay/polyrelay/pkg/logger"
)

// mountAdmin attaches the session-guarded management API. Everything
// except login requires a bearer session token.
func (s *Server) mountAdmin(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Post("/logout", s.handleLogout)
			r.Put("/password", s.handleSetPassword)
			r.Get("/stats", s.handleStats)

			r.Get("/channels", s.handleChannelList)
			r.Post("/channels", s.handleChannelCreate)
			r.Get("/channels/{id}", s.handleChannelGet)
			r.Put("/channels/{id}", s.handleChannelUpdate)
			r.Delete("/channels/{id}", s.handleChannelDelete)
		})
	})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		valid, err := s.auth.Validate(r.Context(), bearerToken(r))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}
		if !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	token, err := s.auth.Login(r.Context(), in.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), bearerToken(r)); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "password is required"})
		return
	}
	if err := s.auth.SetPassword(r.Context(), in.Password); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	out := make([]*channels.Channel, 0, len(list))
	for _, ch := range list {
		out = append(out, maskChannel(ch))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

func (s *Server) handleChannelGet(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not found"})
		return
	}
	writeJSON(w, http.StatusOK, maskChannel(ch))
}

func (s *Server) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	var ch channels.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := ch.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.store.Create(r.Context(), &ch); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create channel"})
		return
	}
	s.logger.Info("channel created", "id", ch.ID, "name", ch.Name, "provider", ch.Provider)
	writeJSON(w, http.StatusCreated, maskChannel(&ch))
}

func (s *Server) handleChannelUpdate(w http.ResponseWriter, r *http.Request) {
	var ch channels.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	ch.ID = chi.URLParam(r, "id")
	if err := ch.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.store.Update(r.Context(), &ch); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update channel"})
		return
	}
	s.logger.Info("channel updated", "id", ch.ID, "name", ch.Name)
	writeJSON(w, http.StatusOK, maskChannel(&ch))
}

func (s *Server) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete channel"})
		return
	}
	s.logger.Info("channel deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	byProvider := make(map[string]int)
	enabled := 0
	for _, ch := range list {
		byProvider[string(ch.Provider)]++
		if ch.Enabled {
			enabled++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":       len(list),
		"enabled":     enabled,
		"by_provider": byProvider,
	})
}

// maskChannel copies a channel with its credential and custom key
// reduced to masked previews. Admin listings never expose secrets.
func maskChannel(ch *channels.Channel) *channels.Channel {
	masked := *ch
	masked.APIKey = logger.MaskKey(ch.APIKey)
	masked.CustomKey = logger.MaskKey(ch.CustomKey)
	return &masked
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
