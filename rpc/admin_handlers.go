package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// PauseStatusResult reports the pause switchboard by module.
type PauseStatusResult struct {
	Paused map[string]bool `json:"paused"`
}

// requireAdmin guards the operator endpoints with the dedicated admin bearer
// token. A server without a configured token refuses the whole surface.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.Error(w, "admin token not configured", http.StatusServiceUnavailable)
			return
		}
		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	s.switchModule(w, r, true)
}

func (s *Server) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	s.switchModule(w, r, false)
}

func (s *Server) switchModule(w http.ResponseWriter, r *http.Request, engage bool) {
	module := strings.TrimSpace(chi.URLParam(r, "module"))
	var err error
	if engage {
		err = s.node.Pause(module)
	} else {
		err = s.node.Resume(module)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(PauseStatusResult{Paused: s.node.PauseStatus()})
}
