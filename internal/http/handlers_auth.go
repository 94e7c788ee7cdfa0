package http

import (
	"net/http"
	"time"

	applog "cashflow/internal/log"
	"cashflow/internal/session"
)

type sessionResponse struct {
	Token     string    `json:"token,omitempty"`
	Phone     string    `json:"phone"`
	Locale    string    `json:"locale"`
	Dir       string    `json:"dir"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newSessionResponse(s session.Session, token string) sessionResponse {
	return sessionResponse{
		Token:     token,
		Phone:     s.Phone,
		Locale:    s.Locale,
		Dir:       s.Dir(),
		ExpiresAt: s.ExpiresAt,
	}
}

// handleLogin starts a session. The locale in the body wins over the
// Accept-Language header.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, applog.OpLogin, err)
		return
	}

	locale := session.NegotiateLocale(req.Locale, r.Header.Get("Accept-Language"))
	sess, token, err := s.sessions.Login(sanitizeInput(req.Phone), req.Password, locale)
	if err != nil {
		s.writeError(w, r, applog.OpLogin, err)
		return
	}

	applog.FromContext(r.Context()).WithComponent(applog.ComponentSession).InfoContext(r.Context(), "Session started",
		applog.FieldPartition, sess.Phone,
		applog.FieldLocale, sess.Locale,
		applog.FieldOperation, applog.OpLogin)
	writeJSON(w, http.StatusOK, newSessionResponse(sess, token))
}

// handleLogout revokes the bearer token. An already revoked session is
// not an error.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(bearerToken(r)); err != nil {
		s.writeError(w, r, applog.OpLogout, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	writeJSON(w, http.StatusOK, newSessionResponse(sess, ""))
}
