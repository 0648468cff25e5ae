package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireToken checks the bearer token against the configured bcrypt hash.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	if h.config.TokenHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.unauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(h.config.TokenHash), []byte(token)); err != nil {
			slog.Warn("rejected API token", "remote", r.RemoteAddr)
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="autograder"`)
	writeError(w, r, http.StatusUnauthorized, errorBody{Kind: "Unauthorized"}, "ErrUnauthorized", nil)
}

// HashToken returns a bcrypt hash suitable for Config.TokenHash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
