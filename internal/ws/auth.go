package ws

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"go_certorch/internal/auth"
)

// extractToken extracts JWT token from request
// Priority: 1. token query parameter, 2. Authorization header
func extractToken(r *http.Request) string {
	// Socket.IO client: io("url", { query: { token: "xxx" } })
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return bearer(r.Header)
}

func bearer(h http.Header) string {
	// Format: "Bearer <token>"
	parts := strings.SplitN(h.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// claimsFrom validates the query token, falling back to the header
func claimsFrom(queryToken string, header http.Header) (*auth.Claims, error) {
	token := queryToken
	if token == "" {
		token = bearer(header)
	}
	if token == "" {
		return nil, fmt.Errorf("no token provided")
	}
	return auth.ParseToken(token)
}

// requireToken rejects handshakes that carry no valid token
func requireToken(next http.Handler, logger *logrus.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only the handshake (GET without sid) needs checking; later polls carry the session id
		if r.Method == http.MethodGet && r.URL.Query().Get("sid") == "" {
			token := extractToken(r)
			if token == "" {
				logger.WithField("remote", r.RemoteAddr).Info("Handshake rejected: no token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if _, err := auth.ParseToken(token); err != nil {
				logger.WithError(err).WithField("remote", r.RemoteAddr).Info("Handshake rejected: invalid token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
