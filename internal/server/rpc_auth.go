package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// writeRPCError answers with a JSON-RPC 2.0 error object instead of a plain
// HTTP error body.
func writeRPCError(w http.ResponseWriter, status int, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"id": nil,
	})
}

// requireToken wraps next with Bearer token authentication. An empty secret
// rejects every request.
func requireToken(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validToken(secret, r.Header.Get("Authorization")) {
			writeRPCError(w, http.StatusUnauthorized, int(codeUnauthorized), "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validToken compares the token of a "Bearer <token>" header with secret in
// constant time.
func validToken(secret, authHeader string) bool {
	if secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
