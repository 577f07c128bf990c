// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/noaione/vthell/internal/log"
)

// extractCredential pulls the client secret from whichever header the
// client chose. The Authorization scheme is "Password <secret>".
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if secret, ok := strings.CutPrefix(h, "Password "); ok {
			return secret
		}
	}
	if h := r.Header.Get("X-Auth-Token"); h != "" {
		return h
	}
	return r.Header.Get("X-Password")
}

func secretsMatch(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// requireAuth guards mutating endpoints. An unset password leaves the
// instance open, matching single-user local deployments.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Password == "" {
			next.ServeHTTP(w, r)
			return
		}

		got := extractCredential(r)
		if got == "" {
			s.logger.Warn().
				Str(log.FieldEvent, "auth.missing_header").
				Str(log.FieldPath, r.URL.Path).
				Msg("authorization header missing")
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if !secretsMatch(got, s.cfg.Password) {
			s.logger.Warn().
				Str(log.FieldEvent, "auth.invalid_password").
				Str(log.FieldPath, r.URL.Path).
				Msg("invalid password")
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// forwardedSecret honours the standard Forwarded header only when it
// carries the shared proxy secret, so clients cannot spoof their address
// by setting the header themselves.
func (s *Server) forwardedSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fwd := r.Header.Get("Forwarded"); fwd != "" {
			secret, addr := parseForwarded(fwd)
			if addr != "" && secretsMatch(secret, s.cfg.ReverseProxySecret) {
				r.RemoteAddr = addr
			}
		}
		next.ServeHTTP(w, r)
	})
}

// parseForwarded extracts the secret and for pairs from the first element
// of a Forwarded header.
func parseForwarded(header string) (secret, addr string) {
	first, _, _ := strings.Cut(header, ",")
	for _, pair := range strings.Split(first, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(key) {
		case "secret":
			secret = value
		case "for":
			addr = value
		}
	}
	return secret, addr
}
