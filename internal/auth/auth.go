// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package auth provides optional bearer-token authentication for the
// gateway's HTTP transport (stdio transport is trusted by construction —
// whoever spawned the process owns the pipe).
package auth

import (
	"log"
	"net/http"
	"os"
	"strings"
)

// REVISION: auth-v1-bearer-gate
const authRevision = "auth-v1-bearer-gate"

func init() {
	log.Printf("[auth] REVISION: %s loaded", authRevision)
}

// Middleware gates HTTP handlers behind a shared-secret bearer token.
type Middleware struct {
	token string
}

// NewMiddleware reads the gateway's internal token from
// PML_GATEWAY_TOKEN. An empty token disables the middleware entirely —
// callers should check IsEnabled before wrapping handlers.
func NewMiddleware() *Middleware {
	token := os.Getenv("PML_GATEWAY_TOKEN")
	if token == "" {
		log.Printf("[auth] PML_GATEWAY_TOKEN not set — HTTP endpoints are unauthenticated")
	} else {
		log.Printf("[auth] PML_GATEWAY_TOKEN configured (len=%d, first4=%q, last4=%q)",
			len(token), safePrefix(token, 4), safeSuffix(token, 4))
	}
	return &Middleware{token: token}
}

// RequireAuth wraps an http.Handler and requires a matching bearer token.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthFunc wraps an http.HandlerFunc and requires a matching bearer token.
func (m *Middleware) RequireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (m *Middleware) isAuthenticated(r *http.Request) bool {
	if m.token == "" {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		log.Printf("[auth] REJECT %s %s — no Authorization header present", r.Method, r.URL.Path)
		return false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		log.Printf("[auth] REJECT %s %s — malformed Authorization header", r.Method, r.URL.Path)
		return false
	}

	if parts[1] == m.token {
		return true
	}
	log.Printf("[auth] REJECT %s %s — bearer token mismatch (got len=%d, want len=%d)",
		r.Method, r.URL.Path, len(parts[1]), len(m.token))
	return false
}

// IsEnabled returns true if a token is configured and requests are gated.
func (m *Middleware) IsEnabled() bool {
	return m.token != ""
}

func safePrefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func safeSuffix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
