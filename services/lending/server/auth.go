package server

import (
	"log/slog"
	"net/http"
	"strings"

	"lendguard/observability/logging"
)

// AuthConfig lists the authenticators accepted by mutating endpoints.
type AuthConfig struct {
	APITokens        []string
	AllowedClientCNs []string
}

// authenticator admits requests presenting a configured API token or a
// verified client certificate with an allowed common name.
type authenticator struct {
	tokens      map[string]struct{}
	commonNames map[string]struct{}
	logger      *slog.Logger
}

func newAuthenticator(cfg AuthConfig, logger *slog.Logger) *authenticator {
	tokens := make(map[string]struct{})
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens[trimmed] = struct{}{}
		}
	}
	commonNames := make(map[string]struct{})
	for _, name := range cfg.AllowedClientCNs {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			commonNames[trimmed] = struct{}{}
		}
	}
	return &authenticator{tokens: tokens, commonNames: commonNames, logger: logger}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.tokens) == 0 && len(a.commonNames) == 0 {
			writeError(w, http.StatusForbidden, "auth_not_configured", "authentication is not configured")
			return
		}
		if a.byToken(r) || a.byMTLS(r) {
			next.ServeHTTP(w, r)
			return
		}
		a.logger.Warn("request rejected",
			"route", r.URL.Path,
			"remote", r.RemoteAddr,
			logging.MaskField("token", presentedToken(r)))
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
	})
}

func (a *authenticator) byToken(r *http.Request) bool {
	if len(a.tokens) == 0 {
		return false
	}
	token := presentedToken(r)
	if token == "" {
		return false
	}
	_, ok := a.tokens[token]
	return ok
}

func (a *authenticator) byMTLS(r *http.Request) bool {
	if len(a.commonNames) == 0 || r.TLS == nil {
		return false
	}
	for _, chain := range r.TLS.VerifiedChains {
		if len(chain) == 0 {
			continue
		}
		if _, ok := a.commonNames[strings.TrimSpace(chain[0].Subject.CommonName)]; ok {
			return true
		}
	}
	return false
}

func presentedToken(r *http.Request) string {
	if token := parseBearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-API-Token"))
}

func parseBearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
