package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/pkg/logger"
)

// CodeUnauthenticated 表示请求缺少或携带了无效的 API 密钥。
const CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{Message: "unauthenticated", Severity: xerrors.SeverityInfo})
}

// WithAPIKeys 要求请求携带 Authorization: Bearer <key>，/healthz 除外。
// 空列表表示不启用认证。
func WithAPIKeys(keys ...string) Option {
	return func(s *Server) {
		s.apiKeys = nil
		for _, key := range keys {
			if key = strings.TrimSpace(key); key != "" {
				s.apiKeys = append(s.apiKeys, sha256.Sum256([]byte(key)))
			}
		}
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if len(s.apiKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !s.validKey(strings.TrimSpace(token)) {
			logger.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"remote", r.RemoteAddr,
				"token_present", ok,
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="querypilot"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "缺少或无效的 API 密钥", "code": string(CodeUnauthenticated)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(token string) bool {
	if token == "" {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	match := 0
	for _, key := range s.apiKeys {
		match |= subtle.ConstantTimeCompare(sum[:], key[:])
	}
	return match == 1
}
