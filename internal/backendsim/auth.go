package backendsim

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	obsmw "pushattest/internal/observability/middleware"

	"github.com/golang-jwt/jwt/v5"
)

type subjectKey struct{}

func contextWithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey{}, sub)
}

func subjectFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey{}).(string)
	return v, ok && v != ""
}

// requireBearer validates HS256 access tokens and stores the subject in the
// request context. Token failures answer 403; 401 is reserved for proofs.
func (b *Backend) requireBearer(next http.Handler) http.Handler {
	secret := []byte(b.cfg.JWTSecret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := obsmw.RequestIDFromContext(r.Context())
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			slog.Warn("backendsim auth missing bearer", "request_id", reqID)
			return
		}
		tokStr := strings.TrimSpace(raw[len("Bearer "):])

		token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusForbidden, "invalid token")
			slog.Warn("backendsim auth invalid token", "error", err, "request_id", reqID)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid token claims")
			return
		}
		if iss, _ := claims["iss"].(string); b.cfg.Issuer != "" && iss != b.cfg.Issuer {
			writeError(w, http.StatusForbidden, "issuer mismatch")
			slog.Warn("backendsim auth issuer mismatch", "issuer", iss, "request_id", reqID)
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			writeError(w, http.StatusForbidden, "no subject")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithSubject(r.Context(), sub)))
	})
}
