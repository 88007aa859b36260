package httpmw

import (
	"context"
	"net/http"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/metrics"
	"github.com/akii1234/yogya-sub001/internal/security"
	"github.com/akii1234/yogya-sub001/pkg/logger"
)

type ctxKey string

const ctxKeyIdentity ctxKey = "identity"

type Verifier interface {
	Verify(raw string) (domain.Identity, error)
}

// Auth требует валидный Bearer-токен и кладёт identity в контекст.
func Auth(v Verifier, m *metrics.Coordinator) func(http.Handler) http.Handler {
	if m == nil {
		m = metrics.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := security.TokenFromRequest(r)
			if raw == "" {
				m.AuthFailures.Inc()
				unauthorized(w, "missing bearer token")
				return
			}
			ident, err := v.Verify(raw)
			if err != nil || ident.IsAnonymous() {
				m.AuthFailures.Inc()
				logger.From(r.Context()).Warn("http auth rejected", "err", err)
				unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyIdentity, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

func IdentityFromCtx(ctx context.Context) domain.Identity {
	if v := ctx.Value(ctxKeyIdentity); v != nil {
		if id, ok := v.(domain.Identity); ok {
			return id
		}
	}
	return domain.Anonymous
}
