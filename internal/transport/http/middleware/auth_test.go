package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akii1234/yogya-sub001/internal/domain"
)

type stubVerifier map[string]domain.Identity

func (s stubVerifier) Verify(raw string) (domain.Identity, error) {
	if id, ok := s[raw]; ok {
		return id, nil
	}
	return domain.Anonymous, errors.New("bad token")
}

func TestAuth_PutsIdentityInContext(t *testing.T) {
	anna := domain.Identity{UserID: "anna", DisplayName: "Anna"}
	var seen domain.Identity
	h := Auth(stubVerifier{"good": anna}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromCtx(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		code   int
		want   domain.Identity
	}{
		{"no token", "", http.StatusUnauthorized, domain.Anonymous},
		{"bad token", "Bearer nope", http.StatusUnauthorized, domain.Anonymous},
		{"ok", "Bearer good", http.StatusOK, anna},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = domain.Anonymous
			req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.code || seen != tt.want {
				t.Fatalf("code=%d identity=%+v, want %d %+v", rec.Code, seen, tt.code, tt.want)
			}
		})
	}
}
