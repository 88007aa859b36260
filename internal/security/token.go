package security

import (
	"net/http"
	"strings"
)

// TokenFromRequest достаёт токен из Authorization: Bearer, затем из ?access_token=.
// Браузерный WebSocket не умеет ставить заголовки, поэтому query тоже поддерживаем.
func TokenFromRequest(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
