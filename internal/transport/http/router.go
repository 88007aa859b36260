package http

import (
	"net/http"
	"time"

	"github.com/akii1234/yogya-sub001/internal/metrics"
	httpmw "github.com/akii1234/yogya-sub001/internal/transport/http/middleware"
	"github.com/akii1234/yogya-sub001/internal/transport/ws"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Deps struct {
	Handler     *Handler
	WS          *ws.Server
	Verifier    httpmw.Verifier
	Metrics     *metrics.Coordinator
	MetricsPath string       // пусто: /metrics не публикуем
	MetricsHTTP http.Handler // promhttp
	CORSOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(httpmw.WithRequestLogger)
	// preflight отвечает cors до маршрутизации, иначе chi вернёт 405
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WS живёт дольше любого Timeout и требует Hijack, поэтому вне группы
	r.Get("/ws", d.WS.HandleWS)
	r.Get("/ws/rooms/{id}", d.WS.HandleWS)

	r.Group(func(pr chi.Router) {
		pr.Use(httpmw.RequestLogger)
		pr.Use(httpmw.Auth(d.Verifier, d.Metrics))
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		pr.Route("/rooms", func(rm chi.Router) {
			rm.Post("/", d.Handler.CreateRoom)
			rm.Get("/", d.Handler.ListRooms)

			rm.Route("/{id}", func(rr chi.Router) {
				rr.Get("/", d.Handler.GetRoom)
				rr.Post("/close", d.Handler.CloseRoom)
				rr.Get("/participants", d.Handler.GetParticipants)
				rr.Get("/participants/history", d.Handler.GetParticipantHistory)
				rr.Get("/chat", d.Handler.GetChatHistory)
			})
		})
	})

	if d.MetricsPath != "" && d.MetricsHTTP != nil {
		r.Method(http.MethodGet, d.MetricsPath, d.MetricsHTTP)
	}

	// health
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
