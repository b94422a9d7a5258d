package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deskrelay/relay-server-go/internal/config"
	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/middleware"
	"github.com/deskrelay/relay-server-go/internal/service"
	"github.com/deskrelay/relay-server-go/internal/sse"
)

// Dependencies is everything the HTTP surface is built from.
type Dependencies struct {
	Registry *hub.Registry
	Devices  *service.DeviceService
	Sessions *service.SessionService
	Relay    *service.RelayService
	Pairing  *service.PairingService
	Users    *service.UserService
	Broker   *sse.Broker
	Limiter  middleware.Limiter
	WS       WSOptions
	HSTS     bool
}

func NewRouter(d Dependencies) chi.Router {
	authMiddleware := middleware.NewAuthMiddleware(d.Users)
	loginLimit := middleware.NewRateLimitMiddleware(d.Limiter, "login", config.LoginAttemptsPerMin, middleware.ByClientIP)
	apiLimit := middleware.NewRateLimitMiddleware(d.Limiter, "api", config.DefaultRateLimitPerMin, middleware.ByPrincipal)
	bodyLimit := middleware.NewBodyLimitMiddleware(0)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(d.HSTS)

	wsHandler := NewWSHandler(d.Registry, d.Devices, d.Sessions, d.Relay, d.Pairing, d.Users, d.Limiter, d.WS)
	authHandler := NewAuthHandler(d.Users)
	pairingHandler := NewPairingHandler(d.Pairing)
	deviceHandler := NewDeviceHandler(d.Devices)
	sessionHandler := NewSessionHandler(d.Sessions)
	eventsHandler := NewEventsHandler(d.Broker, d.Devices)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"timestamp":     time.Now().UnixMilli(),
			"onlineDevices": d.Devices.OnlineCount(),
			"liveSessions":  d.Sessions.LiveCount(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws", wsHandler.ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(securityHeaders.Handler)

		// Long-lived stream, kept out of the request timeout.
		r.With(authMiddleware.Handler).Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(bodyLimit.Handler)

			r.With(loginLimit.Handler).Post("/auth/login", authHandler.Login)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.Handler)
				r.Use(apiLimit.Handler)

				r.Post("/pairing-codes", pairingHandler.Issue)
				r.Mount("/devices", deviceHandler.Routes())
				r.Mount("/sessions", sessionHandler.Routes())
			})
		})
	})

	return r
}
