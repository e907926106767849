package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"quizsync-backend-go/internal/beacon"
	"quizsync-backend-go/internal/config"
	"quizsync-backend-go/internal/engine"
	"quizsync-backend-go/internal/logger"
	"quizsync-backend-go/internal/realtime"
	"quizsync-backend-go/internal/services"
)

type Server struct {
	Config  config.Config
	DB      *sqlx.DB
	Tokens  services.TokenService
	Engine  *engine.Engine
	Beacons *beacon.Ingestor
	Redis   *redis.Client
	Log     *logger.Logger
}

// NewServer wires the transports around an engine. rdb may be nil, which
// turns rate limiting off.
func NewServer(cfg config.Config, db *sqlx.DB, tokens services.TokenService, eng *engine.Engine, beacons *beacon.Ingestor, rdb *redis.Client, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		Config:  cfg,
		DB:      db,
		Tokens:  tokens,
		Engine:  eng,
		Beacons: beacons,
		Redis:   rdb,
		Log:     log,
	}
}

func (s *Server) registry() *realtime.Registry {
	return s.Engine.Registry
}

func (s *Server) broadcaster() *realtime.Broadcaster {
	return s.Engine.Broadcaster
}

func (s *Server) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(s.Log))
	if len(s.Config.CorsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.Config.CorsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	limiter := TokenBucket(s.Config.RateLimit, s.Redis, s.Log)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.Health)

		api.Route("/progress", func(progress chi.Router) {
			// The page that sent the beacon is gone; a limited beacon is
			// still acknowledged and simply not applied.
			progress.With(limiter(beaconAck)).Post("/sync", s.ProgressSync)

			progress.Group(func(authed chi.Router) {
				authed.Use(WithAuth(s.Tokens))
				authed.Get("/summary", s.ProgressSummary)
				authed.Route("/sets/{contentSetId}", func(set chi.Router) {
					set.Get("/", s.ProgressSnapshot)
					set.Delete("/", s.ResetProgress)
					set.Post("/answers", s.RecordAnswer)
					set.Post("/detailed", s.RecordDetailed)
				})
			})
		})

		api.Route("/entitlements", func(ent chi.Router) {
			ent.Use(WithAuth(s.Tokens))
			ent.Get("/", s.ListEntitlements)
			ent.Post("/batch", s.BatchAccess)
			ent.With(limiter(nil)).Post("/redeem", s.Redeem)
			ent.Get("/{contentSetId}", s.CheckAccess)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(WithAuth(s.Tokens))
			admin.Use(RequireRole("ADMIN"))
			admin.Post("/purchases", s.RecordPurchase)
			admin.Put("/purchases/{purchaseId}/status", s.UpdatePurchaseStatus)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.Socket)
	return r
}
