package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/zhouzirui/soundwave/backend/internal/config"
	"github.com/zhouzirui/soundwave/backend/internal/handler/auth"
	"github.com/zhouzirui/soundwave/backend/internal/handler/message"
	"github.com/zhouzirui/soundwave/backend/internal/handler/presence"
	"github.com/zhouzirui/soundwave/backend/internal/handler/realtime"
	"github.com/zhouzirui/soundwave/backend/internal/metrics"
	presenceService "github.com/zhouzirui/soundwave/backend/internal/service/presence"
	"github.com/zhouzirui/soundwave/backend/pkg/utils"
)

// Dependencies 路由依赖的服务。
type Dependencies struct {
	Config   *config.Config
	Verifier *auth.Verifier
	Sender   message.Sender
	History  message.History
	Registry *presenceService.Registry
	Hub      realtime.Submitter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"online": deps.Registry.Count(),
		})
	})
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	// Create handlers
	messageHandler := message.New(deps.Sender, deps.History, logger)
	presenceHandler := presence.New(deps.Registry)
	realtimeHandler := realtime.New(deps.Hub, deps.Config.Realtime, deps.Config.Server.AllowedOrigins, deps.Metrics, logger)

	r.Route("/api", func(api chi.Router) {
		api.Use(deps.Verifier.Middleware)

		messageHandler.RegisterRoutes(api)
		presenceHandler.RegisterRoutes(api)
		realtimeHandler.RegisterRoutes(api)
	})

	return r
}

// requestLogger 用 zap 记录每个请求。
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
