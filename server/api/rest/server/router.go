package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/flowbeaver/flowbeaver/common/logger"
)

// NewRouter assembles the chi router for both the orchestration and
// worker HTTP APIs. No auth middleware: this runtime's callers are
// trusted internal services.
func NewRouter(orchestration *OrchestrationAPI, workers *WorkerAPI, logFactory logger.LogFactory) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logFactory("http")))
	r.Use(middleware.Compress(6))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		MaxAge:           300,
		AllowCredentials: false,
	}))

	r.Route("/orchestrate", func(r chi.Router) {
		r.Post("/", orchestration.Start)
		r.Post("/signal", orchestration.SignalHandler)
		r.Get("/{runId}", orchestration.Get)
		r.Post("/{runId}/cancel", orchestration.Cancel)
	})

	r.Route("/workers/{id}", func(r chi.Router) {
		r.Post("/", workers.Dispatch)
		r.Post("/job", workers.PreCreate)
		r.Post("/update", workers.Update)
		r.Post("/webhook", workers.Webhook)
		r.Get("/{jobId}", workers.Get)
	})

	return r
}

// requestLogger adapts logger.Log to chi's middleware.RequestLogger
// formatter interface, so request logs go through the same structured
// logger as everything else.
func requestLogger(log logger.Log) func(http.Handler) http.Handler {
	return middleware.RequestLogger(&logFormatter{log: log})
}
