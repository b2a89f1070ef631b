package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowbeaver/flowbeaver/common/logger"
)

// HTTPServerConfig configures the bind address of the combined
// orchestration/worker HTTP API.
type HTTPServerConfig struct {
	Address string
}

// HTTPServer wraps a net/http.Server bound to the assembled chi router,
// with graceful shutdown.
type HTTPServer struct {
	config HTTPServerConfig
	router chi.Router
	srv    *http.Server
	log    logger.Log
}

func NewHTTPServer(config HTTPServerConfig, router chi.Router, logFactory logger.LogFactory) *HTTPServer {
	return &HTTPServer{
		config: config,
		router: router,
		log:    logFactory("http_server"),
	}
}

// ListenAndServe blocks serving requests until the process is asked to
// stop via Shutdown.
func (s *HTTPServer) ListenAndServe() error {
	s.srv = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infof("listening on %s", s.config.Address)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to finish or ctx to expire.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
