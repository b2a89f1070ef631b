package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowbeaver/flowbeaver/common/logger"
)

// logFormatter adapts common/logger.Log to chi middleware.LogFormatter so
// request logging goes through the same structured logger as the rest of
// the process, rather than chi's default stdlib logger.
type logFormatter struct {
	log logger.Log
}

func (f *logFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &logEntry{
		log:    f.log,
		method: r.Method,
		path:   r.URL.Path,
		reqID:  middleware.GetReqID(r.Context()),
	}
}

type logEntry struct {
	log    logger.Log
	method string
	path   string
	reqID  string
}

func (e *logEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	e.log.WithField("requestId", e.reqID).
		WithField("status", status).
		WithField("bytes", bytes).
		WithField("elapsedMs", elapsed.Milliseconds()).
		Infof("%s %s", e.method, e.path)
}

func (e *logEntry) Panic(v interface{}, stack []byte) {
	e.log.WithField("requestId", e.reqID).Errorf("panic handling %s %s: %v\n%s", e.method, e.path, v, stack)
}
