package telemetry

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"time"

	"github.com/rjboer/iqstream/internal/logging"
)

//go:embed static/*
var staticFiles embed.FS

// WebServer exposes score history, live updates and, when given, a metrics
// handler over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds the HTTP server. hub may be nil when only metrics are
// served; metrics may be nil when only telemetry is served.
func NewWebServer(addr string, hub *Hub, metrics http.Handler, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebServer{
		hub:    hub,
		logger: logger.With(logging.F("subsystem", "web"), logging.F("addr", addr)),
		srv:    &http.Server{Addr: addr, Handler: NewMux(hub, metrics), ReadHeaderTimeout: 5 * time.Second},
	}
}

// NewMux wires the routes.
func NewMux(hub *Hub, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	if hub != nil {
		mux.Handle("/static/", http.FileServer(http.FS(staticFiles)))
		mux.HandleFunc("/api/history", hub.handleHistory)
		mux.HandleFunc("/api/latest", hub.handleLatest)
		mux.HandleFunc("/api/live", hub.handleLive)
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFileFS(w, r, staticFiles, "static/index.html")
		})
	}
	return mux
}

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web shutdown", logging.Err(err))
		}
	}()

	w.logger.Info("web server listening")
	if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error("web server error", logging.Err(err))
	}
}
