// Package server exposes health and prometheus endpoints for the bot process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"xui-vpn-bot/internal/metrics"
	"xui-vpn-bot/internal/services"
)

// StatusSource reports the last known panel status.
type StatusSource interface {
	Status() services.PanelStatus
}

type Server struct {
	srv *http.Server
	log *zap.Logger
}

func New(addr string, panel StatusSource, l *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           Routes(panel),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: l.Named("http"),
	}
}

// Routes builds the router; it is exported for tests.
func Routes(panel StatusSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(prometheusMiddleware)

	r.Get("/health", health(panel))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type healthResponse struct {
	Status      string `json:"status"`
	PanelOnline bool   `json:"panel_online"`
	LastChecked string `json:"panel_checked_at,omitempty"`
	LastError   string `json:"panel_error,omitempty"`
}

// health answers 200 while the process runs; panel reachability is informational.
func health(panel StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if panel != nil {
			st := panel.Status()
			resp.PanelOnline = st.Online
			resp.LastError = st.LastError
			if !st.LastChecked.IsZero() {
				resp.LastChecked = st.LastChecked.UTC().Format(time.RFC3339)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// route pattern keeps label cardinality bounded
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.srv.Addr))
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}
