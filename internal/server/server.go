package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
	"github.com/StefanGrimminck/threatfeed/internal/rotation"
)

// Server runs the control API and optional management (health, metrics).
type Server struct {
	Messages       http.Handler                      // POST /api/v1/messages
	Stream         http.Handler                      // GET /api/v1/stream (websocket)
	View           func() rotation.View              // GET /api/v1/view
	Blacklist      func() []feed.BlacklistItem       // GET /api/v1/blacklist
	Authenticate   func(http.Handler) http.Handler   // applied to every /api/v1 route
	EnricherReady  func() bool
	MetricsHandler http.Handler
	Logger         zerolog.Logger
	TLSConfig      *tls.Config
	CertFile       string
	KeyFile        string
	ListenAddr     string
	ManagementAddr string
}

// Router returns the control API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer, requestLogger(s.Logger))
	r.Route("/api/v1", func(r chi.Router) {
		if s.Authenticate != nil {
			r.Use(s.Authenticate)
		}
		r.Post("/messages", s.Messages.ServeHTTP)
		r.Get("/view", s.serveView)
		r.Get("/blacklist", s.serveBlacklist)
		if s.Stream != nil {
			r.Get("/stream", s.Stream.ServeHTTP)
		}
	})
	return r
}

// ManagementRouter returns the health, readiness and metrics routes.
func (s *Server) ManagementRouter() http.Handler {
	mgmt := chi.NewRouter()
	mgmt.Get("/health", s.serveLiveness)
	mgmt.Get("/live", s.serveLiveness)
	mgmt.Get("/ready", s.serveReadiness)
	if s.MetricsHandler != nil {
		mgmt.Handle("/metrics", s.MetricsHandler)
	}
	return mgmt
}

// Run starts the control server (HTTPS when configured) and optionally the management server.
func (s *Server) Run(ctx context.Context) error {
	apiSrv := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Router(),
		TLSConfig:         s.tlsConfig(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.ManagementAddr != "" {
		mgmtSrv := &http.Server{
			Addr:              s.ManagementAddr,
			Handler:           s.ManagementRouter(),
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      5 * time.Second,
			IdleTimeout:       30 * time.Second,
		}
		go func() {
			s.Logger.Info().Str("addr", s.ManagementAddr).Msg("management server listening")
			if err := mgmtSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.Logger.Error().Err(err).Msg("management server")
			}
		}()
		defer func() {
			mgmtCtx, mgmtCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer mgmtCancel()
			_ = mgmtSrv.Shutdown(mgmtCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if s.CertFile != "" && s.KeyFile != "" {
			s.Logger.Info().Str("addr", s.ListenAddr).Msg("control server (HTTPS) listening")
			errCh <- apiSrv.ListenAndServeTLS(s.CertFile, s.KeyFile)
		} else {
			s.Logger.Info().Str("addr", s.ListenAddr).Msg("control server listening (no TLS)")
			errCh <- apiSrv.ListenAndServe()
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			s.Logger.Warn().Err(err).Msg("control server shutdown")
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) serveView(w http.ResponseWriter, r *http.Request) {
	v := rotation.View{Items: []rotation.Item{}}
	if s.View != nil {
		v = s.View()
	}
	writeJSON(w, v)
}

func (s *Server) serveBlacklist(w http.ResponseWriter, r *http.Request) {
	items := []feed.BlacklistItem{}
	if s.Blacklist != nil {
		items = s.Blacklist()
	}
	writeJSON(w, map[string]interface{}{"items": items, "count": len(items)})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) serveLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serveReadiness(w http.ResponseWriter, r *http.Request) {
	if s.EnricherReady != nil && !s.EnricherReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("enricher not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func requestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func (s *Server) tlsConfig() *tls.Config {
	if s.TLSConfig != nil {
		return s.TLSConfig
	}
	if s.CertFile != "" && s.KeyFile != "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}
