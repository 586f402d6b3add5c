package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"veil/cfg"
	"veil/svc/db"
	"veil/svc/lim"
	"veil/svc/svc"
	"veil/svc/util"
)

type Server struct {
	router     *chi.Mux
	link       *svc.Link
	vault      *svc.Vault
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, link *svc.Link, vault *svc.Vault, l *lim.Limiter, hasher *util.IPHasher, sqlDB *db.SQLite, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c, hasher)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		s := &Server{db: sqlDB, rdb: rdb, cfg: c}
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	r.Mount("/debug", middleware.Profiler())

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		// The raw path contains live slugs, so only the matched route
		// pattern is logged.
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			pattern := chi.RouteContext(req.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("route", pattern).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)

		hdl := &Hdl{link: link, vault: vault, cfg: c}

		// Owner surface.
		r.Group(func(r chi.Router) {
			r.Use(mw.JSONContentType)
			r.With(mw.Instrument("/links"), mw.RateLimit(lim.EndpointCreate)).
				Post("/links", hdl.CreateLink)
			r.With(mw.Instrument("/links/{slug}"), mw.RateLimit(lim.EndpointCreate)).
				Delete("/links/{slug}", hdl.DeactivateLink)
			r.With(mw.Instrument("/links/{slug}/uploads"), mw.RateLimit(lim.EndpointLookup)).
				Get("/links/{slug}/uploads", hdl.ListUploads)
			r.With(mw.Instrument("/vault/anchor"), mw.RateLimit(lim.EndpointCreate)).
				Post("/vault/anchor", hdl.AnchorKey)
			r.With(mw.Instrument("/vault/anchor"), mw.RateLimit(lim.EndpointLookup)).
				Get("/vault/anchor", hdl.GetAnchor)
			r.With(mw.Instrument("/vault/verify"), mw.RateLimit(lim.EndpointLookup)).
				Post("/vault/verify", hdl.VerifyKey)
			r.With(mw.Instrument("/devices"), mw.RateLimit(lim.EndpointCreate)).
				Post("/devices", hdl.RegisterDevice)
			r.With(mw.Instrument("/devices"), mw.RateLimit(lim.EndpointLookup)).
				Get("/devices", hdl.ListDevices)
		})

		// Anonymous surface: the lookup and upload endpoints senders hit.
		r.Group(func(r chi.Router) {
			r.With(mw.JSONContentType, mw.Instrument("/links/{slug}"), mw.RateLimit(lim.EndpointLookup)).
				Get("/links/{slug}", hdl.LookupLink)
			r.With(mw.JSONContentType, mw.Instrument("/links/{slug}/uploads"), mw.RateLimit(lim.EndpointUpload)).
				Post("/links/{slug}/uploads", hdl.Upload)
		})

		// Owner ciphertext download, octet-stream.
		r.With(mw.Instrument("/links/{slug}/uploads/{cid}"), mw.RateLimit(lim.EndpointLookup)).
			Get("/links/{slug}/uploads/{cid}", hdl.FetchUpload)
	})
	s := &Server{
		router: r,
		link:   link,
		vault:  vault,
		lim:    l,
		cfg:    c,
		db:     sqlDB,
		rdb:    rdb,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
