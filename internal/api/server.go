// Package api serves the engine over HTTP/JSON for desktop frontends, with a
// websocket stream of build events and server stats.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/engine"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/server"
)

// Server is the HTTP frontend of an engine
type Server struct {
	engine *engine.Engine
	hub    *Hub
	router chi.Router
	log    *logrus.Entry
}

// New builds the router
func New(e *engine.Engine, log *logrus.Entry) *Server {
	log = logging.Component(log, "api")
	s := &Server{
		engine: e,
		hub:    NewHub(e.Broker, e.Servers.List, e.Config.API.AllowedOrigins, log),
		log:    log,
	}
	e.Servers.OnLog(func(int, server.LogEntry) { s.hub.ServerActivity() })

	r := chi.NewRouter()
	r.Use(loopbackOnly(e.Config.API.Addr))
	r.Use(cors(e.Config.API.AllowedOrigins))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.instrument)

	r.Get("/ws", s.hub.HandleWS)
	r.Handle("/metrics", e.Metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/detect", s.detect)

		r.Get("/projects", s.listProjects)
		r.Post("/projects", s.importProject)
		r.Get("/projects/{id}", s.getProject)
		r.Delete("/projects/{id}", s.removeProject)
		r.Get("/projects/{id}/dependencies", s.listDependencies)
		r.Post("/projects/{id}/dependencies/install", s.installDependencies)
		r.Get("/projects/{id}/build-config", s.buildConfig)
		r.Get("/projects/{id}/builds", s.history)

		r.Get("/servers", s.listServers)
		r.Post("/servers", s.startServer)
		r.Get("/servers/{port}", s.serverStatus)
		r.Delete("/servers/{port}", s.stopServer)
		r.Get("/servers/{port}/logs", s.serverLogs)

		r.Get("/ports/available", s.availablePort)

		r.Post("/builds", s.startBuild)
		r.Get("/builds/{id}", s.getBuild)
		r.Post("/builds/{id}/cancel", s.cancelBuild)
	})
	s.router = r
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("api listening")
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loopbackOnly rejects requests whose Host header names anything but a
// loopback address or the configured listen host, which defeats DNS
// rebinding from a browser
func loopbackOnly(addr string) func(http.Handler) http.Handler {
	listenHost, _, err := net.SplitHostPort(addr)
	if err != nil {
		listenHost = addr
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hostAllowed(r.Host, listenHost) {
				writeJSON(w, http.StatusForbidden, errorResponse{Kind: fault.KindInvalidConfig, Message: "host " + r.Host + " is not allowed"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hostAllowed(hostport, listenHost string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	if listenHost == "" {
		return false
	}
	if ip := net.ParseIP(listenHost); ip != nil && ip.IsUnspecified() {
		return false
	}
	return strings.EqualFold(host, listenHost)
}

// cors answers preflights for the configured origins and refuses every
// request carrying any other Origin; an empty list allows none. Requests
// without an Origin header come from non-browser clients and pass.
func cors(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if !originAllowed(origins, origin) {
					writeJSON(w, http.StatusForbidden, errorResponse{Kind: fault.KindInvalidConfig, Message: "origin " + origin + " is not allowed"})
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origins []string, origin string) bool {
	return lo.Contains(origins, "*") || lo.Contains(origins, origin)
}

// instrument counts requests by route pattern and status
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.engine.Metrics.HTTPRequest(r.Method, route, strconv.Itoa(status))
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"route":    route,
			"status":   status,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("http request")
	})
}
