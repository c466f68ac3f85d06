package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/dispatcher"
	"github.com/LumiGuide/hydra/pkg/machines"
)

// New initializes the server with its default routes, mirroring the
// teacher's pkg/http.New (chi router, request logger, /healthz via
// middleware.Heartbeat). logQueue/notifyQueue may be nil (e.g. in
// handler tests with no coordinator behind them), in which case their
// depth is reported as 0 in the status dump.
func New(l hclog.Logger, stats *dispatcher.StatsRegistry, reg *machines.Registry, logQueue, notifyQueue QueueDepth, buildOne BuildOneFunc) (*Server, error) {
	s := Server{
		l:           l.Named("httpapi"),
		r:           chi.NewRouter(),
		n:           &http.Server{},
		stats:       stats,
		machines:    reg,
		logQueue:    logQueue,
		notifyQueue: notifyQueue,
		buildOne:    buildOne,
	}

	s.r.Use(middleware.Logger)
	s.r.Use(middleware.Heartbeat("/healthz"))

	s.r.Get("/", s.rootIndex)
	s.r.Get("/status", s.httpStatus)
	s.r.Post("/build-one/{id}", s.httpBuildOne)
	s.r.Get("/build/{id}", s.httpBuildStatus)

	return &s, nil
}

// WithBuildStatusFunc wires the per-build lookup used by GET
// /build/{id}; left unset by New so the server stays usable without a
// graph (e.g. in handler tests).
func (s *Server) WithBuildStatusFunc(f BuildStatusFunc) {
	s.buildState = f
}

// Serve binds, installs the mux, and serves forever.
func (s *Server) Serve(bind string) error {
	s.l.Info("HTTP control surface is starting", "bind", bind)
	s.n.Addr = bind
	s.n.Handler = s.r
	return s.n.ListenAndServe()
}

// Mount attaches a set of routes under the given subpath.
func (s *Server) Mount(path string, router chi.Router) {
	s.r.Mount(path, router)
}

func (s *Server) rootIndex(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("queue-runner is running, see /status for details"))
}
