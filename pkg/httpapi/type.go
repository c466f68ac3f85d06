// Package httpapi implements the control surface (§6): a JSON
// status-dump endpoint, `/healthz`, and a `--build-one` trigger,
// mirroring the teacher's pkg/http (chi router + middleware.Heartbeat)
// and pkg/graph/http.go's "dump an internal map as JSON" handler shape.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/dispatcher"
	"github.com/LumiGuide/hydra/pkg/machines"
)

// QueueDepth is the minimal view Server needs onto one of
// pkg/auxqueue's generic Queue[T] instances - satisfied by any
// instantiation without httpapi itself taking a type parameter.
type QueueDepth interface {
	Len() int
}

// BuildOneFunc seeds the graph with a single build and is wired by the
// coordinator to its own run-one-build code path (§6, SPEC_FULL.md
// "--build-one <id>").
type BuildOneFunc func(buildID int64) error

// BuildStatusResult is what BuildStatusFunc reports for a single
// build id, letting queue-runner-ctl poll a triggered --build-one run
// to quiescence instead of firing and forgetting.
type BuildStatusResult struct {
	// Known is false if the build id is not (or no longer) present in
	// the graph - either never seen, or already finalized and
	// reclaimed.
	Known bool

	FinishedInDB bool
}

// BuildStatusFunc looks up a single build's state in the graph,
// wired by the coordinator onto pkg/graph.Store.Build.
type BuildStatusFunc func(buildID int64) BuildStatusResult

// Server wraps the chi router and the read-only views it exposes onto
// the rest of the process, matching the shape of the teacher's
// pkg/http.Server.
type Server struct {
	l hclog.Logger
	r chi.Router
	n *http.Server

	stats       *dispatcher.StatsRegistry
	machines    *machines.Registry
	logQueue    QueueDepth
	notifyQueue QueueDepth
	buildOne    BuildOneFunc
	buildState  BuildStatusFunc
}
