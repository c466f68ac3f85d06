package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/LumiGuide/hydra/pkg/stats"
)

// statusPayload is the full §6 control-surface status dump: the
// process-wide counters, a per-systemType breakdown consumed by an
// external autoscaler, per-machine live state, and the two aux-queue
// depths.
type statusPayload struct {
	Counters    stats.Snapshot            `json:"counters"`
	SystemTypes []dispatcherSnapshotAlias `json:"system_types"`
	Machines    []machineStatus           `json:"machines"`
	Queues      queueDepths               `json:"queues"`
}

// dispatcherSnapshotAlias exists only so encoding/json picks up the
// same field names regardless of which package the Snapshot type is
// declared in; it is structurally identical to dispatcher.Snapshot.
type dispatcherSnapshotAlias = struct {
	SystemType  string `json:"system_type"`
	Runnable    int64  `json:"runnable"`
	Running     int64  `json:"running"`
	LastActive  int64  `json:"last_active"`
	WaitSeconds int64  `json:"wait_seconds"`
}

// machineStatus is a machine's live dispatch-relevant state (§3's
// Machine.State: CurrentJobs, IdleSince, NrStepsDone, ConnectInfo).
type machineStatus struct {
	Name                string `json:"name"`
	Enabled             bool   `json:"enabled"`
	CurrentJobs         int64  `json:"current_jobs"`
	MaxJobs             int    `json:"max_jobs"`
	NrStepsDone         int64  `json:"nr_steps_done"`
	IdleSince           int64  `json:"idle_since"`
	LastFailure         int64  `json:"last_failure,omitempty"`
	DisabledUntil       int64  `json:"disabled_until,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
}

// queueDepths reports how many items are buffered in each of C8's two
// aux queues, the operational-alarm signal auxqueue.Queue.Enqueue's
// doc comment promises is exposed here.
type queueDepths struct {
	LogCompress int `json:"log_compress"`
	Notify      int `json:"notify"`
}

// httpStatus dumps the live process counters as JSON, in the same
// spirit as the teacher's pkg/graph/http.go httpDumpDispatch handler.
func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request) {
	var systemTypes []dispatcherSnapshotAlias
	if s.stats != nil {
		for _, snap := range s.stats.All() {
			systemTypes = append(systemTypes, dispatcherSnapshotAlias{
				SystemType:  snap.SystemType,
				Runnable:    snap.Runnable,
				Running:     snap.Running,
				LastActive:  snap.LastActive,
				WaitSeconds: snap.WaitSeconds,
			})
		}
	}

	var machines []machineStatus
	if s.machines != nil {
		for _, m := range s.machines.All() {
			info := m.State.Snapshot()
			ms := machineStatus{
				Name:        m.Name,
				Enabled:     m.Enabled(),
				CurrentJobs: m.State.CurrentJobs.Load(),
				MaxJobs:     m.MaxJobs,
				NrStepsDone: m.State.NrStepsDone.Load(),
				IdleSince:   m.State.IdleSince.Load(),
			}
			if !info.LastFailure.IsZero() {
				ms.LastFailure = info.LastFailure.Unix()
				ms.DisabledUntil = info.DisabledUntil.Unix()
				ms.ConsecutiveFailures = info.ConsecutiveFailures
			}
			machines = append(machines, ms)
		}
	}

	var queues queueDepths
	if s.logQueue != nil {
		queues.LogCompress = s.logQueue.Len()
	}
	if s.notifyQueue != nil {
		queues.Notify = s.notifyQueue.Len()
	}

	payload := statusPayload{
		Counters:    stats.Snap(),
		SystemTypes: systemTypes,
		Machines:    machines,
		Queues:      queues,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		jsonError(w, http.StatusInternalServerError, err)
	}
}

// httpBuildOne triggers the §6 "--build-one <id>" operational path
// over HTTP: POST /build-one/{id}.
func (s *Server) httpBuildOne(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}

	if s.buildOne == nil {
		jsonError(w, http.StatusNotImplemented, errBuildOneUnconfigured)
		return
	}

	if err := s.buildOne(id); err != nil {
		jsonError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// httpBuildStatus reports a single build's graph state: GET
// /build/{id}. Used by queue-runner-ctl to poll a --build-one trigger
// to quiescence.
func (s *Server) httpBuildStatus(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}

	if s.buildState == nil {
		jsonError(w, http.StatusNotImplemented, errBuildOneUnconfigured)
		return
	}

	result := s.buildState(id)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Known        bool `json:"known"`
		FinishedInDB bool `json:"finished_in_db"`
	}{Known: result.Known, FinishedInDB: result.FinishedInDB})
}

// jsonError writes a single-field JSON error body, matching the
// teacher's pkg/graph/http.go jsonError helper.
func jsonError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
