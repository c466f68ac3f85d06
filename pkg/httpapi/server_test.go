package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumiGuide/hydra/pkg/dispatcher"
	"github.com/LumiGuide/hydra/pkg/machines"
	"github.com/LumiGuide/hydra/pkg/stats"
)

func TestHTTPStatusReportsCountersAndSystemTypes(t *testing.T) {
	stats.Counters.NrBuildsRead.Store(3)
	defer stats.Counters.NrBuildsRead.Store(0)

	reg := dispatcher.NewStatsRegistry()
	reg.Get("x86_64-linux").Runnable.Store(2)

	srv, err := New(hclog.NewNullLogger(), reg, nil, nil, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload statusPayload
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	assert.Equal(t, int64(3), payload.Counters.NrBuildsRead)
	require.Len(t, payload.SystemTypes, 1)
	assert.Equal(t, "x86_64-linux", payload.SystemTypes[0].SystemType)
	assert.Equal(t, int64(2), payload.SystemTypes[0].Runnable)
}

func TestHTTPStatusReportsMachinesAndQueueDepths(t *testing.T) {
	reg := machines.New()
	srv, err := New(hclog.NewNullLogger(), dispatcher.NewStatsRegistry(), reg, fakeQueueDepth(5), fakeQueueDepth(2), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload statusPayload
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	assert.Equal(t, 5, payload.Queues.LogCompress)
	assert.Equal(t, 2, payload.Queues.Notify)
	assert.Empty(t, payload.Machines)
}

type fakeQueueDepth int

func (f fakeQueueDepth) Len() int { return int(f) }

func TestHTTPHealthzRespondsOK(t *testing.T) {
	srv, err := New(hclog.NewNullLogger(), dispatcher.NewStatsRegistry(), nil, nil, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPBuildOneReturns501WhenUnconfigured(t *testing.T) {
	srv, err := New(hclog.NewNullLogger(), dispatcher.NewStatsRegistry(), nil, nil, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/build-one/42", nil)
	rec := httptest.NewRecorder()
	srv.r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHTTPBuildOneInvokesCallbackWithParsedID(t *testing.T) {
	var gotID int64
	buildOne := func(id int64) error {
		gotID = id
		return nil
	}

	srv, err := New(hclog.NewNullLogger(), dispatcher.NewStatsRegistry(), nil, nil, nil, buildOne)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/build-one/42", nil)
	rec := httptest.NewRecorder()
	srv.r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(42), gotID)
}

func TestHTTPBuildStatusReturns501WhenUnconfigured(t *testing.T) {
	srv, err := New(hclog.NewNullLogger(), dispatcher.NewStatsRegistry(), nil, nil, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/build/42", nil)
	rec := httptest.NewRecorder()
	srv.r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHTTPBuildStatusInvokesCallbackWithParsedID(t *testing.T) {
	var gotID int64
	srv, err := New(hclog.NewNullLogger(), dispatcher.NewStatsRegistry(), nil, nil, nil, nil)
	require.NoError(t, err)
	srv.WithBuildStatusFunc(func(id int64) BuildStatusResult {
		gotID = id
		return BuildStatusResult{Known: true, FinishedInDB: true}
	})

	req := httptest.NewRequest(http.MethodGet, "/build/42", nil)
	rec := httptest.NewRecorder()
	srv.r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), gotID)

	var payload struct {
		Known        bool `json:"known"`
		FinishedInDB bool `json:"finished_in_db"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	assert.True(t, payload.Known)
	assert.True(t, payload.FinishedInDB)
}

func TestHTTPBuildOneRejectsNonNumericID(t *testing.T) {
	srv, err := New(hclog.NewNullLogger(), dispatcher.NewStatsRegistry(), nil, nil, nil, func(int64) error { return nil })
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/build-one/not-a-number", nil)
	rec := httptest.NewRecorder()
	srv.r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
