package queuemonitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumiGuide/hydra/pkg/db"
	"github.com/LumiGuide/hydra/pkg/graph"
	"github.com/LumiGuide/hydra/pkg/machines"
	"github.com/LumiGuide/hydra/pkg/types"
)

type fakeParser struct {
	derivations map[string]types.Derivation
	realised    map[string]bool
	parseErr    map[string]error
}

func newFakeParser() *fakeParser {
	return &fakeParser{
		derivations: make(map[string]types.Derivation),
		realised:    make(map[string]bool),
		parseErr:    make(map[string]error),
	}
}

func (f *fakeParser) add(drv types.Derivation) {
	f.derivations[drv.DrvPath] = drv
}

func (f *fakeParser) Parse(ctx context.Context, drvPath string) (types.Derivation, error) {
	if err, ok := f.parseErr[drvPath]; ok {
		return types.Derivation{}, err
	}
	drv, ok := f.derivations[drvPath]
	if !ok {
		return types.Derivation{}, assertUnknown(drvPath)
	}
	return drv, nil
}

func (f *fakeParser) OutputsRealised(ctx context.Context, outputs map[string]string) (bool, error) {
	for _, path := range outputs {
		if f.realised[path] {
			return true, nil
		}
	}
	return false, nil
}

type unknownDrvError string

func (e unknownDrvError) Error() string { return "unknown derivation: " + string(e) }

func assertUnknown(path string) error { return unknownDrvError(path) }

func newRegistryWithMachine(t *testing.T, systemType string) *machines.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "machines")
	content := "builder1 - " + systemType + " 4 1.0 - - -\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	reg := machines.New()
	require.NoError(t, reg.Load(path))
	return reg
}

func TestExpandBuildAttachesTopLevelStepAndMakesItRunnable(t *testing.T) {
	store := graph.New()
	reg := newRegistryWithMachine(t, "x86_64-linux")
	parser := newFakeParser()
	parser.add(types.Derivation{
		DrvPath:  "/nix/store/top.drv",
		Platform: "x86_64-linux",
		Outputs:  map[string]string{"out": "/nix/store/top-out"},
	})

	m := New(hclog.NewNullLogger(), nil, store, reg, parser)

	qb := db.QueuedBuild{ID: 1, DrvPath: "/nix/store/top.drv", Project: "proj", Jobset: "js", Job: "job"}
	m.expandBuild(context.Background(), qb)

	step, ok := store.Step("/nix/store/top.drv")
	require.True(t, ok)

	step.Lock()
	runnable := step.State().Runnable(time.Now())
	_, hasBuild := step.State().Builds[1]
	step.Unlock()

	assert.True(t, runnable)
	assert.True(t, hasBuild)
	assert.Equal(t, 1, store.Runnable.Len())
}

func TestExpandBuildWiresDependencyChain(t *testing.T) {
	store := graph.New()
	reg := newRegistryWithMachine(t, "x86_64-linux")
	parser := newFakeParser()
	parser.add(types.Derivation{
		DrvPath:       "/nix/store/top.drv",
		Platform:      "x86_64-linux",
		Outputs:       map[string]string{"out": "/nix/store/top-out"},
		InputDrvPaths: []string{"/nix/store/dep.drv"},
	})
	parser.add(types.Derivation{
		DrvPath:  "/nix/store/dep.drv",
		Platform: "x86_64-linux",
		Outputs:  map[string]string{"out": "/nix/store/dep-out"},
	})

	m := New(hclog.NewNullLogger(), nil, store, reg, parser)
	m.expandBuild(context.Background(), db.QueuedBuild{ID: 1, DrvPath: "/nix/store/top.drv", Project: "proj", Jobset: "js", Job: "job"})

	top, _ := store.Step("/nix/store/top.drv")
	top.Lock()
	_, hasDep := top.State().Deps["/nix/store/dep.drv"]
	runnable := top.State().Runnable(time.Now())
	top.Unlock()

	assert.True(t, hasDep)
	assert.False(t, runnable, "top-level step should not be runnable while its dependency is unbuilt")
	assert.Equal(t, 1, store.Runnable.Len(), "only the leaf dependency should have entered the runnable set")

	dep, ok := store.Step("/nix/store/dep.drv")
	require.True(t, ok)
	dep.Lock()
	depRunnable := dep.State().Runnable(time.Now())
	dep.Unlock()
	assert.True(t, depRunnable)
}

func TestExpandBuildSkipsAlreadyRealisedDependency(t *testing.T) {
	store := graph.New()
	reg := newRegistryWithMachine(t, "x86_64-linux")
	parser := newFakeParser()
	parser.add(types.Derivation{
		DrvPath:       "/nix/store/top.drv",
		Platform:      "x86_64-linux",
		Outputs:       map[string]string{"out": "/nix/store/top-out"},
		InputDrvPaths: []string{"/nix/store/dep.drv"},
	})
	parser.add(types.Derivation{
		DrvPath:  "/nix/store/dep.drv",
		Platform: "x86_64-linux",
		Outputs:  map[string]string{"out": "/nix/store/dep-out"},
	})
	parser.realised["/nix/store/dep-out"] = true

	m := New(hclog.NewNullLogger(), nil, store, reg, parser)
	m.expandBuild(context.Background(), db.QueuedBuild{ID: 1, DrvPath: "/nix/store/top.drv", Project: "proj", Jobset: "js", Job: "job"})

	top, _ := store.Step("/nix/store/top.drv")
	top.Lock()
	runnable := top.State().Runnable(time.Now())
	top.Unlock()

	assert.True(t, runnable, "a dependency already realised in the store should not block the top-level step")
	_, depCreated := store.Step("/nix/store/dep.drv")
	assert.False(t, depCreated, "a cached dependency should never get its own step")
}

func TestExpandBuildMarksUnsupportedWhenNoMachineMatches(t *testing.T) {
	store := graph.New()
	reg := machines.New() // empty: no machine supports anything
	parser := newFakeParser()
	parser.add(types.Derivation{
		DrvPath:  "/nix/store/top.drv",
		Platform: "aarch64-linux",
		Outputs:  map[string]string{"out": "/nix/store/top-out"},
	})

	m := New(hclog.NewNullLogger(), nil, store, reg, parser)
	m.expandBuild(context.Background(), db.QueuedBuild{ID: 1, DrvPath: "/nix/store/top.drv", Project: "proj", Jobset: "js", Job: "job"})

	assert.Equal(t, 0, store.Runnable.Len())
	// The step is unreachable (no build ever attached) and should have
	// been pruned from the graph entirely.
	assert.Equal(t, 0, store.StepCount())
}

func TestApplyQueueChangeCancelDetachesAndPrunes(t *testing.T) {
	store := graph.New()
	reg := newRegistryWithMachine(t, "x86_64-linux")
	parser := newFakeParser()
	parser.add(types.Derivation{
		DrvPath:  "/nix/store/top.drv",
		Platform: "x86_64-linux",
		Outputs:  map[string]string{"out": "/nix/store/top-out"},
	})

	m := New(hclog.NewNullLogger(), nil, store, reg, parser)
	m.expandBuild(context.Background(), db.QueuedBuild{ID: 7, DrvPath: "/nix/store/top.drv", Project: "proj", Jobset: "js", Job: "job"})

	m.applyQueueChange(context.Background(), db.QueueChange{Kind: db.QueueChangeCancel, BuildID: 7})

	_, buildStillTracked := store.Build(7)
	assert.False(t, buildStillTracked)
	assert.Equal(t, 0, store.StepCount())
}

func TestApplyQueueChangeBumpUpdatesPriorities(t *testing.T) {
	store := graph.New()
	reg := newRegistryWithMachine(t, "x86_64-linux")
	parser := newFakeParser()
	parser.add(types.Derivation{
		DrvPath:  "/nix/store/top.drv",
		Platform: "x86_64-linux",
		Outputs:  map[string]string{"out": "/nix/store/top-out"},
	})

	m := New(hclog.NewNullLogger(), nil, store, reg, parser)
	m.expandBuild(context.Background(), db.QueuedBuild{ID: 9, DrvPath: "/nix/store/top.drv", Project: "proj", Jobset: "js", Job: "job"})

	m.applyQueueChange(context.Background(), db.QueueChange{Kind: db.QueueChangeBump, BuildID: 9, LocalPriority: 5, GlobalPriority: 50})

	build, ok := store.Build(9)
	require.True(t, ok)
	local, global := build.Priorities()
	assert.Equal(t, 5, local)
	assert.Equal(t, 50, global)
}
