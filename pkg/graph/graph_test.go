package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumiGuide/hydra/pkg/types"
)

func drv(path, platform string) types.Derivation {
	return types.Derivation{
		DrvPath:  path,
		Platform: platform,
		Outputs:  map[string]string{"out": path + "-out"},
	}
}

func TestGetOrCreateStepIsIdempotent(t *testing.T) {
	s := New()

	st1, created1 := s.GetOrCreateStep(drv("/nix/store/a.drv", "x86_64-linux"))
	st2, created2 := s.GetOrCreateStep(drv("/nix/store/a.drv", "x86_64-linux"))

	assert.True(t, created1)
	assert.False(t, created2)
	assert.Same(t, st1, st2)
	assert.Equal(t, 1, s.StepCount())
}

func TestAddDependencySetsBothSides(t *testing.T) {
	s := New()
	parent, _ := s.GetOrCreateStep(drv("/nix/store/parent.drv", "x86_64-linux"))
	child, _ := s.GetOrCreateStep(drv("/nix/store/child.drv", "x86_64-linux"))

	s.AddDependency(parent, child)

	parent.Lock()
	_, hasDep := parent.State().Deps[child.DrvPath]
	parent.Unlock()
	assert.True(t, hasDep)

	child.Lock()
	_, hasRDep := child.State().RDeps[parent.DrvPath]
	child.Unlock()
	assert.True(t, hasRDep)
}

func TestRemoveDependencyReportsRunnable(t *testing.T) {
	s := New()
	parent, _ := s.GetOrCreateStep(drv("/nix/store/parent.drv", "x86_64-linux"))
	child, _ := s.GetOrCreateStep(drv("/nix/store/child.drv", "x86_64-linux"))
	s.AddDependency(parent, child)

	now := time.Now()
	parent.Lock()
	runnableBefore := parent.State().Runnable(now)
	parent.Unlock()
	require.False(t, runnableBefore)

	becameRunnable := s.RemoveDependency(parent, child, now)
	assert.True(t, becameRunnable)

	parent.Lock()
	_, stillHasDep := parent.State().Deps[child.DrvPath]
	assert.False(t, stillHasDep)
	assert.True(t, parent.State().Runnable(now))
	parent.Unlock()
}

func TestAttachBuildUpdatesCachedPriority(t *testing.T) {
	s := New()
	step, _ := s.GetOrCreateStep(drv("/nix/store/a.drv", "x86_64-linux"))
	b := types.NewBuild(1, step.DrvPath, "proj", "job", "x")
	b.SetPriorities(0, 7)

	s.AttachBuild(b, step)

	step.Lock()
	defer step.Unlock()
	assert.Equal(t, 7, step.State().HighestGlobalPriority)
	assert.Contains(t, step.State().Builds, b.ID)
}

func TestTransitiveDepsWalksFullClosure(t *testing.T) {
	s := New()
	top, _ := s.GetOrCreateStep(drv("/nix/store/top.drv", "x86_64-linux"))
	mid, _ := s.GetOrCreateStep(drv("/nix/store/mid.drv", "x86_64-linux"))
	leaf, _ := s.GetOrCreateStep(drv("/nix/store/leaf.drv", "x86_64-linux"))

	s.AddDependency(top, mid)
	s.AddDependency(mid, leaf)

	closure := s.TransitiveDeps(top)
	assert.Len(t, closure, 3)
}

func TestTransitiveDependentsCollectsBuilds(t *testing.T) {
	s := New()
	leaf, _ := s.GetOrCreateStep(drv("/nix/store/leaf.drv", "x86_64-linux"))
	top, _ := s.GetOrCreateStep(drv("/nix/store/top.drv", "x86_64-linux"))
	s.AddDependency(top, leaf)

	b := types.NewBuild(42, top.DrvPath, "proj", "job", "x")
	b.Toplevel = top
	s.AttachBuild(b, top)

	steps, builds := s.TransitiveDependents(leaf)
	require.Len(t, steps, 1)
	assert.Equal(t, top.DrvPath, steps[0].DrvPath)
	require.Len(t, builds, 1)
	assert.Equal(t, b.ID, builds[0].ID)
}

func TestPrunedUnreachableDropsOrphanedChain(t *testing.T) {
	s := New()
	top, _ := s.GetOrCreateStep(drv("/nix/store/top.drv", "x86_64-linux"))
	mid, _ := s.GetOrCreateStep(drv("/nix/store/mid.drv", "x86_64-linux"))
	leaf, _ := s.GetOrCreateStep(drv("/nix/store/leaf.drv", "x86_64-linux"))
	s.AddDependency(top, mid)
	s.AddDependency(mid, leaf)

	b := types.NewBuild(1, top.DrvPath, "proj", "job", "x")
	b.Toplevel = top
	s.AttachBuild(b, top)

	s.DetachBuild(b, top)
	dropped := s.PrunedUnreachable(top)

	assert.Len(t, dropped, 3)
	_, ok := s.Step(top.DrvPath)
	assert.False(t, ok)
	_, ok = s.Step(leaf.DrvPath)
	assert.False(t, ok)
}

func TestPrunedUnreachableKeepsStepWithRemainingRDep(t *testing.T) {
	s := New()
	shared, _ := s.GetOrCreateStep(drv("/nix/store/shared.drv", "x86_64-linux"))
	a, _ := s.GetOrCreateStep(drv("/nix/store/a.drv", "x86_64-linux"))
	b, _ := s.GetOrCreateStep(drv("/nix/store/b.drv", "x86_64-linux"))
	s.AddDependency(a, shared)
	s.AddDependency(b, shared)

	buildA := types.NewBuild(1, a.DrvPath, "proj", "job", "a")
	buildA.Toplevel = a
	s.AttachBuild(buildA, a)

	s.DetachBuild(buildA, a)
	dropped := s.PrunedUnreachable(a)

	assert.Len(t, dropped, 1)
	_, ok := s.Step(shared.DrvPath)
	assert.True(t, ok, "shared step still has b as an rdep and must survive")
}

func TestPropagatePrioritiesAddsRunnableLeafToSet(t *testing.T) {
	s := New()
	top, _ := s.GetOrCreateStep(drv("/nix/store/top.drv", "x86_64-linux"))
	leaf, _ := s.GetOrCreateStep(drv("/nix/store/leaf.drv", "x86_64-linux"))
	s.AddDependency(top, leaf)

	b := types.NewBuild(1, top.DrvPath, "proj", "job", "x")
	b.Toplevel = top
	s.AttachBuild(b, top)

	s.PropagatePriorities(b, time.Now())

	assert.Equal(t, 1, s.Runnable.Len())
	snap := s.Runnable.Snapshot(time.Now())
	require.Len(t, snap, 1)
	assert.Equal(t, leaf.DrvPath, snap[0].DrvPath)
}

func TestCancelBuildDropsUnreachableStepsAndFinalizes(t *testing.T) {
	s := New()
	top, _ := s.GetOrCreateStep(drv("/nix/store/top.drv", "x86_64-linux"))
	b := types.NewBuild(9, top.DrvPath, "proj", "job", "x")
	b.Toplevel = top
	s.AddBuild(b)
	s.AttachBuild(b, top)

	dropped := s.CancelBuild(b, time.Now())

	assert.True(t, b.FinishedInDB())
	assert.Len(t, dropped, 1)
	_, ok := s.Build(b.ID)
	assert.False(t, ok)
}

func TestCancelBuildIsIdempotent(t *testing.T) {
	s := New()
	top, _ := s.GetOrCreateStep(drv("/nix/store/top.drv", "x86_64-linux"))
	b := types.NewBuild(9, top.DrvPath, "proj", "job", "x")
	b.Toplevel = top
	s.AttachBuild(b, top)

	first := s.CancelBuild(b, time.Now())
	second := s.CancelBuild(b, time.Now())

	assert.NotEmpty(t, first)
	assert.Nil(t, second)
}

func TestRunnableSetSnapshotDropsStaleEntries(t *testing.T) {
	s := New()
	leaf, _ := s.GetOrCreateStep(drv("/nix/store/leaf.drv", "x86_64-linux"))
	s.Runnable.Add(leaf)

	blocker, _ := s.GetOrCreateStep(drv("/nix/store/blocker.drv", "x86_64-linux"))
	s.AddDependency(leaf, blocker)

	snap := s.Runnable.Snapshot(time.Now())
	assert.Empty(t, snap)
	assert.Equal(t, 0, s.Runnable.Len())
}
