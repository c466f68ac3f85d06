package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/LumiGuide/hydra/pkg/types"
)

func stepWithPath(path string) *types.Step {
	return types.NewStep(types.Derivation{DrvPath: path, Platform: "x86_64-linux"})
}

func TestSortRunnableOrdersByGlobalPriorityFirst(t *testing.T) {
	low := sortKey{step: stepWithPath("/nix/store/a.drv"), highestGlobalPriority: 0}
	high := sortKey{step: stepWithPath("/nix/store/b.drv"), highestGlobalPriority: 10}

	keys := []sortKey{low, high}
	sortRunnable(keys)

	assert.Equal(t, "/nix/store/b.drv", keys[0].step.DrvPath)
}

func TestSortRunnableFallsBackToShareUsedThenLocalPriority(t *testing.T) {
	a := sortKey{step: stepWithPath("/nix/store/a.drv"), lowestShareUsed: 5.0}
	b := sortKey{step: stepWithPath("/nix/store/b.drv"), lowestShareUsed: 1.0}

	keys := []sortKey{a, b}
	sortRunnable(keys)
	assert.Equal(t, "/nix/store/b.drv", keys[0].step.DrvPath, "lower shareUsed should sort first")

	c := sortKey{step: stepWithPath("/nix/store/c.drv"), lowestShareUsed: 1.0, highestLocalPriority: 1}
	d := sortKey{step: stepWithPath("/nix/store/d.drv"), lowestShareUsed: 1.0, highestLocalPriority: 9}

	keys = []sortKey{c, d}
	sortRunnable(keys)
	assert.Equal(t, "/nix/store/d.drv", keys[0].step.DrvPath, "higher local priority should sort first on a tie")
}

func TestSortRunnableTiesBreakOnBuildIDThenAgeThenDrvPath(t *testing.T) {
	older := sortKey{step: stepWithPath("/nix/store/z.drv"), lowestBuildID: 5, runnableSince: time.Unix(100, 0)}
	younger := sortKey{step: stepWithPath("/nix/store/a.drv"), lowestBuildID: 5, runnableSince: time.Unix(200, 0)}

	keys := []sortKey{younger, older}
	sortRunnable(keys)
	assert.Equal(t, "/nix/store/z.drv", keys[0].step.DrvPath, "older runnableSince should win a full tie")

	sameAge1 := sortKey{step: stepWithPath("/nix/store/b.drv"), runnableSince: time.Unix(300, 0)}
	sameAge2 := sortKey{step: stepWithPath("/nix/store/a.drv"), runnableSince: time.Unix(300, 0)}
	keys = []sortKey{sameAge1, sameAge2}
	sortRunnable(keys)
	assert.Equal(t, "/nix/store/a.drv", keys[0].step.DrvPath, "derivation path is the final deterministic tiebreak")
}
