package dispatcher

import (
	"sort"
	"time"

	"github.com/LumiGuide/hydra/pkg/types"
)

// sortKey is a plain-value copy of the fields the §4.5 step-2
// comparator reads, snapshotted under each step's lock so the actual
// sort.Slice comparisons need no locking.
type sortKey struct {
	step                  *types.Step
	highestGlobalPriority int
	lowestShareUsed       float64
	highestLocalPriority  int
	lowestBuildID         types.BuildID
	runnableSince         time.Time
}

// sortRunnable orders steps per §4.5 step 2's six-criteria comparator,
// lexicographically, earlier meaning higher priority:
//  1. larger highestGlobalPriority
//  2. smaller lowestShareUsed among the step's jobsets
//  3. larger highestLocalPriority
//  4. smaller lowestBuildID (FIFO within a priority class)
//  5. smaller runnableSince (age tie-break)
//  6. deterministic tie-break on derivation path
func sortRunnable(keys []sortKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]

		if a.highestGlobalPriority != b.highestGlobalPriority {
			return a.highestGlobalPriority > b.highestGlobalPriority
		}
		if a.lowestShareUsed != b.lowestShareUsed {
			return a.lowestShareUsed < b.lowestShareUsed
		}
		if a.highestLocalPriority != b.highestLocalPriority {
			return a.highestLocalPriority > b.highestLocalPriority
		}
		if a.lowestBuildID != b.lowestBuildID {
			return a.lowestBuildID < b.lowestBuildID
		}
		if !a.runnableSince.Equal(b.runnableSince) {
			return a.runnableSince.Before(b.runnableSince)
		}
		return a.step.DrvPath < b.step.DrvPath
	})
}
