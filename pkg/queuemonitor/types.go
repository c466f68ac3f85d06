package queuemonitor

import (
	"context"

	"github.com/LumiGuide/hydra/pkg/types"
)

// DerivationStore is the out-of-scope store collaborator (§1) the
// monitor needs: parsing a derivation path into its dependency closure
// shape, and checking whether a derivation's outputs are already
// realised (so its build can be finished from cache without entering
// the graph at all, per §4.3 step 1).
type DerivationStore interface {
	Parse(ctx context.Context, drvPath string) (types.Derivation, error)
	OutputsRealised(ctx context.Context, outputs map[string]string) (bool, error)
}
