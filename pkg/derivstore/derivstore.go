// Package derivstore implements the out-of-scope derivation store
// collaborator (§1, §3: "the remote build protocol itself... is out
// of scope") that pkg/queuemonitor.DerivationStore needs to actually
// run a binary: parsing a derivation path into the shape C3 expands,
// and checking whether a derivation's outputs already exist in the
// store. It fills the same role for the queue monitor that
// pkg/builder/ssh fills for the remote build protocol - a concrete,
// minimal default behind an interface the core only consumes.
//
// The real store format (Nix's ATerm-encoded .drv files, content
// addressing, substituters) is out of scope here; this implementation
// reads a JSON sidecar file next to each derivation path instead,
// which is sufficient to drive the scheduler end to end in tests and
// small deployments without dragging in a full store implementation.
package derivstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/types"
)

// drvFile is the on-disk shape of a derivation's JSON sidecar,
// <drvPath>.json under Store.Dir.
type drvFile struct {
	Platform               string            `json:"platform"`
	RequiredSystemFeatures []string          `json:"requiredSystemFeatures"`
	PreferLocalBuild       bool              `json:"preferLocalBuild"`
	InputDrvPaths          []string          `json:"inputDrvPaths"`
	Outputs                map[string]string `json:"outputs"`
}

// Store is a filesystem-backed queuemonitor.DerivationStore: each
// derivation path "/store/xyz.drv" is described by a JSON file at
// "<Dir>/xyz.drv.json", and an output is realised when its store path
// exists on disk under Dir.
type Store struct {
	Dir string

	l hclog.Logger
}

// New constructs a Store rooted at dir.
func New(l hclog.Logger, dir string) *Store {
	return &Store{Dir: dir, l: l.Named("derivstore")}
}

// Parse reads and decodes drvPath's JSON sidecar.
func (s *Store) Parse(ctx context.Context, drvPath string) (types.Derivation, error) {
	f, err := os.Open(s.sidecarPath(drvPath))
	if err != nil {
		return types.Derivation{}, fmt.Errorf("derivstore: open %s: %w", drvPath, err)
	}
	defer f.Close()

	var raw drvFile
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return types.Derivation{}, fmt.Errorf("derivstore: decode %s: %w", drvPath, err)
	}

	return types.Derivation{
		DrvPath:                drvPath,
		Platform:               raw.Platform,
		RequiredSystemFeatures: raw.RequiredSystemFeatures,
		PreferLocalBuild:       raw.PreferLocalBuild,
		InputDrvPaths:          raw.InputDrvPaths,
		Outputs:                raw.Outputs,
	}, nil
}

// OutputsRealised reports whether every named output path already
// exists under Dir, letting C3 mark a build finished-from-cache
// without ever creating a step (§4.3 step 1).
func (s *Store) OutputsRealised(ctx context.Context, outputs map[string]string) (bool, error) {
	for name, path := range outputs {
		if path == "" {
			continue
		}
		if _, err := os.Stat(s.realPath(path)); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("derivstore: stat output %q: %w", name, err)
		}
	}
	return true, nil
}

func (s *Store) sidecarPath(drvPath string) string {
	return filepath.Join(s.Dir, filepath.Base(drvPath)+".json")
}

func (s *Store) realPath(storePath string) string {
	if filepath.IsAbs(storePath) && s.Dir == "" {
		return storePath
	}
	return filepath.Join(s.Dir, filepath.Base(storePath))
}
