package types

import (
	"sort"
	"strings"
)

// Derivation is the parsed form of a reproducible build recipe. The
// store's own parser is an out-of-scope external collaborator (§1);
// this struct is the shape the core needs out of it.
type Derivation struct {
	// DrvPath is the store path identifying this derivation.
	DrvPath string

	// Platform is the target system (e.g. "x86_64-linux").
	Platform string

	// RequiredSystemFeatures are features the build requires of the
	// machine it runs on (e.g. "kvm", "big-parallel").
	RequiredSystemFeatures []string

	// PreferLocalBuild mirrors the derivation's preferLocalBuild flag.
	PreferLocalBuild bool

	// InputDrvPaths are the store paths of this derivation's input
	// derivations (its dependency closure, one level deep).
	InputDrvPaths []string

	// Outputs maps output name to the store path it will produce.
	Outputs map[string]string
}

// SystemType returns the capability key used for matcher lookups: the
// platform concatenated with the sorted set of required features, per
// §3 "Step" and §4.2.
func (d Derivation) SystemType() string {
	if len(d.RequiredSystemFeatures) == 0 {
		return d.Platform
	}
	features := append([]string(nil), d.RequiredSystemFeatures...)
	sort.Strings(features)
	return d.Platform + "-" + strings.Join(features, ",")
}
