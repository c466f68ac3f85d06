package machines

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumiGuide/hydra/pkg/types"
)

func writeMachinesFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "machines")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestRegistryLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := writeMachinesFile(t, dir, "builder1 - x86_64-linux 1 1.0 kvm - -\n")

	r := New()
	require.NoError(t, r.Load(path))

	m, ok := r.Lookup("builder1")
	require.True(t, ok)
	assert.Equal(t, "builder1", m.Name)
}

func TestRegistryReloadDropsRemovedMachine(t *testing.T) {
	dir := t.TempDir()
	path := writeMachinesFile(t, dir, "builder1 - x86_64-linux 1 1.0 - - -\nbuilder2 - x86_64-linux 1 1.0 - - -\n")

	r := New()
	require.NoError(t, r.Load(path))
	require.Len(t, r.All(), 2)

	writeMachinesFile(t, dir, "builder1 - x86_64-linux 1 1.0 - - -\n")
	require.NoError(t, r.Load(path))

	assert.Len(t, r.All(), 1)
	_, ok := r.Lookup("builder2")
	assert.False(t, ok)
}

func TestMachinesSupportingFiltersByPlatformAndFeatures(t *testing.T) {
	dir := t.TempDir()
	path := writeMachinesFile(t, dir,
		"builder1 - x86_64-linux 1 1.0 kvm,big-parallel kvm -\n"+
			"builder2 - aarch64-linux 1 1.0 - - -\n")

	r := New()
	require.NoError(t, r.Load(path))

	step := types.NewStep(types.Derivation{
		DrvPath:                "/nix/store/x.drv",
		Platform:                "x86_64-linux",
		RequiredSystemFeatures: []string{"kvm"},
	})

	supporting := r.MachinesSupporting(step)
	require.Len(t, supporting, 1)
	assert.Equal(t, "builder1", supporting[0].Name)
}

func TestMachinesSupportingExcludesUnmetMandatoryFeature(t *testing.T) {
	dir := t.TempDir()
	path := writeMachinesFile(t, dir, "builder1 - x86_64-linux 1 1.0 kvm kvm -\n")

	r := New()
	require.NoError(t, r.Load(path))

	step := types.NewStep(types.Derivation{
		DrvPath:  "/nix/store/x.drv",
		Platform: "x86_64-linux",
	})

	assert.Empty(t, r.MachinesSupporting(step))
}
