package derivstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSidecar(t *testing.T, dir, drvPath, contents string) {
	t.Helper()
	path := filepath.Join(dir, filepath.Base(drvPath)+".json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestParseDecodesSidecar(t *testing.T) {
	dir := t.TempDir()
	writeSidecar(t, dir, "/store/foo.drv", `{
		"platform": "x86_64-linux",
		"requiredSystemFeatures": ["kvm"],
		"preferLocalBuild": false,
		"inputDrvPaths": ["/store/bar.drv"],
		"outputs": {"out": "/store/foo-out"}
	}`)

	s := New(hclog.NewNullLogger(), dir)
	drv, err := s.Parse(context.Background(), "/store/foo.drv")
	require.NoError(t, err)

	assert.Equal(t, "/store/foo.drv", drv.DrvPath)
	assert.Equal(t, "x86_64-linux", drv.Platform)
	assert.Equal(t, []string{"kvm"}, drv.RequiredSystemFeatures)
	assert.Equal(t, []string{"/store/bar.drv"}, drv.InputDrvPaths)
	assert.Equal(t, "/store/foo-out", drv.Outputs["out"])
}

func TestParseMissingSidecarErrors(t *testing.T) {
	s := New(hclog.NewNullLogger(), t.TempDir())
	_, err := s.Parse(context.Background(), "/store/missing.drv")
	require.Error(t, err)
}

func TestOutputsRealisedTrueWhenAllPathsExist(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo-out"), []byte("x"), 0o644))

	s := New(hclog.NewNullLogger(), dir)
	ok, err := s.OutputsRealised(context.Background(), map[string]string{"out": "/store/foo-out"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOutputsRealisedFalseWhenMissing(t *testing.T) {
	s := New(hclog.NewNullLogger(), t.TempDir())
	ok, err := s.OutputsRealised(context.Background(), map[string]string{"out": "/store/missing-out"})
	require.NoError(t, err)
	assert.False(t, ok)
}
