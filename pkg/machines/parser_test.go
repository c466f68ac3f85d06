package machines

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileBasicLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machines")
	contents := "# a comment\nbuilder1 - x86_64-linux,aarch64-linux 4 1.5 kvm,big-parallel - -\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	ms, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, ms, 1)

	m := ms[0]
	assert.Equal(t, "builder1", m.Name)
	assert.Empty(t, m.SSHKey)
	assert.Equal(t, 4, m.MaxJobs)
	assert.Equal(t, 1.5, m.SpeedFactor)
	assert.Contains(t, m.SystemTypes, "x86_64-linux")
	assert.Contains(t, m.SystemTypes, "aarch64-linux")
	assert.Contains(t, m.SupportedFeatures, "kvm")
	assert.Empty(t, m.MandatoryFeatures)
}

func TestParseFileIncludesOtherFile(t *testing.T) {
	dir := t.TempDir()
	included := filepath.Join(dir, "more")
	require.NoError(t, os.WriteFile(included, []byte("builder2 - i686-linux 1 1.0 - - -\n"), 0o644))

	main := filepath.Join(dir, "machines")
	require.NoError(t, os.WriteFile(main, []byte("builder1 - x86_64-linux 1 1.0 - - -\n@more\n"), 0o644))

	ms, err := ParseFile(main)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "builder1", ms[0].Name)
	assert.Equal(t, "builder2", ms[1].Name)
}

func TestParseLineRejectsWrongFieldCount(t *testing.T) {
	_, err := parseLine("builder1 - x86_64-linux 1 1.0")
	assert.Error(t, err)
}
