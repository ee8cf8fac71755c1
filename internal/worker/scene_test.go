package worker

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStable(t *testing.T) {
	a := fingerprint("scene-A")
	b := fingerprint("scene-A")
	c := fingerprint("scene-B")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSceneFileLayout(t *testing.T) {
	fp := fingerprint("scene-A")
	root := "/tmp/work"
	assert.Equal(t, filepath.Join(root, "anonymous", itoa(fp)), sceneDir(root, fp))
	assert.Equal(t, filepath.Join(root, "anonymous", itoa(fp), itoa(fp)+".blend"), sceneFile(root, fp))
	assert.Equal(t, filepath.Join(root, "anonymous", itoa(fp), "render"), renderDir(root, fp))
}

func TestEnsureDirTolerance(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "anonymous")
	require.NoError(t, ensureDir(dir))
	require.NoError(t, ensureDir(dir)) // already exists; must not error

	// Anything else (e.g. a file in the way) must fail loudly.
	blocked := filepath.Join(root, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))
	require.Error(t, ensureDir(filepath.Join(blocked, "child")))
}

func itoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}
