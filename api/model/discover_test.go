package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	fnDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(fnDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(fnDir, ManifestFile), []byte(body), 0644))
}

func TestLoadFunctionManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "resize", `runtime: python3.12
memory: 512
package: s3://functions/resize.zip
model: clip-vit
env:
  LOG_LEVEL: debug
`)

	fn, err := LoadFunctionManifest(filepath.Join(dir, "resize", ManifestFile))
	require.NoError(t, err)

	assert.Equal(t, "resize", fn.ID)
	assert.Equal(t, "resize", fn.Name)
	assert.Equal(t, "python3.12", fn.Runtime)
	assert.Equal(t, 512, fn.MemoryMB)
	assert.Equal(t, "s3://functions/resize.zip", fn.PackageURI)
	assert.Equal(t, "clip-vit", fn.ModelID)
	assert.Equal(t, "debug", fn.Env["LOG_LEVEL"])
}

func TestLoadFunctionManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "hello", "id: hello-world\nruntime: node20\n")

	fn, err := LoadFunctionManifest(filepath.Join(dir, "hello", ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, "hello-world", fn.ID)
	assert.Equal(t, 128, fn.MemoryMB)
}

func TestLoadFunctionManifestRequiresRuntime(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken", "memory: 256\n")

	_, err := LoadFunctionManifest(filepath.Join(dir, "broken", ManifestFile))
	assert.Error(t, err)
}

func TestDiscoverFunctions(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a", "runtime: go1.25\n")
	writeManifest(t, dir, "b", "runtime: python3.12\n")
	writeManifest(t, dir, "bad", ": not yaml [")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0644))

	fns, err := DiscoverFunctions(dir)
	require.NoError(t, err)

	ids := make([]string, 0, len(fns))
	for _, fn := range fns {
		ids = append(ids, fn.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestDiscoverFunctionsMissingDir(t *testing.T) {
	_, err := DiscoverFunctions(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
