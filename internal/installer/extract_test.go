package installer

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeZip writes a zip archive with the given name->content entries.
func makeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range entries {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func TestExtractArchive(t *testing.T) {
	archive := makeZip(t, map[string]string{
		"app/tool.pkg":   "package bytes",
		"app/readme.txt": "docs",
	})
	dir := t.TempDir()
	require.NoError(t, extractArchive(archive, dir))

	data, err := os.ReadFile(filepath.Join(dir, "app", "tool.pkg"))
	require.NoError(t, err)
	assert.Equal(t, "package bytes", string(data))
}

func TestExtractArchiveRejectsEscapingEntries(t *testing.T) {
	archive := makeZip(t, map[string]string{
		"../evil.sh": "rm -rf /",
	})
	dir := t.TempDir()
	err := extractArchive(archive, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "evil.sh"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFindPackage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "tool.PKG"), nil, 0o644))

	found, err := findPackage(dir, "pkg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "nested", "tool.PKG"), found)

	_, err = findPackage(dir, "deb")
	assert.Error(t, err)
}
