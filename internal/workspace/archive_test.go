package workspace

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "1")
	writeFile(t, filepath.Join(src, "b", "c.txt"), "2")
	writeFile(t, filepath.Join(src, "b", "empty"), "")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))

	blob, err := packArchive(src, nil)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, unpackArchive(blob, dst))

	got, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	got, err = os.ReadFile(filepath.Join(dst, "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))

	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)
}

func TestArchiveIgnores(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "main.go"), "package main")
	writeFile(t, filepath.Join(src, "node_modules", "x", "index.js"), "x")
	writeFile(t, filepath.Join(src, "sub", "node_modules", "y.js"), "y")
	writeFile(t, filepath.Join(src, ".git", "objects", "ab", "cd"), "o")
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref: main")

	ignore := []string{"**/node_modules/**", "**/.git/objects/**"}
	blob, err := packArchive(src, ignore)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, unpackArchive(blob, dst))

	assert.FileExists(t, filepath.Join(dst, "main.go"))
	assert.FileExists(t, filepath.Join(dst, ".git", "HEAD"))
	assert.NoDirExists(t, filepath.Join(dst, "node_modules"))
	assert.NoDirExists(t, filepath.Join(dst, "sub", "node_modules"))
	assert.NoDirExists(t, filepath.Join(dst, ".git", "objects"))
}

func TestUnpackRejectsPathEscape(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../evil.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     1,
	}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	dst := t.TempDir()
	err = unpackArchive(buf.Bytes(), dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes workspace")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dst), "evil.txt"))
}

func TestUnpackGarbageBlob(t *testing.T) {
	err := unpackArchive([]byte("not an archive"), t.TempDir())
	require.Error(t, err)
}
