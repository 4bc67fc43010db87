package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, "s3://bucket/engines/unet.plan", PathJoinSafe("s3://bucket/", "engines", "unet.plan"))
	assert.Equal(t, filepath.Join("models", "unet.plan"), PathJoinSafe("models", "unet.plan"))
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.plan")

	exists, err := FileExists(path)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, os.WriteFile(path, []byte("engine"), 0o600))
	exists, err = FileExists(path)
	require.NoError(t, err)
	assert.True(t, exists)

	b, err := ReadFileBytes(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("engine"), b)

	info, err := FileStats(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, DeleteFile(path))
	exists, err = FileExists(path)
	require.NoError(t, err)
	assert.False(t, exists)
}
