package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomshare/internal/logging"
	"roomshare/internal/storage"
	"roomshare/internal/validate"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	catalog, err := storage.NewStore("sqlite://file:files_" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })
	require.NoError(t, catalog.Migrate(context.Background()))
	return NewFileStore(catalog, t.TempDir(), nil, logging.Discard())
}

func TestFileStoreSaveAndOpen(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	content := "Hello, this is a test file!"

	f, err := fs.Save(ctx, "testroom1", "u1", "test.txt", "", strings.NewReader(content))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(sum[:]), f.SHA256)
	assert.EqualValues(t, len(content), f.Size)
	assert.Equal(t, "test.txt", f.Name)
	assert.True(t, strings.HasPrefix(f.MimeType, "text/plain"), f.MimeType)
	assert.Equal(t, filepath.Join(fs.Dir(), "testroom1"), filepath.Dir(f.Path))

	blob, meta, err := fs.Open(ctx, f.ID)
	require.NoError(t, err)
	defer blob.Close()
	data, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
	assert.Equal(t, "u1", meta.UploaderID)

	count, size, err := fs.Totals(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	assert.EqualValues(t, len(content), size)
}

func TestFileStoreRejectsBadInput(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	_, err := fs.Save(ctx, "bad", "u1", "a.txt", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, validate.ErrInvalidRoomKey)

	_, err = fs.Save(ctx, "testroom1", "u1", "..", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, validate.ErrInvalidFilename)

	_, _, err = fs.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestFileStoreStripsTraversal(t *testing.T) {
	fs := newTestFileStore(t)
	f, err := fs.Save(context.Background(), "testroom1", "u1", "../../etc/passwd", "", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "passwd", f.Name)
	assert.True(t, fs.contains(f.Path))
}

func TestFileStoreOpenMissingBlob(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	f, err := fs.Save(ctx, "testroom1", "u1", "gone.txt", "", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(f.Path))

	_, _, err = fs.Open(ctx, f.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestFileStorePurgeRoom(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	keep, err := fs.Save(ctx, "testroom1", "u1", "keep.txt", "", strings.NewReader("k"))
	require.NoError(t, err)
	drop, err := fs.Save(ctx, "testroom1", "u1", "drop.txt", "", strings.NewReader("d"))
	require.NoError(t, err)

	removed, err := fs.PurgeRoom(ctx, "testroom1", func(id string) bool { return id == keep.ID })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = fs.Get(ctx, drop.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = os.Stat(drop.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = fs.Get(ctx, keep.ID)
	assert.NoError(t, err)

	removed, err = fs.PurgeRoom(ctx, "testroom1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(filepath.Join(fs.Dir(), "testroom1"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStorePurgeOrphans(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	live, err := fs.Save(ctx, "liveroom1", "u1", "a.txt", "", strings.NewReader("a"))
	require.NoError(t, err)
	orphan, err := fs.Save(ctx, "deadroom1", "u1", "b.txt", "", strings.NewReader("b"))
	require.NoError(t, err)

	removed, err := fs.PurgeOrphans(ctx, []string{"liveroom1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = fs.Get(ctx, live.ID)
	assert.NoError(t, err)
	_, err = fs.Get(ctx, orphan.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestSanitizePathComponent(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"normal.txt", "normal.txt"},
		{"file/with/slashes.txt", "file_with_slashes.txt"},
		{"file\\with\\backslashes.txt", "file_with_backslashes.txt"},
		{"file\x00null.txt", "filenull.txt"},
		{"  spaces  ", "spaces"},
		{"", "unnamed"},
		{"..", "unnamed"},
		{".", "unnamed"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizePathComponent(tt.input))
		})
	}
}
