package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewLocalStorage(dir, "https://files.example.com/")
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("fake image bytes")
	require.NoError(t, storage.Put(ctx, "media/1/2/photo.jpg", data, "image/jpeg"))

	stored, err := os.ReadFile(filepath.Join(dir, "media", "1", "2", "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	url, err := storage.URL(ctx, "media/1/2/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/media/1/2/photo.jpg", url)

	require.NoError(t, storage.Delete(ctx, "media/1/2/photo.jpg"))
	_, err = os.Stat(filepath.Join(dir, "media", "1", "2", "photo.jpg"))
	assert.True(t, os.IsNotExist(err))

	// Deleting twice is not an error.
	require.NoError(t, storage.Delete(ctx, "media/1/2/photo.jpg"))
}

func TestLocalStorageRequiresPublicURLForSending(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir(), "")
	require.NoError(t, err)

	_, err = storage.URL(context.Background(), "media/1/2/photo.jpg")
	require.Error(t, err)
}

func TestExtensionForMime(t *testing.T) {
	assert.Equal(t, "jpg", extensionForMime("image/jpeg"))
	assert.Equal(t, "ogg", extensionForMime("audio/ogg; codecs=opus"))
	assert.Equal(t, "pdf", extensionForMime("application/pdf"))
	assert.Equal(t, "bin", extensionForMime("application/x-unknown"))
}
