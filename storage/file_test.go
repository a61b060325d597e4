package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	b, err := NewFileBackend(dir, log)
	require.NoError(t, err)
	assert.True(t, b.Available(context.Background()))
	assert.Equal(t, "file://"+dir, b.LocationURI())

	content := []byte("print('hello')\n")
	id, err := b.Store(context.Background(), content, interfaces.PrimaryArtifact)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(content), id)

	path := b.PathFor(id, interfaces.PrimaryArtifact)
	assert.Equal(t, filepath.Join(dir, "primary", id.String()), path)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	got, err := b.Fetch(context.Background(), id, interfaces.PrimaryArtifact)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// kinds are separate namespaces
	_, err = b.Fetch(context.Background(), id, interfaces.BootArtifact)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	// storing twice is idempotent
	again, err := b.Store(context.Background(), content, interfaces.PrimaryArtifact)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	entries, err := os.ReadDir(filepath.Join(dir, "primary"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStorageBackendFactory(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	factory := NewStorageBackendFactory(log)

	locations, err := ParseLocations([]string{"file://" + dir})
	require.NoError(t, err)

	backend, err := factory.StorageBackendFor(locations[0])
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	s3loc, err := interfaces.NewStorageBackendLocation("s3://AKID:SECRET@artifacts/devices?region=eu-west-1&endpoint=http://127.0.0.1:9000")
	require.NoError(t, err)
	s3backend, err := factory.StorageBackendFor(s3loc)
	require.NoError(t, err)
	assert.Equal(t, "s3-artifacts", s3backend.Name())
	assert.NotContains(t, s3backend.LocationURI(), "SECRET")

	_, err = ParseLocations([]string{"ipfs://localhost:5001"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	multi, err := factory.CreateMultiBackend(locations)
	require.NoError(t, err)
	assert.Equal(t, "multi:[file://"+dir+"]", multi.LocationURI())
}
