package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/config"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore("arion")
	ctx := context.Background()

	err := store.Put(ctx, "asset/t1/a1/report.pdf", []byte("pdf-bytes"), "application/pdf")
	require.NoError(t, err)

	data, err := store.Get(ctx, "asset/t1/a1/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf-bytes"), data)

	// Returned slice is a copy; mutating it must not affect the store.
	data[0] = 'X'
	again, err := store.Get(ctx, "asset/t1/a1/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf-bytes"), again)
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore("")
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = store.PresignedGetURL(context.Background(), "missing", time.Minute)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore("")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), ""))
	require.NoError(t, store.Delete(ctx, "k"))
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, store.Delete(ctx, "k"))
}

func TestMemoryStore_PresignedURL(t *testing.T) {
	store := NewMemoryStore("arion")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "payload/t1/c1/5.json.gz", []byte("gz"), "application/gzip"))

	u, err := store.PresignedGetURL(ctx, "payload/t1/c1/5.json.gz", 15*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "memory://")
	assert.Contains(t, u, "expires=")
}

func TestNew_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, config.ObjectStoreConfig{Provider: config.ObjectStoreMemory, KeyPrefix: "arion"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = New(ctx, config.ObjectStoreConfig{Provider: config.ObjectStoreGCS, Bucket: "b"})
	assert.Error(t, err)

	_, err = New(ctx, config.ObjectStoreConfig{Provider: config.ObjectStoreProvider("bogus")})
	assert.Error(t, err)
}

func TestPayloadKey(t *testing.T) {
	assert.Equal(t, "payload/t1/c1/42.json.gz", PayloadKey("t1", "c1", 42))
}

func TestAssetKey(t *testing.T) {
	assert.Equal(t, "asset/t1/a1/chart.png", AssetKey("t1", "a1", "chart.png"))
	assert.Equal(t, "asset/t1/a1/_etc_passwd", AssetKey("t1", "a1", "/etc/passwd"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"  padded.txt  ", "padded.txt"},
		{"a/b\\c", "a_b_c"},
		{"..", "file"},
		{"", "file"},
		{"ctrl\x01char.png", "ctrlchar.png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}
