//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/apkpack/core/testutil"
	"github.com/meigma/apkpack/storage"
	"github.com/meigma/apkpack/storage/oci"
	"github.com/meigma/apkpack/storage/s3"
)

func TestOCIStore_RoundTrip(t *testing.T) {
	t.Parallel()

	repo := testRepo(getRegistry(t), t.Name())
	store, err := oci.NewRemote(repo, oci.RemoteConfig{PlainHTTP: true},
		oci.WithAnnotations(map[string]string{"org.opencontainers.image.source": "https://example.com/app"}))
	require.NoError(t, err)

	ctx := context.Background()
	data := sampleAPK(t)
	require.NoError(t, store.Store(ctx, "v1.0.0", data))
	got, err := store.Fetch(ctx, "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Same bytes under a second tag share the layer but get their own manifest.
	require.NoError(t, store.Store(ctx, "latest", data))
	got, err = store.Fetch(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Retagging replaces the archive the tag resolves to.
	other := testutil.CreateRaw(t, testutil.Stored("AndroidManifest.xml", []byte("v2")))
	require.NoError(t, store.Store(ctx, "latest", other))
	got, err = store.Fetch(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, other, got)
	got, err = store.Fetch(ctx, "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOCIStore_NotFound(t *testing.T) {
	t.Parallel()

	store, err := oci.NewRemote(testRepo(getRegistry(t), t.Name()), oci.RemoteConfig{PlainHTTP: true})
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Fetch(context.Background(), "not a tag")
	require.ErrorIs(t, err, storage.ErrInvalidKey)
}

func TestS3Store_RoundTrip(t *testing.T) {
	t.Parallel()

	bucket := testBucket(t.Name())
	client := newS3Client(t, getMinio(t), bucket)
	store, err := s3.New(client, bucket, s3.WithPrefix("releases"))
	require.NoError(t, err)

	ctx := context.Background()
	data := sampleAPK(t)
	require.NoError(t, store.Store(ctx, "app/1.apk", data))
	got, err := store.Fetch(ctx, "app/1.apk")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = store.Fetch(ctx, "app/2.apk")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
