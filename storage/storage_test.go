package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyquorum/recovery-backend/common"
	"github.com/keyquorum/recovery-backend/interfaces"
)

func testParticipant(t *testing.T) interfaces.ParticipantId {
	t.Helper()
	id, err := interfaces.RandomParticipantId()
	require.NoError(t, err)
	return id
}

func testBackendRoundTrip(t *testing.T, backend interfaces.KeyBlobStore) {
	t.Helper()
	ctx := context.Background()
	participant := testParticipant(t)

	has, err := backend.HasKey(ctx, participant)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = backend.LoadKey(ctx, participant)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	blob := []byte("encrypted key material")
	require.NoError(t, backend.SaveKey(ctx, participant, blob))

	has, err = backend.HasKey(ctx, participant)
	require.NoError(t, err)
	assert.True(t, has)

	loaded, err := backend.LoadKey(ctx, participant)
	require.NoError(t, err)
	assert.Equal(t, blob, loaded)

	// Saving again replaces the blob.
	replacement := []byte("rotated key material")
	require.NoError(t, backend.SaveKey(ctx, participant, replacement))
	loaded, err = backend.LoadKey(ctx, participant)
	require.NoError(t, err)
	assert.Equal(t, replacement, loaded)
}

func TestMemoryBackend(t *testing.T) {
	backend := NewMemoryBackend()
	assert.Equal(t, "memory", backend.Name())
	testBackendRoundTrip(t, backend)
}

func TestMemoryBackendCopiesBlobs(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	participant := testParticipant(t)

	blob := []byte("original")
	require.NoError(t, backend.SaveKey(ctx, participant, blob))
	blob[0] = 'X'

	loaded, err := backend.LoadKey(ctx, participant)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), loaded)
}

func TestFileBackend(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), common.SetupLogger(&common.LoggingOpts{}))
	require.NoError(t, err)
	testBackendRoundTrip(t, backend)
}

func TestMultiBackendRedundancy(t *testing.T) {
	ctx := context.Background()
	log := common.SetupLogger(&common.LoggingOpts{})

	first := NewMemoryBackend()
	second := NewMemoryBackend()
	multi, err := NewMultiBackend(log, first, second)
	require.NoError(t, err)

	participant := testParticipant(t)
	blob := []byte("replicated blob")
	require.NoError(t, multi.SaveKey(ctx, participant, blob))

	// Both replicas hold the blob after a save.
	for _, backend := range []interfaces.KeyBlobStore{first, second} {
		loaded, err := backend.LoadKey(ctx, participant)
		require.NoError(t, err)
		assert.Equal(t, blob, loaded)
	}

	// A single replica is enough for a load.
	other := testParticipant(t)
	require.NoError(t, second.SaveKey(ctx, other, []byte("only here")))
	loaded, err := multi.LoadKey(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, []byte("only here"), loaded)

	has, err := multi.HasKey(ctx, other)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = multi.LoadKey(ctx, testParticipant(t))
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestMultiBackendRequiresBackends(t *testing.T) {
	_, err := NewMultiBackend(common.SetupLogger(&common.LoggingOpts{}))
	assert.Error(t, err)
}

type permissionDeniedStore struct{}

func (permissionDeniedStore) SaveKey(ctx context.Context, participant interfaces.ParticipantId, encryptedBytes []byte) error {
	return interfaces.ErrCloudStoragePermission
}

func (permissionDeniedStore) LoadKey(ctx context.Context, participant interfaces.ParticipantId) ([]byte, error) {
	return nil, interfaces.ErrCloudStoragePermission
}

func (permissionDeniedStore) HasKey(ctx context.Context, participant interfaces.ParticipantId) (bool, error) {
	return false, interfaces.ErrCloudStoragePermission
}

func (permissionDeniedStore) Name() string { return "denied" }

func TestMultiBackendSurfacesPermissionFailures(t *testing.T) {
	ctx := context.Background()
	log := common.SetupLogger(&common.LoggingOpts{})

	multi, err := NewMultiBackend(log, permissionDeniedStore{}, NewMemoryBackend())
	require.NoError(t, err)

	participant := testParticipant(t)

	// A save must reach every replica; a denied one fails the whole save.
	err = multi.SaveKey(ctx, participant, []byte("blob"))
	assert.ErrorIs(t, err, interfaces.ErrCloudStoragePermission)

	// A load that misses everywhere reports the permission failure, not a
	// plain miss.
	_, err = multi.LoadKey(ctx, participant)
	assert.ErrorIs(t, err, interfaces.ErrCloudStoragePermission)
}

func TestStoreFromURI(t *testing.T) {
	log := common.SetupLogger(&common.LoggingOpts{})

	store, err := StoreFromURI("memory://", log)
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Name())

	store, err = StoreFromURI("file://"+t.TempDir(), log)
	require.NoError(t, err)
	testBackendRoundTrip(t, store)

	store, err = StoreFromURI("memory://, memory://", log)
	require.NoError(t, err)
	assert.Equal(t, "multi(memory,memory)", store.Name())

	_, err = StoreFromURI("carrier-pigeon://coop", log)
	assert.Error(t, err)

	_, err = StoreFromURI("file://", log)
	assert.Error(t, err)
}
