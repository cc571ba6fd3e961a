package ownerhandler

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyquorum/recovery-backend/access"
	"github.com/keyquorum/recovery-backend/authority"
	"github.com/keyquorum/recovery-backend/biometry"
	"github.com/keyquorum/recovery-backend/common"
	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
	"github.com/keyquorum/recovery-backend/policy"
	"github.com/keyquorum/recovery-backend/storage"
)

func newTestServer(t *testing.T) *Client {
	t.Helper()

	log := common.SetupLogger(&common.LoggingOpts{})
	auth, err := authority.New(authority.Config{AccessWindow: time.Hour}, log)
	require.NoError(t, err)

	mux := chi.NewRouter()
	NewHandler(auth, auth, log).RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return NewClient(server.URL)
}

func TestClientRegisterAndState(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	deviceKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	resp, err := client.RegisterOwner(ctx, deviceKey.Public)
	require.NoError(t, err)
	initial, ok := resp.OwnerState.(interfaces.OwnerStateInitial)
	require.True(t, ok)
	assert.NotEmpty(t, initial.Entropy)

	state, err := client.RetrieveOwnerState(ctx, deviceKey.Public)
	require.NoError(t, err)
	roundTripped, ok := state.(interfaces.OwnerStateInitial)
	require.True(t, ok)
	assert.Equal(t, initial.Entropy, roundTripped.Entropy)
}

func TestClientErrorMapping(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	unknown, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	_, err = client.RetrieveOwnerState(ctx, unknown.Public)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	_, err = client.RegisterOwner(ctx, unknown.Public)
	require.NoError(t, err)

	_, err = client.StoreSeedPhrase(ctx, unknown.Public, "wallet", []byte("ciphertext"))
	assert.ErrorIs(t, err, interfaces.ErrNoPolicy)

	participant, err := interfaces.RandomParticipantId()
	require.NoError(t, err)
	err = client.AcceptInvitation(ctx, participant)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestClientTransportFailure(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")

	deviceKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	_, err = client.RegisterOwner(context.Background(), deviceKey.Public)
	assert.ErrorIs(t, err, interfaces.ErrRemoteUnavailable)
}

// The owner-only recovery flow exercised end to end over HTTP, covering the
// JSON codecs for policies, accesses, and shard responses.
func TestOwnerFlowOverHTTP(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()
	log := common.SetupLogger(&common.LoggingOpts{})

	deviceKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	engine := policy.NewEngine(client, deviceKey, log)
	provider := biometry.NewStaticProvider(interfaces.FacetecBiometry{FaceScan: []byte("face scan")})
	orchestrator := access.NewOrchestrator(client, provider, storage.NewMemoryBackend(), engine, deviceKey, log)

	resp, err := client.RegisterOwner(ctx, deviceKey.Public)
	require.NoError(t, err)
	initial := resp.OwnerState.(interfaces.OwnerStateInitial)

	state, err := engine.CreateFirstPolicy(ctx, initial.Entropy, "My device")
	require.NoError(t, err)
	ready, ok := state.(interfaces.OwnerStateReady)
	require.True(t, ok)
	require.Equal(t, uint(1), ready.Policy.Threshold)

	encrypted, err := cryptoutils.EncryptAsymmetric(ready.Policy.MasterKey, []byte("abandon ability able about"))
	require.NoError(t, err)
	resp, err = client.StoreSeedPhrase(ctx, deviceKey.Public, "wallet", encrypted)
	require.NoError(t, err)
	ready = resp.OwnerState.(interfaces.OwnerStateReady)
	require.Len(t, ready.Vault.SeedPhrases, 1)

	initState, err := orchestrator.InitiateAccess(ctx, interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	ready, ok = initState.(interfaces.OwnerStateReady)
	require.True(t, ok)
	accessState, ok := ready.ThisDeviceAccess()
	require.True(t, ok)
	assert.Equal(t, interfaces.IntentAccessPhrases, accessState.Intent)

	phrases, after, err := orchestrator.AccessPhrases(ctx, ready)
	require.NoError(t, err)
	require.Len(t, phrases, 1)
	assert.Equal(t, "wallet", phrases[0].Label)
	assert.Equal(t, "abandon ability able about", phrases[0].Phrase)

	assert.Nil(t, after.(interfaces.OwnerStateReady).Access)
}

func TestSetTimelockOverHTTP(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	deviceKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	_, err = client.RegisterOwner(ctx, deviceKey.Public)
	require.NoError(t, err)

	resp, err := client.SetTimelock(ctx, deviceKey.Public, 30*time.Minute)
	require.NoError(t, err)

	initial, ok := resp.OwnerState.(interfaces.OwnerStateInitial)
	require.True(t, ok)
	assert.NotEmpty(t, initial.Entropy)

	// Once a policy exists, the configured timelock is visible in the state.
	log := common.SetupLogger(&common.LoggingOpts{})
	engine := policy.NewEngine(client, deviceKey, log)
	state, err := engine.CreateFirstPolicy(ctx, initial.Entropy, "My device")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, state.(interfaces.OwnerStateReady).TimelockSetting.CurrentTimelock)
}

func TestBadOwnerKeyRejected(t *testing.T) {
	client := newTestServer(t)

	_, err := client.RetrieveOwnerState(context.Background(), "not-a-key")
	assert.ErrorIs(t, err, interfaces.ErrInvalidKeyFormat)
}
