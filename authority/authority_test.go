package authority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyquorum/recovery-backend/approver"
	"github.com/keyquorum/recovery-backend/common"
	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestAuthority(t *testing.T) (*Authority, *testClock) {
	t.Helper()

	auth, err := New(Config{
		DefaultTimelock: time.Hour,
		AccessWindow:    15 * time.Minute,
	}, common.SetupLogger(&common.LoggingOpts{}))
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	auth.SetClock(clock.Now)
	return auth, clock
}

func registerTestOwner(t *testing.T, auth *Authority) (cryptoutils.KeyPair, interfaces.Entropy) {
	t.Helper()

	deviceKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	resp, err := auth.RegisterOwner(context.Background(), deviceKey.Public)
	require.NoError(t, err)

	initial, ok := resp.OwnerState.(interfaces.OwnerStateInitial)
	require.True(t, ok)
	return deviceKey, initial.Entropy
}

// ownerPolicyRequest builds a minimal owner-only policy. The authority never
// inspects ciphertext, so opaque stand-in bytes are enough here.
func ownerPolicyRequest(t *testing.T) (interfaces.CreatePolicyRequest, interfaces.ParticipantId) {
	t.Helper()

	ownerId, err := interfaces.RandomParticipantId()
	require.NoError(t, err)
	intermediate, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	master, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	return interfaces.CreatePolicyRequest{
		Threshold: 1,
		Approvers: []interfaces.TrustedApprover{
			{ParticipantId: ownerId, Label: "My device", IsOwner: true},
		},
		EncryptedMasterKey: []byte("encrypted master key"),
		IntermediateKey:    intermediate.Public,
		MasterKey:          master.Public,
		Shards: []interfaces.EncryptedShard{
			{ParticipantId: ownerId, EncryptedShard: []byte("owner shard"), IsOwnerShard: true},
		},
	}, ownerId
}

func readyState(t *testing.T, resp interfaces.OwnerStateResponse) interfaces.OwnerStateReady {
	t.Helper()
	ready, ok := resp.OwnerState.(interfaces.OwnerStateReady)
	require.True(t, ok)
	return ready
}

func TestRegisterOwnerIdempotent(t *testing.T) {
	auth, _ := newTestAuthority(t)

	deviceKey, entropy := registerTestOwner(t, auth)

	resp, err := auth.RegisterOwner(context.Background(), deviceKey.Public)
	require.NoError(t, err)
	initial, ok := resp.OwnerState.(interfaces.OwnerStateInitial)
	require.True(t, ok)
	assert.Equal(t, entropy, initial.Entropy)
}

func TestRetrieveOwnerStateUnknownOwner(t *testing.T) {
	auth, _ := newTestAuthority(t)

	unknown, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	_, err = auth.RetrieveOwnerState(context.Background(), unknown.Public)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestCreatePolicy(t *testing.T) {
	auth, _ := newTestAuthority(t)
	ctx := context.Background()

	deviceKey, _ := registerTestOwner(t, auth)
	req, _ := ownerPolicyRequest(t)

	resp, err := auth.CreatePolicy(ctx, deviceKey.Public, req)
	require.NoError(t, err)

	ready := readyState(t, resp)
	assert.Equal(t, uint(1), ready.Policy.Threshold)
	assert.Equal(t, req.MasterKey, ready.Vault.PublicMasterEncryptionKey)
	assert.Equal(t, time.Hour, ready.TimelockSetting.CurrentTimelock)
	assert.False(t, ready.Onboarded)

	// A second initial policy is rejected; changes go through ReplacePolicy.
	_, err = auth.CreatePolicy(ctx, deviceKey.Public, req)
	assert.Error(t, err)
}

func TestCreatePolicyValidation(t *testing.T) {
	auth, _ := newTestAuthority(t)
	ctx := context.Background()

	deviceKey, _ := registerTestOwner(t, auth)

	req, _ := ownerPolicyRequest(t)
	req.Threshold = 0
	_, err := auth.CreatePolicy(ctx, deviceKey.Public, req)
	assert.Error(t, err)

	req, _ = ownerPolicyRequest(t)
	req.Threshold = 2
	_, err = auth.CreatePolicy(ctx, deviceKey.Public, req)
	assert.Error(t, err)

	req, _ = ownerPolicyRequest(t)
	req.Shards = nil
	_, err = auth.CreatePolicy(ctx, deviceKey.Public, req)
	assert.Error(t, err)
}

func TestCreatePolicySetupRequiresPolicy(t *testing.T) {
	auth, _ := newTestAuthority(t)

	deviceKey, _ := registerTestOwner(t, auth)

	_, err := auth.CreatePolicySetup(context.Background(), deviceKey.Public, 1, nil)
	assert.ErrorIs(t, err, interfaces.ErrNoPolicy)
}

func TestAccessTimelockAndExpiry(t *testing.T) {
	auth, clock := newTestAuthority(t)
	ctx := context.Background()

	deviceKey, _ := registerTestOwner(t, auth)
	req, _ := ownerPolicyRequest(t)
	_, err := auth.CreatePolicy(ctx, deviceKey.Public, req)
	require.NoError(t, err)

	accessKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	resp, err := auth.InitiateAccess(ctx, deviceKey.Public, interfaces.IntentAccessPhrases, accessKey.Public)
	require.NoError(t, err)

	access, ok := readyState(t, resp).ThisDeviceAccess()
	require.True(t, ok)
	assert.Equal(t, interfaces.AccessTimelocked, access.Status)
	assert.Equal(t, clock.Now().Add(time.Hour), access.UnlocksAt)
	assert.Equal(t, access.UnlocksAt.Add(15*time.Minute), access.ExpiresAt)

	biometry := interfaces.FacetecBiometry{FaceScan: []byte("scan")}

	_, err = auth.RetrieveAccessShards(ctx, deviceKey.Public, "verification-1", biometry)
	assert.ErrorIs(t, err, interfaces.ErrAccessTimelocked)

	clock.Advance(time.Hour + time.Minute)
	shardsResp, err := auth.RetrieveAccessShards(ctx, deviceKey.Public, "verification-1", biometry)
	require.NoError(t, err)
	require.Len(t, shardsResp.Shards, 1)
	assert.True(t, shardsResp.Shards[0].IsOwnerShard)
	assert.NotEmpty(t, shardsResp.ScanResultBlob)

	// The access is consumed by a successful retrieval.
	_, err = auth.RetrieveAccessShards(ctx, deviceKey.Public, "verification-1", biometry)
	assert.ErrorIs(t, err, interfaces.ErrNoOpenAccess)

	// A fresh access left past its window expires instead of unlocking.
	_, err = auth.InitiateAccess(ctx, deviceKey.Public, interfaces.IntentAccessPhrases, accessKey.Public)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = auth.RetrieveAccessShards(ctx, deviceKey.Public, "verification-2", biometry)
	assert.ErrorIs(t, err, interfaces.ErrNoOpenAccess)
}

func TestRetrieveShardsRejectsIncompleteBiometry(t *testing.T) {
	auth, clock := newTestAuthority(t)
	ctx := context.Background()

	deviceKey, _ := registerTestOwner(t, auth)
	req, _ := ownerPolicyRequest(t)
	_, err := auth.CreatePolicy(ctx, deviceKey.Public, req)
	require.NoError(t, err)

	accessKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	_, err = auth.InitiateAccess(ctx, deviceKey.Public, interfaces.IntentAccessPhrases, accessKey.Public)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	_, err = auth.RetrieveAccessShards(ctx, deviceKey.Public, "", interfaces.FacetecBiometry{})
	assert.Error(t, err)

	// The failed attempt leaves the access open.
	state, err := auth.RetrieveOwnerState(ctx, deviceKey.Public)
	require.NoError(t, err)
	_, ok := state.(interfaces.OwnerStateReady).ThisDeviceAccess()
	assert.True(t, ok)
}

func TestCancelAccessIdempotent(t *testing.T) {
	auth, _ := newTestAuthority(t)
	ctx := context.Background()

	deviceKey, _ := registerTestOwner(t, auth)
	req, _ := ownerPolicyRequest(t)
	_, err := auth.CreatePolicy(ctx, deviceKey.Public, req)
	require.NoError(t, err)

	resp, err := auth.CancelAccess(ctx, deviceKey.Public)
	require.NoError(t, err)
	assert.Nil(t, readyState(t, resp).Access)

	accessKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	_, err = auth.InitiateAccess(ctx, deviceKey.Public, interfaces.IntentReplacePolicy, accessKey.Public)
	require.NoError(t, err)

	resp, err = auth.CancelAccess(ctx, deviceKey.Public)
	require.NoError(t, err)
	assert.Nil(t, readyState(t, resp).Access)
}

func TestInitiateAccessValidation(t *testing.T) {
	auth, _ := newTestAuthority(t)
	ctx := context.Background()

	deviceKey, _ := registerTestOwner(t, auth)
	accessKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	_, err = auth.InitiateAccess(ctx, deviceKey.Public, "Sideways", accessKey.Public)
	assert.Error(t, err)

	_, err = auth.InitiateAccess(ctx, deviceKey.Public, interfaces.IntentAccessPhrases, "bad key")
	assert.Error(t, err)

	_, err = auth.InitiateAccess(ctx, deviceKey.Public, interfaces.IntentAccessPhrases, accessKey.Public)
	assert.ErrorIs(t, err, interfaces.ErrNoPolicy)
}

func TestSeedPhraseAndTimelock(t *testing.T) {
	auth, _ := newTestAuthority(t)
	ctx := context.Background()

	deviceKey, _ := registerTestOwner(t, auth)

	_, err := auth.StoreSeedPhrase(ctx, deviceKey.Public, "wallet", []byte("ciphertext"))
	assert.ErrorIs(t, err, interfaces.ErrNoPolicy)

	req, _ := ownerPolicyRequest(t)
	_, err = auth.CreatePolicy(ctx, deviceKey.Public, req)
	require.NoError(t, err)

	_, err = auth.StoreSeedPhrase(ctx, deviceKey.Public, "", []byte("ciphertext"))
	assert.Error(t, err)
	_, err = auth.StoreSeedPhrase(ctx, deviceKey.Public, "wallet", nil)
	assert.Error(t, err)

	resp, err := auth.StoreSeedPhrase(ctx, deviceKey.Public, "wallet", []byte("ciphertext"))
	require.NoError(t, err)
	phrases := readyState(t, resp).Vault.SeedPhrases
	require.Len(t, phrases, 1)
	assert.Equal(t, "wallet", phrases[0].Label)
	assert.NoError(t, phrases[0].Id.Validate())

	_, err = auth.SetTimelock(ctx, deviceKey.Public, -time.Minute)
	assert.Error(t, err)

	resp, err = auth.SetTimelock(ctx, deviceKey.Public, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, readyState(t, resp).TimelockSetting.CurrentTimelock)
}

// multiApproverFixture commits a threshold-2 policy with two external
// approvers reachable through the approver API.
type multiApproverFixture struct {
	auth      *Authority
	clock     *testClock
	owner     cryptoutils.KeyPair
	ownerId   interfaces.ParticipantId
	alice     interfaces.ParticipantId
	bob       interfaces.ParticipantId
	keys      map[interfaces.ParticipantId]cryptoutils.KeyPair
	accessKey cryptoutils.KeyPair
}

func newMultiApproverFixture(t *testing.T) *multiApproverFixture {
	t.Helper()
	ctx := context.Background()

	auth, clock := newTestAuthority(t)
	deviceKey, _ := registerTestOwner(t, auth)

	req, ownerId := ownerPolicyRequest(t)
	_, err := auth.CreatePolicy(ctx, deviceKey.Public, req)
	require.NoError(t, err)

	alice, err := interfaces.RandomParticipantId()
	require.NoError(t, err)
	bob, err := interfaces.RandomParticipantId()
	require.NoError(t, err)

	// Staging the externals is what makes them addressable as participants.
	_, err = auth.CreatePolicySetup(ctx, deviceKey.Public, 2, []interfaces.SetupApprover{
		interfaces.OwnerAsSetupApprover{ParticipantId: ownerId, Label: "My device"},
		interfaces.ExternalSetupApprover{ParticipantId: alice, Label: "Alice", DeviceEncryptedTotpSecret: []byte("enc-a")},
		interfaces.ExternalSetupApprover{ParticipantId: bob, Label: "Bob", DeviceEncryptedTotpSecret: []byte("enc-b")},
	})
	require.NoError(t, err)

	aliceKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	bobKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	intermediate, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	master, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	_, err = auth.ReplacePolicy(ctx, deviceKey.Public, interfaces.ReplacePolicyRequest{
		Threshold: 2,
		Approvers: []interfaces.TrustedApprover{
			{ParticipantId: ownerId, Label: "My device", IsOwner: true},
			{ParticipantId: alice, Label: "Alice", ApproverPublicKey: aliceKey.Public},
			{ParticipantId: bob, Label: "Bob", ApproverPublicKey: bobKey.Public},
		},
		EncryptedMasterKey: []byte("encrypted master key"),
		IntermediateKey:    intermediate.Public,
		MasterKey:          master.Public,
		Shards: []interfaces.EncryptedShard{
			{ParticipantId: ownerId, EncryptedShard: []byte("owner shard"), IsOwnerShard: true},
			{ParticipantId: alice, EncryptedShard: []byte("alice shard"), ApproverPublicKey: aliceKey.Public},
			{ParticipantId: bob, EncryptedShard: []byte("bob shard"), ApproverPublicKey: bobKey.Public},
		},
	})
	require.NoError(t, err)

	accessKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	return &multiApproverFixture{
		auth:    auth,
		clock:   clock,
		owner:   deviceKey,
		ownerId: ownerId,
		alice:   alice,
		bob:     bob,
		keys: map[interfaces.ParticipantId]cryptoutils.KeyPair{
			alice: aliceKey,
			bob:   bobKey,
		},
		accessKey: accessKey,
	}
}

func (f *multiApproverFixture) openAccess(t *testing.T) {
	t.Helper()
	_, err := f.auth.InitiateAccess(context.Background(), f.owner.Public, interfaces.IntentAccessPhrases, f.accessKey.Public)
	require.NoError(t, err)
	f.clock.Advance(time.Hour + time.Minute)
}

// verificationRequest signs the access verification challenge with the
// participant's confirmed approver key at the fixture clock's current time.
func (f *multiApproverFixture) verificationRequest(t *testing.T, participant interfaces.ParticipantId, accessId interfaces.AccessId) interfaces.SubmitVerificationRequest {
	t.Helper()

	key := f.keys[participant]
	timeMillis := f.clock.Now().UnixMilli()
	signature, err := approver.SignAccessVerification(key.Private, accessId, timeMillis)
	require.NoError(t, err)

	return interfaces.SubmitVerificationRequest{
		Signature:         signature,
		TimeMillis:        timeMillis,
		ApproverPublicKey: key.Public,
	}
}

func (f *multiApproverFixture) approve(t *testing.T, participant interfaces.ParticipantId, shard []byte) {
	t.Helper()
	ctx := context.Background()

	assignment, err := f.auth.RetrieveAssignment(ctx, participant)
	require.NoError(t, err)
	require.NotNil(t, assignment.PendingAccess)

	req := f.verificationRequest(t, participant, assignment.PendingAccess.AccessId)
	require.NoError(t, f.auth.SubmitVerification(ctx, participant, req))
	require.NoError(t, f.auth.ApproveAccess(ctx, participant, shard))
}

func TestReplacePolicyClearsSetupAndAccess(t *testing.T) {
	f := newMultiApproverFixture(t)

	state, err := f.auth.RetrieveOwnerState(context.Background(), f.owner.Public)
	require.NoError(t, err)
	ready := state.(interfaces.OwnerStateReady)
	assert.Nil(t, ready.PolicySetup)
	assert.Nil(t, ready.Access)
	assert.True(t, ready.Onboarded)
	assert.Equal(t, uint(2), ready.Policy.Threshold)
	assert.Len(t, ready.Policy.ExternalApprovers(), 2)
}

func TestApprovalSlotProgression(t *testing.T) {
	f := newMultiApproverFixture(t)
	ctx := context.Background()

	f.openAccess(t)

	// Reading the assignment claims the slot.
	assignment, err := f.auth.RetrieveAssignment(ctx, f.alice)
	require.NoError(t, err)
	assert.Equal(t, "Onboarded", assignment.Status)
	require.NotNil(t, assignment.PendingAccess)
	assert.Equal(t, interfaces.IntentAccessPhrases, assignment.PendingAccess.Intent)
	assert.Equal(t, f.accessKey.Public, assignment.PendingAccess.AccessPublicKey)
	assert.Equal(t, []byte("alice shard"), assignment.PendingAccess.EncryptedShard)

	// Approving before verification is rejected.
	err = f.auth.ApproveAccess(ctx, f.alice, []byte("reencrypted"))
	assert.Error(t, err)

	req := f.verificationRequest(t, f.alice, assignment.PendingAccess.AccessId)
	require.NoError(t, f.auth.SubmitVerification(ctx, f.alice, req))
	require.NoError(t, f.auth.ApproveAccess(ctx, f.alice, []byte("reencrypted")))

	// Terminal states stay terminal.
	assert.Error(t, f.auth.RejectAccess(ctx, f.alice))
	assert.Error(t, f.auth.ApproveAccess(ctx, f.alice, []byte("again")))

	// Bob rejects from his initial state.
	require.NoError(t, f.auth.RejectAccess(ctx, f.bob))
	assert.Error(t, f.auth.ApproveAccess(ctx, f.bob, []byte("late")))
}

func TestInsufficientApprovalLeavesAccessOpen(t *testing.T) {
	f := newMultiApproverFixture(t)
	ctx := context.Background()

	f.openAccess(t)

	// Biometry releases only the owner shard, one short of the threshold.
	biometry := interfaces.FacetecBiometry{FaceScan: []byte("scan")}
	_, err := f.auth.RetrieveAccessShards(ctx, f.owner.Public, "verification-1", biometry)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientApproval)

	// The access survives; one approval plus the owner shard meets the
	// threshold.
	f.approve(t, f.alice, []byte("alice reencrypted"))

	resp, err := f.auth.RetrieveAccessShards(ctx, f.owner.Public, "verification-1", biometry)
	require.NoError(t, err)
	require.Len(t, resp.Shards, 2)

	byParticipant := map[interfaces.ParticipantId][]byte{}
	for _, shard := range resp.Shards {
		byParticipant[shard.ParticipantId] = shard.EncryptedShard
	}
	assert.Equal(t, []byte("alice reencrypted"), byParticipant[f.alice])
	assert.Equal(t, []byte("owner shard"), byParticipant[f.ownerId])
}

func TestAllApprovalsReleaseEveryShard(t *testing.T) {
	f := newMultiApproverFixture(t)
	ctx := context.Background()

	f.openAccess(t)
	f.approve(t, f.alice, []byte("alice reencrypted"))
	f.approve(t, f.bob, []byte("bob reencrypted"))

	biometry := interfaces.FacetecBiometry{FaceScan: []byte("scan")}
	resp, err := f.auth.RetrieveAccessShards(ctx, f.owner.Public, "verification-1", biometry)
	require.NoError(t, err)
	require.Len(t, resp.Shards, 3)

	byParticipant := map[interfaces.ParticipantId][]byte{}
	for _, shard := range resp.Shards {
		byParticipant[shard.ParticipantId] = shard.EncryptedShard
	}
	assert.Equal(t, []byte("alice reencrypted"), byParticipant[f.alice])
	assert.Equal(t, []byte("bob reencrypted"), byParticipant[f.bob])
	assert.Equal(t, []byte("owner shard"), byParticipant[f.ownerId])
}

func TestAccessVerificationRejectsForgedSubmission(t *testing.T) {
	f := newMultiApproverFixture(t)
	ctx := context.Background()

	f.openAccess(t)

	assignment, err := f.auth.RetrieveAssignment(ctx, f.alice)
	require.NoError(t, err)
	require.NotNil(t, assignment.PendingAccess)
	accessId := assignment.PendingAccess.AccessId

	// A signature from a key the owner never confirmed is rejected.
	forger, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	timeMillis := f.clock.Now().UnixMilli()
	signature, err := approver.SignAccessVerification(forger.Private, accessId, timeMillis)
	require.NoError(t, err)

	err = f.auth.SubmitVerification(ctx, f.alice, interfaces.SubmitVerificationRequest{
		Signature:         signature,
		TimeMillis:        timeMillis,
		ApproverPublicKey: forger.Public,
	})
	assert.ErrorIs(t, err, interfaces.ErrCrypto)

	// A stale timestamp is rejected even with a valid key.
	stale := f.verificationRequest(t, f.alice, accessId)
	f.clock.Advance(5 * time.Minute)
	err = f.auth.SubmitVerification(ctx, f.alice, stale)
	assert.ErrorIs(t, err, interfaces.ErrCrypto)

	// The slot is still waiting, and a fresh valid submission advances it.
	err = f.auth.ApproveAccess(ctx, f.alice, []byte("reencrypted"))
	assert.Error(t, err)

	req := f.verificationRequest(t, f.alice, accessId)
	require.NoError(t, f.auth.SubmitVerification(ctx, f.alice, req))
	require.NoError(t, f.auth.ApproveAccess(ctx, f.alice, []byte("reencrypted")))
}

func TestApproverAPITimelockGating(t *testing.T) {
	f := newMultiApproverFixture(t)
	ctx := context.Background()

	_, err := f.auth.InitiateAccess(ctx, f.owner.Public, interfaces.IntentAccessPhrases, f.accessKey.Public)
	require.NoError(t, err)

	// No assignment is handed out while the access is timelocked.
	assignment, err := f.auth.RetrieveAssignment(ctx, f.alice)
	require.NoError(t, err)
	assert.Nil(t, assignment.PendingAccess)

	err = f.auth.ApproveAccess(ctx, f.alice, []byte("early"))
	assert.ErrorIs(t, err, interfaces.ErrAccessTimelocked)

	f.clock.Advance(time.Hour + time.Minute)
	assignment, err = f.auth.RetrieveAssignment(ctx, f.alice)
	require.NoError(t, err)
	assert.NotNil(t, assignment.PendingAccess)
}

func TestUnknownParticipant(t *testing.T) {
	f := newMultiApproverFixture(t)
	ctx := context.Background()

	stranger, err := interfaces.RandomParticipantId()
	require.NoError(t, err)

	err = f.auth.AcceptInvitation(ctx, stranger)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	_, err = f.auth.RetrieveAssignment(ctx, stranger)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}
