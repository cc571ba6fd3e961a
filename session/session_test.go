package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyquorum/recovery-backend/access"
	"github.com/keyquorum/recovery-backend/approver"
	"github.com/keyquorum/recovery-backend/authority"
	"github.com/keyquorum/recovery-backend/biometry"
	"github.com/keyquorum/recovery-backend/common"
	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
	"github.com/keyquorum/recovery-backend/policy"
	"github.com/keyquorum/recovery-backend/sharding"
	"github.com/keyquorum/recovery-backend/storage"
	"github.com/keyquorum/recovery-backend/totp"
)

// testRig wires a full owner device against an in-process authority with a
// zero timelock, so accesses unlock immediately.
type testRig struct {
	auth       *authority.Authority
	controller *Controller
	keyStore   *storage.MemoryBackend
	deviceKey  cryptoutils.KeyPair
	entropy    cryptoutils.Entropy
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	log := common.SetupLogger(&common.LoggingOpts{})
	auth, err := authority.New(authority.Config{AccessWindow: time.Hour}, log)
	require.NoError(t, err)

	deviceKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	engine := policy.NewEngine(auth, deviceKey, log)
	keyStore := storage.NewMemoryBackend()
	provider := biometry.NewStaticProvider(interfaces.FacetecBiometry{FaceScan: []byte("face scan")})
	orchestrator := access.NewOrchestrator(auth, provider, keyStore, engine, deviceKey, log)
	controller := NewController(auth, engine, orchestrator, log)

	state, err := controller.Register(context.Background())
	require.NoError(t, err)
	initial, ok := state.(interfaces.OwnerStateInitial)
	require.True(t, ok)

	return &testRig{
		auth:       auth,
		controller: controller,
		keyStore:   keyStore,
		deviceKey:  deviceKey,
		entropy:    initial.Entropy,
	}
}

func (r *testRig) createFirstPolicy(t *testing.T) interfaces.OwnerStateReady {
	t.Helper()

	state, err := r.controller.Policies.CreateFirstPolicy(context.Background(), r.entropy, "My device")
	require.NoError(t, err)
	r.controller.Apply(state)

	ready, ok := state.(interfaces.OwnerStateReady)
	require.True(t, ok)
	return ready
}

func (r *testRig) ready(t *testing.T) interfaces.OwnerStateReady {
	t.Helper()
	ready, ok := r.controller.Current().(interfaces.OwnerStateReady)
	require.True(t, ok)
	return ready
}

// externalApprover simulates one approver's mobile device.
type externalApprover struct {
	participant interfaces.ParticipantId
	keyPair     cryptoutils.KeyPair
	secret      totp.Secret
}

// invite stages an external approver and returns its device-side half.
func inviteApprover(t *testing.T, engine *policy.Engine, label string) (interfaces.ExternalSetupApprover, *externalApprover) {
	t.Helper()

	invitation, err := engine.InviteExternalApprover(label)
	require.NoError(t, err)

	keyPair, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	return invitation.Approver, &externalApprover{
		participant: invitation.Approver.ParticipantId,
		keyPair:     keyPair,
		secret:      invitation.TotpSecret,
	}
}

// verify runs the approver's side of the setup handshake: accept the
// invitation and submit the TOTP-signed proof.
func (a *externalApprover) verify(t *testing.T, api interfaces.ApproverAPI, secret totp.Secret) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, api.AcceptInvitation(ctx, a.participant))

	timeMillis := time.Now().UnixMilli()
	signature, err := approver.SignVerification(a.keyPair.Private, secret, timeMillis)
	require.NoError(t, err)

	require.NoError(t, api.SubmitVerification(ctx, a.participant, interfaces.SubmitVerificationRequest{
		Signature:         signature,
		TimeMillis:        timeMillis,
		ApproverPublicKey: a.keyPair.Public,
	}))
}

// approveAccess runs the approver's side of an access: fetch the assignment,
// re-encrypt the shard to the owner's access key, verify, and approve.
func (a *externalApprover) approveAccess(t *testing.T, api interfaces.ApproverAPI) {
	t.Helper()
	ctx := context.Background()

	assignment, err := api.RetrieveAssignment(ctx, a.participant)
	require.NoError(t, err)
	require.NotNil(t, assignment.PendingAccess)

	reencrypted, err := sharding.ReencryptShard(a.keyPair.Private, assignment.PendingAccess.EncryptedShard, assignment.PendingAccess.AccessPublicKey)
	require.NoError(t, err)

	timeMillis := time.Now().UnixMilli()
	signature, err := approver.SignAccessVerification(a.keyPair.Private, assignment.PendingAccess.AccessId, timeMillis)
	require.NoError(t, err)

	require.NoError(t, api.SubmitVerification(ctx, a.participant, interfaces.SubmitVerificationRequest{
		Signature:         signature,
		TimeMillis:        timeMillis,
		ApproverPublicKey: a.keyPair.Public,
	}))
	require.NoError(t, api.ApproveAccess(ctx, a.participant, reencrypted))
}

func TestOwnerOnlyLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ready := rig.createFirstPolicy(t)
	assert.Equal(t, uint(1), ready.Policy.Threshold)

	state, err := rig.controller.StoreSeedPhrase(ctx, "wallet", "abandon ability able about")
	require.NoError(t, err)
	rig.controller.Apply(state)

	initState, err := rig.controller.Access.InitiateAccess(ctx, interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	rig.controller.Apply(initState)

	phrases, after, err := rig.controller.Access.AccessPhrases(ctx, rig.ready(t))
	require.NoError(t, err)
	rig.controller.Apply(after)

	require.Len(t, phrases, 1)
	assert.Equal(t, "wallet", phrases[0].Label)
	assert.Equal(t, "abandon ability able about", phrases[0].Phrase)

	// The access was consumed by the successful retrieval.
	assert.Nil(t, rig.ready(t).Access)
}

func TestStoreSeedPhraseRequiresPolicy(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.controller.StoreSeedPhrase(context.Background(), "wallet", "phrase")
	assert.ErrorIs(t, err, interfaces.ErrNoPolicy)
}

func TestRefreshConfirmsVerifiedApprovers(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createFirstPolicy(t)

	aliceSetup, alice := inviteApprover(t, rig.controller.Policies, "Alice")
	ownerParticipant, err := interfaces.RandomParticipantId()
	require.NoError(t, err)

	state, err := rig.controller.Policies.CreatePolicySetup(ctx, policy.AddApprovers, []interfaces.SetupApprover{
		interfaces.OwnerAsSetupApprover{ParticipantId: ownerParticipant, Label: "My device"},
		aliceSetup,
	})
	require.NoError(t, err)
	rig.controller.Apply(state)

	alice.verify(t, rig.auth, alice.secret)

	refreshed, err := rig.controller.Refresh(ctx)
	require.NoError(t, err)

	setup := refreshed.(interfaces.OwnerStateReady).PolicySetup
	require.NotNil(t, setup)
	prospect, ok := setup.ApproverById(alice.participant)
	require.True(t, ok)
	confirmed, ok := prospect.Status.(interfaces.StatusConfirmed)
	require.True(t, ok)
	assert.Equal(t, alice.keyPair.Public, confirmed.ApproverPublicKey)
	assert.True(t, setup.AllExternalsConfirmed())
}

func TestRefreshDeclinesBadVerification(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createFirstPolicy(t)

	carolSetup, carol := inviteApprover(t, rig.controller.Policies, "Carol")
	ownerParticipant, err := interfaces.RandomParticipantId()
	require.NoError(t, err)

	state, err := rig.controller.Policies.CreatePolicySetup(ctx, policy.AddApprovers, []interfaces.SetupApprover{
		interfaces.OwnerAsSetupApprover{ParticipantId: ownerParticipant, Label: "My device"},
		carolSetup,
	})
	require.NoError(t, err)
	rig.controller.Apply(state)

	// Carol signs codes from the wrong secret, as an impostor would.
	wrongSecret, err := totp.GenerateSecret()
	require.NoError(t, err)
	carol.verify(t, rig.auth, wrongSecret)

	refreshed, err := rig.controller.Refresh(ctx)
	require.NoError(t, err)

	setup := refreshed.(interfaces.OwnerStateReady).PolicySetup
	require.NotNil(t, setup)
	prospect, ok := setup.ApproverById(carol.participant)
	require.True(t, ok)
	assert.IsType(t, interfaces.StatusDeclined{}, prospect.Status)
}

func TestFullRecoveryLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createFirstPolicy(t)

	_, err := rig.controller.StoreSeedPhrase(ctx, "wallet", "abandon ability able about")
	require.NoError(t, err)

	// Stage a threshold-2 setup: the owner plus Alice and Bob.
	aliceSetup, alice := inviteApprover(t, rig.controller.Policies, "Alice")
	bobSetup, bob := inviteApprover(t, rig.controller.Policies, "Bob")
	ownerParticipant, err := interfaces.RandomParticipantId()
	require.NoError(t, err)

	state, err := rig.controller.Policies.CreatePolicySetup(ctx, policy.AddApprovers, []interfaces.SetupApprover{
		interfaces.OwnerAsSetupApprover{ParticipantId: ownerParticipant, Label: "My device"},
		aliceSetup,
		bobSetup,
	})
	require.NoError(t, err)
	rig.controller.Apply(state)

	alice.verify(t, rig.auth, alice.secret)
	bob.verify(t, rig.auth, bob.secret)

	refreshed, err := rig.controller.Refresh(ctx)
	require.NoError(t, err)
	setup := refreshed.(interfaces.OwnerStateReady).PolicySetup
	require.NotNil(t, setup)
	require.True(t, setup.AllExternalsConfirmed())

	// The owner finishes its own approvership, parking the recovery blob.
	ownerState, err := rig.controller.Policies.CompleteOwnerApprovership(ctx, rig.keyStore, ownerParticipant, rig.entropy)
	require.NoError(t, err)
	rig.controller.Apply(ownerState)

	has, err := rig.keyStore.HasKey(ctx, ownerParticipant)
	require.NoError(t, err)
	assert.True(t, has)

	// Committing the new policy requires an access under the old owner-only
	// policy, which releases on biometry alone.
	initState, err := rig.controller.Access.InitiateAccess(ctx, interfaces.IntentReplacePolicy)
	require.NoError(t, err)
	rig.controller.Apply(initState)

	replaced, err := rig.controller.Access.ReplacePolicy(ctx, rig.ready(t), policy.AddApprovers, rig.entropy)
	require.NoError(t, err)
	rig.controller.Apply(replaced)

	ready := rig.ready(t)
	assert.Equal(t, uint(2), ready.Policy.Threshold)
	assert.Len(t, ready.Policy.Approvers, 3)
	assert.True(t, ready.Onboarded)
	assert.Nil(t, ready.PolicySetup)

	// The vault survives the replacement and keeps growing.
	_, err = rig.controller.StoreSeedPhrase(ctx, "exchange", "zebra zone zoo")
	require.NoError(t, err)

	// A fresh phrase access now needs an external approval on top of the
	// owner's biometry.
	initState, err = rig.controller.Access.InitiateAccess(ctx, interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	rig.controller.Apply(initState)

	_, _, err = rig.controller.Access.AccessPhrases(ctx, rig.ready(t))
	assert.ErrorIs(t, err, interfaces.ErrInsufficientApproval)

	alice.approveAccess(t, rig.auth)
	bob.approveAccess(t, rig.auth)

	phrases, after, err := rig.controller.Access.AccessPhrases(ctx, rig.ready(t))
	require.NoError(t, err)
	rig.controller.Apply(after)

	require.Len(t, phrases, 2)
	byLabel := map[string]string{}
	for _, p := range phrases {
		byLabel[p.Label] = p.Phrase
	}
	assert.Equal(t, "abandon ability able about", byLabel["wallet"])
	assert.Equal(t, "zebra zone zoo", byLabel["exchange"])

	// The parked owner approver key is recoverable with device entropy.
	recovered, err := rig.controller.Access.RecoverOwnerKey(ctx, ownerParticipant, rig.entropy)
	require.NoError(t, err)
	require.NoError(t, recovered.Validate())
}

// stageConfirmedSetup walks a fresh owner-only rig up to the brink of a
// policy replacement: stage the owner plus the labelled externals, confirm
// them all, park the owner approver blob, and open a ReplacePolicy access.
func stageConfirmedSetup(t *testing.T, rig *testRig, labels ...string) (interfaces.ParticipantId, []*externalApprover) {
	t.Helper()
	ctx := context.Background()

	ownerParticipant, err := interfaces.RandomParticipantId()
	require.NoError(t, err)

	setupApprovers := []interfaces.SetupApprover{
		interfaces.OwnerAsSetupApprover{ParticipantId: ownerParticipant, Label: "My device"},
	}
	var externals []*externalApprover
	for _, label := range labels {
		setup, external := inviteApprover(t, rig.controller.Policies, label)
		setupApprovers = append(setupApprovers, setup)
		externals = append(externals, external)
	}

	state, err := rig.controller.Policies.CreatePolicySetup(ctx, policy.AddApprovers, setupApprovers)
	require.NoError(t, err)
	rig.controller.Apply(state)

	for _, external := range externals {
		external.verify(t, rig.auth, external.secret)
	}

	_, err = rig.controller.Refresh(ctx)
	require.NoError(t, err)

	ownerState, err := rig.controller.Policies.CompleteOwnerApprovership(ctx, rig.keyStore, ownerParticipant, rig.entropy)
	require.NoError(t, err)
	rig.controller.Apply(ownerState)

	initState, err := rig.controller.Access.InitiateAccess(ctx, interfaces.IntentReplacePolicy)
	require.NoError(t, err)
	rig.controller.Apply(initState)

	return ownerParticipant, externals
}

// The owner plus a single approver at threshold 2: the owner's biometry
// covers the owner shard, so one external approval unlocks the vault.
func TestSingleExternalApproverRecovery(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createFirstPolicy(t)
	_, err := rig.controller.StoreSeedPhrase(ctx, "wallet", "abandon ability able about")
	require.NoError(t, err)

	_, externals := stageConfirmedSetup(t, rig, "Alice")
	alice := externals[0]

	replaced, err := rig.controller.Access.ReplacePolicy(ctx, rig.ready(t), policy.AddApprovers, rig.entropy)
	require.NoError(t, err)
	rig.controller.Apply(replaced)

	ready := rig.ready(t)
	assert.Equal(t, uint(2), ready.Policy.Threshold)
	require.Len(t, ready.Policy.Approvers, 2)

	initState, err := rig.controller.Access.InitiateAccess(ctx, interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	rig.controller.Apply(initState)

	// Biometry alone is one short of the threshold.
	_, _, err = rig.controller.Access.AccessPhrases(ctx, rig.ready(t))
	assert.ErrorIs(t, err, interfaces.ErrInsufficientApproval)

	alice.approveAccess(t, rig.auth)

	phrases, after, err := rig.controller.Access.AccessPhrases(ctx, rig.ready(t))
	require.NoError(t, err)
	rig.controller.Apply(after)

	require.Len(t, phrases, 1)
	assert.Equal(t, "abandon ability able about", phrases[0].Phrase)
	assert.Nil(t, rig.ready(t).Access)
}

func TestReplacePolicyRejectsTamperedConfirmation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createFirstPolicy(t)
	stageConfirmedSetup(t, rig, "Alice")

	ready := rig.ready(t)
	require.NotNil(t, ready.PolicySetup)

	tampered := false
	for i, prospect := range ready.PolicySetup.Approvers {
		if confirmed, ok := prospect.Status.(interfaces.StatusConfirmed); ok {
			confirmed.ApproverKeySignature = cryptoutils.Signature("forged")
			ready.PolicySetup.Approvers[i].Status = confirmed
			tampered = true
		}
	}
	require.True(t, tampered)

	_, err := rig.controller.Access.ReplacePolicy(ctx, ready, policy.AddApprovers, rig.entropy)
	assert.ErrorIs(t, err, interfaces.ErrKeyConfirmationInvalid)

	// Nothing was committed: the owner-only policy, the staged setup, and
	// the open access all survive.
	refreshed, err := rig.controller.Refresh(ctx)
	require.NoError(t, err)
	after := refreshed.(interfaces.OwnerStateReady)
	assert.Equal(t, uint(1), after.Policy.Threshold)
	assert.Len(t, after.Policy.Approvers, 1)
	assert.False(t, after.Onboarded)
	require.NotNil(t, after.PolicySetup)
	_, open := after.ThisDeviceAccess()
	assert.True(t, open)

	// The untampered setup still commits.
	replaced, err := rig.controller.Access.ReplacePolicy(ctx, after, policy.AddApprovers, rig.entropy)
	require.NoError(t, err)
	assert.Equal(t, uint(2), replaced.(interfaces.OwnerStateReady).Policy.Threshold)
}

func TestSubscribeDeliversLatestSnapshot(t *testing.T) {
	rig := newTestRig(t)

	updates := rig.controller.Subscribe()

	first := interfaces.OwnerStateInitial{}
	rig.controller.Apply(first)
	rig.createFirstPolicy(t)

	// The slow consumer sees only the newest snapshot.
	var latest interfaces.OwnerState
	select {
	case latest = <-updates:
	default:
		t.Fatal("expected a buffered snapshot")
	}
	assert.Equal(t, "Ready", latest.Kind())

	rig.controller.Apply(nil)
	assert.Equal(t, "Ready", rig.controller.Current().Kind())
}
