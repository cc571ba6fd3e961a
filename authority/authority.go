// Package authority is the server side of the recovery protocol: the
// canonical owner records, the staged policy setups, the in-flight accesses,
// and the approval bookkeeping. It only ever stores ciphertext shards and
// public keys; no private key material reaches it.
package authority

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keyquorum/recovery-backend/approver"
	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
	"github.com/keyquorum/recovery-backend/metrics"
)

// Config tunes the authority's server-driven timings.
type Config struct {
	// DefaultTimelock is applied to owners that never configured one.
	DefaultTimelock time.Duration

	// AccessWindow is how long an unlocked access stays available before
	// expiring.
	AccessWindow time.Duration
}

type ownerRecord struct {
	entropy  interfaces.Entropy
	policy   *interfaces.Policy
	setup    *interfaces.PolicySetup
	access   *interfaces.AccessThisDevice
	vault    interfaces.Vault
	timelock interfaces.TimelockSetting

	// onboarded flips once the owner completed a full multi-approver setup.
	onboarded bool

	// ownerApproverKey is the public half of the owner's own approver key,
	// reported through CompleteApproverOwnership.
	ownerApproverKey cryptoutils.PublicKey
}

// Authority implements interfaces.OwnerAPI and interfaces.ApproverAPI over
// in-memory state guarded by one mutex. All timing decisions (timelock,
// expiry) are made here against the injected clock.
type Authority struct {
	cfg Config
	log *slog.Logger

	// signingKey signs biometric scan receipts.
	signingKey cryptoutils.KeyPair

	clock func() time.Time

	mu           sync.Mutex
	owners       map[cryptoutils.PublicKey]*ownerRecord
	participants map[interfaces.ParticipantId]cryptoutils.PublicKey
}

// New creates an empty authority using the wall clock.
func New(cfg Config, log *slog.Logger) (*Authority, error) {
	signingKey, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Authority{
		cfg:          cfg,
		log:          log,
		signingKey:   signingKey,
		clock:        func() time.Time { return time.Now().UTC() },
		owners:       make(map[cryptoutils.PublicKey]*ownerRecord),
		participants: make(map[interfaces.ParticipantId]cryptoutils.PublicKey),
	}, nil
}

// SetClock overrides the time source.
func (a *Authority) SetClock(clock func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = clock
}

func (a *Authority) ownerRecord(owner cryptoutils.PublicKey) (*ownerRecord, error) {
	record, ok := a.owners[owner]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return record, nil
}

// refreshAccess recomputes the access status from the clock. Expired
// accesses stay on record until cancelled or superseded so the owner device
// observes the expiry.
func (a *Authority) refreshAccess(record *ownerRecord) {
	if record.access == nil {
		return
	}
	now := a.clock()
	switch {
	case now.After(record.access.ExpiresAt):
		record.access.Status = interfaces.AccessExpired
	case now.Before(record.access.UnlocksAt):
		record.access.Status = interfaces.AccessTimelocked
	default:
		record.access.Status = interfaces.AccessAvailable
	}
}

func (a *Authority) snapshot(record *ownerRecord) interfaces.OwnerState {
	a.refreshAccess(record)

	if record.policy == nil {
		return interfaces.OwnerStateInitial{Entropy: record.entropy}
	}

	state := interfaces.OwnerStateReady{
		Policy:          copyPolicy(*record.policy),
		Vault:           copyVault(record.vault),
		TimelockSetting: record.timelock,
		Onboarded:       record.onboarded,
	}
	if record.setup != nil {
		setup := copySetup(*record.setup)
		state.PolicySetup = &setup
	}
	if record.access != nil {
		state.Access = copyAccess(*record.access)
	}
	return state
}

func (a *Authority) stateResponse(record *ownerRecord) (interfaces.OwnerStateResponse, error) {
	return interfaces.OwnerStateResponse{OwnerState: a.snapshot(record)}, nil
}

// RegisterOwner creates the owner record and issues its entropy. Calling it
// again for a known owner returns the existing state unchanged.
func (a *Authority) RegisterOwner(ctx context.Context, owner cryptoutils.PublicKey) (interfaces.OwnerStateResponse, error) {
	if err := owner.Validate(); err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.owners[owner]
	if !ok {
		entropy, err := cryptoutils.GenerateEntropy()
		if err != nil {
			return interfaces.OwnerStateResponse{}, err
		}
		record = &ownerRecord{entropy: entropy}
		a.owners[owner] = record
		a.log.Info("owner registered", "owner", owner.String())
	}

	return a.stateResponse(record)
}

// RetrieveOwnerState returns the canonical snapshot.
func (a *Authority) RetrieveOwnerState(ctx context.Context, owner cryptoutils.PublicKey) (interfaces.OwnerState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return nil, err
	}
	return a.snapshot(record), nil
}

// CreatePolicySetup stages (or restages) the candidate approver set. Known
// prospects keep their progress; prospects absent from the submission are
// dropped. Resubmitting identical content is a no-op.
func (a *Authority) CreatePolicySetup(ctx context.Context, owner cryptoutils.PublicKey, threshold uint, approvers []interfaces.SetupApprover) (interfaces.OwnerStateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}
	if record.policy == nil {
		return interfaces.OwnerStateResponse{}, interfaces.ErrNoPolicy
	}

	existing := map[interfaces.ParticipantId]interfaces.ProspectApprover{}
	if record.setup != nil {
		for _, p := range record.setup.Approvers {
			existing[p.ParticipantId] = p
		}
	}

	setup := interfaces.PolicySetup{Threshold: threshold}
	for _, submitted := range approvers {
		if prospect, ok := existing[submitted.Id()]; ok {
			prospect.Label = labelOf(submitted, prospect.Label)
			setup.Approvers = append(setup.Approvers, prospect)
			continue
		}

		prospect := interfaces.ProspectApprover{ParticipantId: submitted.Id()}
		switch s := submitted.(type) {
		case interfaces.OwnerAsSetupApprover:
			prospect.Label = s.Label
			prospect.Status = interfaces.StatusOwnerAsApprover{
				Entropy:     record.entropy,
				ConfirmedAt: a.clock(),
			}
		case interfaces.ExternalSetupApprover:
			prospect.Label = s.Label
			prospect.Status = interfaces.StatusInitial{
				DeviceEncryptedTotpSecret: s.DeviceEncryptedTotpSecret,
			}
			a.participants[s.ParticipantId] = owner
		default:
			return interfaces.OwnerStateResponse{}, fmt.Errorf("unknown setup approver kind %T", submitted)
		}
		setup.Approvers = append(setup.Approvers, prospect)
	}

	record.setup = &setup
	return a.stateResponse(record)
}

func labelOf(submitted interfaces.SetupApprover, fallback string) string {
	switch s := submitted.(type) {
	case interfaces.OwnerAsSetupApprover:
		return s.Label
	case interfaces.ExternalSetupApprover:
		return s.Label
	}
	return fallback
}

func (a *Authority) updateProspect(record *ownerRecord, participant interfaces.ParticipantId, update func(interfaces.ApproverStatus) (interfaces.ApproverStatus, error)) error {
	if record.setup == nil {
		return fmt.Errorf("no policy setup staged")
	}
	for i, prospect := range record.setup.Approvers {
		if !prospect.ParticipantId.Equal(participant) {
			continue
		}
		next, err := update(prospect.Status)
		if err != nil {
			return err
		}
		record.setup.Approvers[i].Status = next
		return nil
	}
	return interfaces.ErrKeyNotFound
}

// ConfirmApprovership records the owner's signed key confirmation for a
// verified prospect.
func (a *Authority) ConfirmApprovership(ctx context.Context, owner cryptoutils.PublicKey, participant interfaces.ParticipantId, keySignature cryptoutils.Signature, timeMillis int64) (interfaces.OwnerStateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	err = a.updateProspect(record, participant, func(status interfaces.ApproverStatus) (interfaces.ApproverStatus, error) {
		return approver.Confirm(status, keySignature, a.clock())
	})
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	metrics.IncApproverConfirmed()
	return a.stateResponse(record)
}

// RejectVerification pushes a prospect to the Declined dead end.
func (a *Authority) RejectVerification(ctx context.Context, owner cryptoutils.PublicKey, participant interfaces.ParticipantId) (interfaces.OwnerStateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	err = a.updateProspect(record, participant, func(status interfaces.ApproverStatus) (interfaces.ApproverStatus, error) {
		return approver.Decline(status)
	})
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	metrics.IncApproverRejected()
	return a.stateResponse(record)
}

// CompleteApproverOwnership records the owner's own approver public key.
func (a *Authority) CompleteApproverOwnership(ctx context.Context, owner cryptoutils.PublicKey, participant interfaces.ParticipantId, approverPublicKey cryptoutils.PublicKey) (interfaces.OwnerStateResponse, error) {
	if err := approverPublicKey.Validate(); err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	record.ownerApproverKey = approverPublicKey
	a.participants[participant] = owner
	return a.stateResponse(record)
}

// CreatePolicy commits the very first policy from the Initial state.
func (a *Authority) CreatePolicy(ctx context.Context, owner cryptoutils.PublicKey, req interfaces.CreatePolicyRequest) (interfaces.OwnerStateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}
	if record.policy != nil {
		return interfaces.OwnerStateResponse{}, fmt.Errorf("policy already exists, use replacePolicy")
	}
	if err := validatePolicyShape(req.Threshold, req.Approvers, req.Shards); err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	record.policy = &interfaces.Policy{
		Approvers:             req.Approvers,
		Threshold:             req.Threshold,
		EncryptedMasterKey:    req.EncryptedMasterKey,
		IntermediateKey:       req.IntermediateKey,
		MasterKey:             req.MasterKey,
		ApproverKeysSignature: req.ApproverKeysSignature,
		Shards:                req.Shards,
		CreatedAt:             a.clock(),
	}
	record.vault.PublicMasterEncryptionKey = req.MasterKey
	if record.timelock.CurrentTimelock == 0 {
		record.timelock.CurrentTimelock = a.cfg.DefaultTimelock
	}

	a.log.Info("initial policy created", "owner", owner.String(), "threshold", req.Threshold)
	return a.stateResponse(record)
}

// InitiateAccess opens a new access, superseding any previous one. One
// approval slot is created per external approver; the owner shard has no
// slot, biometry gates its release and it counts as the owner's approval.
func (a *Authority) InitiateAccess(ctx context.Context, owner cryptoutils.PublicKey, intent interfaces.AccessIntent, accessPublicKey cryptoutils.PublicKey) (interfaces.OwnerStateResponse, error) {
	if err := intent.Validate(); err != nil {
		return interfaces.OwnerStateResponse{}, err
	}
	if err := accessPublicKey.Validate(); err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}
	if record.policy == nil {
		return interfaces.OwnerStateResponse{}, interfaces.ErrNoPolicy
	}

	now := a.clock()
	unlocksAt := now.Add(record.timelock.CurrentTimelock)
	access := interfaces.AccessThisDevice{
		Id:              interfaces.NewAccessId(),
		Status:          interfaces.AccessRequested,
		Intent:          intent,
		CreatedAt:       now,
		UnlocksAt:       unlocksAt,
		ExpiresAt:       unlocksAt.Add(a.cfg.AccessWindow),
		AccessPublicKey: accessPublicKey,
	}
	for _, external := range record.policy.ExternalApprovers() {
		access.Approvals = append(access.Approvals, interfaces.AccessApproval{
			ApprovalId:    interfaces.NewApprovalId(),
			ParticipantId: external.ParticipantId,
			Status:        interfaces.ApprovalInitial,
		})
	}
	record.access = &access

	metrics.IncAccessInitiated()
	a.log.Info("access initiated", "owner", owner.String(), "intent", string(intent), "unlocksAt", unlocksAt)
	return a.stateResponse(record)
}

// CancelAccess discards any in-flight access. Idempotent.
func (a *Authority) CancelAccess(ctx context.Context, owner cryptoutils.PublicKey) (interfaces.OwnerStateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	if record.access != nil {
		record.access = nil
		metrics.IncAccessCancelled()
	}
	return a.stateResponse(record)
}

// RetrieveAccessShards releases the shard set once the access is past its
// timelock, the biometric payload checks out, and enough approvals are on
// record. The error paths leave the access untouched and retryable.
func (a *Authority) RetrieveAccessShards(ctx context.Context, owner cryptoutils.PublicKey, verificationId interfaces.BiometryVerificationId, biometryData interfaces.FacetecBiometry) (interfaces.RetrieveShardsResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.RetrieveShardsResponse{}, err
	}
	if record.policy == nil {
		return interfaces.RetrieveShardsResponse{}, interfaces.ErrNoPolicy
	}
	if record.access == nil {
		return interfaces.RetrieveShardsResponse{}, interfaces.ErrNoOpenAccess
	}

	a.refreshAccess(record)
	switch record.access.Status {
	case interfaces.AccessTimelocked:
		return interfaces.RetrieveShardsResponse{}, interfaces.ErrAccessTimelocked
	case interfaces.AccessExpired:
		return interfaces.RetrieveShardsResponse{}, interfaces.ErrNoOpenAccess
	}

	scanResult, err := a.verifyBiometry(verificationId, biometryData)
	if err != nil {
		return interfaces.RetrieveShardsResponse{}, err
	}

	shards, err := releasableShards(*record.policy, *record.access)
	if err != nil {
		return interfaces.RetrieveShardsResponse{}, err
	}

	record.access = nil
	metrics.IncShardsRetrieved()
	a.log.Info("shards released", "owner", owner.String(), "shards", len(shards))
	return interfaces.RetrieveShardsResponse{
		OwnerState:     a.snapshot(record),
		Shards:         shards,
		ScanResultBlob: scanResult,
	}, nil
}

// releasableShards gathers the owner shard plus the approved approver
// shards. The owner shard is released on biometry alone and counts as the
// owner's own approval, so a policy of the owner plus one approver at
// threshold 2 releases on a single external approval.
func releasableShards(policy interfaces.Policy, access interfaces.AccessThisDevice) ([]interfaces.EncryptedShard, error) {
	var shards []interfaces.EncryptedShard
	releasable := access.ApprovedCount()
	for _, stored := range policy.Shards {
		if stored.IsOwnerShard {
			shards = append(shards, stored)
			releasable++
		}
	}
	if releasable < policy.Threshold {
		return nil, fmt.Errorf("%w: %d of %d releasable shards", interfaces.ErrInsufficientApproval, releasable, policy.Threshold)
	}

	for _, approval := range access.Approvals {
		if approval.Status != interfaces.ApprovalApproved {
			continue
		}
		stored, ok := policy.ShardFor(approval.ParticipantId)
		if !ok {
			continue
		}
		shards = append(shards, interfaces.EncryptedShard{
			ParticipantId:     approval.ParticipantId,
			EncryptedShard:    approval.EncryptedShard,
			ApproverPublicKey: stored.ApproverPublicKey,
		})
	}
	return shards, nil
}

// verifyBiometry performs the liveness plausibility check and signs a scan
// receipt over the payload.
func (a *Authority) verifyBiometry(verificationId interfaces.BiometryVerificationId, biometryData interfaces.FacetecBiometry) (interfaces.ScanResultBlob, error) {
	if verificationId == "" || len(biometryData.FaceScan) == 0 {
		return nil, fmt.Errorf("incomplete biometric payload")
	}

	digest := sha256.Sum256(append([]byte(verificationId), biometryData.FaceScan...))
	signature, err := cryptoutils.Sign(a.signingKey.Private, digest[:])
	if err != nil {
		return nil, err
	}
	return interfaces.ScanResultBlob(signature), nil
}

// ReplacePolicy atomically swaps the active policy for the staged one. The
// setup and any in-flight access are cleared, and the owner counts as fully
// onboarded from here on.
func (a *Authority) ReplacePolicy(ctx context.Context, owner cryptoutils.PublicKey, req interfaces.ReplacePolicyRequest) (interfaces.OwnerStateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}
	if record.policy == nil {
		return interfaces.OwnerStateResponse{}, interfaces.ErrNoPolicy
	}
	if err := validatePolicyShape(req.Threshold, req.Approvers, req.Shards); err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	record.policy = &interfaces.Policy{
		Approvers:             req.Approvers,
		Threshold:             req.Threshold,
		EncryptedMasterKey:    req.EncryptedMasterKey,
		IntermediateKey:       req.IntermediateKey,
		MasterKey:             req.MasterKey,
		ApproverKeysSignature: req.ApproverKeysSignature,
		Shards:                req.Shards,
		CreatedAt:             a.clock(),
	}
	record.setup = nil
	record.access = nil
	record.onboarded = true

	metrics.IncPoliciesReplaced()
	a.log.Info("policy replaced", "owner", owner.String(), "threshold", req.Threshold, "approvers", len(req.Approvers))
	return a.stateResponse(record)
}

// StoreSeedPhrase appends an encrypted phrase to the vault.
func (a *Authority) StoreSeedPhrase(ctx context.Context, owner cryptoutils.PublicKey, label string, encryptedSeedPhrase []byte) (interfaces.OwnerStateResponse, error) {
	if label == "" {
		return interfaces.OwnerStateResponse{}, fmt.Errorf("seed phrase label must not be empty")
	}
	if len(encryptedSeedPhrase) == 0 {
		return interfaces.OwnerStateResponse{}, fmt.Errorf("encrypted seed phrase must not be empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}
	if record.policy == nil {
		return interfaces.OwnerStateResponse{}, interfaces.ErrNoPolicy
	}

	record.vault.SeedPhrases = append(record.vault.SeedPhrases, interfaces.SeedPhrase{
		Id:                  interfaces.NewSeedPhraseId(),
		Label:               label,
		EncryptedSeedPhrase: encryptedSeedPhrase,
		CreatedAt:           a.clock(),
	})
	return a.stateResponse(record)
}

// SetTimelock updates the timelock applied to future accesses.
func (a *Authority) SetTimelock(ctx context.Context, owner cryptoutils.PublicKey, timelock time.Duration) (interfaces.OwnerStateResponse, error) {
	if timelock < 0 {
		return interfaces.OwnerStateResponse{}, fmt.Errorf("timelock must not be negative")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.ownerRecord(owner)
	if err != nil {
		return interfaces.OwnerStateResponse{}, err
	}

	record.timelock.CurrentTimelock = timelock
	return a.stateResponse(record)
}

func validatePolicyShape(threshold uint, approvers []interfaces.TrustedApprover, shards []interfaces.EncryptedShard) error {
	if threshold < 1 {
		return fmt.Errorf("threshold must be at least 1")
	}
	if uint(len(approvers)) < threshold {
		return fmt.Errorf("threshold %d exceeds approver count %d", threshold, len(approvers))
	}
	if len(shards) != len(approvers) {
		return fmt.Errorf("expected %d shards, got %d", len(approvers), len(shards))
	}
	for _, a := range approvers {
		if !a.IsOwner {
			if err := a.ApproverPublicKey.Validate(); err != nil {
				return fmt.Errorf("approver %s: %w", a.ParticipantId, err)
			}
		}
		if _, ok := shardFor(shards, a.ParticipantId); !ok {
			return fmt.Errorf("missing shard for approver %s", a.ParticipantId)
		}
	}
	return nil
}

func shardFor(shards []interfaces.EncryptedShard, id interfaces.ParticipantId) (interfaces.EncryptedShard, bool) {
	for _, s := range shards {
		if s.ParticipantId.Equal(id) {
			return s, true
		}
	}
	return interfaces.EncryptedShard{}, false
}

func copyPolicy(p interfaces.Policy) interfaces.Policy {
	p.Approvers = append([]interfaces.TrustedApprover{}, p.Approvers...)
	p.Shards = copyShards(p.Shards)
	return p
}

func copyShards(shards []interfaces.EncryptedShard) []interfaces.EncryptedShard {
	out := make([]interfaces.EncryptedShard, len(shards))
	for i, s := range shards {
		s.EncryptedShard = append([]byte{}, s.EncryptedShard...)
		out[i] = s
	}
	return out
}

func copySetup(s interfaces.PolicySetup) interfaces.PolicySetup {
	s.Approvers = append([]interfaces.ProspectApprover{}, s.Approvers...)
	return s
}

func copyVault(v interfaces.Vault) interfaces.Vault {
	v.SeedPhrases = append([]interfaces.SeedPhrase{}, v.SeedPhrases...)
	return v
}

func copyAccess(a interfaces.AccessThisDevice) interfaces.Access {
	a.Approvals = append([]interfaces.AccessApproval{}, a.Approvals...)
	return a
}
