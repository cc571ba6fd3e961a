// Package access orchestrates the lifecycle of an access request: creation,
// timelock, per-approver approval collection, biometry-gated shard
// retrieval, and completion as phrase access, owner key recovery, or policy
// replacement. The orchestrator never sees approver private key material,
// only shards re-encrypted to its ephemeral access key.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
	"github.com/keyquorum/recovery-backend/policy"
	"github.com/keyquorum/recovery-backend/sharding"
)

// Orchestrator drives owner-side access flows against the remote authority.
type Orchestrator struct {
	api      interfaces.OwnerAPI
	biometry interfaces.BiometryProvider
	keyStore interfaces.KeyBlobStore
	policies *policy.Engine

	deviceKey cryptoutils.KeyPair
	log       *slog.Logger

	mu        sync.Mutex
	accessKey *cryptoutils.KeyPair // ephemeral, lives for one access attempt
}

// NewOrchestrator creates an access orchestrator for one owner device.
func NewOrchestrator(api interfaces.OwnerAPI, biometry interfaces.BiometryProvider, keyStore interfaces.KeyBlobStore, policies *policy.Engine, deviceKey cryptoutils.KeyPair, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		api:       api,
		biometry:  biometry,
		keyStore:  keyStore,
		policies:  policies,
		deviceKey: deviceKey,
		log:       log,
	}
}

func (o *Orchestrator) owner() cryptoutils.PublicKey {
	return o.deviceKey.Public
}

// InitiateAccess cancels any prior open access and creates a new one with a
// fresh ephemeral access key. The authority computes unlocksAt and
// expiresAt.
func (o *Orchestrator) InitiateAccess(ctx context.Context, intent interfaces.AccessIntent) (interfaces.OwnerState, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	if _, err := o.api.CancelAccess(ctx, o.owner()); err != nil {
		return nil, err
	}

	accessKey, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	resp, err := o.api.InitiateAccess(ctx, o.owner(), intent, accessKey.Public)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.accessKey = &accessKey
	o.mu.Unlock()

	o.log.Info("access initiated", "intent", string(intent))
	return resp.OwnerState, nil
}

// CancelAccess discards the in-flight access. Safe to call any number of
// times, including when no access exists.
func (o *Orchestrator) CancelAccess(ctx context.Context) (interfaces.OwnerState, error) {
	resp, err := o.api.CancelAccess(ctx, o.owner())
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.accessKey = nil
	o.mu.Unlock()

	return resp.OwnerState, nil
}

// RetrievedShards is the result of a successful shard release.
type RetrievedShards struct {
	OwnerState     interfaces.OwnerState
	Shards         []interfaces.EncryptedShard
	ScanResultBlob interfaces.ScanResultBlob
}

// RetrieveShards runs the biometric liveness check and, with at least
// threshold approvals on record, asks the authority to release the shard
// set. Biometric capture is the single user-attended suspension point: a
// cancelled capture aborts cleanly before anything is released, leaving the
// access retryable.
func (o *Orchestrator) RetrieveShards(ctx context.Context) (RetrievedShards, error) {
	verificationId, err := o.biometry.StartSession(ctx)
	if err != nil {
		return RetrievedShards{}, err
	}

	payload, err := o.biometry.Capture(ctx, verificationId)
	if err != nil {
		if errors.Is(err, interfaces.ErrBiometryCancelled) {
			o.log.Info("biometric capture cancelled, access left intact")
		}
		return RetrievedShards{}, err
	}

	resp, err := o.api.RetrieveAccessShards(ctx, o.owner(), verificationId, payload)
	if err != nil {
		return RetrievedShards{}, err
	}

	return RetrievedShards{
		OwnerState:     resp.OwnerState,
		Shards:         resp.Shards,
		ScanResultBlob: resp.ScanResultBlob,
	}, nil
}

// decryptShards recovers the plaintext shares: the owner shard with device
// entropy, approver shards with the ephemeral access key they were
// re-encrypted to.
func (o *Orchestrator) decryptShards(shards []interfaces.EncryptedShard) ([][]byte, error) {
	o.mu.Lock()
	accessKey := o.accessKey
	o.mu.Unlock()

	shares := make([][]byte, 0, len(shards))
	for _, shard := range shards {
		if shard.IsOwnerShard {
			share, err := sharding.DecryptOwnerShard(shard, o.deviceKey.Private)
			if err != nil {
				return nil, err
			}
			shares = append(shares, share)
			continue
		}

		if accessKey == nil {
			return nil, fmt.Errorf("%w: no access key for this device", interfaces.ErrCrypto)
		}
		share, err := cryptoutils.DecryptAsymmetric(accessKey.Private, shard.EncryptedShard)
		if err != nil {
			return nil, fmt.Errorf("%w: shard for %s: %s", interfaces.ErrCrypto, shard.ParticipantId, err)
		}
		shares = append(shares, share)
	}
	return shares, nil
}

// RetrieveMasterKey completes an access far enough to hold the master
// private key in memory: retrieve shards, reconstruct the intermediate key,
// and decrypt the master key with it.
func (o *Orchestrator) RetrieveMasterKey(ctx context.Context, state interfaces.OwnerStateReady) (cryptoutils.PrivateKey, interfaces.OwnerState, error) {
	retrieved, err := o.RetrieveShards(ctx)
	if err != nil {
		return "", nil, err
	}

	shares, err := o.decryptShards(retrieved.Shards)
	if err != nil {
		return "", nil, err
	}

	intermediateKey, err := sharding.ReconstructKey(shares, state.Policy.Threshold)
	if err != nil {
		return "", nil, err
	}

	masterRaw, err := cryptoutils.DecryptAsymmetric(intermediateKey, state.Policy.EncryptedMasterKey)
	if err != nil {
		return "", nil, fmt.Errorf("%w: master key: %s", interfaces.ErrCrypto, err)
	}

	masterKey, err := cryptoutils.NewPrivateKey(string(masterRaw))
	if err != nil {
		return "", nil, err
	}

	return masterKey, retrieved.OwnerState, nil
}

// RecoveredPhrase is one decrypted seed phrase.
type RecoveredPhrase struct {
	Id     interfaces.SeedPhraseId
	Label  string
	Phrase string
}

// AccessPhrases completes an AccessPhrases access: reconstruct the master
// key and decrypt every seed phrase in the vault.
func (o *Orchestrator) AccessPhrases(ctx context.Context, state interfaces.OwnerStateReady) ([]RecoveredPhrase, interfaces.OwnerState, error) {
	masterKey, ownerState, err := o.RetrieveMasterKey(ctx, state)
	if err != nil {
		return nil, nil, err
	}

	phrases := make([]RecoveredPhrase, 0, len(state.Vault.SeedPhrases))
	for _, sp := range state.Vault.SeedPhrases {
		plaintext, err := cryptoutils.DecryptAsymmetric(masterKey, sp.EncryptedSeedPhrase)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: seed phrase %s: %s", interfaces.ErrCrypto, sp.Id, err)
		}
		phrases = append(phrases, RecoveredPhrase{Id: sp.Id, Label: sp.Label, Phrase: string(plaintext)})
	}

	return phrases, ownerState, nil
}

// RecoverOwnerKey completes a RecoverOwnerKey access: load the owner's
// approver key blob from the cloud store and decrypt it with device entropy.
func (o *Orchestrator) RecoverOwnerKey(ctx context.Context, participant interfaces.ParticipantId, entropy cryptoutils.Entropy) (cryptoutils.PrivateKey, error) {
	blob, err := o.keyStore.LoadKey(ctx, participant)
	if err != nil {
		return "", err
	}

	raw, err := cryptoutils.DecryptWithEntropy(o.deviceKey.Private, entropy, blob)
	if err != nil {
		return "", fmt.Errorf("%w: owner key blob: %s", interfaces.ErrCrypto, err)
	}
	return cryptoutils.NewPrivateKey(string(raw))
}

// ReplacePolicy commits the staged PolicySetup as the new active policy.
// Every confirmed approver's key confirmation is verified first; a single
// failure aborts the whole replacement with nothing committed. On success
// the master key is reconstructed under the old policy, re-encrypted to a
// fresh intermediate key, and the new intermediate key is re-split under the
// new approver set and threshold.
func (o *Orchestrator) ReplacePolicy(ctx context.Context, state interfaces.OwnerStateReady, intent policy.SetupIntent, entropy cryptoutils.Entropy) (interfaces.OwnerState, error) {
	if state.PolicySetup == nil {
		return nil, errors.New("no staged policy setup")
	}
	setup := *state.PolicySetup

	if err := o.policies.VerifyKeyConfirmations(setup); err != nil {
		return nil, err
	}

	masterKey, _, err := o.RetrieveMasterKey(ctx, state)
	if err != nil {
		return nil, err
	}

	threshold := intent.Threshold()
	approvers, recipients, err := o.committedApprovers(setup, entropy)
	if err != nil {
		return nil, err
	}
	if err := policy.ValidateThreshold(threshold, len(approvers)); err != nil {
		return nil, err
	}

	intermediateKey, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	encryptedMasterKey, err := cryptoutils.EncryptAsymmetric(intermediateKey.Public, []byte(masterKey))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encrypt master key: %w", err)
	}

	shards, err := sharding.SplitKey(intermediateKey.Private, threshold, recipients)
	if err != nil {
		return nil, err
	}

	masterPublic, err := masterKey.Public()
	if err != nil {
		return nil, err
	}

	signature, err := cryptoutils.Sign(o.deviceKey.Private, policy.ApproverKeysMessage(intermediateKey.Public, approvers))
	if err != nil {
		return nil, err
	}

	resp, err := o.api.ReplacePolicy(ctx, o.owner(), interfaces.ReplacePolicyRequest{
		Threshold:             threshold,
		Approvers:             approvers,
		EncryptedMasterKey:    encryptedMasterKey,
		IntermediateKey:       intermediateKey.Public,
		MasterKey:             masterPublic,
		ApproverKeysSignature: signature,
		Shards:                shards,
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.accessKey = nil
	o.mu.Unlock()

	o.log.Info("policy replaced", "threshold", threshold, "approvers", len(approvers))
	return resp.OwnerState, nil
}

// committedApprovers maps setup prospects onto the committed approver set
// and shard recipients. Declined or unconfirmed externals are excluded.
func (o *Orchestrator) committedApprovers(setup interfaces.PolicySetup, entropy cryptoutils.Entropy) ([]interfaces.TrustedApprover, []sharding.Recipient, error) {
	var approvers []interfaces.TrustedApprover
	var recipients []sharding.Recipient

	for _, prospect := range setup.Approvers {
		switch status := prospect.Status.(type) {
		case interfaces.StatusOwnerAsApprover:
			approvers = append(approvers, interfaces.TrustedApprover{
				ParticipantId: prospect.ParticipantId,
				Label:         prospect.Label,
				IsOwner:       true,
				ConfirmedAt:   status.ConfirmedAt,
			})
			recipients = append(recipients, sharding.Recipient{
				ParticipantId:  prospect.ParticipantId,
				IsOwner:        true,
				OwnerDeviceKey: o.deviceKey.Private,
				OwnerEntropy:   entropy,
			})
		case interfaces.StatusConfirmed:
			approvers = append(approvers, interfaces.TrustedApprover{
				ParticipantId:     prospect.ParticipantId,
				Label:             prospect.Label,
				ApproverPublicKey: status.ApproverPublicKey,
				ConfirmedAt:       status.ConfirmedAt,
			})
			recipients = append(recipients, sharding.Recipient{
				ParticipantId:     prospect.ParticipantId,
				ApproverPublicKey: status.ApproverPublicKey,
			})
		}
	}

	if len(approvers) == 0 {
		return nil, nil, errors.New("policy setup has no committed approvers")
	}
	return approvers, recipients, nil
}
