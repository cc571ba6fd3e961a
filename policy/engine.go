package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyquorum/recovery-backend/approver"
	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
	"github.com/keyquorum/recovery-backend/sharding"
	"github.com/keyquorum/recovery-backend/totp"
)

// Engine drives the owner-side policy flows against the remote authority.
// It holds the owner device key pair; approver TOTP secrets are encrypted to
// the device key before they leave this process.
type Engine struct {
	api       interfaces.OwnerAPI
	deviceKey cryptoutils.KeyPair
	log       *slog.Logger
}

// NewEngine creates a policy engine for one owner device.
func NewEngine(api interfaces.OwnerAPI, deviceKey cryptoutils.KeyPair, log *slog.Logger) *Engine {
	return &Engine{api: api, deviceKey: deviceKey, log: log}
}

// Owner returns the owner identity this engine acts for.
func (e *Engine) Owner() cryptoutils.PublicKey {
	return e.deviceKey.Public
}

// Invitation is a freshly staged external approver together with the
// plaintext TOTP secret. The id and secret are handed to the approver out of
// band (the invitation link); only the device-encrypted copy is submitted.
type Invitation struct {
	Id         interfaces.InvitationId
	Approver   interfaces.ExternalSetupApprover
	TotpSecret totp.Secret
}

// InviteExternalApprover stages a new external approver under a fresh
// participant id with a fresh TOTP secret.
func (e *Engine) InviteExternalApprover(label string) (Invitation, error) {
	participant, err := interfaces.RandomParticipantId()
	if err != nil {
		return Invitation{}, err
	}

	secret, err := totp.GenerateSecret()
	if err != nil {
		return Invitation{}, err
	}

	encryptedSecret, err := cryptoutils.EncryptAsymmetric(e.deviceKey.Public, []byte(secret))
	if err != nil {
		return Invitation{}, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}

	return Invitation{
		Id: interfaces.NewInvitationId(),
		Approver: interfaces.ExternalSetupApprover{
			ParticipantId:             participant,
			Label:                     label,
			DeviceEncryptedTotpSecret: encryptedSecret,
		},
		TotpSecret: secret,
	}, nil
}

// DecryptTotpSecret recovers the shared secret for a staged approver so the
// owner can display codes and verify submissions.
func (e *Engine) DecryptTotpSecret(deviceEncryptedTotpSecret []byte) (totp.Secret, error) {
	raw, err := cryptoutils.DecryptAsymmetric(e.deviceKey.Private, deviceEncryptedTotpSecret)
	if err != nil {
		return "", fmt.Errorf("%w: %s", interfaces.ErrCrypto, err)
	}
	return totp.NewSecret(string(raw))
}

// CreatePolicySetup submits the full candidate approver list. Repeated
// submission with the same content is a no-op server-side, so the whole list
// is sent every time an approver is added or edited.
func (e *Engine) CreatePolicySetup(ctx context.Context, intent SetupIntent, approvers []interfaces.SetupApprover) (interfaces.OwnerState, error) {
	threshold := intent.Threshold()
	if err := ValidateThreshold(threshold, len(approvers)); err != nil {
		return nil, err
	}

	resp, err := e.api.CreatePolicySetup(ctx, e.Owner(), threshold, approvers)
	if err != nil {
		return nil, err
	}
	return resp.OwnerState, nil
}

// ProcessSubmissions eagerly verifies every VerificationSubmitted prospect
// in the staged setup: on a matching TOTP signature the owner signs a key
// confirmation and confirms the approvership, otherwise the verification is
// rejected, pushing the approver to the Declined dead end. Verification is
// repeated on every state refresh because it only counts as done once the
// confirm or reject call round-trips.
func (e *Engine) ProcessSubmissions(ctx context.Context, setup interfaces.PolicySetup) (interfaces.OwnerState, bool, error) {
	var state interfaces.OwnerState
	acted := false

	for _, prospect := range setup.Approvers {
		submitted, ok := prospect.Status.(interfaces.StatusVerificationSubmitted)
		if !ok {
			continue
		}

		secret, err := e.DecryptTotpSecret(submitted.DeviceEncryptedTotpSecret)
		if err != nil {
			return nil, acted, err
		}

		if approver.VerifySubmission(secret, submitted) {
			keySignature, err := approver.SignKeyConfirmation(e.deviceKey.Private, submitted.ApproverPublicKey, prospect.ParticipantId, submitted.TimeMillis)
			if err != nil {
				return nil, acted, err
			}

			resp, err := e.api.ConfirmApprovership(ctx, e.Owner(), prospect.ParticipantId, keySignature, submitted.TimeMillis)
			if err != nil {
				return nil, acted, err
			}
			state = resp.OwnerState
			acted = true
			e.log.Info("confirmed approver", "participant", prospect.ParticipantId.String())
		} else {
			resp, err := e.api.RejectVerification(ctx, e.Owner(), prospect.ParticipantId)
			if err != nil {
				return nil, acted, err
			}
			state = resp.OwnerState
			acted = true
			e.log.Info("rejected approver verification", "participant", prospect.ParticipantId.String())
		}
	}

	return state, acted, nil
}

// VerifyKeyConfirmations checks every confirmed external prospect's key
// confirmation signature against the owner device key. Any failure aborts
// with ErrKeyConfirmationInvalid; a policy replacement must not proceed past
// a single bad confirmation.
func (e *Engine) VerifyKeyConfirmations(setup interfaces.PolicySetup) error {
	for _, prospect := range setup.Approvers {
		confirmed, ok := prospect.Status.(interfaces.StatusConfirmed)
		if !ok {
			continue
		}
		if !approver.VerifyKeyConfirmation(e.deviceKey.Public, confirmed, prospect.ParticipantId) {
			return fmt.Errorf("%w: participant %s", interfaces.ErrKeyConfirmationInvalid, prospect.ParticipantId)
		}
	}
	return nil
}

// CompleteOwnerApprovership finishes the owner's own participation in a
// staged setup: generate the owner approver key pair, park the private half
// entropy-encrypted in the cloud key store for later recovery, and report
// the public half to the authority.
func (e *Engine) CompleteOwnerApprovership(ctx context.Context, store interfaces.KeyBlobStore, participant interfaces.ParticipantId, entropy cryptoutils.Entropy) (interfaces.OwnerState, error) {
	approverKey, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	blob, err := cryptoutils.EncryptWithEntropy(e.deviceKey.Private, entropy, []byte(approverKey.Private))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt owner approver key: %w", err)
	}

	if err := store.SaveKey(ctx, participant, blob); err != nil {
		return nil, err
	}

	resp, err := e.api.CompleteApproverOwnership(ctx, e.Owner(), participant, approverKey.Public)
	if err != nil {
		return nil, err
	}

	e.log.Info("owner approvership completed", "participant", participant.String(), "store", store.Name())
	return resp.OwnerState, nil
}

// CreateFirstPolicy commits the initial owner-only, threshold-1 policy from
// the Initial owner state: generate the master and intermediate key pairs,
// encrypt the master private key to the intermediate key, and keep the
// single intermediate shard entropy-encrypted for the owner.
func (e *Engine) CreateFirstPolicy(ctx context.Context, entropy cryptoutils.Entropy, ownerLabel string) (interfaces.OwnerState, error) {
	ownerParticipant, err := interfaces.RandomParticipantId()
	if err != nil {
		return nil, err
	}

	masterKey, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	intermediateKey, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	encryptedMasterKey, err := cryptoutils.EncryptAsymmetric(intermediateKey.Public, []byte(masterKey.Private))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt master key: %w", err)
	}

	shards, err := sharding.SplitKey(intermediateKey.Private, 1, []sharding.Recipient{{
		ParticipantId:  ownerParticipant,
		IsOwner:        true,
		OwnerDeviceKey: e.deviceKey.Private,
		OwnerEntropy:   entropy,
	}})
	if err != nil {
		return nil, err
	}

	approvers := []interfaces.TrustedApprover{{
		ParticipantId: ownerParticipant,
		Label:         ownerLabel,
		IsOwner:       true,
		ConfirmedAt:   time.Now().UTC(),
	}}

	signature, err := cryptoutils.Sign(e.deviceKey.Private, ApproverKeysMessage(intermediateKey.Public, approvers))
	if err != nil {
		return nil, err
	}

	resp, err := e.api.CreatePolicy(ctx, e.Owner(), interfaces.CreatePolicyRequest{
		Threshold:             1,
		Approvers:             approvers,
		EncryptedMasterKey:    encryptedMasterKey,
		IntermediateKey:       intermediateKey.Public,
		MasterKey:             masterKey.Public,
		ApproverKeysSignature: signature,
		Shards:                shards,
	})
	if err != nil {
		return nil, err
	}
	return resp.OwnerState, nil
}
