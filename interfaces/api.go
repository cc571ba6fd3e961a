package interfaces

import (
	"context"
	"time"
)

// OwnerStateResponse is the shape every mutating owner call returns. The
// caller replaces its local snapshot with the returned state wholesale.
type OwnerStateResponse struct {
	OwnerState OwnerState `json:"ownerState"`
}

// RetrieveShardsResponse is returned by RetrieveAccessShards once biometry
// and the approval threshold check out.
type RetrieveShardsResponse struct {
	OwnerState     OwnerState       `json:"ownerState"`
	Shards         []EncryptedShard `json:"shards"`
	ScanResultBlob ScanResultBlob   `json:"scanResultBlob"`
}

// CreatePolicyRequest commits the very first, owner-only policy from the
// Initial owner state. Later changes go through ReplacePolicy.
type CreatePolicyRequest struct {
	Threshold             uint             `json:"threshold"`
	Approvers             []TrustedApprover `json:"approvers"`
	EncryptedMasterKey    []byte           `json:"encryptedMasterKey"`
	IntermediateKey       PublicKey        `json:"intermediateKey"`
	MasterKey             PublicKey        `json:"masterKey"`
	ApproverKeysSignature Signature        `json:"approverKeysSignature"`
	Shards                []EncryptedShard `json:"shards"`
}

// ReplacePolicyRequest atomically swaps the active policy. The authority
// commits all of it or none of it.
type ReplacePolicyRequest struct {
	Threshold             uint             `json:"threshold"`
	Approvers             []TrustedApprover `json:"approvers"`
	EncryptedMasterKey    []byte           `json:"encryptedMasterKey"`
	IntermediateKey       PublicKey        `json:"intermediateKey"`
	MasterKey             PublicKey        `json:"masterKey"`
	ApproverKeysSignature Signature        `json:"approverKeysSignature"`
	Shards                []EncryptedShard `json:"shards"`
}

// SubmitVerificationRequest carries an approver's TOTP-signed proof.
type SubmitVerificationRequest struct {
	Signature         Signature `json:"signature"`
	TimeMillis        int64     `json:"timeMillis"`
	ApproverPublicKey PublicKey `json:"approverPublicKey"`
}

// PendingAccessAssignment tells an approver device about an access awaiting
// its approval: the owner's live access public key to re-encrypt to, and the
// approver's own stored shard ciphertext.
type PendingAccessAssignment struct {
	AccessId        AccessId  `json:"accessId"`
	Intent          AccessIntent `json:"intent"`
	AccessPublicKey PublicKey `json:"accessPublicKey"`
	EncryptedShard  []byte    `json:"encryptedShard"`
}

// ApproverAssignment is the approver-side view of its participation.
type ApproverAssignment struct {
	Status        string                   `json:"status"`
	PendingAccess *PendingAccessAssignment `json:"pendingAccess,omitempty"`
}

// OwnerAPI is the remote call surface the owner session depends on. Every
// call is a logical RPC returning immutable response records; implementations
// are the in-process authority and the HTTP client.
type OwnerAPI interface {
	// RegisterOwner ensures a record exists for the device key and issues
	// the owner entropy. Idempotent.
	RegisterOwner(ctx context.Context, owner PublicKey) (OwnerStateResponse, error)

	RetrieveOwnerState(ctx context.Context, owner PublicKey) (OwnerState, error)

	CreatePolicySetup(ctx context.Context, owner PublicKey, threshold uint, approvers []SetupApprover) (OwnerStateResponse, error)

	ConfirmApprovership(ctx context.Context, owner PublicKey, participant ParticipantId, keySignature Signature, timeMillis int64) (OwnerStateResponse, error)

	RejectVerification(ctx context.Context, owner PublicKey, participant ParticipantId) (OwnerStateResponse, error)

	CompleteApproverOwnership(ctx context.Context, owner PublicKey, participant ParticipantId, approverPublicKey PublicKey) (OwnerStateResponse, error)

	CreatePolicy(ctx context.Context, owner PublicKey, req CreatePolicyRequest) (OwnerStateResponse, error)

	InitiateAccess(ctx context.Context, owner PublicKey, intent AccessIntent, accessPublicKey PublicKey) (OwnerStateResponse, error)

	CancelAccess(ctx context.Context, owner PublicKey) (OwnerStateResponse, error)

	RetrieveAccessShards(ctx context.Context, owner PublicKey, verificationId BiometryVerificationId, biometryData FacetecBiometry) (RetrieveShardsResponse, error)

	ReplacePolicy(ctx context.Context, owner PublicKey, req ReplacePolicyRequest) (OwnerStateResponse, error)

	StoreSeedPhrase(ctx context.Context, owner PublicKey, label string, encryptedSeedPhrase []byte) (OwnerStateResponse, error)

	SetTimelock(ctx context.Context, owner PublicKey, timelock time.Duration) (OwnerStateResponse, error)
}

// ApproverAPI is the call surface of the approver mobile app. The owner-side
// flows depend on approvers moving through it.
type ApproverAPI interface {
	AcceptInvitation(ctx context.Context, participant ParticipantId) error

	SubmitVerification(ctx context.Context, participant ParticipantId, req SubmitVerificationRequest) error

	RetrieveAssignment(ctx context.Context, participant ParticipantId) (ApproverAssignment, error)

	ApproveAccess(ctx context.Context, participant ParticipantId, encryptedShard []byte) error

	RejectAccess(ctx context.Context, participant ParticipantId) error
}
