package interfaces

import (
	"time"
)

// EncryptedShard is one piece of the split intermediate private key,
// encrypted so that only its holder can recover it: approver shards to the
// approver's public key, the owner shard with device entropy.
type EncryptedShard struct {
	ParticipantId     ParticipantId `json:"participantId"`
	EncryptedShard    []byte        `json:"encryptedShard"`
	IsOwnerShard      bool          `json:"isOwnerShard"`
	OwnerEntropy      Entropy       `json:"ownerEntropy,omitempty"`
	ApproverPublicKey PublicKey     `json:"approverPublicKey,omitempty"`
}

// Policy is the committed, active configuration. It is immutable: changes
// replace it wholesale through a successful ReplacePolicy access flow.
type Policy struct {
	Approvers []TrustedApprover `json:"approvers"`
	Threshold uint              `json:"threshold"`

	// EncryptedMasterKey is the master private key encrypted to the
	// intermediate public key.
	EncryptedMasterKey []byte `json:"encryptedMasterKey"`

	// IntermediateKey is the public half of the split private key.
	IntermediateKey PublicKey `json:"intermediateKey"`

	// MasterKey is the public half of the key encrypting the vault.
	MasterKey PublicKey `json:"masterKey"`

	// ApproverKeysSignature binds the approver public keys to the
	// intermediate key, signed by the owner device key.
	ApproverKeysSignature Signature `json:"approverKeysSignature"`

	// Shards holds the per-participant encrypted shards of the intermediate
	// private key. They are ciphertext and safe to keep server-side.
	Shards []EncryptedShard `json:"shards"`

	CreatedAt time.Time `json:"createdAt"`
}

// ShardFor returns the encrypted shard belonging to a participant.
func (p Policy) ShardFor(id ParticipantId) (EncryptedShard, bool) {
	for _, shard := range p.Shards {
		if shard.ParticipantId.Equal(id) {
			return shard, true
		}
	}
	return EncryptedShard{}, false
}

// ExternalApprovers returns the committed approvers excluding the owner.
func (p Policy) ExternalApprovers() []TrustedApprover {
	var external []TrustedApprover
	for _, a := range p.Approvers {
		if !a.IsOwner {
			external = append(external, a)
		}
	}
	return external
}

// PolicySetup is the owner-only staging object holding candidate approvers
// and threshold while a new policy is being assembled. Discarding it is
// always safe; nothing is committed until a ReplacePolicy access succeeds.
type PolicySetup struct {
	Approvers []ProspectApprover `json:"approvers"`
	Threshold uint               `json:"threshold"`
}

// ApproverById returns the prospect with the given participant id.
func (s PolicySetup) ApproverById(id ParticipantId) (ProspectApprover, bool) {
	for _, a := range s.Approvers {
		if a.ParticipantId.Equal(id) {
			return a, true
		}
	}
	return ProspectApprover{}, false
}

// OwnerApprover returns the owner-as-approver prospect, if present.
func (s PolicySetup) OwnerApprover() (ProspectApprover, bool) {
	for _, a := range s.Approvers {
		if !a.IsExternal() {
			return a, true
		}
	}
	return ProspectApprover{}, false
}

// ExternalApprovers returns the external prospects in submission order.
func (s PolicySetup) ExternalApprovers() []ProspectApprover {
	var external []ProspectApprover
	for _, a := range s.Approvers {
		if a.IsExternal() {
			external = append(external, a)
		}
	}
	return external
}

// AllExternalsConfirmed reports whether every external prospect reached a
// confirmed state.
func (s PolicySetup) AllExternalsConfirmed() bool {
	for _, a := range s.ExternalApprovers() {
		if _, ok := a.ConfirmedAt(); !ok {
			return false
		}
	}
	return true
}
