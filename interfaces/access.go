package interfaces

import (
	"time"
)

// AccessIntent states what an access request is for.
type AccessIntent string

const (
	// IntentAccessPhrases unlocks the protected seed phrases for viewing.
	IntentAccessPhrases AccessIntent = "AccessPhrases"

	// IntentReplacePolicy commits a staged PolicySetup as the new policy.
	IntentReplacePolicy AccessIntent = "ReplacePolicy"

	// IntentRecoverOwnerKey recovers the owner device key material.
	IntentRecoverOwnerKey AccessIntent = "RecoverOwnerKey"
)

// Validate checks the intent is one of the known values.
func (i AccessIntent) Validate() error {
	switch i {
	case IntentAccessPhrases, IntentReplacePolicy, IntentRecoverOwnerKey:
		return nil
	}
	return errInvalidEnum("access intent", string(i))
}

// AccessStatus is the lifecycle state of an in-flight access.
type AccessStatus string

const (
	AccessRequested  AccessStatus = "Requested"
	AccessTimelocked AccessStatus = "Timelocked"
	AccessAvailable  AccessStatus = "Available"
	AccessExpired    AccessStatus = "Expired"
)

// Validate checks the status is one of the known values.
func (s AccessStatus) Validate() error {
	switch s {
	case AccessRequested, AccessTimelocked, AccessAvailable, AccessExpired:
		return nil
	}
	return errInvalidEnum("access status", string(s))
}

// AccessApprovalStatus is the per-approver sub-state within an access.
type AccessApprovalStatus string

const (
	ApprovalInitial                AccessApprovalStatus = "Initial"
	ApprovalWaitingForVerification AccessApprovalStatus = "WaitingForVerification"
	ApprovalWaitingForApproval     AccessApprovalStatus = "WaitingForApproval"
	ApprovalApproved               AccessApprovalStatus = "Approved"
	ApprovalRejected               AccessApprovalStatus = "Rejected"
)

// Validate checks the status is one of the known values.
func (s AccessApprovalStatus) Validate() error {
	switch s {
	case ApprovalInitial, ApprovalWaitingForVerification, ApprovalWaitingForApproval,
		ApprovalApproved, ApprovalRejected:
		return nil
	}
	return errInvalidEnum("approval status", string(s))
}

// AccessApproval tracks one approver's progress through an access flow. The
// orchestrator reads approver identity from the policy and only ever mutates
// this sub-state.
type AccessApproval struct {
	ApprovalId    ApprovalId           `json:"approvalId"`
	ParticipantId ParticipantId        `json:"participantId"`
	Status        AccessApprovalStatus `json:"status"`

	// EncryptedShard is the approver's shard re-encrypted to the owner's
	// live access public key, present once Status is Approved. The approver
	// private key never leaves its device.
	EncryptedShard []byte `json:"encryptedShard,omitempty"`
}

// Access is the sealed union over where an access attempt is running: on
// this device or observed from another device.
type Access interface {
	access()
	Kind() string
}

// AccessThisDevice is an access attempt owned by this device.
type AccessThisDevice struct {
	Id        AccessId         `json:"id"`
	Status    AccessStatus     `json:"status"`
	Intent    AccessIntent     `json:"intent"`
	CreatedAt time.Time        `json:"createdAt"`
	UnlocksAt time.Time        `json:"unlocksAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Approvals []AccessApproval `json:"approvals"`

	// AccessPublicKey is the ephemeral key approvers re-encrypt shards to.
	AccessPublicKey PublicKey `json:"accessPublicKey"`
}

// AccessAnotherDevice is an access attempt initiated elsewhere; this device
// only observes its existence.
type AccessAnotherDevice struct {
	Id AccessId `json:"id"`
}

func (AccessThisDevice) access()    {}
func (AccessAnotherDevice) access() {}

func (AccessThisDevice) Kind() string    { return "ThisDevice" }
func (AccessAnotherDevice) Kind() string { return "AnotherDevice" }

// ApprovedCount returns the number of approvals in the Approved state.
func (a AccessThisDevice) ApprovedCount() uint {
	var n uint
	for _, approval := range a.Approvals {
		if approval.Status == ApprovalApproved {
			n++
		}
	}
	return n
}

// ApprovalFor returns the approval slot of a participant.
func (a AccessThisDevice) ApprovalFor(id ParticipantId) (AccessApproval, bool) {
	for _, approval := range a.Approvals {
		if approval.ParticipantId.Equal(id) {
			return approval, true
		}
	}
	return AccessApproval{}, false
}
