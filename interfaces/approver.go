package interfaces

import (
	"time"
)

// ApproverStatus is the sealed state union an external approver progresses
// through while prospective:
//
//	Initial -> Accepted -> VerificationSubmitted -> Confirmed | Declined
//
// OwnerAsApprover and Onboarded are distinguished terminal variants. Declined
// is a dead end: retrying requires a fresh invitation under a new
// participant id.
type ApproverStatus interface {
	approverStatus()
	Kind() string
}

// StatusInitial is the state of a freshly invited approver.
type StatusInitial struct {
	// DeviceEncryptedTotpSecret is the shared TOTP secret encrypted to the
	// owner's device key; only the owner can regenerate display codes.
	DeviceEncryptedTotpSecret []byte
}

// StatusAccepted means the approver device accepted the invitation.
type StatusAccepted struct {
	DeviceEncryptedTotpSecret []byte
	AcceptedAt                time.Time
}

// StatusVerificationSubmitted means the approver submitted a TOTP-signed
// proof that awaits owner-side verification. The signature binds
// code, timestamp, and approver key so a network observer cannot replay it.
type StatusVerificationSubmitted struct {
	DeviceEncryptedTotpSecret []byte
	Signature                 Signature
	TimeMillis                int64
	ApproverPublicKey         PublicKey
	SubmittedAt               time.Time
}

// StatusConfirmed means the owner verified the submission and signed the key
// confirmation binding the approver key to this participation.
type StatusConfirmed struct {
	ApproverKeySignature Signature
	ApproverPublicKey    PublicKey
	TimeMillis           int64
	ConfirmedAt          time.Time
}

// StatusDeclined is the terminal state of a rejected or declining approver.
type StatusDeclined struct{}

// StatusOwnerAsApprover represents the owner acting as their own approver;
// no external device is involved and the owner shard is entropy-encrypted.
type StatusOwnerAsApprover struct {
	Entropy     Entropy
	ConfirmedAt time.Time
}

// StatusOnboarded marks an approver folded into an active policy.
type StatusOnboarded struct {
	OnboardedAt time.Time
}

func (StatusInitial) approverStatus()               {}
func (StatusAccepted) approverStatus()              {}
func (StatusVerificationSubmitted) approverStatus() {}
func (StatusConfirmed) approverStatus()             {}
func (StatusDeclined) approverStatus()              {}
func (StatusOwnerAsApprover) approverStatus()       {}
func (StatusOnboarded) approverStatus()             {}

func (StatusInitial) Kind() string               { return "Initial" }
func (StatusAccepted) Kind() string              { return "Accepted" }
func (StatusVerificationSubmitted) Kind() string { return "VerificationSubmitted" }
func (StatusConfirmed) Kind() string             { return "Confirmed" }
func (StatusDeclined) Kind() string              { return "Declined" }
func (StatusOwnerAsApprover) Kind() string       { return "OwnerAsApprover" }
func (StatusOnboarded) Kind() string             { return "Onboarded" }

// SetupApprover is one entry of a createPolicySetup submission.
type SetupApprover interface {
	setupApprover()
	Id() ParticipantId
}

// OwnerAsSetupApprover enrolls the owner's own device as an approver.
type OwnerAsSetupApprover struct {
	ParticipantId ParticipantId `json:"participantId"`
	Label         string        `json:"label"`
}

// ExternalSetupApprover enrolls a human approver reachable through the
// approver mobile app.
type ExternalSetupApprover struct {
	ParticipantId             ParticipantId `json:"participantId"`
	Label                     string        `json:"label"`
	DeviceEncryptedTotpSecret []byte        `json:"deviceEncryptedTotpSecret"`
}

func (OwnerAsSetupApprover) setupApprover()  {}
func (ExternalSetupApprover) setupApprover() {}

func (a OwnerAsSetupApprover) Id() ParticipantId  { return a.ParticipantId }
func (a ExternalSetupApprover) Id() ParticipantId { return a.ParticipantId }

// ProspectApprover is an approver inside a not-yet-committed PolicySetup.
type ProspectApprover struct {
	ParticipantId ParticipantId  `json:"participantId"`
	Label         string         `json:"label"`
	Status        ApproverStatus `json:"status"`
}

// IsExternal reports whether the prospect is an external approver rather
// than the owner acting as their own approver.
func (p ProspectApprover) IsExternal() bool {
	_, owner := p.Status.(StatusOwnerAsApprover)
	return !owner
}

// ConfirmedAt returns the confirmation instant, if the prospect reached a
// confirmed state.
func (p ProspectApprover) ConfirmedAt() (time.Time, bool) {
	switch s := p.Status.(type) {
	case StatusConfirmed:
		return s.ConfirmedAt, true
	case StatusOwnerAsApprover:
		return s.ConfirmedAt, true
	default:
		return time.Time{}, false
	}
}

// TrustedApprover is a committed member of an active policy.
type TrustedApprover struct {
	ParticipantId     ParticipantId `json:"participantId"`
	Label             string        `json:"label"`
	IsOwner           bool          `json:"isOwner"`
	ApproverPublicKey PublicKey     `json:"approverPublicKey,omitempty"`
	ConfirmedAt       time.Time     `json:"confirmedAt"`
}
