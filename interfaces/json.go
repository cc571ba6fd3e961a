package interfaces

import (
	"encoding/json"
	"fmt"
	"time"
)

// The sealed unions cross the wire as tagged envelopes: one flat JSON object
// per union, discriminated by "kind". Exhaustive switches here mirror the
// type switches consumers write.

type approverStatusEnvelope struct {
	Kind                      string     `json:"kind"`
	DeviceEncryptedTotpSecret []byte     `json:"deviceEncryptedTotpSecret,omitempty"`
	Signature                 Signature  `json:"signature,omitempty"`
	TimeMillis                int64      `json:"timeMillis,omitempty"`
	ApproverPublicKey         PublicKey  `json:"approverPublicKey,omitempty"`
	ApproverKeySignature      Signature  `json:"approverKeySignature,omitempty"`
	Entropy                   Entropy    `json:"entropy,omitempty"`
	AcceptedAt                *time.Time `json:"acceptedAt,omitempty"`
	SubmittedAt               *time.Time `json:"submittedAt,omitempty"`
	ConfirmedAt               *time.Time `json:"confirmedAt,omitempty"`
	OnboardedAt               *time.Time `json:"onboardedAt,omitempty"`
}

// MarshalApproverStatus encodes an approver status variant.
func MarshalApproverStatus(s ApproverStatus) ([]byte, error) {
	env := approverStatusEnvelope{Kind: s.Kind()}
	switch v := s.(type) {
	case StatusInitial:
		env.DeviceEncryptedTotpSecret = v.DeviceEncryptedTotpSecret
	case StatusAccepted:
		env.DeviceEncryptedTotpSecret = v.DeviceEncryptedTotpSecret
		env.AcceptedAt = &v.AcceptedAt
	case StatusVerificationSubmitted:
		env.DeviceEncryptedTotpSecret = v.DeviceEncryptedTotpSecret
		env.Signature = v.Signature
		env.TimeMillis = v.TimeMillis
		env.ApproverPublicKey = v.ApproverPublicKey
		env.SubmittedAt = &v.SubmittedAt
	case StatusConfirmed:
		env.ApproverKeySignature = v.ApproverKeySignature
		env.ApproverPublicKey = v.ApproverPublicKey
		env.TimeMillis = v.TimeMillis
		env.ConfirmedAt = &v.ConfirmedAt
	case StatusDeclined:
	case StatusOwnerAsApprover:
		env.Entropy = v.Entropy
		env.ConfirmedAt = &v.ConfirmedAt
	case StatusOnboarded:
		env.OnboardedAt = &v.OnboardedAt
	default:
		return nil, fmt.Errorf("unknown approver status %T", s)
	}
	return json.Marshal(env)
}

// UnmarshalApproverStatus decodes an approver status variant.
func UnmarshalApproverStatus(data []byte) (ApproverStatus, error) {
	var env approverStatusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	timeOrZero := func(t *time.Time) time.Time {
		if t == nil {
			return time.Time{}
		}
		return *t
	}

	switch env.Kind {
	case "Initial":
		return StatusInitial{DeviceEncryptedTotpSecret: env.DeviceEncryptedTotpSecret}, nil
	case "Accepted":
		return StatusAccepted{
			DeviceEncryptedTotpSecret: env.DeviceEncryptedTotpSecret,
			AcceptedAt:                timeOrZero(env.AcceptedAt),
		}, nil
	case "VerificationSubmitted":
		return StatusVerificationSubmitted{
			DeviceEncryptedTotpSecret: env.DeviceEncryptedTotpSecret,
			Signature:                 env.Signature,
			TimeMillis:                env.TimeMillis,
			ApproverPublicKey:         env.ApproverPublicKey,
			SubmittedAt:               timeOrZero(env.SubmittedAt),
		}, nil
	case "Confirmed":
		return StatusConfirmed{
			ApproverKeySignature: env.ApproverKeySignature,
			ApproverPublicKey:    env.ApproverPublicKey,
			TimeMillis:           env.TimeMillis,
			ConfirmedAt:          timeOrZero(env.ConfirmedAt),
		}, nil
	case "Declined":
		return StatusDeclined{}, nil
	case "OwnerAsApprover":
		return StatusOwnerAsApprover{
			Entropy:     env.Entropy,
			ConfirmedAt: timeOrZero(env.ConfirmedAt),
		}, nil
	case "Onboarded":
		return StatusOnboarded{OnboardedAt: timeOrZero(env.OnboardedAt)}, nil
	}
	return nil, fmt.Errorf("unknown approver status kind %q", env.Kind)
}

type prospectApproverJSON struct {
	ParticipantId ParticipantId   `json:"participantId"`
	Label         string          `json:"label"`
	Status        json.RawMessage `json:"status"`
}

// MarshalJSON implements json.Marshaler.
func (p ProspectApprover) MarshalJSON() ([]byte, error) {
	status, err := MarshalApproverStatus(p.Status)
	if err != nil {
		return nil, err
	}
	return json.Marshal(prospectApproverJSON{
		ParticipantId: p.ParticipantId,
		Label:         p.Label,
		Status:        status,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ProspectApprover) UnmarshalJSON(data []byte) error {
	var raw prospectApproverJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	status, err := UnmarshalApproverStatus(raw.Status)
	if err != nil {
		return err
	}

	p.ParticipantId = raw.ParticipantId
	p.Label = raw.Label
	p.Status = status
	return nil
}

type setupApproverEnvelope struct {
	Kind                      string        `json:"kind"`
	ParticipantId             ParticipantId `json:"participantId"`
	Label                     string        `json:"label"`
	DeviceEncryptedTotpSecret []byte        `json:"deviceEncryptedTotpSecret,omitempty"`
}

// MarshalSetupApprover encodes a setup approver variant.
func MarshalSetupApprover(a SetupApprover) ([]byte, error) {
	switch v := a.(type) {
	case OwnerAsSetupApprover:
		return json.Marshal(setupApproverEnvelope{
			Kind:          "Owner",
			ParticipantId: v.ParticipantId,
			Label:         v.Label,
		})
	case ExternalSetupApprover:
		return json.Marshal(setupApproverEnvelope{
			Kind:                      "External",
			ParticipantId:             v.ParticipantId,
			Label:                     v.Label,
			DeviceEncryptedTotpSecret: v.DeviceEncryptedTotpSecret,
		})
	}
	return nil, fmt.Errorf("unknown setup approver %T", a)
}

// UnmarshalSetupApprover decodes a setup approver variant.
func UnmarshalSetupApprover(data []byte) (SetupApprover, error) {
	var env setupApproverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Kind {
	case "Owner":
		return OwnerAsSetupApprover{ParticipantId: env.ParticipantId, Label: env.Label}, nil
	case "External":
		return ExternalSetupApprover{
			ParticipantId:             env.ParticipantId,
			Label:                     env.Label,
			DeviceEncryptedTotpSecret: env.DeviceEncryptedTotpSecret,
		}, nil
	}
	return nil, fmt.Errorf("unknown setup approver kind %q", env.Kind)
}

type accessEnvelope struct {
	Kind            string           `json:"kind"`
	Id              AccessId         `json:"id"`
	Status          AccessStatus     `json:"status,omitempty"`
	Intent          AccessIntent     `json:"intent,omitempty"`
	CreatedAt       *time.Time       `json:"createdAt,omitempty"`
	UnlocksAt       *time.Time       `json:"unlocksAt,omitempty"`
	ExpiresAt       *time.Time       `json:"expiresAt,omitempty"`
	Approvals       []AccessApproval `json:"approvals,omitempty"`
	AccessPublicKey PublicKey        `json:"accessPublicKey,omitempty"`
}

// MarshalAccess encodes an access variant.
func MarshalAccess(a Access) ([]byte, error) {
	switch v := a.(type) {
	case AccessThisDevice:
		return json.Marshal(accessEnvelope{
			Kind:            v.Kind(),
			Id:              v.Id,
			Status:          v.Status,
			Intent:          v.Intent,
			CreatedAt:       &v.CreatedAt,
			UnlocksAt:       &v.UnlocksAt,
			ExpiresAt:       &v.ExpiresAt,
			Approvals:       v.Approvals,
			AccessPublicKey: v.AccessPublicKey,
		})
	case AccessAnotherDevice:
		return json.Marshal(accessEnvelope{Kind: v.Kind(), Id: v.Id})
	}
	return nil, fmt.Errorf("unknown access %T", a)
}

// UnmarshalAccess decodes an access variant.
func UnmarshalAccess(data []byte) (Access, error) {
	var env accessEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	timeOrZero := func(t *time.Time) time.Time {
		if t == nil {
			return time.Time{}
		}
		return *t
	}

	switch env.Kind {
	case "ThisDevice":
		return AccessThisDevice{
			Id:              env.Id,
			Status:          env.Status,
			Intent:          env.Intent,
			CreatedAt:       timeOrZero(env.CreatedAt),
			UnlocksAt:       timeOrZero(env.UnlocksAt),
			ExpiresAt:       timeOrZero(env.ExpiresAt),
			Approvals:       env.Approvals,
			AccessPublicKey: env.AccessPublicKey,
		}, nil
	case "AnotherDevice":
		return AccessAnotherDevice{Id: env.Id}, nil
	}
	return nil, fmt.Errorf("unknown access kind %q", env.Kind)
}

type ownerStateEnvelope struct {
	Kind            string           `json:"kind"`
	Entropy         Entropy          `json:"entropy,omitempty"`
	Policy          *Policy          `json:"policy,omitempty"`
	PolicySetup     *PolicySetup     `json:"policySetup,omitempty"`
	Access          json.RawMessage  `json:"access,omitempty"`
	Vault           *Vault           `json:"vault,omitempty"`
	TimelockSetting *TimelockSetting `json:"timelockSetting,omitempty"`
	Onboarded       bool             `json:"onboarded,omitempty"`
}

// MarshalOwnerState encodes an owner state variant.
func MarshalOwnerState(s OwnerState) ([]byte, error) {
	switch v := s.(type) {
	case OwnerStateInitial:
		return json.Marshal(ownerStateEnvelope{Kind: v.Kind(), Entropy: v.Entropy})
	case OwnerStateReady:
		env := ownerStateEnvelope{
			Kind:            v.Kind(),
			Policy:          &v.Policy,
			PolicySetup:     v.PolicySetup,
			Vault:           &v.Vault,
			TimelockSetting: &v.TimelockSetting,
			Onboarded:       v.Onboarded,
		}
		if v.Access != nil {
			access, err := MarshalAccess(v.Access)
			if err != nil {
				return nil, err
			}
			env.Access = access
		}
		return json.Marshal(env)
	}
	return nil, fmt.Errorf("unknown owner state %T", s)
}

// UnmarshalOwnerState decodes an owner state variant.
func UnmarshalOwnerState(data []byte) (OwnerState, error) {
	var env ownerStateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Kind {
	case "Initial":
		return OwnerStateInitial{Entropy: env.Entropy}, nil
	case "Ready":
		ready := OwnerStateReady{
			PolicySetup: env.PolicySetup,
			Onboarded:   env.Onboarded,
		}
		if env.Policy != nil {
			ready.Policy = *env.Policy
		}
		if env.Vault != nil {
			ready.Vault = *env.Vault
		}
		if env.TimelockSetting != nil {
			ready.TimelockSetting = *env.TimelockSetting
		}
		if len(env.Access) > 0 {
			access, err := UnmarshalAccess(env.Access)
			if err != nil {
				return nil, err
			}
			ready.Access = access
		}
		return ready, nil
	}
	return nil, fmt.Errorf("unknown owner state kind %q", env.Kind)
}

// MarshalJSON implements json.Marshaler.
func (r OwnerStateResponse) MarshalJSON() ([]byte, error) {
	state, err := MarshalOwnerState(r.OwnerState)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		OwnerState json.RawMessage `json:"ownerState"`
	}{OwnerState: state})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *OwnerStateResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		OwnerState json.RawMessage `json:"ownerState"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	state, err := UnmarshalOwnerState(raw.OwnerState)
	if err != nil {
		return err
	}
	r.OwnerState = state
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r RetrieveShardsResponse) MarshalJSON() ([]byte, error) {
	state, err := MarshalOwnerState(r.OwnerState)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		OwnerState     json.RawMessage  `json:"ownerState"`
		Shards         []EncryptedShard `json:"shards"`
		ScanResultBlob ScanResultBlob   `json:"scanResultBlob"`
	}{OwnerState: state, Shards: r.Shards, ScanResultBlob: r.ScanResultBlob})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RetrieveShardsResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		OwnerState     json.RawMessage  `json:"ownerState"`
		Shards         []EncryptedShard `json:"shards"`
		ScanResultBlob ScanResultBlob   `json:"scanResultBlob"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	state, err := UnmarshalOwnerState(raw.OwnerState)
	if err != nil {
		return err
	}
	r.OwnerState = state
	r.Shards = raw.Shards
	r.ScanResultBlob = raw.ScanResultBlob
	return nil
}
