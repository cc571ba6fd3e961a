package authority

import (
	"context"
	"fmt"

	"github.com/keyquorum/recovery-backend/approver"
	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
)

// The approver-side surface. Participants are resolved through the index
// built when their owner staged them, so approver calls carry no owner key.

func (a *Authority) participantOwner(participant interfaces.ParticipantId) (*ownerRecord, error) {
	owner, ok := a.participants[participant]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return a.ownerRecord(owner)
}

// AcceptInvitation moves a freshly invited prospect to Accepted.
func (a *Authority) AcceptInvitation(ctx context.Context, participant interfaces.ParticipantId) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.participantOwner(participant)
	if err != nil {
		return err
	}

	return a.updateProspect(record, participant, func(status interfaces.ApproverStatus) (interfaces.ApproverStatus, error) {
		return approver.Accept(status, a.clock())
	})
}

// SubmitVerification records a signed proof. During policy setup it advances
// the prospect; during an open access it checks the proof against the
// approver key committed in the policy before advancing the approval slot.
func (a *Authority) SubmitVerification(ctx context.Context, participant interfaces.ParticipantId, req interfaces.SubmitVerificationRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.participantOwner(participant)
	if err != nil {
		return err
	}

	if record.access != nil {
		a.refreshAccess(record)
		if record.access.Status == interfaces.AccessAvailable {
			if slot := approvalSlot(record.access, participant); slot != nil && slot.Status == interfaces.ApprovalWaitingForVerification {
				confirmedKey, ok := confirmedApproverKey(record.policy, participant)
				if !ok {
					return fmt.Errorf("no approver key on record for participant %s", participant)
				}
				if !approver.VerifyAccessSubmission(confirmedKey, record.access.Id, req, a.clock()) {
					return fmt.Errorf("%w: access verification for participant %s", interfaces.ErrCrypto, participant)
				}
				slot.Status = interfaces.ApprovalWaitingForApproval
				return nil
			}
		}
	}

	return a.updateProspect(record, participant, func(status interfaces.ApproverStatus) (interfaces.ApproverStatus, error) {
		return approver.Submit(status, req, a.clock())
	})
}

// RetrieveAssignment returns the approver's current standing and, when an
// unlocked access awaits its approval, the assignment to act on. Reading an
// untouched approval slot claims it.
func (a *Authority) RetrieveAssignment(ctx context.Context, participant interfaces.ParticipantId) (interfaces.ApproverAssignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.participantOwner(participant)
	if err != nil {
		return interfaces.ApproverAssignment{}, err
	}

	assignment := interfaces.ApproverAssignment{Status: a.participantStanding(record, participant)}

	if record.access == nil {
		return assignment, nil
	}
	a.refreshAccess(record)
	if record.access.Status != interfaces.AccessAvailable {
		return assignment, nil
	}

	slot := approvalSlot(record.access, participant)
	if slot == nil {
		return assignment, nil
	}
	if slot.Status == interfaces.ApprovalInitial {
		slot.Status = interfaces.ApprovalWaitingForVerification
	}

	stored, ok := record.policy.ShardFor(participant)
	if !ok {
		return assignment, fmt.Errorf("no shard on record for participant %s", participant)
	}

	assignment.PendingAccess = &interfaces.PendingAccessAssignment{
		AccessId:        record.access.Id,
		Intent:          record.access.Intent,
		AccessPublicKey: record.access.AccessPublicKey,
		EncryptedShard:  append([]byte{}, stored.EncryptedShard...),
	}
	return assignment, nil
}

func (a *Authority) participantStanding(record *ownerRecord, participant interfaces.ParticipantId) string {
	if record.setup != nil {
		if prospect, ok := record.setup.ApproverById(participant); ok {
			return prospect.Status.Kind()
		}
	}
	if record.policy != nil {
		for _, trusted := range record.policy.Approvers {
			if trusted.ParticipantId.Equal(participant) {
				return "Onboarded"
			}
		}
	}
	return "Unknown"
}

// ApproveAccess records the shard the approver re-encrypted to the owner's
// access key. Valid only from WaitingForApproval.
func (a *Authority) ApproveAccess(ctx context.Context, participant interfaces.ParticipantId, encryptedShard []byte) error {
	if len(encryptedShard) == 0 {
		return fmt.Errorf("encrypted shard must not be empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.participantOwner(participant)
	if err != nil {
		return err
	}

	slot, err := a.availableSlot(record, participant)
	if err != nil {
		return err
	}
	if slot.Status != interfaces.ApprovalWaitingForApproval {
		return fmt.Errorf("invalid approval transition %s -> Approved", slot.Status)
	}

	slot.Status = interfaces.ApprovalApproved
	slot.EncryptedShard = append([]byte{}, encryptedShard...)
	return nil
}

// RejectAccess records the approver's refusal. Valid from any pre-terminal
// slot state.
func (a *Authority) RejectAccess(ctx context.Context, participant interfaces.ParticipantId) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.participantOwner(participant)
	if err != nil {
		return err
	}

	slot, err := a.availableSlot(record, participant)
	if err != nil {
		return err
	}
	if slot.Status == interfaces.ApprovalApproved || slot.Status == interfaces.ApprovalRejected {
		return fmt.Errorf("invalid approval transition %s -> Rejected", slot.Status)
	}

	slot.Status = interfaces.ApprovalRejected
	slot.EncryptedShard = nil
	return nil
}

func (a *Authority) availableSlot(record *ownerRecord, participant interfaces.ParticipantId) (*interfaces.AccessApproval, error) {
	if record.access == nil {
		return nil, interfaces.ErrNoOpenAccess
	}
	a.refreshAccess(record)
	switch record.access.Status {
	case interfaces.AccessTimelocked:
		return nil, interfaces.ErrAccessTimelocked
	case interfaces.AccessExpired:
		return nil, interfaces.ErrNoOpenAccess
	}

	slot := approvalSlot(record.access, participant)
	if slot == nil {
		return nil, interfaces.ErrKeyNotFound
	}
	return slot, nil
}

func confirmedApproverKey(policy *interfaces.Policy, participant interfaces.ParticipantId) (cryptoutils.PublicKey, bool) {
	if policy == nil {
		return "", false
	}
	for _, trusted := range policy.Approvers {
		if !trusted.IsOwner && trusted.ParticipantId.Equal(participant) {
			return trusted.ApproverPublicKey, true
		}
	}
	return "", false
}

func approvalSlot(access *interfaces.AccessThisDevice, participant interfaces.ParticipantId) *interfaces.AccessApproval {
	for i := range access.Approvals {
		if access.Approvals[i].ParticipantId.Equal(participant) {
			return &access.Approvals[i]
		}
	}
	return nil
}
