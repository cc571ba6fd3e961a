// Package policy assembles, stages, and prepares approver sets. It owns the
// PolicySetup staging flow, the threshold rules, and the deterministic
// primary/alternate selection among external approvers. Committing a staged
// setup into a live policy is delegated to the access orchestrator, because
// committing requires re-encrypting master key shares under a
// threshold-satisfying access.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
)

// SetupIntent states why a policy setup is being staged. Exactly two
// thresholds are used: removing approvers leaves the owner alone, adding
// approvers requires the owner plus one confirmed external approver.
type SetupIntent string

const (
	AddApprovers    SetupIntent = "AddApprovers"
	RemoveApprovers SetupIntent = "RemoveApprovers"
)

// Threshold returns the committed threshold for a setup intent.
func (i SetupIntent) Threshold() uint {
	if i == RemoveApprovers {
		return 1
	}
	return 2
}

// ValidateThreshold checks the basic threshold constraint against an
// approver count.
func ValidateThreshold(threshold uint, approverCount int) error {
	if threshold < 1 {
		return errors.New("threshold must be at least 1")
	}
	if int(threshold) > approverCount {
		return fmt.Errorf("threshold %d exceeds approver count %d", threshold, approverCount)
	}
	return nil
}

// ExternalApproverSelection names which external approver's flow the owner
// should be driven through next.
type ExternalApproverSelection struct {
	Primary   *interfaces.ProspectApprover
	Alternate *interfaces.ProspectApprover
}

// SelectExternalApprovers computes the primary/alternate selection among
// external prospects. The result is a deterministic, total function of
// (confirmedAt, participantId), independent of input list order: with one
// external it is primary; with several, the earliest-confirmed is primary
// and the alternate is the first unconfirmed prospect if any remain,
// otherwise the most-recently-confirmed. Ties on confirmedAt order by
// participantId.
func SelectExternalApprovers(prospects []interfaces.ProspectApprover) ExternalApproverSelection {
	var external []interfaces.ProspectApprover
	for _, p := range prospects {
		if p.IsExternal() {
			external = append(external, p)
		}
	}

	switch len(external) {
	case 0:
		return ExternalApproverSelection{}
	case 1:
		return ExternalApproverSelection{Primary: &external[0]}
	}

	var confirmed, unconfirmed []interfaces.ProspectApprover
	for _, p := range external {
		if _, ok := p.ConfirmedAt(); ok {
			confirmed = append(confirmed, p)
		} else {
			unconfirmed = append(unconfirmed, p)
		}
	}

	sort.SliceStable(confirmed, func(i, j int) bool {
		ti, _ := confirmed[i].ConfirmedAt()
		tj, _ := confirmed[j].ConfirmedAt()
		if ti.Equal(tj) {
			return confirmed[i].ParticipantId.String() < confirmed[j].ParticipantId.String()
		}
		return ti.Before(tj)
	})

	selection := ExternalApproverSelection{}
	if len(confirmed) > 0 {
		selection.Primary = &confirmed[0]
	} else {
		selection.Primary = &unconfirmed[0]
		if len(unconfirmed) > 1 {
			selection.Alternate = &unconfirmed[1]
		}
		return selection
	}

	if len(unconfirmed) > 0 {
		selection.Alternate = &unconfirmed[0]
	} else if len(confirmed) > 1 {
		selection.Alternate = &confirmed[len(confirmed)-1]
	}
	return selection
}

// ApproverKeysMessage builds the canonical bytes the owner signs to bind the
// approver public keys to the intermediate key: the intermediate key
// followed by each approver's participant id and key, ordered by
// participant id.
func ApproverKeysMessage(intermediateKey cryptoutils.PublicKey, approvers []interfaces.TrustedApprover) []byte {
	ordered := append([]interfaces.TrustedApprover{}, approvers...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ParticipantId.String() < ordered[j].ParticipantId.String()
	})

	message := append([]byte{}, intermediateKey.Bytes()...)
	for _, a := range ordered {
		message = append(message, a.ParticipantId.Bytes()...)
		if a.ApproverPublicKey != "" {
			message = append(message, a.ApproverPublicKey.Bytes()...)
		}
	}
	return message
}
