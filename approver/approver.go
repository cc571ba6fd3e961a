// Package approver implements the approver lifecycle state machine: the
// linear progression from invited to confirmed, the TOTP-signed verification
// handshake between approver device and owner, and the key confirmation that
// binds an approver key to its participation.
package approver

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
	"github.com/keyquorum/recovery-backend/totp"
)

// VerificationMessage builds the bytes an approver signs to prove a live
// session: the displayed TOTP code concatenated with the millisecond
// timestamp. Binding the timestamp (and, via the key, the signer) prevents a
// network observer from replaying an overheard code.
func VerificationMessage(code string, timeMillis int64) []byte {
	message := make([]byte, 0, len(code)+8)
	message = append(message, []byte(code)...)
	message = binary.BigEndian.AppendUint64(message, uint64(timeMillis))
	return message
}

// SignVerification is the approver-device side of the handshake: compute the
// code for the current window and sign it together with the timestamp.
func SignVerification(approverKey cryptoutils.PrivateKey, secret totp.Secret, timeMillis int64) (cryptoutils.Signature, error) {
	counter := totp.CounterAt(time.UnixMilli(timeMillis))
	code, err := totp.GenerateCode(secret, counter)
	if err != nil {
		return nil, err
	}
	return cryptoutils.Sign(approverKey, VerificationMessage(code, timeMillis))
}

// VerifySubmission is the owner side: regenerate the code for the submitted
// timestamp's window (tolerating one window of drift) and check the
// signature against the submitted approver public key.
func VerifySubmission(secret totp.Secret, sub interfaces.StatusVerificationSubmitted) bool {
	if sub.ApproverPublicKey.Validate() != nil {
		return false
	}

	counter := totp.CounterAt(time.UnixMilli(sub.TimeMillis))
	for _, c := range []uint64{counter - 1, counter, counter + 1} {
		code, err := totp.GenerateCode(secret, c)
		if err != nil {
			return false
		}
		if cryptoutils.Verify(sub.ApproverPublicKey, VerificationMessage(code, sub.TimeMillis), sub.Signature) {
			return true
		}
	}
	return false
}

// AccessVerificationMaxSkew bounds how far an access verification timestamp
// may drift from server time, mirroring the one-window tolerance of the
// setup handshake.
const AccessVerificationMaxSkew = 90 * time.Second

// AccessVerificationMessage builds the bytes an approver signs when
// re-verifying for an in-flight access: the access id concatenated with the
// millisecond timestamp.
func AccessVerificationMessage(accessId interfaces.AccessId, timeMillis int64) []byte {
	message := make([]byte, 0, len(accessId)+8)
	message = append(message, []byte(accessId)...)
	message = binary.BigEndian.AppendUint64(message, uint64(timeMillis))
	return message
}

// SignAccessVerification is the approver-device side: sign the access id and
// timestamp with the approver key the owner confirmed at onboarding.
func SignAccessVerification(approverKey cryptoutils.PrivateKey, accessId interfaces.AccessId, timeMillis int64) (cryptoutils.Signature, error) {
	return cryptoutils.Sign(approverKey, AccessVerificationMessage(accessId, timeMillis))
}

// VerifyAccessSubmission is the server side. The TOTP secret is encrypted to
// the owner device and never reaches the server, so the checkable proof is
// possession of the confirmed approver key: the signature must verify under
// the key committed in the policy and the timestamp must be close to now.
func VerifyAccessSubmission(confirmedKey cryptoutils.PublicKey, accessId interfaces.AccessId, req interfaces.SubmitVerificationRequest, now time.Time) bool {
	if confirmedKey.Validate() != nil {
		return false
	}

	skew := now.Sub(time.UnixMilli(req.TimeMillis))
	if skew > AccessVerificationMaxSkew || skew < -AccessVerificationMaxSkew {
		return false
	}
	return cryptoutils.Verify(confirmedKey, AccessVerificationMessage(accessId, req.TimeMillis), req.Signature)
}

// KeyConfirmationMessage builds the bytes the owner signs when confirming an
// approver: approver public key, participant id, and timestamp.
func KeyConfirmationMessage(approverPublicKey cryptoutils.PublicKey, participant interfaces.ParticipantId, timeMillis int64) []byte {
	message := append([]byte{}, approverPublicKey.Bytes()...)
	message = append(message, participant.Bytes()...)
	message = binary.BigEndian.AppendUint64(message, uint64(timeMillis))
	return message
}

// SignKeyConfirmation signs the key confirmation with the owner device key.
func SignKeyConfirmation(deviceKey cryptoutils.PrivateKey, approverPublicKey cryptoutils.PublicKey, participant interfaces.ParticipantId, timeMillis int64) (cryptoutils.Signature, error) {
	return cryptoutils.Sign(deviceKey, KeyConfirmationMessage(approverPublicKey, participant, timeMillis))
}

// VerifyKeyConfirmation checks a confirmed approver's key confirmation
// against the owner device public key.
func VerifyKeyConfirmation(devicePublicKey cryptoutils.PublicKey, status interfaces.StatusConfirmed, participant interfaces.ParticipantId) bool {
	message := KeyConfirmationMessage(status.ApproverPublicKey, participant, status.TimeMillis)
	return cryptoutils.Verify(devicePublicKey, message, status.ApproverKeySignature)
}

// Accept moves an invited approver to Accepted. Valid only from Initial.
func Accept(status interfaces.ApproverStatus, now time.Time) (interfaces.ApproverStatus, error) {
	initial, ok := status.(interfaces.StatusInitial)
	if !ok {
		return nil, transitionError(status, "Accepted")
	}
	return interfaces.StatusAccepted{
		DeviceEncryptedTotpSecret: initial.DeviceEncryptedTotpSecret,
		AcceptedAt:                now,
	}, nil
}

// Submit records a TOTP-signed proof. Valid from Accepted, or from
// VerificationSubmitted for a resubmission with a fresher code.
func Submit(status interfaces.ApproverStatus, req interfaces.SubmitVerificationRequest, now time.Time) (interfaces.ApproverStatus, error) {
	var totpSecret []byte
	switch s := status.(type) {
	case interfaces.StatusAccepted:
		totpSecret = s.DeviceEncryptedTotpSecret
	case interfaces.StatusVerificationSubmitted:
		totpSecret = s.DeviceEncryptedTotpSecret
	default:
		return nil, transitionError(status, "VerificationSubmitted")
	}

	return interfaces.StatusVerificationSubmitted{
		DeviceEncryptedTotpSecret: totpSecret,
		Signature:                 req.Signature,
		TimeMillis:                req.TimeMillis,
		ApproverPublicKey:         req.ApproverPublicKey,
		SubmittedAt:               now,
	}, nil
}

// Confirm finalizes a verified approver. Valid only from
// VerificationSubmitted; the key signature is the owner's signed key
// confirmation.
func Confirm(status interfaces.ApproverStatus, keySignature cryptoutils.Signature, now time.Time) (interfaces.ApproverStatus, error) {
	submitted, ok := status.(interfaces.StatusVerificationSubmitted)
	if !ok {
		return nil, transitionError(status, "Confirmed")
	}
	return interfaces.StatusConfirmed{
		ApproverKeySignature: keySignature,
		ApproverPublicKey:    submitted.ApproverPublicKey,
		TimeMillis:           submitted.TimeMillis,
		ConfirmedAt:          now,
	}, nil
}

// Decline permanently excludes an approver whose verification failed. There
// is no retry in place; participation requires a fresh invite under a new
// participant id.
func Decline(status interfaces.ApproverStatus) (interfaces.ApproverStatus, error) {
	switch status.(type) {
	case interfaces.StatusVerificationSubmitted, interfaces.StatusAccepted, interfaces.StatusInitial:
		return interfaces.StatusDeclined{}, nil
	}
	return nil, transitionError(status, "Declined")
}

// Onboard folds a confirmed approver into an active policy.
func Onboard(status interfaces.ApproverStatus, now time.Time) (interfaces.ApproverStatus, error) {
	switch status.(type) {
	case interfaces.StatusConfirmed, interfaces.StatusOwnerAsApprover:
		return interfaces.StatusOnboarded{OnboardedAt: now}, nil
	}
	return nil, transitionError(status, "Onboarded")
}

func transitionError(from interfaces.ApproverStatus, to string) error {
	return fmt.Errorf("invalid approver transition %s -> %s", from.Kind(), to)
}
