// Package ownerhandler exposes the owner and approver API surfaces over
// HTTP. The handler is a thin JSON shim over the authority; the client in
// this package is its mirror image, so both in-process and remote setups
// speak through the same interfaces.
package ownerhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
)

// Handler processes HTTP requests for the recovery authority. Owners are
// addressed by their Base58 device public key, approvers by participant id;
// all request and response bodies are JSON.
type Handler struct {
	owners    interfaces.OwnerAPI
	approvers interfaces.ApproverAPI
	log       *slog.Logger
}

// NewHandler creates a handler over the given API implementations.
func NewHandler(owners interfaces.OwnerAPI, approvers interfaces.ApproverAPI, log *slog.Logger) *Handler {
	return &Handler{owners: owners, approvers: approvers, log: log}
}

// RegisterRoutes mounts the API routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/owners/{owner_key}/register", h.HandleRegisterOwner)
	r.Get("/api/owners/{owner_key}/state", h.HandleRetrieveOwnerState)
	r.Post("/api/owners/{owner_key}/policy-setup", h.HandleCreatePolicySetup)
	r.Post("/api/owners/{owner_key}/approvers/{participant_id}/confirm", h.HandleConfirmApprovership)
	r.Post("/api/owners/{owner_key}/approvers/{participant_id}/reject", h.HandleRejectVerification)
	r.Post("/api/owners/{owner_key}/approvers/{participant_id}/complete-ownership", h.HandleCompleteApproverOwnership)
	r.Post("/api/owners/{owner_key}/policy", h.HandleCreatePolicy)
	r.Put("/api/owners/{owner_key}/policy", h.HandleReplacePolicy)
	r.Post("/api/owners/{owner_key}/access", h.HandleInitiateAccess)
	r.Delete("/api/owners/{owner_key}/access", h.HandleCancelAccess)
	r.Post("/api/owners/{owner_key}/access/shards", h.HandleRetrieveAccessShards)
	r.Post("/api/owners/{owner_key}/seed-phrases", h.HandleStoreSeedPhrase)
	r.Put("/api/owners/{owner_key}/timelock", h.HandleSetTimelock)

	r.Post("/api/participants/{participant_id}/accept", h.HandleAcceptInvitation)
	r.Post("/api/participants/{participant_id}/verification", h.HandleSubmitVerification)
	r.Get("/api/participants/{participant_id}/assignment", h.HandleRetrieveAssignment)
	r.Post("/api/participants/{participant_id}/approve", h.HandleApproveAccess)
	r.Post("/api/participants/{participant_id}/reject-access", h.HandleRejectAccess)
}

// errorEnvelope is the JSON error body. Code carries the machine-readable
// error identity clients map back onto sentinel errors.
type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var errorCodes = []struct {
	sentinel error
	code     string
	status   int
}{
	{interfaces.ErrInsufficientApproval, "InsufficientApproval", http.StatusConflict},
	{interfaces.ErrInsufficientShards, "InsufficientShards", http.StatusConflict},
	{interfaces.ErrKeyConfirmationInvalid, "KeyConfirmationInvalid", http.StatusConflict},
	{interfaces.ErrNoOpenAccess, "NoOpenAccess", http.StatusConflict},
	{interfaces.ErrAccessTimelocked, "AccessTimelocked", http.StatusConflict},
	{interfaces.ErrNoPolicy, "NoPolicy", http.StatusConflict},
	{interfaces.ErrKeyNotFound, "KeyNotFound", http.StatusNotFound},
	{interfaces.ErrCloudStoragePermission, "CloudStoragePermission", http.StatusForbidden},
	{interfaces.ErrInvalidKeyFormat, "InvalidKeyFormat", http.StatusBadRequest},
	{interfaces.ErrCrypto, "Crypto", http.StatusBadRequest},
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	envelope := errorEnvelope{Error: err.Error()}
	status := http.StatusInternalServerError

	for _, mapping := range errorCodes {
		if errors.Is(err, mapping.sentinel) {
			envelope.Code = mapping.code
			status = mapping.status
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(envelope); encodeErr != nil {
		h.log.Error("failed to encode error response", "err", encodeErr)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("failed to encode response", "err", err)
	}
}

func ownerFromRequest(r *http.Request) (cryptoutils.PublicKey, error) {
	return cryptoutils.NewPublicKey(chi.URLParam(r, "owner_key"))
}

func participantFromRequest(r *http.Request) (interfaces.ParticipantId, error) {
	return interfaces.NewParticipantIdFromHex(chi.URLParam(r, "participant_id"))
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed request body: %s", interfaces.ErrInvalidKeyFormat, err)
	}
	return nil
}

// HandleRegisterOwner ensures the owner record exists.
//
// URL format: POST /api/owners/{owner_key}/register
func (h *Handler) HandleRegisterOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.RegisterOwner(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleRetrieveOwnerState returns the canonical owner snapshot.
//
// URL format: GET /api/owners/{owner_key}/state
func (h *Handler) HandleRetrieveOwnerState(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	state, err := h.owners.RetrieveOwnerState(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, interfaces.OwnerStateResponse{OwnerState: state})
}

// PolicySetupRequest carries a staged approver list. Approvers are tagged
// setup approver envelopes.
type PolicySetupRequest struct {
	Threshold uint              `json:"threshold"`
	Approvers []json.RawMessage `json:"approvers"`
}

// HandleCreatePolicySetup stages or restages the candidate approver set.
//
// URL format: POST /api/owners/{owner_key}/policy-setup
func (h *Handler) HandleCreatePolicySetup(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req PolicySetupRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	approvers := make([]interfaces.SetupApprover, 0, len(req.Approvers))
	for _, raw := range req.Approvers {
		a, err := interfaces.UnmarshalSetupApprover(raw)
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: %s", interfaces.ErrInvalidKeyFormat, err))
			return
		}
		approvers = append(approvers, a)
	}

	resp, err := h.owners.CreatePolicySetup(r.Context(), owner, req.Threshold, approvers)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// ConfirmApprovershipRequest carries the owner's signed key confirmation.
type ConfirmApprovershipRequest struct {
	KeySignature cryptoutils.Signature `json:"keySignature"`
	TimeMillis   int64                 `json:"timeMillis"`
}

// HandleConfirmApprovership accepts a verified prospect.
//
// URL format: POST /api/owners/{owner_key}/approvers/{participant_id}/confirm
func (h *Handler) HandleConfirmApprovership(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	participant, err := participantFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req ConfirmApprovershipRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.ConfirmApprovership(r.Context(), owner, participant, req.KeySignature, req.TimeMillis)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleRejectVerification declines a prospect whose proof failed.
//
// URL format: POST /api/owners/{owner_key}/approvers/{participant_id}/reject
func (h *Handler) HandleRejectVerification(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	participant, err := participantFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.RejectVerification(r.Context(), owner, participant)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// CompleteApproverOwnershipRequest reports the owner's own approver key.
type CompleteApproverOwnershipRequest struct {
	ApproverPublicKey cryptoutils.PublicKey `json:"approverPublicKey"`
}

// HandleCompleteApproverOwnership records the owner's approver public key.
//
// URL format: POST /api/owners/{owner_key}/approvers/{participant_id}/complete-ownership
func (h *Handler) HandleCompleteApproverOwnership(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	participant, err := participantFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req CompleteApproverOwnershipRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.CompleteApproverOwnership(r.Context(), owner, participant, req.ApproverPublicKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleCreatePolicy commits the initial policy.
//
// URL format: POST /api/owners/{owner_key}/policy
func (h *Handler) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req interfaces.CreatePolicyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.CreatePolicy(r.Context(), owner, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleReplacePolicy atomically swaps the active policy.
//
// URL format: PUT /api/owners/{owner_key}/policy
func (h *Handler) HandleReplacePolicy(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req interfaces.ReplacePolicyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.ReplacePolicy(r.Context(), owner, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// InitiateAccessRequest opens a new access.
type InitiateAccessRequest struct {
	Intent          interfaces.AccessIntent `json:"intent"`
	AccessPublicKey cryptoutils.PublicKey   `json:"accessPublicKey"`
}

// HandleInitiateAccess opens a new access, superseding any previous one.
//
// URL format: POST /api/owners/{owner_key}/access
func (h *Handler) HandleInitiateAccess(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req InitiateAccessRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.InitiateAccess(r.Context(), owner, req.Intent, req.AccessPublicKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleCancelAccess discards any in-flight access. Idempotent.
//
// URL format: DELETE /api/owners/{owner_key}/access
func (h *Handler) HandleCancelAccess(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.CancelAccess(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// RetrieveShardsRequest carries the biometric payload gating shard release.
type RetrieveShardsRequest struct {
	VerificationId interfaces.BiometryVerificationId `json:"verificationId"`
	Biometry       interfaces.FacetecBiometry        `json:"biometry"`
}

// HandleRetrieveAccessShards releases the shard set for an unlocked,
// sufficiently approved access.
//
// URL format: POST /api/owners/{owner_key}/access/shards
func (h *Handler) HandleRetrieveAccessShards(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req RetrieveShardsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.RetrieveAccessShards(r.Context(), owner, req.VerificationId, req.Biometry)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// StoreSeedPhraseRequest adds one encrypted phrase to the vault.
type StoreSeedPhraseRequest struct {
	Label               string `json:"label"`
	EncryptedSeedPhrase []byte `json:"encryptedSeedPhrase"`
}

// HandleStoreSeedPhrase appends an encrypted phrase to the vault.
//
// URL format: POST /api/owners/{owner_key}/seed-phrases
func (h *Handler) HandleStoreSeedPhrase(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req StoreSeedPhraseRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.StoreSeedPhrase(r.Context(), owner, req.Label, req.EncryptedSeedPhrase)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// SetTimelockRequest updates the owner's access timelock.
type SetTimelockRequest struct {
	TimelockSeconds int64 `json:"timelockSeconds"`
}

// HandleSetTimelock updates the timelock applied to future accesses.
//
// URL format: PUT /api/owners/{owner_key}/timelock
func (h *Handler) HandleSetTimelock(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req SetTimelockRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.owners.SetTimelock(r.Context(), owner, time.Duration(req.TimelockSeconds)*time.Second)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleAcceptInvitation moves a freshly invited prospect to Accepted.
//
// URL format: POST /api/participants/{participant_id}/accept
func (h *Handler) HandleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.approvers.AcceptInvitation(r.Context(), participant); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSubmitVerification records an approver's TOTP-signed proof.
//
// URL format: POST /api/participants/{participant_id}/verification
func (h *Handler) HandleSubmitVerification(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req interfaces.SubmitVerificationRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.approvers.SubmitVerification(r.Context(), participant, req); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRetrieveAssignment returns the approver's standing and any pending
// access assignment.
//
// URL format: GET /api/participants/{participant_id}/assignment
func (h *Handler) HandleRetrieveAssignment(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	assignment, err := h.approvers.RetrieveAssignment(r.Context(), participant)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, assignment)
}

// ApproveAccessRequest carries the re-encrypted shard.
type ApproveAccessRequest struct {
	EncryptedShard []byte `json:"encryptedShard"`
}

// HandleApproveAccess records the approver's re-encrypted shard.
//
// URL format: POST /api/participants/{participant_id}/approve
func (h *Handler) HandleApproveAccess(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req ApproveAccessRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.approvers.ApproveAccess(r.Context(), participant, req.EncryptedShard); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRejectAccess records the approver's refusal.
//
// URL format: POST /api/participants/{participant_id}/reject-access
func (h *Handler) HandleRejectAccess(w http.ResponseWriter, r *http.Request) {
	participant, err := participantFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.approvers.RejectAccess(r.Context(), participant); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
