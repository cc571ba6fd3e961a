package ownerhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
)

// Client is the HTTP implementation of interfaces.OwnerAPI and
// interfaces.ApproverAPI. Error codes returned by the server are mapped back
// onto the sentinel errors, so callers match with errors.Is exactly as they
// would against the in-process authority. Transport failures wrap
// interfaces.ErrRemoteUnavailable.
type Client struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a client for the authority at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Client: http.DefaultClient}
}

func codeToSentinel(code string) error {
	for _, mapping := range errorCodes {
		if mapping.code == code {
			return mapping.sentinel
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: could not read response: %s", interfaces.ErrRemoteUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		if err := json.Unmarshal(responseBody, &envelope); err == nil && envelope.Error != "" {
			if sentinel := codeToSentinel(envelope.Code); sentinel != nil {
				return fmt.Errorf("%w: %s", sentinel, envelope.Error)
			}
			return fmt.Errorf("authority returned %d: %s", resp.StatusCode, envelope.Error)
		}
		return fmt.Errorf("authority returned %d: %s", resp.StatusCode, string(responseBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

func ownerPath(owner cryptoutils.PublicKey, suffix string) string {
	return fmt.Sprintf("/api/owners/%s%s", owner.String(), suffix)
}

func participantPath(participant interfaces.ParticipantId, suffix string) string {
	return fmt.Sprintf("/api/participants/%s%s", participant.String(), suffix)
}

// RegisterOwner implements interfaces.OwnerAPI.
func (c *Client) RegisterOwner(ctx context.Context, owner cryptoutils.PublicKey) (interfaces.OwnerStateResponse, error) {
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "/register"), nil, &resp)
	return resp, err
}

// RetrieveOwnerState implements interfaces.OwnerAPI.
func (c *Client) RetrieveOwnerState(ctx context.Context, owner cryptoutils.PublicKey) (interfaces.OwnerState, error) {
	var resp interfaces.OwnerStateResponse
	if err := c.do(ctx, http.MethodGet, ownerPath(owner, "/state"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.OwnerState, nil
}

// CreatePolicySetup implements interfaces.OwnerAPI.
func (c *Client) CreatePolicySetup(ctx context.Context, owner cryptoutils.PublicKey, threshold uint, approvers []interfaces.SetupApprover) (interfaces.OwnerStateResponse, error) {
	req := PolicySetupRequest{Threshold: threshold}
	for _, a := range approvers {
		raw, err := interfaces.MarshalSetupApprover(a)
		if err != nil {
			return interfaces.OwnerStateResponse{}, err
		}
		req.Approvers = append(req.Approvers, raw)
	}

	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "/policy-setup"), req, &resp)
	return resp, err
}

// ConfirmApprovership implements interfaces.OwnerAPI.
func (c *Client) ConfirmApprovership(ctx context.Context, owner cryptoutils.PublicKey, participant interfaces.ParticipantId, keySignature cryptoutils.Signature, timeMillis int64) (interfaces.OwnerStateResponse, error) {
	req := ConfirmApprovershipRequest{KeySignature: keySignature, TimeMillis: timeMillis}
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "/approvers/"+participant.String()+"/confirm"), req, &resp)
	return resp, err
}

// RejectVerification implements interfaces.OwnerAPI.
func (c *Client) RejectVerification(ctx context.Context, owner cryptoutils.PublicKey, participant interfaces.ParticipantId) (interfaces.OwnerStateResponse, error) {
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "/approvers/"+participant.String()+"/reject"), nil, &resp)
	return resp, err
}

// CompleteApproverOwnership implements interfaces.OwnerAPI.
func (c *Client) CompleteApproverOwnership(ctx context.Context, owner cryptoutils.PublicKey, participant interfaces.ParticipantId, approverPublicKey cryptoutils.PublicKey) (interfaces.OwnerStateResponse, error) {
	req := CompleteApproverOwnershipRequest{ApproverPublicKey: approverPublicKey}
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "/approvers/"+participant.String()+"/complete-ownership"), req, &resp)
	return resp, err
}

// CreatePolicy implements interfaces.OwnerAPI.
func (c *Client) CreatePolicy(ctx context.Context, owner cryptoutils.PublicKey, req interfaces.CreatePolicyRequest) (interfaces.OwnerStateResponse, error) {
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "/policy"), req, &resp)
	return resp, err
}

// InitiateAccess implements interfaces.OwnerAPI.
func (c *Client) InitiateAccess(ctx context.Context, owner cryptoutils.PublicKey, intent interfaces.AccessIntent, accessPublicKey cryptoutils.PublicKey) (interfaces.OwnerStateResponse, error) {
	req := InitiateAccessRequest{Intent: intent, AccessPublicKey: accessPublicKey}
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "/access"), req, &resp)
	return resp, err
}

// CancelAccess implements interfaces.OwnerAPI.
func (c *Client) CancelAccess(ctx context.Context, owner cryptoutils.PublicKey) (interfaces.OwnerStateResponse, error) {
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodDelete, ownerPath(owner, "/access"), nil, &resp)
	return resp, err
}

// RetrieveAccessShards implements interfaces.OwnerAPI.
func (c *Client) RetrieveAccessShards(ctx context.Context, owner cryptoutils.PublicKey, verificationId interfaces.BiometryVerificationId, biometryData interfaces.FacetecBiometry) (interfaces.RetrieveShardsResponse, error) {
	req := RetrieveShardsRequest{VerificationId: verificationId, Biometry: biometryData}
	var resp interfaces.RetrieveShardsResponse
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "/access/shards"), req, &resp)
	return resp, err
}

// ReplacePolicy implements interfaces.OwnerAPI.
func (c *Client) ReplacePolicy(ctx context.Context, owner cryptoutils.PublicKey, req interfaces.ReplacePolicyRequest) (interfaces.OwnerStateResponse, error) {
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPut, ownerPath(owner, "/policy"), req, &resp)
	return resp, err
}

// StoreSeedPhrase implements interfaces.OwnerAPI.
func (c *Client) StoreSeedPhrase(ctx context.Context, owner cryptoutils.PublicKey, label string, encryptedSeedPhrase []byte) (interfaces.OwnerStateResponse, error) {
	req := StoreSeedPhraseRequest{Label: label, EncryptedSeedPhrase: encryptedSeedPhrase}
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPost, ownerPath(owner, "/seed-phrases"), req, &resp)
	return resp, err
}

// SetTimelock implements interfaces.OwnerAPI.
func (c *Client) SetTimelock(ctx context.Context, owner cryptoutils.PublicKey, timelock time.Duration) (interfaces.OwnerStateResponse, error) {
	req := SetTimelockRequest{TimelockSeconds: int64(timelock / time.Second)}
	var resp interfaces.OwnerStateResponse
	err := c.do(ctx, http.MethodPut, ownerPath(owner, "/timelock"), req, &resp)
	return resp, err
}

// AcceptInvitation implements interfaces.ApproverAPI.
func (c *Client) AcceptInvitation(ctx context.Context, participant interfaces.ParticipantId) error {
	return c.do(ctx, http.MethodPost, participantPath(participant, "/accept"), nil, nil)
}

// SubmitVerification implements interfaces.ApproverAPI.
func (c *Client) SubmitVerification(ctx context.Context, participant interfaces.ParticipantId, req interfaces.SubmitVerificationRequest) error {
	return c.do(ctx, http.MethodPost, participantPath(participant, "/verification"), req, nil)
}

// RetrieveAssignment implements interfaces.ApproverAPI.
func (c *Client) RetrieveAssignment(ctx context.Context, participant interfaces.ParticipantId) (interfaces.ApproverAssignment, error) {
	var assignment interfaces.ApproverAssignment
	err := c.do(ctx, http.MethodGet, participantPath(participant, "/assignment"), nil, &assignment)
	return assignment, err
}

// ApproveAccess implements interfaces.ApproverAPI.
func (c *Client) ApproveAccess(ctx context.Context, participant interfaces.ParticipantId, encryptedShard []byte) error {
	req := ApproveAccessRequest{EncryptedShard: encryptedShard}
	return c.do(ctx, http.MethodPost, participantPath(participant, "/approve"), req, nil)
}

// RejectAccess implements interfaces.ApproverAPI.
func (c *Client) RejectAccess(ctx context.Context, participant interfaces.ParticipantId) error {
	return c.do(ctx, http.MethodPost, participantPath(participant, "/reject-access"), nil, nil)
}
