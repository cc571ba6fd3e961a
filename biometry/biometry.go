// Package biometry provides BiometryProvider implementations. The real
// liveness SDK runs on the owner's device; StaticProvider stands in for it
// in servers, CLIs, and tests.
package biometry

import (
	"context"

	"github.com/google/uuid"

	"github.com/keyquorum/recovery-backend/interfaces"
)

// StaticProvider returns a fixed biometric payload for every capture. With
// Gate set, Capture blocks until the gate is closed or the context is
// cancelled, mimicking the user-attended scan.
type StaticProvider struct {
	// Payload is returned by every successful capture.
	Payload interfaces.FacetecBiometry

	// Err, when set, fails every capture.
	Err error

	// Gate, when non-nil, must be closed before a capture completes.
	Gate chan struct{}
}

// NewStaticProvider creates a provider that immediately returns payload.
func NewStaticProvider(payload interfaces.FacetecBiometry) *StaticProvider {
	return &StaticProvider{Payload: payload}
}

// StartSession opens a capture session under a fresh verification id.
func (p *StaticProvider) StartSession(ctx context.Context) (interfaces.BiometryVerificationId, error) {
	return interfaces.BiometryVerificationId(uuid.New().String()), nil
}

// Capture completes the scan. Context cancellation surfaces as
// ErrBiometryCancelled, the single clean abort path of an attended capture.
func (p *StaticProvider) Capture(ctx context.Context, id interfaces.BiometryVerificationId) (interfaces.FacetecBiometry, error) {
	if p.Gate != nil {
		select {
		case <-p.Gate:
		case <-ctx.Done():
			return interfaces.FacetecBiometry{}, interfaces.ErrBiometryCancelled
		}
	}
	if err := ctx.Err(); err != nil {
		return interfaces.FacetecBiometry{}, interfaces.ErrBiometryCancelled
	}
	if p.Err != nil {
		return interfaces.FacetecBiometry{}, p.Err
	}
	return p.Payload, nil
}
