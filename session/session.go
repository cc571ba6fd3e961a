// Package session holds the owner device's single source of truth: the
// latest OwnerState snapshot returned by the authority. Every successful
// remote call funnels through Apply, which replaces the snapshot wholesale;
// there is no local mutation path, so concurrent completions resolve as
// last-applied-wins.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/keyquorum/recovery-backend/access"
	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
	"github.com/keyquorum/recovery-backend/policy"
)

// Controller composes the policy engine and access orchestrator over one
// shared OwnerState snapshot.
type Controller struct {
	api      interfaces.OwnerAPI
	Policies *policy.Engine
	Access   *access.Orchestrator
	log      *slog.Logger

	mu          sync.Mutex
	state       interfaces.OwnerState
	subscribers []chan interfaces.OwnerState
}

// NewController creates a session controller with an empty snapshot.
func NewController(api interfaces.OwnerAPI, policies *policy.Engine, accessOrchestrator *access.Orchestrator, log *slog.Logger) *Controller {
	return &Controller{
		api:      api,
		Policies: policies,
		Access:   accessOrchestrator,
		log:      log,
	}
}

// Current returns the latest applied snapshot, nil before the first apply.
func (c *Controller) Current() interfaces.OwnerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Apply replaces the snapshot and notifies subscribers. A nil state is
// ignored so callers can pass through responses that carried no state.
func (c *Controller) Apply(state interfaces.OwnerState) {
	if state == nil {
		return
	}

	c.mu.Lock()
	c.state = state
	subscribers := append([]chan interfaces.OwnerState{}, c.subscribers...)
	c.mu.Unlock()

	for _, ch := range subscribers {
		// Latest-wins delivery: displace a stale buffered snapshot rather
		// than block the applier.
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving snapshot updates. Slow consumers see
// only the latest snapshot, never a backlog.
func (c *Controller) Subscribe() <-chan interfaces.OwnerState {
	ch := make(chan interfaces.OwnerState, 1)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// Register ensures the owner record exists and applies the resulting state.
// Idempotent.
func (c *Controller) Register(ctx context.Context) (interfaces.OwnerState, error) {
	resp, err := c.api.RegisterOwner(ctx, c.Policies.Owner())
	if err != nil {
		return nil, err
	}
	c.Apply(resp.OwnerState)
	return resp.OwnerState, nil
}

// Refresh pulls the canonical state, applies it, and eagerly processes any
// pending approver verifications in the staged setup. Processing is repeated
// on every refresh until the confirm or reject round-trips.
func (c *Controller) Refresh(ctx context.Context) (interfaces.OwnerState, error) {
	state, err := c.api.RetrieveOwnerState(ctx, c.Policies.Owner())
	if err != nil {
		return nil, err
	}
	c.Apply(state)

	ready, ok := state.(interfaces.OwnerStateReady)
	if !ok || ready.PolicySetup == nil {
		return state, nil
	}

	processed, acted, err := c.Policies.ProcessSubmissions(ctx, *ready.PolicySetup)
	if err != nil {
		c.log.Warn("failed to process approver submissions", "err", err)
		return state, nil
	}
	if acted {
		c.Apply(processed)
		return processed, nil
	}
	return state, nil
}

// StoreSeedPhrase encrypts a phrase to the master public key and stores it.
func (c *Controller) StoreSeedPhrase(ctx context.Context, label, phrase string) (interfaces.OwnerState, error) {
	state, ok := c.Current().(interfaces.OwnerStateReady)
	if !ok {
		return nil, interfaces.ErrNoPolicy
	}

	encrypted, err := encryptToMaster(state, []byte(phrase))
	if err != nil {
		return nil, err
	}

	resp, err := c.api.StoreSeedPhrase(ctx, c.Policies.Owner(), label, encrypted)
	if err != nil {
		return nil, err
	}
	c.Apply(resp.OwnerState)
	return resp.OwnerState, nil
}

func encryptToMaster(state interfaces.OwnerStateReady, plaintext []byte) ([]byte, error) {
	masterKey := state.Policy.MasterKey
	if err := masterKey.Validate(); err != nil {
		return nil, err
	}
	return cryptoutils.EncryptAsymmetric(masterKey, plaintext)
}

// SetTimelock updates the owner's access timelock.
func (c *Controller) SetTimelock(ctx context.Context, timelock interfaces.TimelockSetting) (interfaces.OwnerState, error) {
	resp, err := c.api.SetTimelock(ctx, c.Policies.Owner(), timelock.CurrentTimelock)
	if err != nil {
		return nil, err
	}
	c.Apply(resp.OwnerState)
	return resp.OwnerState, nil
}
