package interfaces

import (
	"time"
)

// SeedPhrase is one protected secret in the vault, encrypted to the master
// public key.
type SeedPhrase struct {
	Id                  SeedPhraseId `json:"id"`
	Label               string       `json:"label"`
	EncryptedSeedPhrase []byte       `json:"encryptedSeedPhrase"`
	CreatedAt           time.Time    `json:"createdAt"`
}

// Vault holds the protected seed phrases and the master public key they are
// encrypted to.
type Vault struct {
	PublicMasterEncryptionKey PublicKey    `json:"publicMasterEncryptionKey,omitempty"`
	SeedPhrases               []SeedPhrase `json:"seedPhrases,omitempty"`
}

// TimelockSetting is the owner's configured access timelock.
type TimelockSetting struct {
	// CurrentTimelock is applied to new access requests when computing
	// unlocksAt. Zero means accesses unlock immediately.
	CurrentTimelock time.Duration `json:"currentTimelock"`
}

// OwnerState is the sealed union over an owner's canonical snapshot. Every
// successful mutation is expressed as "apply remote response, replace local
// OwnerState"; there is no independent local mutation path.
type OwnerState interface {
	ownerState()
	Kind() string
}

// OwnerStateInitial is the state before any policy exists. It carries the
// server-issued entropy the owner device needs to protect its key material.
type OwnerStateInitial struct {
	Entropy Entropy `json:"entropy"`
}

// OwnerStateReady is the state once a policy is active.
type OwnerStateReady struct {
	Policy          Policy          `json:"policy"`
	PolicySetup     *PolicySetup    `json:"policySetup,omitempty"`
	Access          Access          `json:"access,omitempty"`
	Vault           Vault           `json:"vault"`
	TimelockSetting TimelockSetting `json:"timelockSetting"`
	Onboarded       bool            `json:"onboarded"`
}

func (OwnerStateInitial) ownerState() {}
func (OwnerStateReady) ownerState()  {}

func (OwnerStateInitial) Kind() string { return "Initial" }
func (OwnerStateReady) Kind() string   { return "Ready" }

// ThisDeviceAccess returns the access owned by this device, if any.
func (s OwnerStateReady) ThisDeviceAccess() (AccessThisDevice, bool) {
	access, ok := s.Access.(AccessThisDevice)
	return access, ok
}
