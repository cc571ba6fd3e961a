// Package interfaces defines the core types and contracts of the recovery
// backend: participant identifiers, the approver and access state unions,
// policies, the owner state snapshot, the error taxonomy, and the interfaces
// to the remote authority, the cloud key blob store, and the biometric
// liveness collaborator. It provides the contract between components without
// implementation details.
package interfaces
