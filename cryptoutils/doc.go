// Package cryptoutils provides the cryptographic primitives of the recovery
// backend: key generation and encoding, signing, asymmetric encryption, and
// entropy-based symmetric encryption for cloud-stored private key material.
//
// All keys are NIST P-256 EC key pairs carried as Base58-encoded value types
// that validate on construction, so downstream code can assume
// well-formedness. Asymmetric encryption is ECIES:
//
//   - ECDH over P-256 for shared secret derivation
//   - SHA-256 for key derivation
//   - AES-GCM for authenticated symmetric encryption
//   - A fresh ephemeral key per encryption operation
//
// The encrypted data follows this binary format:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// Entropy encryption derives an AES-GCM key with Argon2id from device-local
// key material plus a server-issued random entropy value. A private key blob
// encrypted this way is useless without both the specific device key and the
// entropy on record, which makes it safe to park in an untrusted blob store.
package cryptoutils
