// Package storage provides KeyBlobStore implementations for the cloud side
// of owner key redundancy: entropy-encrypted key blobs addressed by
// participant id. Backends cover the local file system, Amazon S3, HashiCorp
// Vault, and IPFS, plus an in-memory store for tests and a multi-backend
// wrapper with redundant writes. StoreFromURI builds a backend from a
// URI-style configuration string.
//
// Every blob a store handles is ciphertext; a compromised storage provider
// learns nothing without both the owner device key and the entropy.
package storage
