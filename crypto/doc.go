// Package crypto provides the key and signature primitives used to identify
// and authenticate principals in the experiment ledger.
//
// Every caller of the ledger (experiment owners, participants, and the
// decryption engine's callback path) is identified by an Ed25519 public key.
// The package provides:
//
//   - Ed25519 key pairs for signing and verification
//   - Signatures with helper methods for serialization and comparison
//
// Keys double as principal identifiers throughout the ledger: the hex-encoded
// public key is used as a map key and as the principal component of the
// (experiment, principal) participant key.
package crypto
