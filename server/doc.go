// Package server exposes the experiment ledger over HTTP.
//
// All mutating endpoints accept Signed envelopes: the request body carries
// the payload together with the caller's Ed25519 public key and a signature
// over the serialized payload. The recovered public key is the caller's
// principal for ownership and membership checks, so there is no separate
// session or authentication layer.
//
// Read-only endpoints are plain GETs. The decryption callback endpoint is
// unauthenticated at the transport level; results are accepted only when the
// attached cryptographic proof verifies against the original request.
package server
