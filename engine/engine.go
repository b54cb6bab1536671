package engine

import (
	"context"
	"errors"

	"github.com/flashbots/abnet/crypto"
)

// Common errors returned by engine implementations.
var (
	ErrUnknownHandle  = errors.New("unknown ciphertext handle")
	ErrUnknownRequest = errors.New("unknown decryption request")
)

// Handle is an opaque reference to an encrypted value held by the engine.
// The ledger stores and passes handles around but can never recover the
// underlying plaintext from one.
type Handle string

// DecryptionResult carries the outcome of an asynchronous decryption
// request back to the ledger's coordinator.
type DecryptionResult struct {
	RequestID string `json:"request_id"`
	Plaintext uint64 `json:"plaintext"`
	Proof     []byte `json:"proof"`
}

// Engine is the encrypted value capability the ledger is built against.
//
// Implementations own all cipher-internal state. Operations that produce or
// combine ciphertexts may be long-latency in a real FHE runtime, so they
// take a context; callers must not hold ledger-wide locks across them where
// avoidable.
type Engine interface {
	// EncryptU8 produces a handle for an encrypted 8-bit value.
	EncryptU8(ctx context.Context, value uint8) (Handle, error)

	// EncryptU32 produces a handle for an encrypted 32-bit value.
	EncryptU32(ctx context.Context, value uint32) (Handle, error)

	// RandomU8 draws an encrypted random 8-bit value. No party, including
	// the caller, learns the plaintext.
	RandomU8(ctx context.Context) (Handle, error)

	// And returns a handle for the bitwise AND of two encrypted values.
	And(ctx context.Context, a, b Handle) (Handle, error)

	// Add returns a handle for the sum of two encrypted values.
	Add(ctx context.Context, a, b Handle) (Handle, error)

	// GrantAccess authorizes a principal to decrypt the given handle.
	// Granting is idempotent.
	GrantAccess(ctx context.Context, h Handle, principal crypto.PublicKey) error

	// RequestDecryption starts an asynchronous threshold decryption of the
	// given handles and returns an engine-issued request identifier. The
	// plaintext arrives later as a DecryptionResult delivered out of band.
	RequestDecryption(ctx context.Context, handles []Handle) (string, error)

	// VerifyAndDecode checks that a proof attests plaintext as the correct
	// decryption for the original handle set of requestID.
	VerifyAndDecode(requestID string, plaintext uint64, proof []byte) bool
}
