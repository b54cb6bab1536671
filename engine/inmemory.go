package engine

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/flashbots/abnet/crypto"
)

// InMemory simulates the encrypted value engine by keeping plaintexts in
// memory. It implements the full Engine capability, including access grants
// and HMAC-based decryption proofs, but provides no actual confidentiality.
// It exists so the ledger can be exercised in tests and demos without an
// FHE runtime.
type InMemory struct {
	// proofKey authenticates decryption results, standing in for the
	// engine's threshold decryption proof.
	proofKey []byte

	mu       sync.Mutex
	values   map[Handle]uint64
	access   map[Handle]map[string]bool
	requests map[string][]Handle

	pending chan string
}

// NewInMemory creates an in-memory engine with a fresh proof key.
func NewInMemory() (*InMemory, error) {
	proofKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, proofKey); err != nil {
		return nil, fmt.Errorf("failed to generate proof key: %w", err)
	}

	return &InMemory{
		proofKey: proofKey,
		values:   make(map[Handle]uint64),
		access:   make(map[Handle]map[string]bool),
		requests: make(map[string][]Handle),
		pending:  make(chan string, 64),
	}, nil
}

func (e *InMemory) newHandle(value uint64) Handle {
	h := Handle(uuid.NewString())
	e.values[h] = value
	return h
}

// EncryptU8 produces a handle for an encrypted 8-bit value.
func (e *InMemory) EncryptU8(ctx context.Context, value uint8) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newHandle(uint64(value)), nil
}

// EncryptU32 produces a handle for an encrypted 32-bit value.
func (e *InMemory) EncryptU32(ctx context.Context, value uint32) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newHandle(uint64(value)), nil
}

// RandomU8 draws an encrypted random 8-bit value.
func (e *InMemory) RandomU8(ctx context.Context) (Handle, error) {
	var b [1]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", fmt.Errorf("failed to draw randomness: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newHandle(uint64(b[0])), nil
}

// And returns a handle for the bitwise AND of two encrypted values.
func (e *InMemory) And(ctx context.Context, a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	va, oka := e.values[a]
	vb, okb := e.values[b]
	if !oka || !okb {
		return "", ErrUnknownHandle
	}
	return e.newHandle(va & vb), nil
}

// Add returns a handle for the sum of two encrypted values.
func (e *InMemory) Add(ctx context.Context, a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	va, oka := e.values[a]
	vb, okb := e.values[b]
	if !oka || !okb {
		return "", ErrUnknownHandle
	}
	return e.newHandle(va + vb), nil
}

// GrantAccess authorizes a principal to decrypt the given handle.
func (e *InMemory) GrantAccess(ctx context.Context, h Handle, principal crypto.PublicKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.values[h]; !ok {
		return ErrUnknownHandle
	}
	if e.access[h] == nil {
		e.access[h] = make(map[string]bool)
	}
	e.access[h][principal.String()] = true
	return nil
}

// HasAccess reports whether a principal has been granted access to a handle.
func (e *InMemory) HasAccess(h Handle, principal crypto.PublicKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.access[h][principal.String()]
}

// RequestDecryption registers an asynchronous decryption request and
// returns its identifier. The request becomes visible on Pending so a
// decryption worker can produce and deliver the result.
func (e *InMemory) RequestDecryption(ctx context.Context, handles []Handle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, h := range handles {
		if _, ok := e.values[h]; !ok {
			return "", ErrUnknownHandle
		}
	}

	requestID := uuid.NewString()
	e.requests[requestID] = append([]Handle(nil), handles...)

	select {
	case e.pending <- requestID:
	default:
		// Worker is behind; the request can still be decrypted explicitly.
	}

	return requestID, nil
}

// Pending exposes registered decryption requests for a worker loop.
func (e *InMemory) Pending() <-chan string {
	return e.pending
}

// Decrypt produces the plaintext and proof for a registered request. The
// plaintext is the sum of the requested handles' values, matching threshold
// decryption of an accumulator.
func (e *InMemory) Decrypt(requestID string) (*DecryptionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	handles, ok := e.requests[requestID]
	if !ok {
		return nil, ErrUnknownRequest
	}

	var sum uint64
	for _, h := range handles {
		sum += e.values[h]
	}

	return &DecryptionResult{
		RequestID: requestID,
		Plaintext: sum,
		Proof:     e.proveLocked(requestID, sum, handles),
	}, nil
}

// VerifyAndDecode checks a decryption proof against the original request.
func (e *InMemory) VerifyAndDecode(requestID string, plaintext uint64, proof []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	handles, ok := e.requests[requestID]
	if !ok {
		return false
	}
	expected := e.proveLocked(requestID, plaintext, handles)
	return hmac.Equal(expected, proof)
}

// proveLocked computes the HMAC binding a plaintext to a request and its
// original handle set. Callers must hold e.mu.
func (e *InMemory) proveLocked(requestID string, plaintext uint64, handles []Handle) []byte {
	mac := hmac.New(sha256.New, e.proofKey)
	mac.Write([]byte(requestID))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], plaintext)
	mac.Write(buf[:])

	for _, h := range handles {
		mac.Write([]byte(h))
	}
	return mac.Sum(nil)
}
