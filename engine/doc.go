// Package engine defines the encrypted value capability consumed by the
// experiment ledger.
//
// The ledger never inspects ciphertext content: every encrypted value is
// referenced through an opaque Handle, and all ciphertext production and
// combination is delegated to an Engine implementation. The real engine is
// an external FHE runtime; this package only specifies the capability
// surface the ledger depends on:
//
//   - EncryptU8/EncryptU32: produce a fresh ciphertext for a plaintext value
//   - RandomU8: draw an encrypted random value unknown to any party
//   - And/Add: homomorphic combination of two ciphertexts
//   - GrantAccess: authorize a principal to later decrypt a handle
//   - RequestDecryption: start an asynchronous threshold decryption
//   - VerifyAndDecode: check a decryption proof against the original request
//
// InMemory is a plaintext-backed simulator with the same observable
// behavior, including proof generation and verification. It exists to
// exercise the ledger in tests and demos and provides no confidentiality.
package engine
