// Package store persists ledger state.
//
// PostgresStore materializes the ledger's append/update-only tables
// (experiments, participants, anonymous identifier reservations, and
// decryption tickets) in PostgreSQL. No row is ever deleted: experiments
// and participants are retained indefinitely, reservations are permanent,
// and resolved tickets keep their plaintext result.
//
// InMemoryStore provides the same contract without a database for tests
// and single-process deployments.
package store
