package ledger

import "context"

// Store persists ledger state when the deployment wants durability beyond
// process memory. All writes are append-or-update; implementations never
// delete rows. The ledger calls Store before committing the corresponding
// in-memory mutation, so a store failure fails the operation.
//
// The Load methods feed startup recovery: a ledger built over a non-empty
// store rehydrates its records from them, so experiment IDs keep increasing
// across restarts and consumed anonymous identifiers stay consumed.
//
// A nil Store is valid and leaves the ledger purely in-memory.
type Store interface {
	// SaveExperiment upserts an experiment record.
	SaveExperiment(ctx context.Context, exp *Experiment) error

	// SaveParticipant upserts a participant record.
	SaveParticipant(ctx context.Context, p *Participant) error

	// SaveReservation records a consumed anonymous identifier.
	SaveReservation(ctx context.Context, experimentID uint32, anonymousID AnonymousID) error

	// SaveTicket records a pending decryption ticket.
	SaveTicket(ctx context.Context, ticket *DecryptionTicket) error

	// ResolveTicket marks a ticket consumed with its plaintext result.
	ResolveTicket(ctx context.Context, requestID string, plaintextSum uint64) error

	// LoadExperiments retrieves all persisted experiment records, keyed by
	// ID.
	LoadExperiments(ctx context.Context) (map[uint32]*Experiment, error)

	// LoadParticipants retrieves all persisted participant records.
	LoadParticipants(ctx context.Context) ([]*Participant, error)

	// LoadReservations retrieves all consumed anonymous identifiers, keyed
	// by experiment ID.
	LoadReservations(ctx context.Context) (map[uint32][]AnonymousID, error)

	// LoadPendingTickets retrieves decryption tickets that have not been
	// resolved yet.
	LoadPendingTickets(ctx context.Context) ([]*DecryptionTicket, error)
}
