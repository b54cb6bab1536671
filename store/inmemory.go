package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/flashbots/abnet/ledger"
)

// InMemoryStore implements ledger.Store without a database.
type InMemoryStore struct {
	mu           sync.Mutex
	experiments  map[uint32]ledger.Experiment
	participants map[string]ledger.Participant
	reservations map[string]reservationRow
	tickets      map[string]ticketRow
}

type reservationRow struct {
	experimentID uint32
	anonymousID  ledger.AnonymousID
}

type ticketRow struct {
	ticket       ledger.DecryptionTicket
	resolved     bool
	plaintextSum uint64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		experiments:  make(map[uint32]ledger.Experiment),
		participants: make(map[string]ledger.Participant),
		reservations: make(map[string]reservationRow),
		tickets:      make(map[string]ticketRow),
	}
}

func participantKey(experimentID uint32, principal string) string {
	return fmt.Sprintf("%d/%s", experimentID, principal)
}

// SaveExperiment stores a copy of the experiment record.
func (s *InMemoryStore) SaveExperiment(ctx context.Context, exp *ledger.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[exp.ID] = *exp
	return nil
}

// SaveParticipant stores a copy of the participant record.
func (s *InMemoryStore) SaveParticipant(ctx context.Context, p *ledger.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[participantKey(p.ExperimentID, p.Principal.String())] = *p
	return nil
}

// SaveReservation records a consumed anonymous identifier.
func (s *InMemoryStore) SaveReservation(ctx context.Context, experimentID uint32, anonymousID ledger.AnonymousID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d/%s", experimentID, anonymousID.String())
	s.reservations[key] = reservationRow{experimentID: experimentID, anonymousID: anonymousID}
	return nil
}

// SaveTicket records a pending decryption ticket.
func (s *InMemoryStore) SaveTicket(ctx context.Context, ticket *ledger.DecryptionTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticket.RequestID]; !ok {
		s.tickets[ticket.RequestID] = ticketRow{ticket: *ticket}
	}
	return nil
}

// ResolveTicket marks a ticket consumed with its plaintext result.
func (s *InMemoryStore) ResolveTicket(ctx context.Context, requestID string, plaintextSum uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tickets[requestID]
	if !ok {
		return fmt.Errorf("unknown ticket %s", requestID)
	}
	row.resolved = true
	row.plaintextSum = plaintextSum
	s.tickets[requestID] = row
	return nil
}

// LoadExperiments retrieves all stored experiment records, keyed by ID.
func (s *InMemoryStore) LoadExperiments(ctx context.Context) (map[uint32]*ledger.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[uint32]*ledger.Experiment, len(s.experiments))
	for id, exp := range s.experiments {
		stored := exp
		result[id] = &stored
	}
	return result, nil
}

// LoadParticipants retrieves all stored participant records.
func (s *InMemoryStore) LoadParticipants(ctx context.Context) ([]*ledger.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*ledger.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		stored := p
		result = append(result, &stored)
	}
	return result, nil
}

// LoadReservations retrieves all consumed anonymous identifiers, keyed by
// experiment ID.
func (s *InMemoryStore) LoadReservations(ctx context.Context) (map[uint32][]ledger.AnonymousID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[uint32][]ledger.AnonymousID)
	for _, row := range s.reservations {
		result[row.experimentID] = append(result[row.experimentID], row.anonymousID)
	}
	return result, nil
}

// LoadPendingTickets retrieves decryption tickets that have not been
// resolved yet.
func (s *InMemoryStore) LoadPendingTickets(ctx context.Context) ([]*ledger.DecryptionTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*ledger.DecryptionTicket
	for _, row := range s.tickets {
		if row.resolved {
			continue
		}
		ticket := row.ticket
		result = append(result, &ticket)
	}
	return result, nil
}

// Experiment returns the stored copy of an experiment record, or nil.
func (s *InMemoryStore) Experiment(id uint32) *ledger.Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.experiments[id]; ok {
		return &exp
	}
	return nil
}

// Counts returns the number of stored experiments, participants, and
// reservations. Intended for tests.
func (s *InMemoryStore) Counts() (experiments, participants, reservations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.experiments), len(s.participants), len(s.reservations)
}
