package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flashbots/abnet/crypto"
	"github.com/flashbots/abnet/engine"
)

// DecryptionCoordinator gates plaintext recovery of experiment results. It
// issues decryption requests to the encrypted value engine and accepts the
// asynchronous verified callbacks that resolve them.
//
// At most one decryption may be outstanding per experiment. Tickets are
// consumed exactly once: a replayed callback for a consumed ticket is
// rejected with ErrUnknownRequest rather than reapplied, and an invalid
// proof leaves the ticket pending so the engine can retry.
type DecryptionCoordinator struct {
	ledger *Ledger
	engine engine.Engine
	log    *slog.Logger

	// mu serializes request issuance and callback handling. It is always
	// acquired before any experiment lock.
	mu      sync.Mutex
	tickets map[string]*DecryptionTicket
}

// NewDecryptionCoordinator creates a coordinator bound to a ledger and its
// engine. When the ledger is backed by a store, tickets that were pending at
// the last shutdown are loaded back so their callbacks still resolve.
func NewDecryptionCoordinator(l *Ledger, e engine.Engine, log *slog.Logger) (*DecryptionCoordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &DecryptionCoordinator{
		ledger:  l,
		engine:  e,
		log:     log,
		tickets: make(map[string]*DecryptionTicket),
	}

	if l.store != nil {
		pending, err := l.store.LoadPendingTickets(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading pending tickets: %w", err)
		}
		for _, t := range pending {
			ticket := *t
			c.tickets[t.RequestID] = &ticket
		}
		if len(pending) > 0 {
			c.log.Info("restored pending decryption tickets", "count", len(pending))
		}
	}

	return c, nil
}

// RequestResults bundles the experiment's accumulator into a decryption
// request and records the pending ticket. Only the owner may request, and
// only after the experiment has been explicitly ended.
func (c *DecryptionCoordinator) RequestResults(ctx context.Context, caller crypto.PublicKey, experimentID uint32) (string, error) {
	st := c.ledger.experiment(experimentID)
	if st == nil {
		return "", ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.rec.Creator.Equal(caller) {
		return "", ErrForbidden
	}
	if st.rec.Active {
		return "", ErrStillActive
	}
	if st.rec.DecryptedSum != nil {
		return "", ErrAlreadyDecrypted
	}
	if st.rec.PendingRequestID != "" {
		return "", ErrRequestPending
	}

	handles := []engine.Handle{st.rec.Accumulator}
	requestID, err := c.engine.RequestDecryption(ctx, handles)
	if err != nil {
		return "", fmt.Errorf("requesting decryption: %w", err)
	}

	ticket := &DecryptionTicket{
		RequestID:    requestID,
		ExperimentID: experimentID,
		Handles:      handles,
		IssuedAt:     c.ledger.clock(),
	}

	updated := st.rec
	updated.PendingRequestID = requestID

	if c.ledger.store != nil {
		if err := c.ledger.store.SaveTicket(ctx, ticket); err != nil {
			return "", fmt.Errorf("persisting ticket: %w", err)
		}
		if err := c.ledger.store.SaveExperiment(ctx, &updated); err != nil {
			return "", fmt.Errorf("persisting experiment: %w", err)
		}
	}

	st.rec = updated
	c.tickets[requestID] = ticket

	c.log.Info("decryption requested", "experiment", experimentID, "requestID", requestID)
	return requestID, nil
}

// OnDecryptionResult accepts a decryption callback from the engine. The
// proof is verified against the original ciphertext handle set before the
// ticket is consumed; on success the plaintext sum becomes the experiment's
// terminal, immutable result.
func (c *DecryptionCoordinator) OnDecryptionResult(ctx context.Context, requestID string, plaintextSum uint64, proof []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ticket, ok := c.tickets[requestID]
	if !ok {
		return ErrUnknownRequest
	}

	if !c.engine.VerifyAndDecode(requestID, plaintextSum, proof) {
		c.log.Warn("rejected decryption result with invalid proof", "requestID", requestID)
		return ErrInvalidProof
	}

	st := c.ledger.experiment(ticket.ExperimentID)
	if st == nil {
		// Experiments are never deleted, so a dangling ticket means the
		// ledger and coordinator disagree about history.
		return fmt.Errorf("ticket %s references unknown experiment %d", requestID, ticket.ExperimentID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	sum := plaintextSum
	updated := st.rec
	updated.DecryptedSum = &sum
	updated.PendingRequestID = ""

	if c.ledger.store != nil {
		if err := c.ledger.store.ResolveTicket(ctx, requestID, plaintextSum); err != nil {
			return fmt.Errorf("persisting result: %w", err)
		}
		if err := c.ledger.store.SaveExperiment(ctx, &updated); err != nil {
			return fmt.Errorf("persisting experiment: %w", err)
		}
	}

	st.rec = updated
	delete(c.tickets, requestID)

	c.log.Info("decryption resolved", "experiment", ticket.ExperimentID, "requestID", requestID, "sum", plaintextSum)
	return nil
}

// PendingTicket returns the outstanding ticket for an experiment, or nil
// when none is pending.
func (c *DecryptionCoordinator) PendingTicket(experimentID uint32) *DecryptionTicket {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ticket := range c.tickets {
		if ticket.ExperimentID == experimentID {
			copied := *ticket
			return &copied
		}
	}
	return nil
}
