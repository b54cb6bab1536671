package ledger

import "errors"

// Every rejection the ledger produces is distinguishable through one of
// these sentinels via errors.Is. Synchronous operations are all-or-nothing:
// a returned error means no state mutation was committed.
var (
	// ErrInvalidInput rejects empty names, non-positive durations, and
	// malformed identifiers.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound rejects operations on unknown experiments.
	ErrNotFound = errors.New("experiment not found")

	// ErrNotActive rejects mutations on ended experiments or outside the
	// experiment's time window.
	ErrNotActive = errors.New("experiment not active")

	// ErrStillActive rejects result requests before the experiment has
	// been explicitly ended.
	ErrStillActive = errors.New("experiment still active")

	// ErrForbidden rejects owner-only operations from non-owners.
	ErrForbidden = errors.New("caller is not the experiment owner")

	// ErrDuplicateAnonymousID rejects joins reusing an anonymous
	// identifier already consumed within the experiment.
	ErrDuplicateAnonymousID = errors.New("anonymous identifier already used")

	// ErrAlreadyParticipant rejects a second join from the same principal.
	ErrAlreadyParticipant = errors.New("principal already joined")

	// ErrNotAParticipant rejects submissions and group queries from
	// principals without a participant record.
	ErrNotAParticipant = errors.New("principal is not a participant")

	// ErrAlreadySubmitted rejects a second data submission.
	ErrAlreadySubmitted = errors.New("data already submitted")

	// ErrAlreadyEnded rejects ending an experiment twice.
	ErrAlreadyEnded = errors.New("experiment already ended")

	// ErrRequestPending rejects a result request while a decryption ticket
	// is outstanding.
	ErrRequestPending = errors.New("decryption request already pending")

	// ErrAlreadyDecrypted rejects result requests once the terminal result
	// has been set.
	ErrAlreadyDecrypted = errors.New("result already decrypted")

	// ErrUnknownRequest rejects decryption callbacks that match no pending
	// ticket, including replays of already-consumed tickets.
	ErrUnknownRequest = errors.New("unknown decryption request")

	// ErrInvalidProof rejects decryption callbacks whose proof does not
	// verify. The ticket stays pending so the engine can retry.
	ErrInvalidProof = errors.New("invalid decryption proof")
)
