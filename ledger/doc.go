// Package ledger implements the experiment lifecycle and
// anonymous-participation ledger at the core of abnet.
//
// The ledger owns all Experiment and Participant records and sequences
// every lifecycle transition:
//
//  1. An owner creates an experiment with a positive duration. The
//     experiment starts active and its metric accumulator is initialized to
//     an encrypted zero.
//  2. Participants join anonymously: each join consumes a caller-supplied
//     anonymous identifier exactly once per experiment and assigns the
//     participant an encrypted random group bit that nobody, the ledger
//     included, can read.
//  3. Participants submit their metric value exactly once. Submissions fold
//     into the experiment's encrypted accumulator; concurrent submissions
//     against the same experiment are serialized so no update is lost.
//  4. The owner ends the experiment, which is monotonic: an ended
//     experiment never becomes active again.
//  5. The owner requests results. The DecryptionCoordinator hands the
//     accumulator to the encrypted value engine and later accepts a single
//     verified decryption callback, making the plaintext sum available as a
//     terminal, immutable result.
//
// All ciphertext production and combination is delegated to an
// engine.Engine; the ledger only ever holds opaque handles. Records are
// append/update-only: experiments, participants, and identifier
// reservations are never deleted.
//
// Concurrency: experiments are independent. Within one experiment, mutating
// operations hold that experiment's lock for the full read-modify-write, so
// the encrypt-then-combine sequence of one submission is atomic relative to
// any other submission's combine on the same accumulator.
package ledger
