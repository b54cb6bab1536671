package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/flashbots/abnet/crypto"
	"github.com/flashbots/abnet/engine"
)

// AnonymousID is the opaque fixed-size token a participant supplies when
// joining. It is chosen by the caller and deliberately not derived from the
// caller's principal, decorrelating the participant's ledger identity from
// their real-world identity within one experiment's scope.
type AnonymousID [32]byte

// DeriveAnonymousID hashes an arbitrary caller-chosen token into an
// AnonymousID.
func DeriveAnonymousID(token string) AnonymousID {
	return sha256.Sum256([]byte(token))
}

// ParseAnonymousID decodes a hex-encoded 32-byte identifier.
func ParseAnonymousID(s string) (AnonymousID, error) {
	var id AnonymousID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid anonymous identifier hex: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid anonymous identifier length %d, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// IsZero reports whether the identifier is the all-zero value, which the
// ledger rejects as malformed.
func (id AnonymousID) IsZero() bool {
	return id == AnonymousID{}
}

// String returns the hex encoding of the identifier.
func (id AnonymousID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id AnonymousID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AnonymousID) UnmarshalText(text []byte) error {
	parsed, err := ParseAnonymousID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Experiment is the ledger's record of one A/B experiment. Records are
// append-only: an experiment is never deleted, and once Active drops to
// false it never reverts.
type Experiment struct {
	ID           uint32           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	StartTime    time.Time        `json:"start_time"`
	EndTime      time.Time        `json:"end_time"`
	Active       bool             `json:"active"`
	Creator      crypto.PublicKey `json:"creator"`
	Participants uint32           `json:"participants"`

	// Accumulator references the encrypted running sum of submitted metric
	// values. Replaced wholesale on every accepted submission.
	Accumulator engine.Handle `json:"accumulator"`

	// PendingRequestID is the engine request identifier of the outstanding
	// decryption, empty when none is pending.
	PendingRequestID string `json:"pending_request_id,omitempty"`

	// DecryptedSum is the terminal plaintext result, nil until a verified
	// decryption callback resolves it. Immutable once set.
	DecryptedSum *uint64 `json:"decrypted_sum,omitempty"`
}

// Participant is the ledger's record of one principal's membership in one
// experiment, keyed by (experiment, principal).
type Participant struct {
	ExperimentID uint32           `json:"experiment_id"`
	Principal    crypto.PublicKey `json:"principal"`
	AnonymousID  AnonymousID      `json:"anonymous_id"`

	// Group references the participant's encrypted cohort bit. Only the
	// participant is granted decrypt access; the ledger never learns it.
	Group engine.Handle `json:"group"`

	// Metric references the participant's encrypted submitted value,
	// initialized to an encrypted zero until submission.
	Metric    engine.Handle `json:"metric"`
	Submitted bool          `json:"submitted"`
	JoinedAt  time.Time     `json:"joined_at"`
}

// DecryptionTicket correlates an outstanding decryption request with the
// experiment whose result it will resolve. Consumed exactly once by a
// verified callback.
type DecryptionTicket struct {
	RequestID    string          `json:"request_id"`
	ExperimentID uint32          `json:"experiment_id"`
	Handles      []engine.Handle `json:"handles"`
	IssuedAt     time.Time       `json:"issued_at"`
}

// ExperimentInfo is the read-only projection served to callers.
type ExperimentInfo struct {
	ID                uint32    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	IsActive          bool      `json:"is_active"`
	TotalParticipants uint32    `json:"total_participants"`
	Creator           string    `json:"creator"`
	DecryptedSum      *uint64   `json:"decrypted_sum,omitempty"`
}

// ParticipantStatus is the read-only projection of a participant record.
type ParticipantStatus struct {
	HasJoined        bool       `json:"has_joined"`
	HasSubmittedData bool       `json:"has_submitted_data"`
	JoinTime         *time.Time `json:"join_time,omitempty"`
}

// JoinEvent notifies subscribers of a successful join. It carries the
// anonymous identifier and nothing that could reveal group membership: the
// event shape has no group field at all.
type JoinEvent struct {
	ExperimentID uint32      `json:"experiment_id"`
	AnonymousID  AnonymousID `json:"anonymous_id"`
	JoinedAt     time.Time   `json:"joined_at"`
}
