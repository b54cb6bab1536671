package server

import (
	"time"

	"github.com/flashbots/abnet/engine"
)

// CreateExperimentRequest asks the ledger to allocate a new experiment
// owned by the signer.
type CreateExperimentRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// CreateExperimentResponse returns the allocated experiment ID.
type CreateExperimentResponse struct {
	ExperimentID uint32 `json:"experiment_id"`
}

// JoinRequest enrolls the signer as an anonymous participant. AnonymousID is
// the hex encoding of the participant's 32-byte anonymous identifier.
type JoinRequest struct {
	ExperimentID uint32 `json:"experiment_id"`
	AnonymousID  string `json:"anonymous_id"`
}

// SubmitRequest submits the signer's metric value for an experiment. The
// value is encrypted server-side before it touches any ledger state.
type SubmitRequest struct {
	ExperimentID uint32 `json:"experiment_id"`
	MetricValue  uint32 `json:"metric_value"`
}

// EndRequest deactivates an experiment. Only the owner's signature is
// accepted.
type EndRequest struct {
	ExperimentID uint32 `json:"experiment_id"`
}

// RequestResultsRequest asks for decryption of an ended experiment's
// aggregate.
type RequestResultsRequest struct {
	ExperimentID uint32 `json:"experiment_id"`
}

// RequestResultsResponse returns the ticket for the issued decryption
// request.
type RequestResultsResponse struct {
	RequestID string `json:"request_id"`
}

// GroupRequest asks for the signer's own encrypted group handle.
type GroupRequest struct {
	ExperimentID uint32 `json:"experiment_id"`
}

// GroupResponse carries the opaque ciphertext handle of the caller's group
// assignment. Decryption happens between the caller and the engine.
type GroupResponse struct {
	GroupHandle engine.Handle `json:"group_handle"`
}

// DecryptionResultRequest is the engine's callback carrying a plaintext sum
// and the proof binding it to the original request.
type DecryptionResultRequest struct {
	RequestID    string `json:"request_id"`
	PlaintextSum uint64 `json:"plaintext_sum"`
	Proof        []byte `json:"proof"`
}

// ExperimentInfoResponse is the public projection of an experiment.
type ExperimentInfoResponse struct {
	ExperimentID      uint32    `json:"experiment_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	IsActive          bool      `json:"is_active"`
	TotalParticipants uint32    `json:"total_participants"`
	Creator           string    `json:"creator"`
	DecryptedSum      *uint64   `json:"decrypted_sum,omitempty"`
}

// ParticipantStatusResponse reports a principal's standing in an experiment.
type ParticipantStatusResponse struct {
	HasJoined        bool       `json:"has_joined"`
	HasSubmittedData bool       `json:"has_submitted_data"`
	JoinTime         *time.Time `json:"join_time,omitempty"`
}

// UserExperimentsResponse lists experiment IDs created by a principal.
type UserExperimentsResponse struct {
	ExperimentIDs []uint32 `json:"experiment_ids"`
}

// AvailabilityResponse reports whether an anonymous identifier is still
// unused within an experiment.
type AvailabilityResponse struct {
	Available bool `json:"available"`
}

// CurrentExperimentResponse carries the most recently allocated experiment
// ID.
type CurrentExperimentResponse struct {
	ExperimentID uint32 `json:"experiment_id"`
}
