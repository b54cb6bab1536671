package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flashbots/abnet/crypto"
	"github.com/flashbots/abnet/ledger"
	"github.com/flashbots/abnet/metrics"
)

// Handler serves the experiment ledger API.
type Handler struct {
	ledger      *ledger.Ledger
	coordinator *ledger.DecryptionCoordinator
	log         *slog.Logger
}

// NewHandler creates a handler bound to a ledger and its decryption
// coordinator.
func NewHandler(l *ledger.Ledger, c *ledger.DecryptionCoordinator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		ledger:      l,
		coordinator: c,
		log:         log,
	}
}

// RegisterRoutes registers the API routes with the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/experiments", h.createExperiment)
	r.Post("/api/experiments/join", h.joinExperiment)
	r.Post("/api/experiments/submit", h.submitData)
	r.Post("/api/experiments/end", h.endExperiment)
	r.Post("/api/experiments/results", h.requestResults)
	r.Post("/api/experiments/group", h.myGroup)
	r.Post("/api/decryption-result", h.decryptionResult)

	r.Get("/api/experiments/current", h.currentExperiment)
	r.Get("/api/experiments/{id}", h.experimentInfo)
	r.Get("/api/experiments/{id}/participants/{principal}", h.participantStatus)
	r.Get("/api/experiments/{id}/anonymous/{anonID}", h.anonymousAvailability)
	r.Get("/api/principals/{principal}/experiments", h.userExperiments)
}

// statusForError maps ledger sentinel errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrForbidden), errors.Is(err, ledger.ErrInvalidProof):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotActive),
		errors.Is(err, ledger.ErrStillActive),
		errors.Is(err, ledger.ErrDuplicateAnonymousID),
		errors.Is(err, ledger.ErrAlreadyParticipant),
		errors.Is(err, ledger.ErrNotAParticipant),
		errors.Is(err, ledger.ErrAlreadySubmitted),
		errors.Is(err, ledger.ErrAlreadyEnded),
		errors.Is(err, ledger.ErrRequestPending),
		errors.Is(err, ledger.ErrAlreadyDecrypted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a ledger error to an HTTP response and counts the
// rejection.
func (h *Handler) writeError(w http.ResponseWriter, reason string, err error) {
	metrics.RejectedRequests.WithLabelValues(reason).Inc()
	http.Error(w, err.Error(), statusForError(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// recoverSigned decodes a signed envelope from the body and verifies its
// signature, returning the payload and the signer's principal.
func recoverSigned[T any](r *http.Request) (*T, crypto.PublicKey, error) {
	defer r.Body.Close()
	signed, err := DecodeMessage[Signed[T]](r.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
	}
	obj, signer, err := signed.Recover()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ledger.ErrForbidden, err)
	}
	return obj, signer, nil
}

func (h *Handler) createExperiment(w http.ResponseWriter, r *http.Request) {
	req, signer, err := recoverSigned[CreateExperimentRequest](r)
	if err != nil {
		h.writeError(w, "create", err)
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	id, err := h.ledger.CreateExperiment(r.Context(), signer, req.Name, req.Description, duration)
	if err != nil {
		h.writeError(w, "create", err)
		return
	}

	metrics.ExperimentsCreated.Inc()
	writeJSON(w, http.StatusOK, CreateExperimentResponse{ExperimentID: id})
}

func (h *Handler) joinExperiment(w http.ResponseWriter, r *http.Request) {
	req, signer, err := recoverSigned[JoinRequest](r)
	if err != nil {
		h.writeError(w, "join", err)
		return
	}

	anonymousID, err := ledger.ParseAnonymousID(req.AnonymousID)
	if err != nil {
		h.writeError(w, "join", fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
		return
	}

	if err := h.ledger.JoinExperiment(r.Context(), signer, req.ExperimentID, anonymousID); err != nil {
		h.writeError(w, "join", err)
		return
	}

	metrics.JoinsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (h *Handler) submitData(w http.ResponseWriter, r *http.Request) {
	req, signer, err := recoverSigned[SubmitRequest](r)
	if err != nil {
		h.writeError(w, "submit", err)
		return
	}

	if err := h.ledger.SubmitData(r.Context(), signer, req.ExperimentID, req.MetricValue); err != nil {
		h.writeError(w, "submit", err)
		return
	}

	metrics.SubmissionsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
}

func (h *Handler) endExperiment(w http.ResponseWriter, r *http.Request) {
	req, signer, err := recoverSigned[EndRequest](r)
	if err != nil {
		h.writeError(w, "end", err)
		return
	}

	if err := h.ledger.EndExperiment(r.Context(), signer, req.ExperimentID); err != nil {
		h.writeError(w, "end", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (h *Handler) requestResults(w http.ResponseWriter, r *http.Request) {
	req, signer, err := recoverSigned[RequestResultsRequest](r)
	if err != nil {
		h.writeError(w, "results", err)
		return
	}

	requestID, err := h.coordinator.RequestResults(r.Context(), signer, req.ExperimentID)
	if err != nil {
		h.writeError(w, "results", err)
		return
	}

	writeJSON(w, http.StatusOK, RequestResultsResponse{RequestID: requestID})
}

func (h *Handler) myGroup(w http.ResponseWriter, r *http.Request) {
	req, signer, err := recoverSigned[GroupRequest](r)
	if err != nil {
		h.writeError(w, "group", err)
		return
	}

	handle, err := h.ledger.GetMyGroup(req.ExperimentID, signer)
	if err != nil {
		h.writeError(w, "group", err)
		return
	}

	writeJSON(w, http.StatusOK, GroupResponse{GroupHandle: handle})
}

func (h *Handler) decryptionResult(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	req, err := DecodeMessage[DecryptionResultRequest](r.Body)
	if err != nil {
		h.writeError(w, "decryption-result", fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
		return
	}

	if err := h.coordinator.OnDecryptionResult(r.Context(), req.RequestID, req.PlaintextSum, req.Proof); err != nil {
		h.writeError(w, "decryption-result", err)
		return
	}

	metrics.DecryptionsResolved.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) experimentInfo(w http.ResponseWriter, r *http.Request) {
	id, err := experimentIDParam(r)
	if err != nil {
		h.writeError(w, "info", err)
		return
	}

	info, err := h.ledger.GetExperimentInfo(id)
	if err != nil {
		h.writeError(w, "info", err)
		return
	}

	writeJSON(w, http.StatusOK, ExperimentInfoResponse{
		ExperimentID:      info.ID,
		Name:              info.Name,
		Description:       info.Description,
		StartTime:         info.StartTime,
		EndTime:           info.EndTime,
		IsActive:          info.IsActive,
		TotalParticipants: info.TotalParticipants,
		Creator:           info.Creator,
		DecryptedSum:      info.DecryptedSum,
	})
}

func (h *Handler) participantStatus(w http.ResponseWriter, r *http.Request) {
	id, err := experimentIDParam(r)
	if err != nil {
		h.writeError(w, "status", err)
		return
	}
	principal, err := crypto.NewPublicKeyFromString(chi.URLParam(r, "principal"))
	if err != nil {
		h.writeError(w, "status", fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
		return
	}

	status, err := h.ledger.GetParticipantStatus(id, principal)
	if err != nil {
		h.writeError(w, "status", err)
		return
	}

	writeJSON(w, http.StatusOK, ParticipantStatusResponse{
		HasJoined:        status.HasJoined,
		HasSubmittedData: status.HasSubmittedData,
		JoinTime:         status.JoinTime,
	})
}

func (h *Handler) anonymousAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := experimentIDParam(r)
	if err != nil {
		h.writeError(w, "availability", err)
		return
	}
	anonymousID, err := ledger.ParseAnonymousID(chi.URLParam(r, "anonID"))
	if err != nil {
		h.writeError(w, "availability", fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
		return
	}

	available, err := h.ledger.IsAnonymousIDAvailable(r.Context(), id, anonymousID)
	if err != nil {
		h.writeError(w, "availability", err)
		return
	}

	writeJSON(w, http.StatusOK, AvailabilityResponse{Available: available})
}

func (h *Handler) userExperiments(w http.ResponseWriter, r *http.Request) {
	principal, err := crypto.NewPublicKeyFromString(chi.URLParam(r, "principal"))
	if err != nil {
		h.writeError(w, "user-experiments", fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
		return
	}

	ids := h.ledger.GetUserExperiments(principal)
	writeJSON(w, http.StatusOK, UserExperimentsResponse{ExperimentIDs: ids})
}

func (h *Handler) currentExperiment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CurrentExperimentResponse{ExperimentID: h.ledger.CurrentExperimentID()})
}

func experimentIDParam(r *http.Request) (uint32, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid experiment id: %v", ledger.ErrInvalidInput, err)
	}
	return uint32(id), nil
}
