package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flashbots/abnet/anonymity"
	"github.com/flashbots/abnet/crypto"
	"github.com/flashbots/abnet/engine"
)

// Config wires the ledger's collaborators.
type Config struct {
	// Engine produces and combines all ciphertexts. Required.
	Engine engine.Engine

	// Registry enforces one-time anonymous identifier use. Required.
	Registry anonymity.Registry

	// Store persists records when set. Optional.
	Store Store

	// Clock overrides time.Now, used by tests to control the experiment
	// window. Optional.
	Clock func() time.Time

	// Log is the structured logger for ledger operations. Optional.
	Log *slog.Logger

	// OnJoin is invoked after every successful join. The event reveals the
	// anonymous identifier only, never group membership. Optional.
	OnJoin func(JoinEvent)
}

// experimentState pairs an experiment record with the lock that serializes
// all mutations of its shared aggregates.
type experimentState struct {
	mu           sync.Mutex
	rec          Experiment
	participants map[string]*Participant
}

// Ledger owns all experiment and participant records and sequences their
// lifecycle transitions.
type Ledger struct {
	engine   engine.Engine
	registry anonymity.Registry
	store    Store
	clock    func() time.Time
	log      *slog.Logger
	onJoin   func(JoinEvent)

	mu          sync.RWMutex
	experiments map[uint32]*experimentState
	byOwner     map[string][]uint32
	lastID      uint32
}

// New creates a ledger from the given configuration.
func New(cfg *Config) (*Ledger, error) {
	if cfg == nil || cfg.Engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("anonymity registry cannot be nil")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	l := &Ledger{
		engine:      cfg.Engine,
		registry:    cfg.Registry,
		store:       cfg.Store,
		clock:       clock,
		log:         log,
		onJoin:      cfg.OnJoin,
		experiments: make(map[uint32]*experimentState),
		byOwner:     make(map[string][]uint32),
	}

	if l.store != nil {
		if err := l.restore(context.Background()); err != nil {
			return nil, fmt.Errorf("restoring persisted state: %w", err)
		}
	}

	return l, nil
}

// restore rehydrates the ledger from a persisted store. The highest
// persisted experiment ID seeds the allocator, so IDs keep increasing across
// restarts and no persisted row can be overwritten by a fresh allocation.
// Persisted reservations are replayed into the registry, keeping consumed
// anonymous identifiers consumed for backends without their own durability.
func (l *Ledger) restore(ctx context.Context) error {
	experiments, err := l.store.LoadExperiments(ctx)
	if err != nil {
		return fmt.Errorf("loading experiments: %w", err)
	}
	participants, err := l.store.LoadParticipants(ctx)
	if err != nil {
		return fmt.Errorf("loading participants: %w", err)
	}
	reservations, err := l.store.LoadReservations(ctx)
	if err != nil {
		return fmt.Errorf("loading reservations: %w", err)
	}

	for id, rec := range experiments {
		l.experiments[id] = &experimentState{
			rec:          *rec,
			participants: make(map[string]*Participant),
		}
		owner := rec.Creator.String()
		l.byOwner[owner] = append(l.byOwner[owner], id)
		if id > l.lastID {
			l.lastID = id
		}
	}

	// Creation order is ID order
	for _, ids := range l.byOwner {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	for _, p := range participants {
		st := l.experiments[p.ExperimentID]
		if st == nil {
			return fmt.Errorf("participant references unknown experiment %d", p.ExperimentID)
		}
		participant := *p
		st.participants[p.Principal.String()] = &participant
	}

	for experimentID, ids := range reservations {
		for _, anonymousID := range ids {
			if _, err := l.registry.Reserve(ctx, experimentID, anonymousID); err != nil {
				return fmt.Errorf("replaying reservation: %w", err)
			}
		}
	}

	if len(experiments) > 0 {
		l.log.Info("restored persisted state", "experiments", len(experiments), "participants", len(participants), "lastID", l.lastID)
	}
	return nil
}

// experiment returns the state for an experiment ID, or nil if unknown.
func (l *Ledger) experiment(id uint32) *experimentState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.experiments[id]
}

// withinWindow reports whether now falls inside the experiment's
// [start, end] time window.
func withinWindow(rec *Experiment, now time.Time) bool {
	return !now.Before(rec.StartTime) && !now.After(rec.EndTime)
}

// CreateExperiment allocates a new experiment owned by the caller and
// returns its ID. IDs are strictly increasing and never reused.
func (l *Ledger) CreateExperiment(ctx context.Context, caller crypto.PublicKey, name, description string, duration time.Duration) (uint32, error) {
	if len(caller) == 0 {
		return 0, fmt.Errorf("%w: missing caller principal", ErrInvalidInput)
	}
	if name == "" {
		return 0, fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}

	accumulator, err := l.engine.EncryptU32(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("initializing accumulator: %w", err)
	}

	l.mu.Lock()
	l.lastID++
	id := l.lastID
	l.mu.Unlock()

	now := l.clock()
	rec := Experiment{
		ID:          id,
		Name:        name,
		Description: description,
		StartTime:   now,
		EndTime:     now.Add(duration),
		Active:      true,
		Creator:     crypto.NewPublicKeyFromBytes(caller),
		Accumulator: accumulator,
	}

	if l.store != nil {
		if err := l.store.SaveExperiment(ctx, &rec); err != nil {
			return 0, fmt.Errorf("persisting experiment: %w", err)
		}
	}

	l.mu.Lock()
	l.experiments[id] = &experimentState{
		rec:          rec,
		participants: make(map[string]*Participant),
	}
	owner := caller.String()
	l.byOwner[owner] = append(l.byOwner[owner], id)
	l.mu.Unlock()

	l.log.Info("experiment created", "id", id, "name", name, "owner", owner, "ends", rec.EndTime)
	return id, nil
}

// JoinExperiment registers the caller as an anonymous participant. The
// anonymous identifier is consumed atomically, the group assignment is an
// independent encrypted coin flip per participant, and only the caller is
// granted access to their own group handle.
func (l *Ledger) JoinExperiment(ctx context.Context, caller crypto.PublicKey, experimentID uint32, anonymousID AnonymousID) error {
	if len(caller) == 0 {
		return fmt.Errorf("%w: missing caller principal", ErrInvalidInput)
	}
	if anonymousID.IsZero() {
		return fmt.Errorf("%w: anonymous identifier must not be zero", ErrInvalidInput)
	}

	st := l.experiment(experimentID)
	if st == nil {
		return ErrNotFound
	}

	// Fast precheck so obviously doomed joins skip the engine work. The
	// authoritative checks run again under the experiment lock.
	principal := caller.String()
	st.mu.Lock()
	err := l.checkJoinableLocked(st, principal)
	st.mu.Unlock()
	if err != nil {
		return err
	}

	// Produce the encrypted group bit and zero metric before taking the
	// lock: engine calls are long-latency and none of this touches ledger
	// state. The random draw AND an encrypted 1 reduces the value to a
	// single uniform bit.
	random, err := l.engine.RandomU8(ctx)
	if err != nil {
		return fmt.Errorf("drawing group randomness: %w", err)
	}
	one, err := l.engine.EncryptU8(ctx, 1)
	if err != nil {
		return fmt.Errorf("encrypting unit: %w", err)
	}
	group, err := l.engine.And(ctx, random, one)
	if err != nil {
		return fmt.Errorf("reducing group bit: %w", err)
	}
	zeroMetric, err := l.engine.EncryptU32(ctx, 0)
	if err != nil {
		return fmt.Errorf("encrypting zero metric: %w", err)
	}

	// Grants are issued before the mutation commits; a grant failure
	// leaves no ledger state behind, and granting is idempotent so the
	// engine side tolerates a retried join.
	if err := l.engine.GrantAccess(ctx, group, caller); err != nil {
		return fmt.Errorf("granting group access: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := l.checkJoinableLocked(st, principal); err != nil {
		return err
	}

	reserved, err := l.registry.Reserve(ctx, experimentID, anonymousID)
	if err != nil {
		return fmt.Errorf("reserving anonymous identifier: %w", err)
	}
	if !reserved {
		return ErrDuplicateAnonymousID
	}

	now := l.clock()
	participant := &Participant{
		ExperimentID: experimentID,
		Principal:    crypto.NewPublicKeyFromBytes(caller),
		AnonymousID:  anonymousID,
		Group:        group,
		Metric:       zeroMetric,
		JoinedAt:     now,
	}

	updated := st.rec
	updated.Participants++

	if l.store != nil {
		if err := l.store.SaveReservation(ctx, experimentID, anonymousID); err != nil {
			return fmt.Errorf("persisting reservation: %w", err)
		}
		if err := l.store.SaveParticipant(ctx, participant); err != nil {
			return fmt.Errorf("persisting participant: %w", err)
		}
		if err := l.store.SaveExperiment(ctx, &updated); err != nil {
			return fmt.Errorf("persisting experiment: %w", err)
		}
	}

	st.participants[principal] = participant
	st.rec = updated

	l.log.Info("participant joined", "experiment", experimentID, "anonymousID", anonymousID.String(), "participants", updated.Participants)

	if l.onJoin != nil {
		l.onJoin(JoinEvent{
			ExperimentID: experimentID,
			AnonymousID:  anonymousID,
			JoinedAt:     now,
		})
	}
	return nil
}

// checkJoinableLocked validates lifecycle and membership preconditions for
// a join. Callers must hold st.mu.
func (l *Ledger) checkJoinableLocked(st *experimentState, principal string) error {
	if !st.rec.Active || !withinWindow(&st.rec, l.clock()) {
		return ErrNotActive
	}
	if _, ok := st.participants[principal]; ok {
		return ErrAlreadyParticipant
	}
	return nil
}

// SubmitData stores the caller's encrypted metric value and folds it into
// the experiment's accumulator. The encrypt-then-combine sequence holds the
// experiment lock across the combine, so two concurrent submissions are
// both reflected in the final sum.
func (l *Ledger) SubmitData(ctx context.Context, caller crypto.PublicKey, experimentID uint32, metricValue uint32) error {
	if len(caller) == 0 {
		return fmt.Errorf("%w: missing caller principal", ErrInvalidInput)
	}

	st := l.experiment(experimentID)
	if st == nil {
		return ErrNotFound
	}

	// Encrypt outside the lock; the handle only becomes ledger state when
	// the commit below succeeds.
	metric, err := l.engine.EncryptU32(ctx, metricValue)
	if err != nil {
		return fmt.Errorf("encrypting metric: %w", err)
	}
	if err := l.engine.GrantAccess(ctx, metric, caller); err != nil {
		return fmt.Errorf("granting metric access: %w", err)
	}

	principal := caller.String()

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.rec.Active || !withinWindow(&st.rec, l.clock()) {
		return ErrNotActive
	}
	participant, ok := st.participants[principal]
	if !ok {
		return ErrNotAParticipant
	}
	if participant.Submitted {
		return ErrAlreadySubmitted
	}

	// The accumulator read-modify-write must stay under the lock: a
	// concurrent combine on a stale accumulator would drop a submission.
	accumulator, err := l.engine.Add(ctx, st.rec.Accumulator, metric)
	if err != nil {
		return fmt.Errorf("combining accumulator: %w", err)
	}

	updatedParticipant := *participant
	updatedParticipant.Metric = metric
	updatedParticipant.Submitted = true

	updated := st.rec
	updated.Accumulator = accumulator

	if l.store != nil {
		if err := l.store.SaveParticipant(ctx, &updatedParticipant); err != nil {
			return fmt.Errorf("persisting participant: %w", err)
		}
		if err := l.store.SaveExperiment(ctx, &updated); err != nil {
			return fmt.Errorf("persisting experiment: %w", err)
		}
	}

	*participant = updatedParticipant
	st.rec = updated

	l.log.Info("data submitted", "experiment", experimentID)
	return nil
}

// EndExperiment deactivates an experiment. Only the owner may end it, early
// termination is permitted, and the transition is monotonic.
func (l *Ledger) EndExperiment(ctx context.Context, caller crypto.PublicKey, experimentID uint32) error {
	st := l.experiment(experimentID)
	if st == nil {
		return ErrNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.rec.Creator.Equal(caller) {
		return ErrForbidden
	}
	if !st.rec.Active {
		return ErrAlreadyEnded
	}

	updated := st.rec
	updated.Active = false
	updated.EndTime = l.clock()

	if l.store != nil {
		if err := l.store.SaveExperiment(ctx, &updated); err != nil {
			return fmt.Errorf("persisting experiment: %w", err)
		}
	}
	st.rec = updated

	l.log.Info("experiment ended", "experiment", experimentID, "endTime", updated.EndTime)
	return nil
}

// GetExperimentInfo returns the read-only projection of an experiment. The
// reported activity accounts for the scheduled end time even when the owner
// has not explicitly ended the experiment yet.
func (l *Ledger) GetExperimentInfo(experimentID uint32) (*ExperimentInfo, error) {
	st := l.experiment(experimentID)
	if st == nil {
		return nil, ErrNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	return &ExperimentInfo{
		ID:                st.rec.ID,
		Name:              st.rec.Name,
		Description:       st.rec.Description,
		StartTime:         st.rec.StartTime,
		EndTime:           st.rec.EndTime,
		IsActive:          st.rec.Active && withinWindow(&st.rec, l.clock()),
		TotalParticipants: st.rec.Participants,
		Creator:           st.rec.Creator.String(),
		DecryptedSum:      st.rec.DecryptedSum,
	}, nil
}

// GetParticipantStatus reports whether a principal joined and submitted.
func (l *Ledger) GetParticipantStatus(experimentID uint32, principal crypto.PublicKey) (*ParticipantStatus, error) {
	st := l.experiment(experimentID)
	if st == nil {
		return nil, ErrNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	participant, ok := st.participants[principal.String()]
	if !ok {
		return &ParticipantStatus{}, nil
	}
	joined := participant.JoinedAt
	return &ParticipantStatus{
		HasJoined:        true,
		HasSubmittedData: participant.Submitted,
		JoinTime:         &joined,
	}, nil
}

// GetUserExperiments returns the IDs of experiments created by a principal,
// in creation order.
func (l *Ledger) GetUserExperiments(principal crypto.PublicKey) []uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.byOwner[principal.String()]
	out := make([]uint32, len(ids))
	copy(out, ids)
	return out
}

// IsAnonymousIDAvailable reports whether an anonymous identifier is still
// unused within an experiment's scope.
func (l *Ledger) IsAnonymousIDAvailable(ctx context.Context, experimentID uint32, anonymousID AnonymousID) (bool, error) {
	if l.experiment(experimentID) == nil {
		return false, ErrNotFound
	}
	return l.registry.IsAvailable(ctx, experimentID, anonymousID)
}

// CurrentExperimentID returns the most recently allocated experiment ID,
// zero when no experiment exists yet.
func (l *Ledger) CurrentExperimentID() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastID
}

// GetMyGroup returns the caller's own encrypted group handle. The ledger
// never decrypts it; the caller redeems their access grant with the engine.
func (l *Ledger) GetMyGroup(experimentID uint32, caller crypto.PublicKey) (engine.Handle, error) {
	st := l.experiment(experimentID)
	if st == nil {
		return "", ErrNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	participant, ok := st.participants[caller.String()]
	if !ok {
		return "", ErrNotAParticipant
	}
	return participant.Group, nil
}
