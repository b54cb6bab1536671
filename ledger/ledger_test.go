package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/abnet/anonymity"
	"github.com/flashbots/abnet/crypto"
	"github.com/flashbots/abnet/engine"
)

// fakeClock lets tests move the experiment window deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	ledger   *Ledger
	engine   *engine.InMemory
	registry *anonymity.MemoryRegistry
	clock    *fakeClock
	events   []JoinEvent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	eng, err := engine.NewInMemory()
	require.NoError(t, err)

	env := &testEnv{
		engine:   eng,
		registry: anonymity.NewMemoryRegistry(),
		clock:    newFakeClock(),
	}

	env.ledger, err = New(&Config{
		Engine:   eng,
		Registry: env.registry,
		Clock:    env.clock.Now,
		OnJoin:   func(ev JoinEvent) { env.events = append(env.events, ev) },
	})
	require.NoError(t, err)
	return env
}

func newPrincipal(t *testing.T) crypto.PublicKey {
	t.Helper()
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return pub
}

// decryptHandle recovers a plaintext through the simulator, standing in for
// a caller redeeming their access grant.
func decryptHandle(t *testing.T, eng *engine.InMemory, h engine.Handle) uint64 {
	t.Helper()
	reqID, err := eng.RequestDecryption(context.Background(), []engine.Handle{h})
	require.NoError(t, err)
	result, err := eng.Decrypt(reqID)
	require.NoError(t, err)
	return result.Plaintext
}

func TestCreateExperimentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)

	_, err := env.ledger.CreateExperiment(ctx, owner, "", "desc", time.Hour)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.ledger.CreateExperiment(ctx, owner, "test", "desc", 0)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.ledger.CreateExperiment(ctx, owner, "test", "desc", -time.Hour)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.ledger.CreateExperiment(ctx, nil, "test", "desc", time.Hour)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateExperimentAssignsIncreasingIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)

	require.Zero(t, env.ledger.CurrentExperimentID())

	first, err := env.ledger.CreateExperiment(ctx, owner, "first", "", time.Hour)
	require.NoError(t, err)
	require.Equal(t, uint32(1), first)

	second, err := env.ledger.CreateExperiment(ctx, owner, "second", "", time.Hour)
	require.NoError(t, err)
	require.Equal(t, uint32(2), second)

	require.Equal(t, uint32(2), env.ledger.CurrentExperimentID())
	require.Equal(t, []uint32{1, 2}, env.ledger.GetUserExperiments(owner))

	info, err := env.ledger.GetExperimentInfo(first)
	require.NoError(t, err)
	require.True(t, info.EndTime.After(info.StartTime))
	require.True(t, info.IsActive)
	require.Equal(t, owner.String(), info.Creator)
	require.Zero(t, info.TotalParticipants)
}

func TestJoinExperiment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)
	alice := newPrincipal(t)
	bob := newPrincipal(t)

	id, err := env.ledger.CreateExperiment(ctx, owner, "Button Color Test", "", 24*time.Hour)
	require.NoError(t, err)

	anonAlice := DeriveAnonymousID("user_123_anonymous")

	require.ErrorIs(t, env.ledger.JoinExperiment(ctx, alice, 42, anonAlice), ErrNotFound)
	require.ErrorIs(t, env.ledger.JoinExperiment(ctx, alice, id, AnonymousID{}), ErrInvalidInput)

	require.NoError(t, env.ledger.JoinExperiment(ctx, alice, id, anonAlice))

	info, err := env.ledger.GetExperimentInfo(id)
	require.NoError(t, err)
	require.Equal(t, uint32(1), info.TotalParticipants)

	// The same anonymous identifier is rejected even for a different
	// caller principal.
	require.ErrorIs(t, env.ledger.JoinExperiment(ctx, bob, id, anonAlice), ErrDuplicateAnonymousID)

	// A principal can join only once, regardless of identifier.
	require.ErrorIs(t, env.ledger.JoinExperiment(ctx, alice, id, DeriveAnonymousID("fresh")), ErrAlreadyParticipant)

	available, err := env.ledger.IsAnonymousIDAvailable(ctx, id, anonAlice)
	require.NoError(t, err)
	require.False(t, available)

	available, err = env.ledger.IsAnonymousIDAvailable(ctx, id, DeriveAnonymousID("unused"))
	require.NoError(t, err)
	require.True(t, available)

	status, err := env.ledger.GetParticipantStatus(id, alice)
	require.NoError(t, err)
	require.True(t, status.HasJoined)
	require.False(t, status.HasSubmittedData)
	require.NotNil(t, status.JoinTime)

	status, err = env.ledger.GetParticipantStatus(id, bob)
	require.NoError(t, err)
	require.False(t, status.HasJoined)
}

func TestJoinEventsOmitGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)
	alice := newPrincipal(t)

	id, err := env.ledger.CreateExperiment(ctx, owner, "test", "", time.Hour)
	require.NoError(t, err)

	anonID := DeriveAnonymousID("user_123_anonymous")
	require.NoError(t, env.ledger.JoinExperiment(ctx, alice, id, anonID))

	require.Len(t, env.events, 1)
	require.Equal(t, id, env.events[0].ExperimentID)
	require.Equal(t, anonID, env.events[0].AnonymousID)

	// The participant can redeem their own group handle; nobody else was
	// granted access to it.
	group, err := env.ledger.GetMyGroup(id, alice)
	require.NoError(t, err)
	require.True(t, env.engine.HasAccess(group, alice))
	require.False(t, env.engine.HasAccess(group, owner))

	_, err = env.ledger.GetMyGroup(id, owner)
	require.ErrorIs(t, err, ErrNotAParticipant)
}

func TestJoinAfterScheduledEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)
	alice := newPrincipal(t)

	id, err := env.ledger.CreateExperiment(ctx, owner, "test", "", time.Hour)
	require.NoError(t, err)

	// The owner never calls EndExperiment; the scheduled end alone closes
	// the window.
	env.clock.Advance(2 * time.Hour)

	require.ErrorIs(t, env.ledger.JoinExperiment(ctx, alice, id, DeriveAnonymousID("late")), ErrNotActive)

	info, err := env.ledger.GetExperimentInfo(id)
	require.NoError(t, err)
	require.False(t, info.IsActive)
}

func TestJoinAfterExplicitEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)
	alice := newPrincipal(t)

	id, err := env.ledger.CreateExperiment(ctx, owner, "test", "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, env.ledger.EndExperiment(ctx, owner, id))

	require.ErrorIs(t, env.ledger.JoinExperiment(ctx, alice, id, DeriveAnonymousID("late")), ErrNotActive)
}

func TestEndExperiment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)
	stranger := newPrincipal(t)

	id, err := env.ledger.CreateExperiment(ctx, owner, "test", "", 24*time.Hour)
	require.NoError(t, err)

	require.ErrorIs(t, env.ledger.EndExperiment(ctx, stranger, id), ErrForbidden)
	require.ErrorIs(t, env.ledger.EndExperiment(ctx, owner, 42), ErrNotFound)

	env.clock.Advance(time.Hour)
	require.NoError(t, env.ledger.EndExperiment(ctx, owner, id))

	info, err := env.ledger.GetExperimentInfo(id)
	require.NoError(t, err)
	require.False(t, info.IsActive)
	// Early termination moved the end time before the scheduled one.
	require.Equal(t, env.clock.Now(), info.EndTime)

	require.ErrorIs(t, env.ledger.EndExperiment(ctx, owner, id), ErrAlreadyEnded)

	// Ended is terminal: nothing reactivates the experiment.
	info, err = env.ledger.GetExperimentInfo(id)
	require.NoError(t, err)
	require.False(t, info.IsActive)
}

func TestSubmitData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)
	alice := newPrincipal(t)
	bob := newPrincipal(t)

	id, err := env.ledger.CreateExperiment(ctx, owner, "test", "", 24*time.Hour)
	require.NoError(t, err)

	require.ErrorIs(t, env.ledger.SubmitData(ctx, alice, 42, 150), ErrNotFound)
	require.ErrorIs(t, env.ledger.SubmitData(ctx, alice, id, 150), ErrNotAParticipant)

	require.NoError(t, env.ledger.JoinExperiment(ctx, alice, id, DeriveAnonymousID("alice")))
	require.NoError(t, env.ledger.SubmitData(ctx, alice, id, 150))

	status, err := env.ledger.GetParticipantStatus(id, alice)
	require.NoError(t, err)
	require.True(t, status.HasSubmittedData)

	require.ErrorIs(t, env.ledger.SubmitData(ctx, alice, id, 150), ErrAlreadySubmitted)

	require.NoError(t, env.ledger.JoinExperiment(ctx, bob, id, DeriveAnonymousID("bob")))
	require.NoError(t, env.ledger.EndExperiment(ctx, owner, id))
	require.ErrorIs(t, env.ledger.SubmitData(ctx, bob, id, 92), ErrNotActive)
}

func TestSubmitOrderIndependence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)

	sumOf := func(first, second uint32) uint64 {
		alice := newPrincipal(t)
		bob := newPrincipal(t)

		id, err := env.ledger.CreateExperiment(ctx, owner, "order", "", time.Hour)
		require.NoError(t, err)
		require.NoError(t, env.ledger.JoinExperiment(ctx, alice, id, DeriveAnonymousID(fmt.Sprintf("a-%d", id))))
		require.NoError(t, env.ledger.JoinExperiment(ctx, bob, id, DeriveAnonymousID(fmt.Sprintf("b-%d", id))))

		require.NoError(t, env.ledger.SubmitData(ctx, alice, id, first))
		require.NoError(t, env.ledger.SubmitData(ctx, bob, id, second))

		st := env.ledger.experiment(id)
		return decryptHandle(t, env.engine, st.rec.Accumulator)
	}

	require.Equal(t, sumOf(150, 92), sumOf(92, 150))
	require.Equal(t, uint64(242), sumOf(150, 92))
}

func TestConcurrentJoinsAndSubmissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)

	id, err := env.ledger.CreateExperiment(ctx, owner, "load", "", time.Hour)
	require.NoError(t, err)

	const participants = 24
	principals := make([]crypto.PublicKey, participants)
	for i := range principals {
		principals[i] = newPrincipal(t)
	}

	var wg sync.WaitGroup
	for i, p := range principals {
		wg.Add(1)
		go func(i int, p crypto.PublicKey) {
			defer wg.Done()
			err := env.ledger.JoinExperiment(ctx, p, id, DeriveAnonymousID(fmt.Sprintf("anon-%d", i)))
			require.NoError(t, err)
		}(i, p)
	}
	wg.Wait()

	info, err := env.ledger.GetExperimentInfo(id)
	require.NoError(t, err)
	require.Equal(t, uint32(participants), info.TotalParticipants)
	// After N successful joins the registry holds exactly N reservations.
	require.Equal(t, participants, env.registry.Count())

	var expected uint64
	for i := range principals {
		expected += uint64(i + 1)
	}
	for i, p := range principals {
		wg.Add(1)
		go func(i int, p crypto.PublicKey) {
			defer wg.Done()
			err := env.ledger.SubmitData(ctx, p, id, uint32(i+1))
			require.NoError(t, err)
		}(i, p)
	}
	wg.Wait()

	// Lost-update check: every concurrent submission is reflected in the
	// final accumulator.
	st := env.ledger.experiment(id)
	require.Equal(t, expected, decryptHandle(t, env.engine, st.rec.Accumulator))
}

func TestGroupAssignmentOutcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := newPrincipal(t)

	id, err := env.ledger.CreateExperiment(ctx, owner, "groups", "", time.Hour)
	require.NoError(t, err)

	seen := make(map[uint64]bool)
	for i := 0; i < 128; i++ {
		p := newPrincipal(t)
		require.NoError(t, env.ledger.JoinExperiment(ctx, p, id, DeriveAnonymousID(fmt.Sprintf("g-%d", i))))

		group, err := env.ledger.GetMyGroup(id, p)
		require.NoError(t, err)

		bit := decryptHandle(t, env.engine, group)
		require.LessOrEqual(t, bit, uint64(1))
		seen[bit] = true
	}

	// Assignment is an independent coin flip per participant: assert both
	// outcomes are reachable, never an exact split.
	require.True(t, seen[0], "group 0 never assigned")
	require.True(t, seen[1], "group 1 never assigned")
}
