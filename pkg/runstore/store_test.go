package runstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"
	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/pkg/database"
	"github.com/convoke-run/convoke/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient spins up a disposable Postgres container and applies
// the ent-generated schema plus the hand-written partial indexes,
// mirroring pkg/database's own test helper.
func newTestClient(t *testing.T) *ent.Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	drv, err := sql.Open(dialect.Postgres, connStr)
	require.NoError(t, err)

	client := ent.NewClient(ent.Driver(drv))
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Schema.Create(ctx))
	require.NoError(t, database.CreatePartialIndexes(ctx, drv))

	return client
}

// seedConversation creates the minimal Space/SpaceMembership/Conversation
// chain a ConversationRun needs to satisfy its foreign keys.
func seedConversation(t *testing.T, client *ent.Client) (conversationID, membershipID string) {
	ctx := context.Background()

	space, err := client.Space.Create().SetID("space-1").SetName("test space").Save(ctx)
	require.NoError(t, err)

	membership, err := client.SpaceMembership.Create().
		SetID("member-1").
		SetSpaceID(space.ID).
		SetKind("character").
		SetDisplayName("Ada").
		SetPosition(0).
		Save(ctx)
	require.NoError(t, err)

	conv, err := client.Conversation.Create().SetID("conv-1").SetSpaceID(space.ID).Save(ctx)
	require.NoError(t, err)

	return conv.ID, membership.ID
}

func TestStore_CreateQueued_EnforcesSingleSlot(t *testing.T) {
	client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	_, err := store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	require.NoError(t, err)

	_, err = store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	assert.ErrorIs(t, err, ErrSlotOccupied)
}

func TestStore_ClaimNext_ClaimsOldestEligibleRun(t *testing.T) {
	client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	queued, err := store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, queued.ID, claimed.ID)
	assert.Equal(t, "running", string(claimed.Status))
	assert.NotNil(t, claimed.StartedAt)
	assert.NotNil(t, claimed.HeartbeatAt)

	_, err = store.ClaimNext(ctx, "worker-2")
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestStore_ClaimNext_SkipsFutureRunAfter(t *testing.T) {
	client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	future := time.Now().Add(time.Hour)
	_, err := store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
		RunAfter:                 &future,
	})
	require.NoError(t, err)

	_, err = store.ClaimNext(ctx, "worker-1")
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestStore_ClaimNext_OnlyOneWinnerUnderConcurrency(t *testing.T) {
	client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	_, err := store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := store.ClaimNext(ctx, "worker")
			if err == nil {
				atomic.AddInt32(&successes, 1)
				return
			}
			if !errors.Is(err, ErrNotClaimable) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes, "exactly one worker should win the claim")
}

func TestStore_Heartbeat_RequiresRunningStatus(t *testing.T) {
	client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	queued, err := store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	require.NoError(t, err)

	err = store.Heartbeat(ctx, queued.ID)
	assert.ErrorIs(t, err, ErrTerminal)

	claimed, err := store.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, store.Heartbeat(ctx, claimed.ID))
}

func TestStore_Finish_IsAbsorbingAndIdempotent(t *testing.T) {
	client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	queued, err := store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, queued.ID, claimed.ID)

	runErr := &models.RunError{Code: models.ErrCodeHTTPError, Message: "upstream 503"}
	require.NoError(t, store.Finish(ctx, claimed.ID, "failed", runErr))

	got, err := store.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", string(got.Status))
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, models.ErrCodeHTTPError, got.Error["code"])

	err = store.Finish(ctx, claimed.ID, "succeeded", nil)
	assert.ErrorIs(t, err, ErrTerminal, "a second transition away from a terminal state must be rejected")
}

func TestStore_RequestCancel_RejectsTerminalRun(t *testing.T) {
	client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	queued, err := store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	require.NoError(t, err)

	require.NoError(t, store.RequestCancel(ctx, queued.ID))

	require.NoError(t, store.Finish(ctx, queued.ID, "canceled", nil))
	assert.ErrorIs(t, store.RequestCancel(ctx, queued.ID), ErrTerminal)
}

func TestStore_FindStaleRunning(t *testing.T) {
	client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	queued, err := store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, queued.ID, claimed.ID)

	stale, err := store.FindStaleRunning(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, claimed.ID, stale[0].ID)

	fresh, err := store.FindStaleRunning(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

// TestStore_ClaimNext_PreemptsStaleRunningRun mirrors spec.md §8
// scenario 5: a stale running run and a queued run coexist on the same
// conversation; claiming the queued run must atomically preempt the
// stale one as failed/stale_running_run with cancel_requested_at set.
func TestStore_ClaimNext_PreemptsStaleRunningRun(t *testing.T) {
	client := newTestClient(t)
	store := New(client, WithStaleThreshold(time.Minute))
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	stale, err := client.ConversationRun.Create().
		SetID("stale-run").
		SetConversationID(convID).
		SetKind("auto_response").
		SetStatus("running").
		SetSpeakerSpaceMembershipID(memberID).
		SetStartedAt(time.Now().Add(-3 * time.Minute)).
		SetHeartbeatAt(time.Now().Add(-3 * time.Minute)).
		Save(ctx)
	require.NoError(t, err)

	queued, err := store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, queued.ID, claimed.ID)
	assert.Equal(t, "running", string(claimed.Status))

	reloaded, err := client.ConversationRun.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", string(reloaded.Status))
	assert.NotNil(t, reloaded.CancelRequestedAt)
	assert.Equal(t, models.ErrCodeStaleRunningRun, reloaded.Error["code"])
}

// TestStore_ClaimNext_LeavesFreshRunningRunAlone ensures a running run
// whose heartbeat is still within staleThreshold blocks the candidate
// from claiming rather than being preempted.
func TestStore_ClaimNext_LeavesFreshRunningRunAlone(t *testing.T) {
	client := newTestClient(t)
	store := New(client, WithStaleThreshold(time.Minute))
	ctx := context.Background()

	convID, memberID := seedConversation(t, client)

	_, err := client.ConversationRun.Create().
		SetID("fresh-run").
		SetConversationID(convID).
		SetKind("auto_response").
		SetStatus("running").
		SetSpeakerSpaceMembershipID(memberID).
		SetStartedAt(time.Now()).
		SetHeartbeatAt(time.Now()).
		Save(ctx)
	require.NoError(t, err)

	_, err = store.CreateQueued(ctx, CreateQueuedParams{
		ConversationID:           convID,
		Kind:                     "auto_response",
		SpeakerSpaceMembershipID: memberID,
	})
	require.NoError(t, err)

	_, err = store.ClaimNext(ctx, "worker-1")
	assert.ErrorIs(t, err, ErrNotClaimable)

	reloaded, err := client.ConversationRun.Get(ctx, "fresh-run")
	require.NoError(t, err)
	assert.Equal(t, "running", string(reloaded.Status), "a fresh running run must not be preempted")
}

func TestStore_Get_NotFound(t *testing.T) {
	client := newTestClient(t)
	store := New(client)
	ctx := context.Background()

	_, err := store.Get(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}
