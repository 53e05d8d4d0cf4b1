package turnscheduler

import (
	"context"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"
	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/conversationrun"
	"github.com/convoke-run/convoke/pkg/database"
	"github.com/convoke-run/convoke/pkg/planner"
	"github.com/convoke-run/convoke/pkg/roundledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type fakeKicker struct{ kicked []string }

func (f *fakeKicker) Kick(conversationID string) { f.kicked = append(f.kicked, conversationID) }

type fakeNotifier struct{ changed []string }

func (f *fakeNotifier) PublishCopilotModeChanged(ctx context.Context, conversationID, membershipID string) error {
	f.changed = append(f.changed, membershipID)
	return nil
}

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

// seedSpace creates a space with the given reply order and one
// character membership per name, in position order.
func seedSpace(t *testing.T, client *ent.Client, replyOrder string, names ...string) (spaceID string, memberIDs []string) {
	ctx := context.Background()

	space, err := client.Space.Create().
		SetID("space-1").
		SetName("test space").
		SetReplyOrder(replyOrder).
		Save(ctx)
	require.NoError(t, err)

	for i, name := range names {
		_, err := client.SpaceMembership.Create().
			SetID(name).
			SetSpaceID(space.ID).
			SetKind("character").
			SetDisplayName(name).
			SetPosition(i).
			Save(ctx)
		require.NoError(t, err)
		memberIDs = append(memberIDs, name)
	}

	return space.ID, memberIDs
}

func newHarness(client *ent.Client) (*Scheduler, *roundledger.Store, *planner.Planner, *fakeKicker, *fakeNotifier) {
	rounds := roundledger.New(client)
	kicker := &fakeKicker{}
	p := planner.New(client, rounds, kicker)
	notifier := &fakeNotifier{}
	s := New(client, rounds, p, notifier)
	return s, rounds, p, kicker, notifier
}

func TestScheduler_OnTurnComplete_AdvancesToNextSlotAndSchedulesIt(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	_, members := seedSpace(t, client, "list", "alice", "bob")

	conv, err := client.Conversation.Create().SetID("conv-1").SetSpaceID("space-1").Save(ctx)
	require.NoError(t, err)

	s, rounds, _, _, _ := newHarness(client)

	round, err := rounds.OpenRound(ctx, roundledger.OpenRoundParams{ConversationID: conv.ID, MembershipIDs: members})
	require.NoError(t, err)

	run, err := client.ConversationRun.Create().
		SetID("run-1").
		SetConversationID(conv.ID).
		SetKind("auto_response").
		SetStatus("succeeded").
		SetSpeakerSpaceMembershipID("alice").
		SetConversationRoundID(round.ID).
		Save(ctx)
	require.NoError(t, err)

	s.OnTurnComplete(ctx, run, "succeeded")

	reloadedRound, err := client.ConversationRound.Get(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloadedRound.CurrentPosition)

	allRuns, err := client.ConversationRun.Query().All(ctx)
	require.NoError(t, err)
	var found *ent.ConversationRun
	for _, r := range allRuns {
		if r.ID != run.ID {
			found = r
		}
	}
	require.NotNil(t, found, "the next slot must have been scheduled")
	assert.Equal(t, "bob", found.SpeakerSpaceMembershipID)
	assert.Equal(t, "queued", string(found.Status))
	assert.Equal(t, "turn_scheduler", found.Debug["scheduled_by"])
}

func TestScheduler_OnTurnComplete_CompletesRoundAndStaysIdleWithoutAutoMode(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	_, members := seedSpace(t, client, "list", "alice")

	conv, err := client.Conversation.Create().SetID("conv-1").SetSpaceID("space-1").Save(ctx)
	require.NoError(t, err)

	s, rounds, _, _, _ := newHarness(client)

	round, err := rounds.OpenRound(ctx, roundledger.OpenRoundParams{ConversationID: conv.ID, MembershipIDs: members})
	require.NoError(t, err)

	run, err := client.ConversationRun.Create().
		SetID("run-1").
		SetConversationID(conv.ID).
		SetKind("auto_response").
		SetStatus("succeeded").
		SetSpeakerSpaceMembershipID("alice").
		SetConversationRoundID(round.ID).
		Save(ctx)
	require.NoError(t, err)

	s.OnTurnComplete(ctx, run, "succeeded")

	reloadedConv, err := client.Conversation.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "idle", string(reloadedConv.SchedulingState))
	assert.Nil(t, reloadedConv.ActiveRoundID)

	count, err := client.ConversationRun.Query().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "no follow-up run should have been scheduled")
}

func TestScheduler_OnTurnComplete_ReopensRoundUnderAutoMode(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	_, members := seedSpace(t, client, "list", "alice", "bob")

	_, err := client.Space.UpdateOneID("space-1").
		SetAutoModeEnabled(true).
		SetAutoModeRoundsRemaining(3).
		Save(ctx)
	require.NoError(t, err)

	conv, err := client.Conversation.Create().SetID("conv-1").SetSpaceID("space-1").Save(ctx)
	require.NoError(t, err)

	s, rounds, _, _, _ := newHarness(client)

	round, err := rounds.OpenRound(ctx, roundledger.OpenRoundParams{ConversationID: conv.ID, MembershipIDs: members})
	require.NoError(t, err)

	// Drive the round to completion: alice then bob, both succeeded.
	run1, err := client.ConversationRun.Create().
		SetID("run-1").SetConversationID(conv.ID).SetKind("auto_response").
		SetStatus("succeeded").SetSpeakerSpaceMembershipID("alice").
		SetConversationRoundID(round.ID).Save(ctx)
	require.NoError(t, err)
	s.OnTurnComplete(ctx, run1, "succeeded")

	run2, err := client.ConversationRun.Create().
		SetID("run-2").SetConversationID(conv.ID).SetKind("auto_response").
		SetStatus("succeeded").SetSpeakerSpaceMembershipID("bob").
		SetConversationRoundID(round.ID).Save(ctx)
	require.NoError(t, err)
	s.OnTurnComplete(ctx, run2, "succeeded")

	space, err := client.Space.Get(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, 2, space.AutoModeRoundsRemaining, "budget decrements by one on round completion")

	reloadedConv, err := client.Conversation.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, reloadedConv.ActiveRoundID)
	assert.NotEqual(t, round.ID, *reloadedConv.ActiveRoundID, "a fresh round must have opened")

	queued, err := client.ConversationRun.Query().
		Where(conversationrun.StatusEQ(conversationrun.StatusQueued)).
		All(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "alice", queued[0].SpeakerSpaceMembershipID, "list order rotates back to the front")
}

func TestScheduler_OnTurnComplete_FailedOutcomePausesRound(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	_, members := seedSpace(t, client, "list", "alice", "bob")

	conv, err := client.Conversation.Create().SetID("conv-1").SetSpaceID("space-1").Save(ctx)
	require.NoError(t, err)

	s, rounds, _, kicker, _ := newHarness(client)

	round, err := rounds.OpenRound(ctx, roundledger.OpenRoundParams{ConversationID: conv.ID, MembershipIDs: members})
	require.NoError(t, err)

	run, err := client.ConversationRun.Create().
		SetID("run-1").
		SetConversationID(conv.ID).
		SetKind("auto_response").
		SetStatus("failed").
		SetSpeakerSpaceMembershipID("alice").
		SetConversationRoundID(round.ID).
		Save(ctx)
	require.NoError(t, err)

	s.OnTurnComplete(ctx, run, "failed")

	reloadedConv, err := client.Conversation.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", string(reloadedConv.SchedulingState))
	assert.Empty(t, kicker.kicked, "a paused round schedules no follow-up, so the planner's kick never fires")
}

func TestScheduler_OnTurnComplete_IgnoresRunsNotInARound(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	_, _ = seedSpace(t, client, "list", "alice")

	conv, err := client.Conversation.Create().SetID("conv-1").SetSpaceID("space-1").Save(ctx)
	require.NoError(t, err)

	s, _, _, _, _ := newHarness(client)

	run, err := client.ConversationRun.Create().
		SetID("run-1").
		SetConversationID(conv.ID).
		SetKind("force_talk").
		SetStatus("succeeded").
		SetSpeakerSpaceMembershipID("alice").
		Save(ctx)
	require.NoError(t, err)

	s.OnTurnComplete(ctx, run, "succeeded")

	count, err := client.ConversationRun.Query().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "a one-off run outside any round must not trigger scheduling")
}

func TestScheduler_OnTurnComplete_DecrementsCopilotAndDisablesAtZero(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	space, err := client.Space.Create().SetID("space-1").SetName("test space").SetReplyOrder("list").Save(ctx)
	require.NoError(t, err)

	_, err = client.SpaceMembership.Create().
		SetID("copilot-1").
		SetSpaceID(space.ID).
		SetKind("human").
		SetDisplayName("copilot").
		SetPosition(0).
		SetCopilotMode("full").
		SetCopilotRemainingSteps(1).
		Save(ctx)
	require.NoError(t, err)

	conv, err := client.Conversation.Create().SetID("conv-1").SetSpaceID(space.ID).Save(ctx)
	require.NoError(t, err)

	s, rounds, _, _, notifier := newHarness(client)

	round, err := rounds.OpenRound(ctx, roundledger.OpenRoundParams{ConversationID: conv.ID, MembershipIDs: []string{"copilot-1"}})
	require.NoError(t, err)

	run, err := client.ConversationRun.Create().
		SetID("run-1").
		SetConversationID(conv.ID).
		SetKind("auto_response").
		SetStatus("succeeded").
		SetSpeakerSpaceMembershipID("copilot-1").
		SetConversationRoundID(round.ID).
		Save(ctx)
	require.NoError(t, err)

	s.OnTurnComplete(ctx, run, "succeeded")

	member, err := client.SpaceMembership.Get(ctx, "copilot-1")
	require.NoError(t, err)
	assert.Equal(t, 0, member.CopilotRemainingSteps)
	assert.Equal(t, "none", string(member.CopilotMode))
	assert.Equal(t, []string{"copilot-1"}, notifier.changed)
}
