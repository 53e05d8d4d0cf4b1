package planner

import (
	"context"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"
	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/conversationroundparticipant"
	"github.com/convoke-run/convoke/pkg/database"
	"github.com/convoke-run/convoke/pkg/roundledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type fakeKicker struct {
	kicked []string
}

func (f *fakeKicker) Kick(conversationID string) {
	f.kicked = append(f.kicked, conversationID)
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

func seedConversation(t *testing.T, client *ent.Client, memberIDs ...string) string {
	ctx := context.Background()

	space, err := client.Space.Create().SetID("space-1").SetName("test space").Save(ctx)
	require.NoError(t, err)

	for i, id := range memberIDs {
		_, err := client.SpaceMembership.Create().
			SetID(id).
			SetSpaceID(space.ID).
			SetKind("character").
			SetDisplayName(id).
			SetPosition(i).
			Save(ctx)
		require.NoError(t, err)
	}

	conv, err := client.Conversation.Create().SetID("conv-1").SetSpaceID(space.ID).Save(ctx)
	require.NoError(t, err)

	return conv.ID
}

func TestPlanner_PlanUserMessageCommitted_ManualModeNoRun(t *testing.T) {
	client := newTestClient(t)
	kicker := &fakeKicker{}
	p := New(client, roundledger.New(client), kicker)

	convID := seedConversation(t, client, "a")

	_, err := p.PlanUserMessageCommitted(context.Background(), convID, "manual", "a", 0)
	assert.ErrorIs(t, err, ErrManualMode)
	assert.Empty(t, kicker.kicked)
}

func TestPlanner_PlanUserMessageCommitted_InsertsQueuedRun(t *testing.T) {
	client := newTestClient(t)
	kicker := &fakeKicker{}
	p := New(client, roundledger.New(client), kicker)

	convID := seedConversation(t, client, "a")

	run, err := p.PlanUserMessageCommitted(context.Background(), convID, "list", "a", 500)
	require.NoError(t, err)
	assert.Equal(t, "queued", string(run.Status))
	assert.Equal(t, "a", run.SpeakerSpaceMembershipID)
	require.NotNil(t, run.RunAfter)
	assert.True(t, run.RunAfter.After(time.Now()))
	assert.Equal(t, []string{convID}, kicker.kicked)
}

func TestPlanner_Plan_UpsertOverwritesExistingQueuedRun(t *testing.T) {
	client := newTestClient(t)
	kicker := &fakeKicker{}
	p := New(client, roundledger.New(client), kicker)
	ctx := context.Background()

	convID := seedConversation(t, client, "a", "b")

	first, err := p.PlanUserMessageCommitted(ctx, convID, "list", "a", 0)
	require.NoError(t, err)

	second, err := p.PlanUserMessageCommitted(ctx, convID, "list", "b", 0)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "the upsert must overwrite the existing queued row, not insert a new one")
	assert.Equal(t, "b", second.SpeakerSpaceMembershipID)

	count, err := client.ConversationRun.Query().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPlanner_PlanForceTalk_RestartsRunningRun(t *testing.T) {
	client := newTestClient(t)
	kicker := &fakeKicker{}
	p := New(client, roundledger.New(client), kicker)
	ctx := context.Background()

	convID := seedConversation(t, client, "a", "b")

	_, err := client.ConversationRun.Create().
		SetID("running-run").
		SetConversationID(convID).
		SetKind("auto_response").
		SetStatus("running").
		SetSpeakerSpaceMembershipID("a").
		Save(ctx)
	require.NoError(t, err)

	_, err = p.PlanForceTalk(ctx, convID, "b")
	require.NoError(t, err)

	running, err := client.ConversationRun.Get(ctx, "running-run")
	require.NoError(t, err)
	assert.NotNil(t, running.CancelRequestedAt, "restart policy must request cancellation of the running run")
}

func TestPlanner_PlanRegenerate_SetsDebugFields(t *testing.T) {
	client := newTestClient(t)
	kicker := &fakeKicker{}
	p := New(client, roundledger.New(client), kicker)
	ctx := context.Background()

	convID := seedConversation(t, client, "a")

	run, err := p.PlanRegenerate(ctx, convID, "a", "msg-42")
	require.NoError(t, err)
	assert.Equal(t, "msg-42", run.Debug["target_message_id"])
	assert.Equal(t, "msg-42", run.Debug["expected_last_message_id"])
}

func TestPlanner_PlanUserMessageCommitted_OpensRoundLedByTheChosenSpeaker(t *testing.T) {
	client := newTestClient(t)
	kicker := &fakeKicker{}
	p := New(client, roundledger.New(client), kicker)
	ctx := context.Background()

	convID := seedConversation(t, client, "a", "b", "c")

	run, err := p.PlanUserMessageCommitted(ctx, convID, "list", "b", 0)
	require.NoError(t, err)
	require.NotNil(t, run.ConversationRoundID)

	conv, err := client.Conversation.Get(ctx, convID)
	require.NoError(t, err)
	require.NotNil(t, conv.ActiveRoundID)
	assert.Equal(t, *conv.ActiveRoundID, *run.ConversationRoundID)

	round, err := client.ConversationRound.Get(ctx, *conv.ActiveRoundID)
	require.NoError(t, err)
	assert.Equal(t, "active", string(round.Status))

	participants, err := client.ConversationRoundParticipant.Query().
		Order(ent.Asc(conversationroundparticipant.FieldPosition)).
		All(ctx)
	require.NoError(t, err)
	require.Len(t, participants, 3)
	assert.Equal(t, "b", participants[0].SpaceMembershipID, "the chosen speaker must lead the predicted queue")
}

func TestPlanner_PlanUserMessageCommitted_SecondTriggerDoesNotReopenRound(t *testing.T) {
	client := newTestClient(t)
	kicker := &fakeKicker{}
	p := New(client, roundledger.New(client), kicker)
	ctx := context.Background()

	convID := seedConversation(t, client, "a", "b")

	_, err := p.PlanUserMessageCommitted(ctx, convID, "list", "a", 0)
	require.NoError(t, err)

	conv, err := client.Conversation.Get(ctx, convID)
	require.NoError(t, err)
	firstRoundID := *conv.ActiveRoundID

	_, err = p.PlanUserMessageCommitted(ctx, convID, "list", "b", 0)
	require.NoError(t, err)

	conv, err = client.Conversation.Get(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, firstRoundID, *conv.ActiveRoundID)

	count, err := client.ConversationRound.Query().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPlanner_PlanAutoModeFollowup_RejectsWhenDisabled(t *testing.T) {
	client := newTestClient(t)
	kicker := &fakeKicker{}
	p := New(client, roundledger.New(client), kicker)
	ctx := context.Background()

	convID := seedConversation(t, client, "a")

	_, err := p.PlanAutoModeFollowup(ctx, convID, "a", "msg-1", false)
	assert.ErrorIs(t, err, ErrAutoModeDisabled)
}
