package maintenance

import (
	"context"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"
	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/pkg/database"
	"github.com/convoke-run/convoke/pkg/reaper"
	"github.com/convoke-run/convoke/pkg/runstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type fakeKicker struct{ kicked []string }

func (f *fakeKicker) Kick(conversationID string) { f.kicked = append(f.kicked, conversationID) }

func newTestClient(t *testing.T) *ent.Client {
	t.Helper()
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

func seedConversation(t *testing.T, client *ent.Client) (convID, memberID string) {
	t.Helper()
	ctx := context.Background()

	space, err := client.Space.Create().SetID("space-1").SetName("test space").Save(ctx)
	require.NoError(t, err)

	member, err := client.SpaceMembership.Create().
		SetID("member-a").
		SetSpaceID(space.ID).
		SetKind("character").
		SetDisplayName("alice").
		SetPosition(0).
		Save(ctx)
	require.NoError(t, err)

	conv, err := client.Conversation.Create().SetID("conv-1").SetSpaceID(space.ID).Save(ctx)
	require.NoError(t, err)

	return conv.ID, member.ID
}

func newService(client *ent.Client) *Service {
	return New(reaper.New(client, runstore.New(client), &fakeKicker{}, time.Minute))
}

func TestService_ReapStale_RecoversAndReturnsCount(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	convID, memberID := seedConversation(t, client)

	_, err := client.ConversationRun.Create().
		SetID("stuck-run").
		SetConversationID(convID).
		SetKind("auto_response").
		SetStatus("running").
		SetSpeakerSpaceMembershipID(memberID).
		SetHeartbeatAt(time.Now().Add(-10 * time.Minute)).
		Save(ctx)
	require.NoError(t, err)

	svc := newService(client)
	recovered, err := svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
}

func TestService_CancelStuckRun_IsIdempotent(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	convID, memberID := seedConversation(t, client)

	run, err := client.ConversationRun.Create().
		SetID("run-1").
		SetConversationID(convID).
		SetKind("auto_response").
		SetStatus("running").
		SetSpeakerSpaceMembershipID(memberID).
		Save(ctx)
	require.NoError(t, err)

	svc := newService(client)
	require.NoError(t, svc.CancelStuckRun(ctx, run.ID))
	require.NoError(t, svc.CancelStuckRun(ctx, run.ID), "canceling an already-terminal run must be a no-op, not an error")

	reloaded, err := client.ConversationRun.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", string(reloaded.Status))
}

func TestService_RetryFailedRun_RequeuesAndKicks(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	convID, memberID := seedConversation(t, client)

	failed, err := client.ConversationRun.Create().
		SetID("failed-run").
		SetConversationID(convID).
		SetKind("auto_response").
		SetStatus("failed").
		SetSpeakerSpaceMembershipID(memberID).
		Save(ctx)
	require.NoError(t, err)

	kicker := &fakeKicker{}
	svc := New(reaper.New(client, runstore.New(client), kicker, time.Minute))
	retried, err := svc.RetryFailedRun(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", string(retried.Status))
	assert.Equal(t, convID, retried.ConversationID)
	assert.Equal(t, []string{convID}, kicker.kicked)
}

func TestService_RetryFailedRun_RejectsNonFailedRun(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	convID, memberID := seedConversation(t, client)

	running, err := client.ConversationRun.Create().
		SetID("running-run").
		SetConversationID(convID).
		SetKind("auto_response").
		SetStatus("running").
		SetSpeakerSpaceMembershipID(memberID).
		Save(ctx)
	require.NoError(t, err)

	svc := newService(client)
	_, err = svc.RetryFailedRun(ctx, running.ID)
	assert.Error(t, err)
}

func TestService_HealthCheck_ReportsHealthyIdleConversation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	convID, _ := seedConversation(t, client)

	svc := newService(client)
	result, err := svc.HealthCheck(ctx, convID)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, convID, result.ConversationID)
}
