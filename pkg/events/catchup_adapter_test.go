package events

import (
	"context"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"
	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/message"
	"github.com/convoke-run/convoke/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newEventsTestClient spins up a real Postgres container and returns
// both the ent client (for seeding/querying) and the raw *sql.DB (for
// exercising pg_notify), mirroring the harness pattern established in
// pkg/planner and pkg/turnscheduler.
func newEventsTestClient(t *testing.T) (*ent.Client, *sql.DB, string) {
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

	return client, drv.DB(), connStr
}

func seedConversation(t *testing.T, client *ent.Client, conversationID string) {
	t.Helper()
	ctx := context.Background()

	space, err := client.Space.Create().SetID(conversationID + "-space").SetName("test space").Save(ctx)
	require.NoError(t, err)
	_, err = client.Conversation.Create().SetID(conversationID).SetSpaceID(space.ID).Save(ctx)
	require.NoError(t, err)
}

func seedMessage(t *testing.T, client *ent.Client, conversationID, id string, seq int, role message.Role, body string) {
	t.Helper()
	ctx := context.Background()

	content, err := client.TextContent.Create().SetID(id + "-content").SetBody(body).Save(ctx)
	require.NoError(t, err)

	_, err = client.Message.Create().
		SetID(id).
		SetConversationID(conversationID).
		SetSeq(seq).
		SetRole(role).
		SetTextContentID(content.ID).
		Save(ctx)
	require.NoError(t, err)
}

func TestMessageCatchupAdapter_ReturnsAssistantMessagesSinceSeq(t *testing.T) {
	client, _, _ := newEventsTestClient(t)
	seedConversation(t, client, "conv-1")

	seedMessage(t, client, "conv-1", "msg-1", 1, message.RoleUser, "hi")
	seedMessage(t, client, "conv-1", "msg-2", 2, message.RoleAssistant, "hello there")
	seedMessage(t, client, "conv-1", "msg-3", 3, message.RoleAssistant, "how can I help")

	adapter := NewMessageCatchupAdapter(client)
	events, err := adapter.GetCatchupEvents(context.Background(), ConversationChannel("conv-1"), 1, 10)
	require.NoError(t, err)

	require.Len(t, events, 2, "user message at seq 1 must be excluded, only assistant messages count as message_created")
	assert.Equal(t, 2, events[0].ID)
	assert.Equal(t, "hello there", events[0].Payload["content"])
	assert.Equal(t, EventTypeMessageCreated, events[0].Payload["type"])
	assert.Equal(t, 3, events[1].ID)
}

func TestMessageCatchupAdapter_EphemeralChannelHasNoCatchup(t *testing.T) {
	client, _, _ := newEventsTestClient(t)

	adapter := NewMessageCatchupAdapter(client)
	events, err := adapter.GetCatchupEvents(context.Background(), EphemeralChannel("conv-1"), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMessageCatchupAdapter_RespectsLimit(t *testing.T) {
	client, _, _ := newEventsTestClient(t)
	seedConversation(t, client, "conv-1")

	ids := []string{"msg-1", "msg-2", "msg-3", "msg-4", "msg-5"}
	for i, id := range ids {
		seedMessage(t, client, "conv-1", id, i+1, message.RoleAssistant, "body")
	}

	adapter := NewMessageCatchupAdapter(client)
	events, err := adapter.GetCatchupEvents(context.Background(), ConversationChannel("conv-1"), 0, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMessageCatchupAdapter_UnrecognizedChannelReturnsNil(t *testing.T) {
	client, _, _ := newEventsTestClient(t)

	adapter := NewMessageCatchupAdapter(client)
	events, err := adapter.GetCatchupEvents(context.Background(), "not-a-conversation-channel", 0, 10)
	require.NoError(t, err)
	assert.Nil(t, events)
}
