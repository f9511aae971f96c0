package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/scrapewire/internal/crawler"
)

func TestPublisherPublishesJSON(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "archived")
	require.NoError(t, err)

	pub := New(topic)
	event := crawler.ArchivedEvent{ID: "id-1", URL: "https://example.com/", StatusCode: 200, Hash: "abc"}
	id, err := pub.Publish(ctx, "archived", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "archived", msgs[0].Attributes["event"])

	var got crawler.ArchivedEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, event, got)
}

func TestPublisherWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "archived", map[string]string{})
	require.Error(t, err)
	require.NoError(t, (&Publisher{}).Close())
}
