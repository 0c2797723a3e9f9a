package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	notifypubsub "github.com/JakeFAU/procurement-harvester/internal/notify/pubsub"
)

func TestNotifierPublishesEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "harvest-events")
	require.NoError(t, err)

	n := notifypubsub.New(topic, nil)
	event := harvest.Event{
		ID:          "evt-1",
		Kind:        harvest.EventFetchDone,
		Source:      "moldova",
		DataVersion: "2024-01-02-03-04-05",
		Success:     true,
	}
	require.NoError(t, n.Notify(ctx, event))
	require.NoError(t, n.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "fetch_done", msgs[0].Attributes["kind"])
	require.Equal(t, "moldova", msgs[0].Attributes["source"])

	var got harvest.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, event.ID, got.ID)
	require.Equal(t, event.DataVersion, got.DataVersion)
}

func TestNotifierWithoutTopic(t *testing.T) {
	t.Parallel()

	n := notifypubsub.New(nil, nil)
	require.Error(t, n.Notify(context.Background(), harvest.Event{}))
	require.NoError(t, n.Close())
}
