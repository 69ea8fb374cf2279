package pubsub

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

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "huon-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "records")
	require.NoError(t, err)

	pub, err := New(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublishRecord(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	rec := crawl.Record{
		Plugin:    "ns",
		SessionID: "s1",
		ID:        "R-1",
		Date:      time.Date(2020, 1, 7, 0, 0, 0, 0, time.UTC),
		Label:     "reg",
		URL:       "https://registry.test/reg?regid=1",
	}

	id, err := pub.Publish(context.Background(), "records", rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "ns", msgs[0].Attributes["plugin"])
	require.Equal(t, "reg", msgs[0].Attributes["label"])

	var got crawl.Record
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "R-1", got.ID)
	require.True(t, rec.Date.Equal(got.Date))
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)

	_, err := pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "records", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = pub.Publish(context.Background(), "missing-topic", "x")
	require.Error(t, err)

	_, err = New(nil)
	require.Error(t, err)
	_, err = Open(context.Background(), " ")
	require.ErrorContains(t, err, "project_id")
}
