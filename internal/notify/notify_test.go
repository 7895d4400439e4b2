package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}

func TestNotifierPublishesSummary(t *testing.T) {
	t.Parallel()
	pub := NewMemoryPublisher()
	n := New(pub, "crawl-done", nil)

	summary := Summary{RunID: "run-1", Seed: "https://a.test/", State: "RanToCompletion", Verified: 4, Broken: 1}
	id, err := n.Notify(context.Background(), summary)
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawl-done", msgs[0].Topic)
	require.Equal(t, summary, msgs[0].Payload)
	require.NoError(t, pub.Close())
}

func TestNotifierWithoutPublisherLogs(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	n := New(nil, "", zap.New(core))

	id, err := n.Notify(context.Background(), Summary{RunID: "run-2", State: "Cancelled"})
	require.NoError(t, err)
	require.Empty(t, id)
	entries := logs.FilterMessage("run summary").All()
	require.Len(t, entries, 1)
	require.Equal(t, "Cancelled", entries[0].ContextMap()["state"])
}

func TestNotifierWrapsPublishError(t *testing.T) {
	t.Parallel()
	n := New(failingPublisher{}, "t", nil)
	_, err := n.Notify(context.Background(), Summary{})
	require.ErrorContains(t, err, "broker down")
}

func TestMemoryPublisherReturnsCopy(t *testing.T) {
	t.Parallel()
	pub := NewMemoryPublisher()
	_, err := pub.Publish(context.Background(), "a", 1)
	require.NoError(t, err)
	msgs := pub.Messages()
	msgs[0].Topic = "changed"
	require.Equal(t, "a", pub.Messages()[0].Topic)
}

func TestPubSubPublisherRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	_, err = NewPubSubPublisherWithClient(ctx, client, "missing")
	require.ErrorContains(t, err, "does not exist")

	topic, err := client.CreateTopic(ctx, "crawl-done")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub, err := NewPubSubPublisherWithClient(ctx, client, "crawl-done")
	require.NoError(t, err)
	id, err := New(pub, "crawl-done", nil).Notify(ctx, Summary{RunID: "run-3", Verified: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	received := make(chan []byte, 1)
	recvCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg.Data:
			default:
			}
			stop()
		})
	}()

	select {
	case data := <-received:
		var got Summary
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, "run-3", got.RunID)
		require.Equal(t, int64(2), got.Verified)
	case <-ctx.Done():
		t.Fatal("summary was not delivered")
	}
}

func TestNewPubSubPublisherValidation(t *testing.T) {
	t.Parallel()
	_, err := NewPubSubPublisher(context.Background(), "", "topic")
	require.Error(t, err)
	_, err = NewPubSubPublisherWithClient(context.Background(), nil, "topic")
	require.Error(t, err)
}
