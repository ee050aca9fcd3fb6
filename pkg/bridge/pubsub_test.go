package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/illmade-knight/go-kubemirror/pkg/bridge"
	"github.com/illmade-knight/go-kubemirror/pkg/object"
	"github.com/illmade-knight/go-kubemirror/pkg/reflector"
	"github.com/illmade-knight/go-kubemirror/pkg/store"
)

type testObject struct {
	object.Metadata
	Phase string `json:"phase"`
}

// setupTestPubsub creates a mock Pub/Sub server, client, topic, and
// subscription for testing.
func setupTestPubsub(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)

	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return client, sub
}

func TestPubsubBridge_PublishAndStop(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	uniqueSuffix := fmt.Sprintf("%d", time.Now().UnixNano())
	client, subscription := setupTestPubsub(t, "proj-"+uniqueSuffix, "topic-"+uniqueSuffix, "sub-"+uniqueSuffix)

	cfg := bridge.NewPubsubBridgeDefaults()
	cfg.TopicID = "topic-" + uniqueSuffix

	b, err := bridge.NewPubsubBridge[testObject](testCtx, cfg, client, store.MetaKeyFunc[testObject], zerolog.Nop())
	require.NoError(t, err)

	obj := testObject{
		Metadata: object.Metadata{Namespace: "default", Name: "web", ResourceVersion: "10"},
		Phase:    "Running",
	}
	b.Publish(testCtx, reflector.Modified, obj)

	var mu sync.Mutex
	var receivedMsg *pubsub.Message

	receiveCtx, receiveCancel := context.WithCancel(testCtx)
	t.Cleanup(receiveCancel)
	go func() {
		err := subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			mu.Lock()
			receivedMsg = msg
			mu.Unlock()
			msg.Ack()
			receiveCancel()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("receive error: %v", err)
		}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return receivedMsg != nil
	}, 5*time.Second, 50*time.Millisecond, "did not receive message from subscription")

	mu.Lock()
	msg := receivedMsg
	mu.Unlock()
	assert.Equal(t, "MODIFIED", msg.Attributes["event_type"])
	assert.Equal(t, "default/web", msg.Attributes["key"])

	var envelope bridge.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &envelope))
	assert.Equal(t, reflector.Modified, envelope.Type)
	assert.Equal(t, "default/web", envelope.Key)

	var decoded testObject
	require.NoError(t, json.Unmarshal(envelope.Object, &decoded))
	assert.Equal(t, "web", decoded.GetName())
	assert.Equal(t, "Running", decoded.Phase)

	stopCtx, stopCancel := context.WithTimeout(testCtx, 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, b.Stop(stopCtx))
}

func TestPubsubBridge_DropsUnkeyableEvents(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	uniqueSuffix := fmt.Sprintf("%d", time.Now().UnixNano())
	client, subscription := setupTestPubsub(t, "proj-"+uniqueSuffix, "topic-"+uniqueSuffix, "sub-"+uniqueSuffix)

	cfg := bridge.NewPubsubBridgeDefaults()
	cfg.TopicID = "topic-" + uniqueSuffix
	cfg.BatchDelay = 10 * time.Millisecond

	b, err := bridge.NewPubsubBridge[testObject](testCtx, cfg, client, store.MetaKeyFunc[testObject], zerolog.Nop())
	require.NoError(t, err)

	// An object the key function rejects is dropped, not published.
	b.Publish(testCtx, reflector.Added, testObject{})
	b.Publish(testCtx, reflector.Added, testObject{
		Metadata: object.Metadata{Namespace: "default", Name: "ok", ResourceVersion: "1"},
	})

	var mu sync.Mutex
	var keys []string
	receiveCtx, receiveCancel := context.WithTimeout(testCtx, 2*time.Second)
	t.Cleanup(receiveCancel)
	_ = subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
		mu.Lock()
		keys = append(keys, msg.Attributes["key"])
		mu.Unlock()
		msg.Ack()
	})

	assert.Equal(t, []string{"default/ok"}, keys)

	stopCtx, stopCancel := context.WithTimeout(testCtx, 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, b.Stop(stopCtx))
}

func TestNewPubsubBridge_MissingTopicFails(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	uniqueSuffix := fmt.Sprintf("%d", time.Now().UnixNano())
	client, _ := setupTestPubsub(t, "proj-"+uniqueSuffix, "topic-"+uniqueSuffix, "sub-"+uniqueSuffix)

	cfg := bridge.NewPubsubBridgeDefaults()
	cfg.TopicID = "no-such-topic"

	_, err := bridge.NewPubsubBridge[testObject](testCtx, cfg, client, store.MetaKeyFunc[testObject], zerolog.Nop())
	require.Error(t, err)
}
