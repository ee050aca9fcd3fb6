// Package bridge republishes mirror events to downstream messaging systems
// so dataflow pipelines can consume cluster changes without holding their own
// watch connections.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-kubemirror/pkg/reflector"
	"github.com/illmade-knight/go-kubemirror/pkg/store"
)

// PubsubBridgeConfig holds configuration for the Pub/Sub event bridge.
type PubsubBridgeConfig struct {
	TopicID string
	// BatchSize and BatchDelay map onto the Pub/Sub client's built-in
	// publish batching.
	BatchSize  int
	BatchDelay time.Duration
	// TopicExistsTimeout bounds the existence check at construction.
	TopicExistsTimeout time.Duration
	// PublishConfirmationTimeout bounds the wait for each publish result.
	PublishConfirmationTimeout time.Duration
}

// NewPubsubBridgeDefaults provides a config with sensible defaults.
func NewPubsubBridgeDefaults() *PubsubBridgeConfig {
	return &PubsubBridgeConfig{
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
}

// Envelope is the published message payload: the event type, the item's
// store key, and the item itself.
type Envelope struct {
	Type   reflector.EventType `json:"type"`
	Key    string              `json:"key"`
	Object json.RawMessage     `json:"object,omitempty"`
}

// PubsubBridge publishes mirror events to a Google Cloud Pub/Sub topic,
// relying on the client's built-in batching and confirming publish results
// asynchronously.
type PubsubBridge[T any] struct {
	topic                      *pubsub.Topic
	keyFunc                    store.KeyFunc[T]
	logger                     zerolog.Logger
	wg                         sync.WaitGroup
	publishConfirmationTimeout time.Duration
}

// NewPubsubBridge creates a new PubsubBridge. It validates the topic's
// existence before returning a functional bridge.
func NewPubsubBridge[T any](
	ctx context.Context,
	cfg *PubsubBridgeConfig,
	client *pubsub.Client,
	keyFunc store.KeyFunc[T],
	logger zerolog.Logger,
) (*PubsubBridge[T], error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if keyFunc == nil {
		return nil, fmt.Errorf("keyFunc cannot be nil")
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay
	topic.PublishSettings.CountThreshold = cfg.BatchSize

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	logger.Info().Str("topic_id", cfg.TopicID).Msg("PubsubBridge initialized successfully.")
	return &PubsubBridge[T]{
		topic:                      topic,
		keyFunc:                    keyFunc,
		logger:                     logger.With().Str("component", "PubsubBridge").Str("topic_id", cfg.TopicID).Logger(),
		publishConfirmationTimeout: cfg.PublishConfirmationTimeout,
	}, nil
}

// EventHandler adapts the bridge to a reflector's OnEvent hook.
func (b *PubsubBridge[T]) EventHandler(ctx context.Context) func(reflector.EventType, T) {
	return func(eventType reflector.EventType, obj T) {
		b.Publish(ctx, eventType, obj)
	}
}

// Publish serializes one event envelope and hands it to the batching
// publisher. Failures are logged, never propagated: a broken bridge must not
// stall the watch activity feeding it.
func (b *PubsubBridge[T]) Publish(ctx context.Context, eventType reflector.EventType, obj T) {
	key, err := b.keyFunc(obj)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to derive key for event, dropping.")
		return
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to marshal event object, dropping.")
		return
	}
	payload, err := json.Marshal(Envelope{Type: eventType, Key: key, Object: raw})
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to marshal event envelope, dropping.")
		return
	}

	res := b.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type": string(eventType),
			"key":        key,
		},
	})

	b.wg.Add(1)
	go b.confirmPublish(res, key)
}

// confirmPublish waits for the result of a single publish operation.
func (b *PubsubBridge[T]) confirmPublish(res *pubsub.PublishResult, key string) {
	defer b.wg.Done()
	getCtx, cancel := context.WithTimeout(context.Background(), b.publishConfirmationTimeout)
	defer cancel()

	msgID, err := res.Get(getCtx)
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to get publish result.")
		return
	}
	b.logger.Debug().Str("key", key).Str("pubsub_msg_id", msgID).Msg("Event published successfully.")
}

// Stop flushes all outstanding messages and stops the topic publisher,
// respecting the provided context's timeout.
func (b *PubsubBridge[T]) Stop(ctx context.Context) error {
	b.logger.Info().Msg("Stopping Pub/Sub bridge...")

	confirmDone := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(confirmDone)
	}()
	select {
	case <-confirmDone:
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for publish confirmations.")
		return ctx.Err()
	}

	stopDone := make(chan struct{})
	go func() {
		b.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		b.logger.Info().Msg("Pub/Sub bridge stopped gracefully.")
		return nil
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topic to flush and stop.")
		return ctx.Err()
	}
}
