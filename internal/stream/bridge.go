package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
)

// BridgeMessage is one emission crossing instance boundaries.
type BridgeMessage struct {
	OriginID string          `json:"origin_id"`
	Room     string          `json:"room"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

// Bridge fans emissions out to other instances. When nil, the hub operates
// single-instance with no behavioral change visible to clients.
type Bridge interface {
	Publish(originID, room, event string, payload interface{}) error
	Subscribe(handler func(BridgeMessage))
	Close() error
}

func encodeBridgeMessage(originID, room, event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal bridge payload: %w", err)
	}
	return json.Marshal(BridgeMessage{
		OriginID: originID,
		Room:     room,
		Event:    event,
		Payload:  raw,
	})
}

// ==== Redis bridge ====

const bridgeChannel = "coldsense:stream:events"

// RedisBridge carries emissions over a Redis pub/sub channel.
type RedisBridge struct {
	rdb    *redis.Client
	sub    *redis.PubSub
	logger *log.Logger
}

func NewRedisBridge(rdb *redis.Client) *RedisBridge {
	return &RedisBridge{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[BRIDGE] ", log.LstdFlags),
	}
}

func (b *RedisBridge) Publish(originID, room, event string, payload interface{}) error {
	raw, err := encodeBridgeMessage(originID, room, event, payload)
	if err != nil {
		return err
	}
	return b.rdb.Publish(context.Background(), bridgeChannel, raw).Err()
}

func (b *RedisBridge) Subscribe(handler func(BridgeMessage)) {
	b.sub = b.rdb.Subscribe(context.Background(), bridgeChannel)
	go func() {
		for msg := range b.sub.Channel() {
			var bm BridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.logger.Printf("Dropping malformed bridge message: %v", err)
				continue
			}
			handler(bm)
		}
	}()
}

func (b *RedisBridge) Close() error {
	if b.sub != nil {
		return b.sub.Close()
	}
	return nil
}

// ==== Cloud Pub/Sub bridge ====

// PubSubBridge carries emissions over a Cloud Pub/Sub topic, for
// deployments spanning networks where Redis pub/sub does not reach.
type PubSubBridge struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	logger *log.Logger
}

func NewPubSubBridge(client *pubsub.Client, topicID, subscriptionID string) *PubSubBridge {
	return &PubSubBridge{
		topic:  client.Topic(topicID),
		sub:    client.Subscription(subscriptionID),
		logger: log.New(log.Writer(), "[BRIDGE] ", log.LstdFlags),
	}
}

func (b *PubSubBridge) Publish(originID, room, event string, payload interface{}) error {
	raw, err := encodeBridgeMessage(originID, room, event, payload)
	if err != nil {
		return err
	}
	// Fire-and-forget; the result is collected only for logging.
	res := b.topic.Publish(context.Background(), &pubsub.Message{Data: raw})
	go func() {
		if _, err := res.Get(context.Background()); err != nil {
			b.logger.Printf("Pub/Sub publish failed: %v", err)
		}
	}()
	return nil
}

func (b *PubSubBridge) Subscribe(handler func(BridgeMessage)) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() {
		err := b.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			var bm BridgeMessage
			if err := json.Unmarshal(msg.Data, &bm); err != nil {
				b.logger.Printf("Dropping malformed bridge message: %v", err)
				msg.Ack()
				return
			}
			handler(bm)
			msg.Ack()
		})
		if err != nil && ctx.Err() == nil {
			b.logger.Printf("Pub/Sub receive stopped: %v", err)
		}
	}()
}

func (b *PubSubBridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.topic.Stop()
	return nil
}
