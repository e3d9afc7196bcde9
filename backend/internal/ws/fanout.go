package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"notesync/backend/internal/logging"
)

type fanoutEnvelope struct {
	Origin  string  `json:"origin"`
	OwnerID uint64  `json:"ownerId"`
	Message Message `json:"message"`
}

// RedisFanout mirrors relayed frames to every server instance subscribed
// to the same channel. Frames published by this instance are skipped on
// receive since they were already delivered locally.
type RedisFanout struct {
	rdb        redis.UniversalClient
	channel    string
	instanceID string
	log        logging.Logger
}

var _ Fanout = (*RedisFanout)(nil)

func NewRedisFanout(rdb redis.UniversalClient, channel, instanceID string, log logging.Logger) *RedisFanout {
	return &RedisFanout{rdb: rdb, channel: channel, instanceID: instanceID, log: log}
}

func (f *RedisFanout) Publish(ctx context.Context, ownerID uint64, msg Message) error {
	b, err := json.Marshal(fanoutEnvelope{Origin: f.instanceID, OwnerID: ownerID, Message: msg})
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, b).Err()
}

// Run subscribes and hands remote frames to deliver until ctx ends.
func (f *RedisFanout) Run(ctx context.Context, deliver func(ownerID uint64, msg Message)) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("fanout subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				f.log.Warn(ctx, "fanout frame malformed", "err", err)
				continue
			}
			if env.Origin == f.instanceID {
				continue
			}
			deliver(env.OwnerID, env.Message)
		}
	}
}
