package progress

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ChannelPrefix namespaces the pub/sub channels of progress events
const ChannelPrefix = "mailmigrate:progress:"

// Channel returns the pub/sub channel carrying jobID's events
func Channel(jobID string) string {
	return ChannelPrefix + jobID
}

// RedisForwarder republishes a job's events on Redis pub/sub so API
// instances other than the one running the job can stream them.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type RedisForwarder struct {
	client redis.UniversalClient
}

// NewRedisForwarder creates a forwarder over client
func NewRedisForwarder(client redis.UniversalClient) *RedisForwarder {
	return &RedisForwarder{client: client}
}

// Forward publishes every live event from events, usually a
// Reporter.Attach channel, until it closes. Snapshots are not forwarded.
func (f *RedisForwarder) Forward(ctx context.Context, events <-chan Event) {
	for ev := range events {
		if ev.Snapshot {
			continue
		}
		if err := f.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("job_id", ev.JobID).Uint64("seq", ev.Seq).Msg("redis forward failed")
		}
	}
}

// Publish sends one event
func (f *RedisForwarder) Publish(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := f.client.Publish(ctx, Channel(ev.JobID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Listen yields the events published for jobID by any instance. The
// channel closes when ctx is done.
func (f *RedisForwarder) Listen(ctx context.Context, jobID string) (<-chan Event, error) {
	sub := f.client.Subscribe(ctx, Channel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := DecodeEvent([]byte(m.Payload))
				if err != nil {
					log.Warn().Err(err).Str("channel", m.Channel).Msg("dropping undecodable progress payload")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
