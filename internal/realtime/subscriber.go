package realtime

import (
	"context"
	"encoding/json"
	"log"

	"github.com/go-redis/redis/v8"

	"nakshatra-call/internal/models"
)

// Channel name prefixes, one channel per pending request or queue entry
const (
	RequestChannelPrefix = "call:request:"
	QueueChannelPrefix   = "call:queue:"
)

// Subscriber delivers backend status pushes over redis pub/sub. It is the
// low-latency half of the status watch; the poll is the backstop.
type Subscriber struct {
	rdb *redis.Client
}

func NewSubscriber(addr string) *Subscriber {
	opt, err := redis.ParseURL(addr)
	var rdb *redis.Client
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}

	return &Subscriber{rdb: rdb}
}

// Subscribe opens one pub/sub channel and decodes status pushes into a
// typed stream. The returned cancel func tears the subscription down;
// after it returns no further updates are delivered.
func (s *Subscriber) Subscribe(ctx context.Context, channel string) (<-chan models.StatusUpdate, func(), error) {
	ps := s.rdb.Subscribe(ctx, channel)

	// Force the subscription onto the wire before returning so no push
	// published after Subscribe() can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, err
	}

	out := make(chan models.StatusUpdate, 8)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var update models.StatusUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				log.Printf("[Realtime] Dropping malformed push on %s: %v", channel, err)
				continue
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		if err := ps.Close(); err != nil {
			log.Printf("[Realtime] Close %s: %v", channel, err)
		}
	}
	return out, cancel, nil
}

func (s *Subscriber) Close() error {
	return s.rdb.Close()
}
