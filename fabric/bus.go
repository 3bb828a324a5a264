// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus is the cluster-wide distribution medium behind [Distributed]:
// a single broadcast channel shared by all nodes. Messages are opaque
// envelope bytes.
type Bus interface {
	// Send publishes data to every subscribed node, including the
	// sender.
	Send(ctx context.Context, data []byte) error

	// Listen opens a subscription. Messages arrive on the returned
	// channel until ctx is cancelled or the underlying medium fails,
	// at which point the channel closes. The caller is expected to
	// call Listen again (with backoff) after a failure.
	Listen(ctx context.Context) (<-chan []byte, error)
}

// channelName is the Redis pub/sub channel shared by all nodes.
const channelName = "corral:fabric"

// RedisBus carries envelopes over a Redis pub/sub channel.
type RedisBus struct {
	client redis.UniversalClient
}

// NewRedisBus creates a RedisBus on the shared fabric channel.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Send(ctx context.Context, data []byte) error {
	if err := b.client.Publish(ctx, channelName, data).Err(); err != nil {
		return fmt.Errorf("fabric: redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Listen(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, channelName)

	// Force the SUBSCRIBE round trip so a dead Redis fails here, not
	// silently on the message channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("fabric: redis subscribe: %w", err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MemoryBus is an in-process Bus for tests and single-binary
// clusters: every subscriber sees every message. It stands in for
// Redis in the cross-node delivery tests.
type MemoryBus struct {
	mu        sync.Mutex
	listeners []chan []byte
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Send(ctx context.Context, data []byte) error {
	// The sends stay under the mutex so a listener being removed and
	// closed cannot receive a send on a closed channel. They are
	// non-blocking against buffered channels, so the critical section
	// never stalls.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, listener := range b.listeners {
		select {
		case listener <- data:
		default:
			// A listener that has fallen 64 messages behind loses
			// this one, mirroring real pub/sub loss semantics.
		}
	}
	return nil
}

func (b *MemoryBus) Listen(ctx context.Context) (<-chan []byte, error) {
	listener := make(chan []byte, 64)
	b.mu.Lock()
	b.listeners = append(b.listeners, listener)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, l := range b.listeners {
			if l == listener {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				break
			}
		}
		// Closed while still holding the mutex: once a concurrent Send
		// is inside its critical section, this listener is either still
		// in the slice and open, or removed and invisible to it.
		close(listener)
		b.mu.Unlock()
	}()
	return listener, nil
}
