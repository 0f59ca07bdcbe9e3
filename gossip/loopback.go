package gossip

import (
	"context"
	"sync"
	"sync/atomic"
)

const loopbackQueueSize = 256

// subscription is one bounded channel with a drop-oldest-on-full policy and
// a dropped-message counter.
type subscription struct {
	ch      chan Message
	dropped uint64
	mu      sync.Mutex
}

func newSubscription() *subscription {
	return &subscription{ch: make(chan Message, loopbackQueueSize)}
}

func (s *subscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- msg:
		return
	default:
	}
	// Full: drop the oldest message to make room, incrementing the
	// counter, rather than blocking the producer.
	select {
	case <-s.ch:
		atomic.AddUint64(&s.dropped, 1)
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
}

// Loopback is the in-process NetworkService used for tests and single-node
// development.
type Loopback struct {
	self PeerID

	mu   sync.Mutex
	subs map[Topic][]*subscription
}

// NewLoopback constructs a Loopback service identifying itself as self.
func NewLoopback(self PeerID) *Loopback {
	return &Loopback{self: self, subs: make(map[Topic][]*subscription)}
}

func (l *Loopback) Announce(ctx context.Context, topic Topic, msg Message) error {
	msg.Topic = topic
	l.mu.Lock()
	subs := append([]*subscription(nil), l.subs[topic]...)
	l.mu.Unlock()
	for _, s := range subs {
		s.deliver(msg)
	}
	return nil
}

func (l *Loopback) Subscribe(ctx context.Context, topic Topic) (Stream, error) {
	s := newSubscription()
	l.mu.Lock()
	l.subs[topic] = append(l.subs[topic], s)
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		list := l.subs[topic]
		for i, cur := range list {
			if cur == s {
				l.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}()
	return Stream{
		C:       s.ch,
		Dropped: func() uint64 { return atomic.LoadUint64(&s.dropped) },
	}, nil
}

func (l *Loopback) Peers() []PeerID { return []PeerID{l.self} }

func (l *Loopback) SendDirect(ctx context.Context, peer PeerID, msg Message) error {
	if peer != l.self {
		// Loopback only ever talks to itself; direct messages to any
		// other peer are silently accepted as a no-op, matching the
		// "best-effort, at-most-once" delivery contract.
		return nil
	}
	l.mu.Lock()
	subs := append([]*subscription(nil), l.subs[msg.Topic]...)
	l.mu.Unlock()
	for _, s := range subs {
		s.deliver(msg)
	}
	return nil
}
