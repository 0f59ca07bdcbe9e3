package gossip

import (
	"context"
	"testing"
	"time"
)

func TestLoopbackAnnounceDeliversToSubscriber(t *testing.T) {
	l := NewLoopback("self")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := l.Subscribe(ctx, TopicJobs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := l.Announce(ctx, TopicJobs, Message{Type: MsgJobAnnouncement, Payload: []byte("job-1")}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	select {
	case msg := <-stream.C:
		if string(msg.Payload) != "job-1" {
			t.Fatalf("unexpected payload: %s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestLoopbackDoesNotDeliverAcrossTopics(t *testing.T) {
	l := NewLoopback("self")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := l.Subscribe(ctx, TopicGovernance)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := l.Announce(ctx, TopicJobs, Message{Type: MsgJobAnnouncement, Payload: []byte("job-1")}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	select {
	case msg := <-stream.C:
		t.Fatalf("unexpected delivery on governance topic: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackDropsOldestWhenQueueFull(t *testing.T) {
	l := NewLoopback("self")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := l.Subscribe(ctx, TopicJobs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < loopbackQueueSize+10; i++ {
		_ = l.Announce(ctx, TopicJobs, Message{Type: MsgJobAnnouncement, Payload: []byte{byte(i)}})
	}
	if stream.Dropped() == 0 {
		t.Fatal("expected dropped-message counter to increment under overflow")
	}
}
