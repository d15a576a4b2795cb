package events

import (
	"testing"
	"time"
)

func TestBusTopicFiltering(t *testing.T) {
	b := NewBus()
	logs := b.Subscribe(4, TopicLog)
	defer logs.Close()
	all := b.Subscribe(4)
	defer all.Close()

	b.Emit(1, Stats{DeltaBytes: 1})
	b.Emit(1, RawLog{Text: "hi"})

	select {
	case m := <-logs.C:
		if m.Topic != TopicLog || m.At.IsZero() {
			t.Fatalf("unexpected message: %#v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("log subscriber got nothing")
	}
	select {
	case m := <-logs.C:
		t.Fatalf("log subscriber received extra message %#v", m)
	default:
	}
	if len(all.C) != 2 {
		t.Fatalf("catch-all subscriber expected 2 messages, got %d", len(all.C))
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(1, TopicStats)
	defer s.Close()
	for i := 0; i < 5; i++ {
		b.Emit(0, Stats{TotalSent: int64(i)})
	}
	if s.Dropped() != 4 {
		t.Fatalf("expected 4 dropped, got %d", s.Dropped())
	}
	m := <-s.C
	if m.Event.(Stats).TotalSent != 0 {
		t.Fatalf("first message should be kept")
	}
}

func TestBusHandlersSynchronousAndReentrant(t *testing.T) {
	b := NewBus()
	var seen []Topic
	cancel := b.Handle(func(m Message) {
		seen = append(seen, m.Topic)
		if m.Topic == TopicTransferUpdate {
			b.Emit(m.Gen, ServerReady{Port: 1})
		}
	}, TopicTransferUpdate, TopicServerReady)

	b.Emit(2, TransferUpdate{Status: TransferStart})
	if len(seen) != 2 || seen[0] != TopicTransferUpdate || seen[1] != TopicServerReady {
		t.Fatalf("unexpected handler order: %v", seen)
	}
	cancel()
	b.Emit(2, TransferUpdate{Status: TransferStart})
	if len(seen) != 2 {
		t.Fatalf("handler still invoked after cancel")
	}
}

func TestSubscriptionCloseTwice(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(1)
	s.Close()
	s.Close()
	b.Emit(0, RawLog{Text: "after close"})
	if _, ok := <-s.C; ok {
		t.Fatal("channel should be closed")
	}
}
