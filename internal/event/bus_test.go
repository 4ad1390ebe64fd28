package event

import (
	"context"
	"testing"
	"time"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	b := NewBus(16)

	e1 := b.Publish("job-1", "queued", "")
	e2 := b.Publish("job-1", "running", "")
	e3 := b.Publish("job-2", "queued", "")

	if e1.Seq != 1 || e2.Seq != 2 || e3.Seq != 3 {
		t.Fatalf("unexpected sequence numbers: %d %d %d", e1.Seq, e2.Seq, e3.Seq)
	}
	if b.LastSeq() != 3 {
		t.Fatalf("expected last seq 3, got %d", b.LastSeq())
	}
}

func TestSinceReturnsEventsAfterCursor(t *testing.T) {
	b := NewBus(16)
	b.Publish("job-1", "queued", "")
	b.Publish("job-1", "running", "")
	b.Publish("job-1", "completed", "")

	got := b.Since(1)
	if len(got) != 2 {
		t.Fatalf("expected 2 events after cursor 1, got %d", len(got))
	}
	if got[0].State != "running" || got[1].State != "completed" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if len(b.Since(3)) != 0 {
		t.Fatalf("expected no events after last cursor")
	}
}

func TestHistoryTrimsOldest(t *testing.T) {
	b := NewBus(2)
	b.Publish("job-1", "queued", "")
	b.Publish("job-1", "running", "")
	b.Publish("job-1", "completed", "")

	got := b.Since(0)
	if len(got) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(got))
	}
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Fatalf("expected oldest trimmed, got %+v", got)
	}
}

func TestSubscribeReplaysAndFollows(t *testing.T) {
	b := NewBus(16)
	b.Publish("job-1", "queued", "")
	b.Publish("job-1", "running", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Subscribe(ctx, 0)

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for replay, have %d", len(got))
		}
	}
	if got[0].State != "queued" || got[1].State != "running" {
		t.Fatalf("unexpected replay: %+v", got)
	}

	b.Publish("job-1", "completed", "ok")
	select {
	case ev := <-ch:
		if ev.State != "completed" || ev.Seq != 3 {
			t.Fatalf("unexpected live event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for live event")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel closed after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestCloseDrainsSubscribers(t *testing.T) {
	b := NewBus(16)
	b.Publish("job-1", "queued", "")

	ch := b.Subscribe(context.Background(), 0)
	b.Close()

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].State != "queued" {
		t.Fatalf("expected remaining history before close, got %+v", got)
	}

	// subscribing after close yields a closed channel
	ch2 := b.Subscribe(context.Background(), 0)
	if _, ok := <-ch2; ok {
		t.Fatalf("expected closed channel after bus close")
	}
}
