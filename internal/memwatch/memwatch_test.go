package memwatch

import (
	"context"
	"testing"
	"time"
)

func TestZeroLimitDisablesMonitor(t *testing.T) {
	m, err := New(0, time.Millisecond)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.C != nil {
		t.Fatalf("expected nil signal channel when disabled")
	}

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not return for disabled monitor")
	}
}

func TestSampleSignalsWhenOverLimit(t *testing.T) {
	// 1 byte limit: any live process is over it
	m, err := New(1, time.Minute)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	m.sample()
	select {
	case <-m.C:
	case <-time.After(time.Second):
		t.Fatalf("expected pressure signal")
	}
}

func TestSignalsCoalesce(t *testing.T) {
	m, err := New(1, time.Minute)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// repeated samples without a consumer must not block or queue up
	m.sample()
	m.sample()
	m.sample()

	<-m.C
	select {
	case <-m.C:
		t.Fatalf("expected a single coalesced signal")
	default:
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m, err := New(1, time.Millisecond)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-m.C:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected pressure signal from sampling loop")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}
