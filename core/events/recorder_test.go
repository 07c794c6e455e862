package events

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func testContribution(fill byte) ContributionRecorded {
	var funder [20]byte
	for i := range funder {
		funder[i] = fill
	}
	return ContributionRecorded{Funder: funder, Amount: big.NewInt(int64(fill)), USDValue: big.NewInt(1)}
}

func TestRecorderAssignsSequence(t *testing.T) {
	rec := NewRecorder(8)
	rec.SetNowFunc(func() time.Time { return time.Unix(1700000000, 0) })

	rec.Emit(testContribution(1))
	rec.Emit(testContribution(2))

	if got := rec.Sequence(); got != 2 {
		t.Fatalf("sequence = %d, want 2", got)
	}
	events := rec.Events(0, 0)
	if len(events) != 2 {
		t.Fatalf("retained %d events, want 2", len(events))
	}
	if events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Fatalf("unexpected sequences: %d, %d", events[0].Sequence, events[1].Sequence)
	}
	if events[0].Timestamp != 1700000000 {
		t.Fatalf("unexpected timestamp: %d", events[0].Timestamp)
	}
}

func TestRecorderCursorFiltersBacklog(t *testing.T) {
	rec := NewRecorder(8)
	for i := byte(1); i <= 4; i++ {
		rec.Emit(testContribution(i))
	}

	events := rec.Events(2, 0)
	if len(events) != 2 {
		t.Fatalf("got %d events past cursor, want 2", len(events))
	}
	if events[0].Sequence != 3 {
		t.Fatalf("first event sequence = %d, want 3", events[0].Sequence)
	}

	limited := rec.Events(0, 1)
	if len(limited) != 1 || limited[0].Sequence != 1 {
		t.Fatalf("limited read returned %+v", limited)
	}
}

func TestRecorderTrimsHistory(t *testing.T) {
	rec := NewRecorder(3)
	for i := byte(1); i <= 5; i++ {
		rec.Emit(testContribution(i))
	}
	events := rec.Events(0, 0)
	if len(events) != 3 {
		t.Fatalf("retained %d events, want 3", len(events))
	}
	if events[0].Sequence != 3 {
		t.Fatalf("oldest retained sequence = %d, want 3", events[0].Sequence)
	}
}

func TestRecorderSubscribeDeliversBacklogThenLive(t *testing.T) {
	rec := NewRecorder(8)
	rec.Emit(testContribution(1))
	rec.Emit(testContribution(2))

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	updates, cancel, backlog := rec.Subscribe(ctx, 1)
	defer cancel()

	if len(backlog) != 1 || backlog[0].Sequence != 2 {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}

	rec.Emit(testContribution(3))
	select {
	case evt := <-updates:
		if evt.Sequence != 3 {
			t.Fatalf("live event sequence = %d, want 3", evt.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}

	cancel()
	if _, ok := <-updates; ok {
		t.Fatal("channel should be closed after cancel")
	}
}

func TestRecorderSlowSubscriberDoesNotBlockEmit(t *testing.T) {
	rec := NewRecorder(64)
	_, cancel, _ := rec.Subscribe(context.Background(), 0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// 40 emissions overflow the 32-slot subscriber buffer; Emit must
		// drop instead of stalling.
		for i := 0; i < 40; i++ {
			rec.Emit(testContribution(byte(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on slow subscriber")
	}
}
