package agent

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestChanSink_Emit(t *testing.T) {
	ch := make(chan RunEvent, 10)
	sink := NewChanSink(ch)

	sink.Emit(context.Background(), RunEvent{Type: RunEventDone, Step: 3})

	select {
	case received := <-ch:
		if received.Step != 3 {
			t.Errorf("Step = %d, want 3", received.Step)
		}
	default:
		t.Error("expected event in channel")
	}
}

func TestChanSink_FullChannel(t *testing.T) {
	ch := make(chan RunEvent, 1)
	sink := NewChanSink(ch)
	sink.Emit(context.Background(), RunEvent{Step: 1})

	done := make(chan struct{})
	go func() {
		sink.Emit(context.Background(), RunEvent{Step: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full channel")
	}
	if got := <-ch; got.Step != 1 {
		t.Errorf("Step = %d, want the first event kept", got.Step)
	}
}

func TestMultiSink_Emit(t *testing.T) {
	var mu sync.Mutex
	var got []string
	record := func(name string) EventSink {
		return SinkFunc(func(ctx context.Context, e RunEvent) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name)
		})
	}

	sink := NewMultiSink(record("a"), nil, record("b"))
	sink.Emit(context.Background(), RunEvent{Type: RunEventTurn})

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("sinks called = %v, want [a b]", got)
	}
}
