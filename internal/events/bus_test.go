package events

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	bus.Subscribe(TypeStatus, func(e Event) error {
		mu.Lock()
		got = append(got, e.(StatusEvent).Status)
		mu.Unlock()
		return nil
	})

	for _, s := range []string{"a", "b", "c", "d"} {
		bus.Publish(StatusEvent{Status: s})
	}
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("delivered %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBusPublishFromHandler(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var got []Type
	bus.Subscribe(TypeStatus, func(e Event) error {
		mu.Lock()
		got = append(got, TypeStatus)
		mu.Unlock()
		bus.Publish(RateLimitEvent{})
		return nil
	})
	bus.Subscribe(TypeRateLimit, func(e Event) error {
		mu.Lock()
		got = append(got, TypeRateLimit)
		mu.Unlock()
		return nil
	})

	bus.Publish(StatusEvent{Status: "x"})
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != TypeStatus || got[1] != TypeRateLimit {
		t.Fatalf("got %v, want [status_change rate_limit]", got)
	}
}

func TestBusHandlerPanicIsContained(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	delivered := make(chan struct{}, 1)
	bus.Subscribe(TypeStatus, func(e Event) error {
		panic("boom")
	})
	bus.Subscribe(TypeStatus, func(e Event) error {
		delivered <- struct{}{}
		return nil
	})

	bus.Publish(StatusEvent{Status: "x"})
	bus.Drain()

	select {
	case <-delivered:
	default:
		t.Fatal("second handler did not run after first panicked")
	}
}

func TestBusMultipleSubscribersRunInRegistrationOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe(TypeTick, func(e Event) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		})
	}

	bus.Publish(TickEvent{})
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("handler order = %v, want [0 1 2]", got)
	}
}

func TestBusPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(zap.NewNop())
	count := 0
	bus.Subscribe(TypeStatus, func(e Event) error {
		count++
		return nil
	})
	bus.Close()
	bus.Publish(StatusEvent{Status: "late"})
	if count != 0 {
		t.Fatalf("handler ran %d times after close", count)
	}
}
