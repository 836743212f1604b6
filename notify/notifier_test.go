package notify

import (
	"testing"
	"time"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub[int]()
	ch, cancel := hub.Subscribe(nil)
	defer cancel()

	hub.Publish(42)

	if got := receive(t, ch); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestHub_Filter(t *testing.T) {
	hub := NewHub[int]()
	ch, cancel := hub.Subscribe(func(v int) bool { return v%2 == 0 })
	defer cancel()

	hub.Publish(1)
	hub.Publish(2)

	if got := receive(t, ch); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	select {
	case v := <-ch:
		t.Errorf("unexpected value %d", v)
	default:
	}
}

func TestHub_NonBlockingWhenFull(t *testing.T) {
	hub := NewHub[int]()
	_, cancel := hub.Subscribe(nil)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*4; i++ {
			hub.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestHub_CancelIdempotent(t *testing.T) {
	hub := NewHub[string]()
	ch, cancel := hub.Subscribe(nil)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
}

func TestHub_Last(t *testing.T) {
	hub := NewHub[string]()
	if _, ok := hub.Last(); ok {
		t.Error("expected no value before first publish")
	}
	hub.Publish("a")
	hub.Publish("b")
	if v, ok := hub.Last(); !ok || v != "b" {
		t.Errorf("expected b, got %q", v)
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub[int]()
	ch, _ := hub.Subscribe(nil)
	hub.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after hub close")
	}

	late, cancel := hub.Subscribe(nil)
	defer cancel()
	if _, ok := <-late; ok {
		t.Error("expected closed channel for subscription after close")
	}
	hub.Publish(1)
}
