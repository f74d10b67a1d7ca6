package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestChannelEventBus_PublishAndSubscribe(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
	)
	defer eb.Close()

	received := make(chan string, 1)
	handler := func(ctx context.Context, event Event) error {
		received <- string(event.Type())
		return nil
	}
	_, err := eb.Subscribe([]EventType{EventTaskStepCompleted}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	evt := NewEvent(EventTaskStepCompleted, nil, "test", nil)
	err = eb.Publish(context.Background(), evt)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case typ := <-received:
		if typ != string(EventTaskStepCompleted) {
			t.Errorf("expected event type %v, got %v", EventTaskStepCompleted, typ)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event handler")
	}
}

func TestChannelEventBus_HandlerPanicIsolated(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(2),
		WithWorkerCount(1),
	)
	defer eb.Close()

	received := make(chan struct{}, 2)
	_, err := eb.Subscribe([]EventType{EventTaskStepFailed}, func(ctx context.Context, event Event) error {
		panic("subscriber fault")
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_, err = eb.SubscribeAll(func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := eb.Publish(context.Background(), NewEvent(EventTaskStepFailed, nil, "test", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(200 * time.Millisecond):
			t.Fatal("panicking handler aborted dispatch to other subscribers")
		}
	}
}

func TestChannelEventBus_HandlerErrorDoesNotPropagate(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
	)
	defer eb.Close()

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("handler failure")
	}
	_, err := eb.Subscribe([]EventType{EventTaskFailed}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := eb.Publish(context.Background(), NewEvent(EventTaskFailed, nil, "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
	mu.Unlock()
}

func TestChannelEventBus_Unsubscribe(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
	)
	defer eb.Close()

	received := make(chan struct{}, 1)
	id, err := eb.Subscribe([]EventType{EventTaskStarted}, func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := eb.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	if err := eb.Publish(context.Background(), NewEvent(EventTaskStarted, nil, "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
		t.Error("handler should not be called after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelEventBus_PublishAfterClose(t *testing.T) {
	eb := NewChannelEventBus(WithBufferSize(1), WithWorkerCount(1))
	if err := eb.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := eb.Publish(context.Background(), NewEvent(EventSystemInfo, nil, "test", nil))
	if err == nil {
		t.Error("expected error publishing on a closed bus")
	}
}
