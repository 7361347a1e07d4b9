package orchestrator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventBus_SyncHandlerRunsBeforePublishReturns(t *testing.T) {
	bus := NewEventBus(nil)
	var seen int32
	bus.Subscribe(FailureEvent{}, func(event interface{}) {
		atomic.StoreInt32(&seen, 1)
	})

	bus.Publish(FailureEvent{Engine: RolePrimary})
	require.EqualValues(t, 1, atomic.LoadInt32(&seen))
}

func TestEventBus_HandlersOnlyReceiveMatchingType(t *testing.T) {
	bus := NewEventBus(nil)
	var failureCount, completedCount int

	bus.Subscribe(FailureEvent{}, func(event interface{}) { failureCount++ })
	bus.Subscribe(TranscriptionCompletedEvent{}, func(event interface{}) { completedCount++ })

	bus.Publish(FailureEvent{Engine: RolePrimary})
	bus.Publish(TranscriptionCompletedEvent{SessionID: "s1"})
	bus.Publish(TranscriptionCompletedEvent{SessionID: "s2"})

	require.Equal(t, 1, failureCount)
	require.Equal(t, 2, completedCount)
}

func TestEventBus_MultipleHandlersAllInvoked(t *testing.T) {
	bus := NewEventBus(nil)
	var mu sync.Mutex
	var order []int

	bus.Subscribe(FailureEvent{}, func(event interface{}) { mu.Lock(); order = append(order, 1); mu.Unlock() })
	bus.Subscribe(FailureEvent{}, func(event interface{}) { mu.Lock(); order = append(order, 2); mu.Unlock() })

	bus.Publish(FailureEvent{})
	require.Equal(t, []int{1, 2}, order)
}

func TestEventBus_AsyncHandlerRunsOnPoolWithoutBlockingPublish(t *testing.T) {
	pool := NewWorkerPool()
	defer pool.Close()
	bus := NewEventBus(pool)

	release := make(chan struct{})
	started := make(chan struct{})
	bus.SubscribeAsync(FailureEvent{}, func(event interface{}) {
		close(started)
		<-release
	})

	done := make(chan struct{})
	go func() {
		bus.Publish(FailureEvent{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish should not block on an async handler")
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("async handler never started")
	}
	close(release)
}

func TestEventBus_AsyncHandlerWithNilPoolRunsInline(t *testing.T) {
	bus := NewEventBus(nil)
	var ran bool
	bus.SubscribeAsync(FailureEvent{}, func(event interface{}) { ran = true })
	bus.Publish(FailureEvent{})
	require.True(t, ran)
}
