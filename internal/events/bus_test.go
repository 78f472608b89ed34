package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestTopicOf(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{TaskStartedEvent{ID: "a"}, TopicTask},
		{TaskRetryingEvent{ID: "a"}, TopicTask},
		{TaskSkippedEvent{ID: "a"}, TopicTask},
		{ResourceRecordedEvent{ID: "a"}, TopicResource},
		{StageCompletedEvent{}, TopicPlan},
		{PlanCompletedEvent{}, TopicPlan},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicOf(tt.event), tt.event.EventType())
	}
}

func TestPublish_RoutesByTopic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	tasks := bus.Subscribe(TopicTask, 4)
	plan := bus.Subscribe(TopicPlan, 4)

	bus.Publish(TaskCompletedEvent{RunID: "r1", ID: "web", Attempts: 2})
	bus.Publish(StageCompletedEvent{RunID: "r1", Index: 0})

	e := receive(t, tasks)
	assert.Equal(t, EventTypeTaskCompleted, e.EventType())
	assert.Equal(t, "web", e.TaskID())

	e = receive(t, plan)
	assert.Equal(t, EventTypeStageCompleted, e.EventType())

	assert.Empty(t, tasks)
	assert.Empty(t, plan)
}

func TestSubscribeAll_SeesEveryTopic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(8)
	bus.Publish(TaskStartedEvent{ID: "db"})
	bus.Publish(ResourceRecordedEvent{ID: "db", ResourceID: "db"})
	bus.Publish(PlanCompletedEvent{Success: true})

	var types []string
	for i := 0; i < 3; i++ {
		types = append(types, receive(t, all).EventType())
	}
	assert.Equal(t, []string{EventTypeTaskStarted, EventTypeResourceRecorded, EventTypePlanCompleted}, types)
}

func TestPublish_NeverBlocksAndCountsDrops(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TaskStartedEvent{ID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(9), bus.Dropped())
}

func TestClose_IsIdempotentAndClosesChannels(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 1)
	all := bus.SubscribeAll(1)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	late := bus.Subscribe(TopicPlan, 1)
	_, ok = <-late
	assert.False(t, ok)

	assert.NotPanics(t, func() { bus.Publish(TaskStartedEvent{ID: "x"}) })
}

func TestPublish_NilBus(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() { bus.Publish(PlanCompletedEvent{}) })
}

func TestPublish_Concurrent(t *testing.T) {
	bus := NewEventBus()
	all := bus.SubscribeAll(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(TaskCompletedEvent{ID: "t"})
			}
		}()
	}
	wg.Wait()
	bus.Close()

	n := 0
	for range all {
		n++
	}
	assert.Equal(t, 500, n)
}
