package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTurnTopics_ShareSessionPrefix(t *testing.T) {
	for _, topic := range []string{TopicTurnCompleted, TopicTurnFailed, TopicTurnInterrupted} {
		if !strings.HasPrefix(topic, TopicSessionPrefix) {
			t.Fatalf("topic %q lacks prefix %q", topic, TopicSessionPrefix)
		}
	}
	if strings.HasPrefix(TopicTasksUpdated, TopicSessionPrefix) {
		t.Fatalf("tasks topic must not match session subscribers")
	}
}

func TestTasksUpdatedEvent_Delivered(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTasksUpdated)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTasksUpdated, TasksUpdatedEvent{Source: "planner", AutoCreated: true})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(TasksUpdatedEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if !payload.AutoCreated || payload.Source != "planner" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tasks event")
	}
}
