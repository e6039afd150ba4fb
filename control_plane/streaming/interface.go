package streaming

import (
	"context"
	"time"
)

// Topics published by the control plane.
const (
	TopicTaskDispatched = "task.dispatched"
	TopicTaskCompleted  = "task.completed"
	TopicTaskFailed     = "task.failed"
	TopicTaskPreempted  = "task.preempted"
	TopicCircuitOpened  = "circuit.opened"
	TopicIncident       = "incident.captured"
)

type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(topic string, handler func(event Event)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}
