package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus used to surface session
// happenings (peers joining, clock jumps, remote entities appearing) to the
// host without coupling it to the tick loop.
//
// Delivery is synchronous: Publish runs handlers in the caller goroutine and
// joins their errors. Handlers run on the tick goroutine for most warpsync
// events and must return quickly. Topics scope event types; the default
// topic is "". Metrics are collected only while an observer is registered.
type EventBus interface {
	// Publish delivers the event to subscribers of event.Type() in the default topic.
	Publish(event Event) error
	// PublishToTopic delivers the event to subscribers within topic.
	PublishToTopic(topic string, event Event) error

	// Subscribe registers a handler in the default topic.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// SubscribeTopic registers a handler for eventType within topic.
	SubscribeTopic(topic, eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels the given Subscription. Nil is ignored.
	Unsubscribe(Subscription) error

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	// Metrics returns a best-effort snapshot of accumulated counters.
	Metrics() Metrics
	// Topics lists known topics with their subscriber counts.
	Topics() []TopicInfo
}

// Event is an immutable message transported by the EventBus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

// EventHandler is invoked per delivered event. Returned errors are joined and
// handed back to the publisher.
type EventHandler func(event Event) error

// Subscription is a registered handler bound to one event type.
type Subscription interface {
	ID() string
	Topic() string
	EventType() string
	IsActive() bool
	// Cancel de-registers the handler. Multiple calls are safe.
	Cancel() error
}

// Observer is notified about every publish and its delivery outcome.
type Observer interface {
	OnPublish(topic, eventType string, event Event)
	OnDelivered(topic, eventType string, handlers int, err error, duration time.Duration)
}

// Metrics is updated only while at least one observer is registered.
type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	SubscribersActive uint64
	Topics            uint64
}

type TopicInfo struct {
	Name       string
	EventTypes int
	Subs       int
}
