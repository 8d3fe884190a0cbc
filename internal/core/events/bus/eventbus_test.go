package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/warpsync/internal/core/observability/log"
)

type testObserver struct {
	mu             sync.Mutex
	publishCount   int
	deliveredCount int
	lastErr        error
}

func (o *testObserver) OnPublish(_, _ string, _ Event) {
	o.mu.Lock()
	o.publishCount++
	o.mu.Unlock()
}

func (o *testObserver) OnDelivered(_, _ string, handlers int, err error, _ time.Duration) {
	o.mu.Lock()
	o.deliveredCount += handlers
	o.lastErr = err
	o.mu.Unlock()
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()

	var got Event
	_, err := b.Subscribe("peer.joined", func(e Event) error {
		got = e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent("peer.joined", "session", "bob")))
	require.NotNil(t, got)
	assert.Equal(t, "bob", got.Data())
	assert.Equal(t, "session", got.Source())
	assert.False(t, got.Timestamp().IsZero())
}

func TestPublishJoinsHandlerErrors(t *testing.T) {
	b := New()
	errA := errors.New("a")
	errB := errors.New("b")
	_, _ = b.Subscribe("x", func(Event) error { return errA })
	_, _ = b.Subscribe("x", func(Event) error { return errB })
	_, _ = b.Subscribe("x", func(Event) error { return nil })

	err := b.Publish(NewEvent("x", "src", nil))
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestTopicsIsolation(t *testing.T) {
	b := New()
	count1, count2 := 0, 0
	_, _ = b.SubscribeTopic("t1", "ev", func(Event) error { count1++; return nil })
	_, _ = b.SubscribeTopic("t2", "ev", func(Event) error { count2++; return nil })

	require.NoError(t, b.PublishToTopic("t1", NewEvent("ev", "src", nil)))
	assert.Equal(t, 1, count1)
	assert.Equal(t, 0, count2)

	names := map[string]int{}
	for _, ti := range b.Topics() {
		names[ti.Name] = ti.Subs
	}
	assert.Equal(t, map[string]int{"t1": 1, "t2": 1}, names)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub, err := b.Subscribe("ev", func(Event) error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, "ev", sub.EventType())
	assert.Equal(t, "", sub.Topic())

	require.NoError(t, b.Publish(NewEvent("ev", "s", nil)))
	require.NoError(t, b.Unsubscribe(sub))
	require.NoError(t, sub.Cancel())
	require.NoError(t, b.Publish(NewEvent("ev", "s", nil)))

	assert.Equal(t, 1, calls)
	assert.False(t, sub.IsActive())
	assert.NoError(t, b.Unsubscribe(nil))
}

func TestRejectsNil(t *testing.T) {
	b := New()
	_, err := b.Subscribe("ev", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
	assert.ErrorIs(t, b.Publish(nil), ErrNilEvent)
}

func TestObserverMetricsOptional(t *testing.T) {
	b := New()
	_, _ = b.Subscribe("e", func(Event) error { return nil })
	require.NoError(t, b.Publish(NewEvent("e", "s", nil)))
	assert.Zero(t, b.Metrics().Published)

	obs := &testObserver{}
	b.AddObserver(obs)
	b.AddObserver(NewLogObserver(log.NewNop()))
	require.NoError(t, b.Publish(NewEvent("e", "s", nil)))

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.Published)
	assert.Equal(t, uint64(1), m.DeliveredHandlers)
	assert.Equal(t, uint64(1), m.SubscribersActive)
	assert.Equal(t, 1, obs.publishCount)
	assert.Equal(t, 1, obs.deliveredCount)
	assert.NoError(t, obs.lastErr)

	b.RemoveObserver(obs)
	require.NoError(t, b.Publish(NewEvent("e", "s", nil)))
	assert.Equal(t, 1, obs.publishCount)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, _ := b.Subscribe("ev", func(Event) error { return nil })
			_ = sub.Cancel()
		}()
		go func() {
			defer wg.Done()
			_ = b.Publish(NewEvent("ev", "s", nil))
		}()
	}
	wg.Wait()
}
