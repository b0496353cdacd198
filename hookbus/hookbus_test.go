package hookbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/hookbus"
)

func TestPublishDeliversToAllSubscribersInOrder(t *testing.T) {
	b := hookbus.New()

	var mu sync.Mutex
	var order []string

	for _, name := range []string{"a", "b", "c"} {
		name := name
		_, err := b.Register(hookbus.SubscriberFunc(func(_ context.Context, _ hookbus.Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}))
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), hookbus.Event{Type: "module_completed"}))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestPublishStopsAtFirstSubscriberError(t *testing.T) {
	b := hookbus.New()

	var calledSecond bool
	_, err := b.Register(hookbus.SubscriberFunc(func(context.Context, hookbus.Event) error {
		return errors.New("boom")
	}))
	require.NoError(t, err)
	_, err = b.Register(hookbus.SubscriberFunc(func(context.Context, hookbus.Event) error {
		calledSecond = true
		return nil
	}))
	require.NoError(t, err)

	err = b.Publish(context.Background(), hookbus.Event{Type: "x"})
	assert.EqualError(t, err, "boom")
	assert.False(t, calledSecond)
}

func TestRegisterRejectsNilSubscriber(t *testing.T) {
	b := hookbus.New()
	_, err := b.Register(nil)
	assert.Error(t, err)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := hookbus.New()

	var count int
	sub, err := b.Register(hookbus.SubscriberFunc(func(context.Context, hookbus.Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), hookbus.Event{Type: "x"}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent
	require.NoError(t, b.Publish(context.Background(), hookbus.Event{Type: "x"}))

	assert.Equal(t, 1, count)
}
