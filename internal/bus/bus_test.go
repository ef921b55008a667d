package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/equihub-lab/equihub-core/internal/core/event"
)

func TestPublishFansOutInOrder(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe(func(c Change) { got = append(got, "first:"+string(c.Op)) })
	b.Subscribe(func(c Change) { got = append(got, "second:"+string(c.Op)) })

	b.Publish(Change{Op: OpCreated, Event: event.Event{ID: "e1"}})
	b.Publish(Change{Op: OpDeleted, Event: event.Event{ID: "e1"}})

	require.Equal(t, []string{
		"first:created", "second:created",
		"first:deleted", "second:deleted",
	}, got)
}

func TestPublishIsSynchronous(t *testing.T) {
	b := New()

	done := false
	b.Subscribe(func(Change) { done = true })

	b.Publish(Change{Op: OpCreated})
	require.True(t, done, "Publish must return only after subscribers ran")
}

func TestPublishWithoutSubscribers(t *testing.T) {
	require.NotPanics(t, func() {
		New().Publish(Change{Op: OpUpdated})
	})
}
