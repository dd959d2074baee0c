package push_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/push"
	"github.com/kiranshivaraju/gencoord/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesOnlyThatUser(t *testing.T) {
	hub := push.NewHub()
	alice, bob := uuid.New(), uuid.New()

	subA, err := hub.Subscribe(alice)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := hub.Subscribe(bob)
	require.NoError(t, err)
	defer subB.Close()

	msg := push.Message{JobID: uuid.New(), ToolID: "music", Status: models.JobStatusSucceeded}
	require.NoError(t, hub.Publish(context.Background(), alice, msg))

	select {
	case got := <-subA.Messages():
		assert.Equal(t, msg, got)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	select {
	case got := <-subB.Messages():
		t.Fatalf("unexpected delivery to other user: %+v", got)
	default:
	}
}

func TestHub_FanOutToAllSubscribers(t *testing.T) {
	hub := push.NewHub()
	user := uuid.New()

	subs := make([]*push.Subscription, 3)
	for i := range subs {
		s, err := hub.Subscribe(user)
		require.NoError(t, err)
		defer s.Close()
		subs[i] = s
	}
	assert.Equal(t, 3, hub.Subscribers(user))

	require.NoError(t, hub.Publish(context.Background(), user, push.Message{Status: models.JobStatusQueued}))
	for _, s := range subs {
		assert.Len(t, s.Messages(), 1)
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := push.NewHub()
	user := uuid.New()
	sub, err := hub.Subscribe(user)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < push.DefaultSubscriberBuffer+10; i++ {
		require.NoError(t, hub.Publish(context.Background(), user, push.Message{Status: models.JobStatusProcessing}))
	}
	assert.Len(t, sub.Messages(), push.DefaultSubscriberBuffer)
}

func TestHub_CloseSubscriptionIsIdempotent(t *testing.T) {
	hub := push.NewHub()
	user := uuid.New()
	sub, err := hub.Subscribe(user)
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers(user))

	// Publishing with no subscribers is a no-op.
	assert.NoError(t, hub.Publish(context.Background(), user, push.Message{}))
}

func TestHub_Closed(t *testing.T) {
	hub := push.NewHub()
	hub.Close()

	_, err := hub.Subscribe(uuid.New())
	assert.ErrorIs(t, err, push.ErrHubClosed)
	assert.ErrorIs(t, hub.Publish(context.Background(), uuid.New(), push.Message{}), push.ErrHubClosed)
}
