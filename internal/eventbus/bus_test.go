package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscriber, timeout time.Duration) Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishDeliversToMatchingUser(t *testing.T) {
	b := New(8, time.Minute)
	sub := b.Subscribe(42, false)
	defer sub.Close()

	b.Publish(Event{Type: JobUpdated, UserID: 42, JobID: 1})

	e := drain(t, sub, time.Second)
	require.Equal(t, JobUpdated, e.Type)
	require.Equal(t, int64(1), e.JobID)
	require.False(t, e.At.IsZero())
}

func TestPublishSkipsNonMatchingUser(t *testing.T) {
	b := New(8, time.Minute)
	sub := b.Subscribe(42, false)
	defer sub.Close()

	b.Publish(Event{Type: JobUpdated, UserID: 7, JobID: 1})

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event delivered to non-matching subscriber: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdminSubscriberReceivesAllUsersEvents(t *testing.T) {
	b := New(8, time.Minute)
	admin := b.Subscribe(0, true)
	defer admin.Close()

	b.Publish(Event{Type: JobUpdated, UserID: 7, JobID: 1})
	b.Publish(Event{Type: JobFailed, UserID: 99, JobID: 2})

	first := drain(t, admin, time.Second)
	require.Equal(t, JobUpdated, first.Type)
	second := drain(t, admin, time.Second)
	require.Equal(t, JobFailed, second.Type)
}

func TestSubscriberCountTracksSubscribeAndClose(t *testing.T) {
	b := New(8, time.Minute)
	require.Equal(t, 0, b.SubscriberCount())

	sub := b.Subscribe(1, false)
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, time.Millisecond)
}

func TestOverflowDropsOldestAndAppendsResyncHint(t *testing.T) {
	b := New(2, time.Minute)
	sub := b.Subscribe(1, false)
	defer sub.Close()

	// Fill the buffer then push one more to force drop-oldest plus the
	// resync hint (three sends into a size-2 channel).
	b.Publish(Event{Type: JobUpdated, UserID: 1, JobID: 1})
	b.Publish(Event{Type: JobUpdated, UserID: 1, JobID: 2})
	b.Publish(Event{Type: JobUpdated, UserID: 1, JobID: 3})

	first := drain(t, sub, time.Second)
	require.Equal(t, int64(2), first.JobID)
	second := drain(t, sub, time.Second)
	require.Equal(t, StreamResync, second.Type)
}

func TestRunHeartbeatsPublishesHeartbeatEvents(t *testing.T) {
	b := New(8, 10*time.Millisecond)
	sub := b.Subscribe(1, false)
	defer sub.Close()

	done := make(chan struct{})
	go b.RunHeartbeats(done)
	defer close(done)

	e := drain(t, sub, time.Second)
	require.Equal(t, Heartbeat, e.Type)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(8, time.Minute)
	sub := b.Subscribe(1, false)
	sub.Close()
	require.NotPanics(t, func() { sub.Close() })
}
