package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ownet/config"
	"ownet/config/logger"
	"ownet/errors"
)

func testQueue(buffer int) Queue {
	cfg := config.DefaultConfig()
	cfg.Queue.Events = buffer

	return New(cfg, &logger.NoopLogger{})
}

func Test_Queue_PublishSubscribe(t *testing.T) {
	q := testQueue(10)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := q.Subscribe(ctx)
	require.NoError(t, err)

	q.Publish(Message{Type: TypeDeviceLocated, Data: Device{ID: "10.345678.90"}})

	select {
	case msg := <-ch:
		assert.Equal(t, TypeDeviceLocated, msg.Type)
		data, ok := msg.Data.(Device)
		require.True(t, ok)
		assert.Equal(t, "10.345678.90", data.ID)
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Expected message")
	}
}

func Test_Queue_SingleObserver(t *testing.T) {
	q := testQueue(10)
	defer q.Close()

	ctx := context.Background()

	_, err := q.Subscribe(ctx)
	require.NoError(t, err)

	_, err = q.Subscribe(ctx)
	assert.ErrorIs(t, err, errors.ErrObserverBusy)
}

func Test_Queue_NoObserver_DoesNotBlock(t *testing.T) {
	q := testQueue(1)
	defer q.Close()

	done := make(chan struct{})

	go func() {
		for i := 0; i < 100; i++ {
			q.Publish(Message{Type: TypeDeviceValue})
		}

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish without observer must not block")
	}
}

func Test_Queue_Ordering(t *testing.T) {
	q := testQueue(100)
	defer q.Close()

	ch, err := q.Subscribe(context.Background())
	require.NoError(t, err)

	types := []Type{TypeServerRegistered, TypeServerConnected, TypeBusAdded, TypeDeviceAdded, TypeDeviceLocated}
	for _, typ := range types {
		q.Publish(Message{Type: typ})
	}

	for _, want := range types {
		select {
		case msg := <-ch:
			assert.Equal(t, want, msg.Type)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("Missing event")
		}
	}
}

func Test_Queue_Unsubscribe_OnContextCancel(t *testing.T) {
	q := testQueue(10)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())

	ch, err := q.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close on context cancel")
	case <-time.After(time.Second):
		t.Fatal("Channel not closed")
	}

	// the slot is free again
	_, err = q.Subscribe(context.Background())
	assert.NoError(t, err)
}

func Test_Queue_Close(t *testing.T) {
	q := testQueue(10)

	ch, err := q.Subscribe(context.Background())
	require.NoError(t, err)

	q.Publish(Message{Type: TypeServerConnected})
	q.Close()

	msg, ok := <-ch
	assert.True(t, ok)
	assert.Equal(t, TypeServerConnected, msg.Type)

	_, ok = <-ch
	assert.False(t, ok, "channel should be closed")

	// publishing after close is a no-op
	q.Publish(Message{Type: TypeServerDisconnected})

	_, err = q.Subscribe(context.Background())
	assert.Error(t, err)
}

func Test_Queue_BlockedProducer_ReleasedOnClose(t *testing.T) {
	q := testQueue(1)

	_, err := q.Subscribe(context.Background())
	require.NoError(t, err)

	q.Publish(Message{Type: TypeDeviceValue})

	released := make(chan struct{})

	go func() {
		// buffer full and nobody reading: blocks until Close
		q.Publish(Message{Type: TypeDeviceValue})
		close(released)
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Producer not released by Close")
	}
}
