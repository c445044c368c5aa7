package ownet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ownet/config/logger"
	"ownet/errors"
	"ownet/protocol"
)

func testServer() (*Service, *Server) {
	svc := testService()
	srv := newServer(svc, "localhost", 4304, &logger.NoopLogger{})

	return svc, srv
}

func Test_Server_Address(t *testing.T) {
	svc, srv := testServer()
	defer svc.Close()

	assert.Equal(t, "localhost:4304", srv.Address())
	assert.Equal(t, StateDisconnected, srv.State())
}

func Test_Server_InflightFIFO(t *testing.T) {
	svc, srv := testServer()
	defer svc.Close()

	a := protocol.NewNop()
	b := protocol.NewRead("x")
	c := protocol.NewDir()

	srv.pushInflight(a)
	srv.pushInflight(b)
	srv.pushInflight(c)

	assert.Same(t, a, srv.popInflight())

	// a streaming continuation goes back to the head
	srv.pushInflightFront(a)
	assert.Same(t, a, srv.popInflight())
	assert.Same(t, b, srv.popInflight())

	rest := srv.takeInflight()
	require.Len(t, rest, 1)
	assert.Same(t, c, rest[0])

	assert.Nil(t, srv.popInflight())
}

func Test_Server_StartScan_RejectsShortInterval(t *testing.T) {
	svc, srv := testServer()
	defer svc.Close()

	err := srv.StartScan(context.Background(), ScanConfig{Interval: 500 * time.Millisecond})
	assert.ErrorIs(t, err, errors.ErrScanTooOften)
}

func Test_Server_StartScan_Disconnected(t *testing.T) {
	svc, srv := testServer()
	defer svc.Close()

	// schedule is stored for the reconnect path, nothing runs yet
	err := srv.StartScan(context.Background(), ScanConfig{Interval: time.Minute})
	assert.NoError(t, err)
}

func Test_Server_ChatAfterClose(t *testing.T) {
	svc, srv := testServer()
	defer svc.Close()

	srv.Close()

	_, err := srv.chat(context.Background(), protocol.NewNop())
	assert.ErrorIs(t, err, errors.ErrServerClosed)
	assert.Equal(t, StateDraining, srv.State())
}

func Test_Server_StartAfterClose(t *testing.T) {
	svc, srv := testServer()
	defer svc.Close()

	srv.Close()

	err := srv.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrServerClosed)
}

func Test_ScanLock_Coalesce(t *testing.T) {
	var l scanLock

	ctx := context.Background()

	acquired, err := l.acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	var (
		wg     sync.WaitGroup
		second bool
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		ok, err := l.acquire(ctx)
		assert.NoError(t, err)
		second = ok
	}()

	time.Sleep(50 * time.Millisecond)
	l.release()
	wg.Wait()

	assert.False(t, second, "a waiter coalesces onto the running scan")

	// the lock is free again
	acquired, err = l.acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	l.release()
}

func Test_ScanLock_ContextCancelled(t *testing.T) {
	var l scanLock

	acquired, err := l.acquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = l.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.release()
}
