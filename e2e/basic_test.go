package e2e

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ownet/errors"
	"ownet/event"
	"ownet/internal/mockserver"
)

func basicTree() mockserver.Tree {
	return mockserver.Tree{
		"bus.0": mockserver.Tree{
			"10.345678.90": mockserver.Tree{
				"whatever":    "hello",
				"temperature": "12.5",
			},
		},
	}
}

func Test_Basic_ReadWrite(t *testing.T) {
	s := NewSuite(t, basicTree(), mockserver.Options{})
	ctx := ctxWithTimeout(t, 10*time.Second)

	dev, err := s.Service.GetDevice("10.345678.90")
	require.NoError(t, err)
	require.NotNil(t, dev.Bus(), "device should be located by the initial scan")

	val, err := dev.AttrGet(ctx, "temperature")
	require.NoError(t, err)
	assert.Equal(t, []byte("12.5"), val)

	require.NoError(t, dev.AttrSet(ctx, 98.25, "temperature"))

	val, err = dev.AttrGet(ctx, "temperature")
	require.NoError(t, err)
	assert.Equal(t, []byte("98.25"), val)
}

func Test_Basic_DeviceIdentity(t *testing.T) {
	s := NewSuite(t, basicTree(), mockserver.Options{})

	a, err := s.Service.GetDevice("10.345678.90")
	require.NoError(t, err)

	b, err := s.Service.GetDevice("10.345678.90")
	require.NoError(t, err)
	assert.Same(t, a, b)

	// every further lookup returns the same instance
	c, err := s.Service.GetDevice("10.345678.90")
	require.NoError(t, err)
	assert.Same(t, a, c)
}

func Test_Basic_GetBusIdempotent(t *testing.T) {
	s := NewSuite(t, basicTree(), mockserver.Options{})

	a := s.Server.GetBus("bus.0")
	b := s.Server.GetBus("bus.0")
	assert.Same(t, a, b)
	assert.Equal(t, "bus.0", a.Path())
}

func Test_Basic_MissingAttr(t *testing.T) {
	s := NewSuite(t, basicTree(), mockserver.Options{})
	ctx := ctxWithTimeout(t, 10*time.Second)

	dev, err := s.Service.GetDevice("10.345678.90")
	require.NoError(t, err)

	_, err = dev.AttrGet(ctx, "nonexistent")
	assert.True(t, errors.IsReply(err, errors.NoEntry))
}

func Test_Basic_UnlocatedDevice(t *testing.T) {
	s := NewSuite(t, basicTree(), mockserver.Options{})
	ctx := ctxWithTimeout(t, 10*time.Second)

	dev, err := s.Service.GetDevice("28.000000.11")
	require.NoError(t, err)
	assert.Nil(t, dev.Bus())

	_, err = dev.AttrGet(ctx, "temperature")
	assert.ErrorIs(t, err, errors.ErrNoLocation)
}

func Test_Basic_PipelinedReads(t *testing.T) {
	tree := mockserver.Tree{"bus.0": mockserver.Tree{"10.345678.90": mockserver.Tree{}}}

	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("attr%02d", i)
		tree["bus.0"].(mockserver.Tree)["10.345678.90"].(mockserver.Tree)[keys[i]] = fmt.Sprintf("value%02d", i)
	}

	s := NewSuite(t, tree, mockserver.Options{})
	ctx := ctxWithTimeout(t, 15*time.Second)

	dev, err := s.Service.GetDevice("10.345678.90")
	require.NoError(t, err)
	require.NotNil(t, dev.Bus())

	// concurrent chats must each receive their own reply
	var wg sync.WaitGroup

	for i, key := range keys {
		i, key := i, key

		wg.Add(1)

		go func() {
			defer wg.Done()

			val, err := dev.AttrGet(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("value%02d", i), string(val))
		}()
	}

	wg.Wait()
}

func Test_Basic_EventLifecycle(t *testing.T) {
	s := NewSuite(t, basicTree(), mockserver.Options{})

	msgs := s.Close()

	assert.Equal(t, 1, countEvents(msgs, event.TypeServerRegistered))
	assert.Equal(t, 1, countEvents(msgs, event.TypeServerConnected))
	assert.Equal(t, 1, countEvents(msgs, event.TypeServerDisconnected))
	assert.Equal(t, 1, countEvents(msgs, event.TypeServerDeregistered))
	assert.Equal(t, 1, countEvents(msgs, event.TypeDeviceAdded))
	assert.Equal(t, 1, countEvents(msgs, event.TypeDeviceLocated))
}
