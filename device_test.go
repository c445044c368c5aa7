package ownet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ownet/config"
	"ownet/config/logger"
	"ownet/errors"
	"ownet/event"
)

func testService() *Service {
	cfg := config.DefaultConfig()
	log := &logger.NoopLogger{}

	return New(cfg, log, event.New(cfg, log))
}

func Test_Device_Canonicalised(t *testing.T) {
	svc := testService()
	defer svc.Close()

	dev, err := svc.GetDevice("1f.abcdef.f1")
	require.NoError(t, err)

	assert.Equal(t, "1F.ABCDEF.F1", dev.ID())
	assert.Equal(t, byte(0x1F), dev.Family())

	same, err := svc.GetDevice("1F.ABCDEF.F1")
	require.NoError(t, err)
	assert.Same(t, dev, same)
}

func Test_Device_RejectsBadID(t *testing.T) {
	svc := testService()
	defer svc.Close()

	_, err := svc.GetDevice("alarm")
	assert.ErrorIs(t, err, errors.ErrNotADevice)
}

func Test_Device_LocateDelocate(t *testing.T) {
	svc := testService()
	defer svc.Close()

	srv := newServer(svc, "localhost", 4304, &logger.NoopLogger{})
	bus := srv.GetBus("bus.0")

	dev, err := svc.GetDevice("10.345678.90")
	require.NoError(t, err)
	assert.Nil(t, dev.Bus())

	bus.addDevice(dev)
	assert.Same(t, bus, dev.Bus())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, dev.WaitBus(ctx))

	dev.delocate(bus)
	assert.Nil(t, dev.Bus())
	assert.Empty(t, bus.Devices())

	// unlocated again: WaitBus blocks until relocated
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	assert.Error(t, dev.WaitBus(short))
}

func Test_Device_MoveBetweenBuses(t *testing.T) {
	svc := testService()
	defer svc.Close()

	srv := newServer(svc, "localhost", 4304, &logger.NoopLogger{})
	a := srv.GetBus("bus.0")
	b := srv.GetBus("bus.1")

	dev, err := svc.GetDevice("10.345678.90")
	require.NoError(t, err)

	a.addDevice(dev)
	b.addDevice(dev)

	assert.Same(t, b, dev.Bus())
	assert.Empty(t, a.Devices())
	assert.Len(t, b.Devices(), 1)

	// delocating from the stale bus is a no-op
	dev.delocate(a)
	assert.Same(t, b, dev.Bus())
}

func Test_Device_QueuedEvents(t *testing.T) {
	svc := testService()
	defer svc.Close()

	dev, err := svc.GetDevice("10.345678.90")
	require.NoError(t, err)

	dev.QueueEvent(event.Message{Type: event.TypeDeviceValue})
	dev.QueueEvent(event.Message{Type: event.TypeDeviceAlarm})

	evts, err := dev.QueuedEvents()
	require.NoError(t, err)
	assert.Len(t, evts, 2)

	_, err = dev.QueuedEvents()
	assert.Error(t, err, "queued events drain exactly once")
}

func Test_Device_PollingIntervals(t *testing.T) {
	svc := testService()
	defer svc.Close()

	dev, err := svc.GetDevice("10.345678.90")
	require.NoError(t, err)

	_, ok := dev.PollingInterval("temperature")
	assert.False(t, ok)

	ctx := context.Background()
	require.NoError(t, dev.SetPollingInterval(ctx, "temperature", 30*time.Second))

	iv, ok := dev.PollingInterval("temperature")
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, iv)

	require.NoError(t, dev.SetPollingInterval(ctx, "temperature", 0))
	_, ok = dev.PollingInterval("temperature")
	assert.False(t, ok)

	assert.Equal(t, []string{"temperature", "alarm"}, dev.PollingItems())
}
