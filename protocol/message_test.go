package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ownet/config"
	"ownet/errors"
)

func Test_Message_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want time.Duration
	}{
		{name: "nop", msg: NewNop(), want: config.NopTimeout},
		{name: "read", msg: NewRead("x"), want: config.ReadTimeout},
		{name: "write", msg: NewWrite([]byte("1"), "x"), want: config.WriteTimeout},
		{name: "dir", msg: NewDir(), want: config.DirTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Timeout())
		})
	}
}

func Test_NewWrite_Layout(t *testing.T) {
	msg := NewWrite([]byte("98.25"), "bus.0", "10.345678.90", "temperature")

	assert.Equal(t, []byte("/bus.0/10.345678.90/temperature\x0098.25"), msg.payload)
	assert.Equal(t, int32(5), msg.rlen)
	assert.Equal(t, int32(5), msg.offset)
}

func Test_Message_ProcessReply_Read(t *testing.T) {
	msg := NewRead("x")
	msg.ProcessReply(&Reply{Ret: 4, Data: []byte("12.5extra")}, "srv")

	v, err := msg.Slot().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("12.5"), v)
}

func Test_Message_ProcessReply_Error(t *testing.T) {
	msg := NewRead("x")
	msg.ProcessReply(&Reply{Ret: -2}, "srv")

	_, err := msg.Slot().Wait(context.Background())
	assert.True(t, errors.IsReply(err, errors.NoEntry))

	var re *errors.ReplyError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "/x", re.Path)
	assert.Equal(t, "srv", re.Server)
}

func Test_Message_ProcessReply_Dir(t *testing.T) {
	msg := NewDir("bus.0")
	msg.ProcessReply(&Reply{Ret: 0, Data: []byte("/bus.0/10.345678.90,/bus.0/alarm")}, "srv")

	v, err := msg.Slot().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.345678.90", "alarm"}, v)
	assert.Equal(t, []string{"/bus.0/10.345678.90", "/bus.0/alarm"}, msg.FullEntries())
}

func Test_Message_ProcessReply_EmptyDir(t *testing.T) {
	msg := NewDir("bus.0")
	msg.ProcessReply(&Reply{Ret: 0, Data: nil}, "srv")

	v, err := msg.Slot().Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, v)
}

func Test_Message_Resubmit(t *testing.T) {
	msg := NewRead("x")
	old := msg.Slot()

	msg.Resubmit()

	_, err := old.Wait(context.Background())
	assert.ErrorIs(t, err, errors.ErrRetry)

	fresh := msg.Slot()
	assert.NotSame(t, old, fresh)
	assert.False(t, fresh.Completed())
}

func Test_Message_Cancel(t *testing.T) {
	msg := NewRead("x")
	msg.Cancel()

	assert.True(t, msg.Cancelled())

	_, err := msg.Slot().Wait(context.Background())
	assert.ErrorIs(t, err, errors.ErrCancelled)
}

func Test_Message_BusyBackoff(t *testing.T) {
	msg := NewRead("x")

	assert.Equal(t, 100*time.Millisecond, msg.NextBusyBackoff())
	assert.Equal(t, 150*time.Millisecond, msg.NextBusyBackoff())
	assert.Equal(t, 225*time.Millisecond, msg.NextBusyBackoff())

	for i := 0; i < 20; i++ {
		msg.NextBusyBackoff()
	}

	assert.Equal(t, config.BusyBackoffMax, msg.NextBusyBackoff())
}

func Test_Slot_SingleFire(t *testing.T) {
	s := NewSlot()
	s.Complete("first")
	s.Fail(errors.New("late"))

	v, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func Test_Slot_WaitCancelled(t *testing.T) {
	s := NewSlot()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
