package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Code_Known(t *testing.T) {
	known := []Code{
		NoEntry, Interrupted, BusIO, BadFS, TryAgain, NoFreeMemory,
		Permission, Fault, Busy, NoDevice, NoDirectory, IsDir,
		InvalidData, InputPathTooLong, BadPathSyntax, BadCRC8,
		UnknownName, ReadOnly, AliasTooLong, UnknownProperty,
		NotAnArray, Range, IsAnArray, NameTooLong, NotBitfield,
		IndexTooLarge, NoSubpath, Loop, DeviceNotFound, NoMessage,
		Device, BusShort, NoSuchBus, BusNotAppropriate,
		BusNotResponding, BusReset, BusClosed, BusNotOpened,
		BusCommunication, BusTimeout, Telnet, TCP, BusIsLocal,
		BusIsRemote, ReadTooLarge, DataCommunication, NotRProperty,
		NotReadableProperty, DataTooLarge, DataTooSmall, DataFormat,
		NotWProperty, NotWritableProperty, ReadOnlyMode, DataComm,
		OutputPathTooLong, NotADirectory, NotADevice, UnknownQuery,
		Socket, Timeout, BadMsg, Version, PacketSize, TextInPath,
		UnexpectedNull, NoMemory, MsgSize, NotSupported, InUse,
		NotAvailable, ConnAborted, NoBufs,
	}

	assert.Len(t, known, 73)

	for _, c := range known {
		assert.True(t, c.Known(), "code %d should be known", int(c))
		assert.NotContains(t, c.String(), "reply error")
	}
}

func Test_Code_Unknown(t *testing.T) {
	c := Code(999)

	assert.False(t, c.Known())
	assert.Equal(t, "reply error 999", c.String())
}

func Test_ReplyError_Is(t *testing.T) {
	err := NewReply(2, "/bus.0/x", "localhost:4304")

	assert.True(t, Is(err, &ReplyError{Code: NoEntry}))
	assert.False(t, Is(err, &ReplyError{Code: IsDir}))
	assert.True(t, IsReply(err, NoEntry))
	assert.False(t, IsReply(err, Timeout))
}

func Test_ReplyError_Wrapped(t *testing.T) {
	err := fmt.Errorf("schema: %w", NewReply(21, "/structure/10", "s"))

	assert.True(t, IsReply(err, IsDir))

	var re *ReplyError
	assert.True(t, As(err, &re))
	assert.Equal(t, "/structure/10", re.Path)
}

func Test_ReplyError_Error(t *testing.T) {
	assert.Equal(t, "s: /x: no entry", NewReply(2, "/x", "s").Error())
	assert.Equal(t, "s: busy", NewReply(16, "", "s").Error())
}

func Test_IsReply_NotReply(t *testing.T) {
	assert.False(t, IsReply(ErrServerBusy, Busy))
}
