package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"ownet/errors"
)

// Command codes of the ownerver wire protocol.
type Command int32

const (
	CmdError       Command = 0
	CmdNop         Command = 1
	CmdRead        Command = 2
	CmdWrite       Command = 3
	CmdDir         Command = 4
	CmdSize        Command = 5
	CmdPresence    Command = 6
	CmdDirAll      Command = 7
	CmdGet         Command = 8
	CmdDirAllSlash Command = 9
	CmdGetSlash    Command = 10
)

// Format flag bits, OR-combined into the header flags word.
const (
	FlagCache    int32 = 0x1
	FlagBusRet   int32 = 0x2
	FlagPersist  int32 = 0x4
	FlagAlias    int32 = 0x8
	FlagSafemode int32 = 0x10
	FlagUncached int32 = 0x20
	FlagOwnet    int32 = 0x100
)

// Temperature unit sub-field, shifted to bit 16.
const (
	TempCelsius    int32 = 0
	TempFahrenheit int32 = 1
	TempKelvin     int32 = 2
	TempRankine    int32 = 3

	tempShift = 16
)

// Pressure unit sub-field, shifted to bit 18.
const (
	PressureMbar int32 = 0
	PressureAtm  int32 = 1
	PressureMmHg int32 = 2
	PressureInHg int32 = 3
	PressurePsi  int32 = 4
	PressurePa   int32 = 5

	pressureShift = 18
)

// Device id format sub-field, shifted to bit 24.
const (
	DeviceFDI   int32 = 0
	DeviceFI    int32 = 1
	DeviceFDIDC int32 = 2
	DeviceFDIC  int32 = 3
	DeviceFIDC  int32 = 4
	DeviceFIC   int32 = 5

	deviceShift = 24
)

const (
	// HeaderSize is the fixed wire header: six big-endian int32s.
	HeaderSize = 24

	// MaxPayload caps the reply payload a server may announce.
	MaxPayload = 9999

	// ReadLen is the reply capacity requested for attribute reads.
	ReadLen = 8192

	wireVersion = 0

	offsetMask = 0x8000
)

// RequestFlags returns the flags word every outgoing request carries:
// persistent connection, bus-prefixed listings, uncached access, ownet
// semantics, celsius, mbar, and family.code.checksum device ids.
func RequestFlags() int32 {
	flags := FlagPersist | FlagBusRet | FlagUncached | FlagOwnet
	flags |= TempCelsius << tempShift
	flags |= PressureMbar << pressureShift
	flags |= DeviceFDIDC << deviceShift

	return flags
}

// EncodePath builds the wire form of a path: /seg1/seg2 with a trailing
// NUL. An empty path encodes as a single NUL.
func EncodePath(path []string) []byte {
	if len(path) == 0 {
		return []byte{0}
	}

	var b strings.Builder
	for _, seg := range path {
		b.WriteByte('/')
		b.WriteString(seg)
	}

	return append([]byte(b.String()), 0)
}

// header is the decoded 24-byte frame prefix.
type header struct {
	Version    int32
	PayloadLen int32
	RetValue   int32
	Flags      int32
	DataLen    int32
	Offset     int32
}

func parseHeader(b []byte) header {
	return header{
		Version:    int32(binary.BigEndian.Uint32(b[0:4])),
		PayloadLen: int32(binary.BigEndian.Uint32(b[4:8])),
		RetValue:   int32(binary.BigEndian.Uint32(b[8:12])),
		Flags:      int32(binary.BigEndian.Uint32(b[12:16])),
		DataLen:    int32(binary.BigEndian.Uint32(b[16:20])),
		Offset:     int32(binary.BigEndian.Uint32(b[20:24])),
	}
}

func (h header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(h.Version))
	binary.BigEndian.PutUint32(b[4:8], uint32(h.PayloadLen))
	binary.BigEndian.PutUint32(b[8:12], uint32(h.RetValue))
	binary.BigEndian.PutUint32(b[12:16], uint32(h.Flags))
	binary.BigEndian.PutUint32(b[16:20], uint32(h.DataLen))
	binary.BigEndian.PutUint32(b[20:24], uint32(h.Offset))

	return b
}

// Reply is one decoded response frame. Ret is the raw return value;
// negative values carry an errno-like code the caller maps to a
// ReplyError.
type Reply struct {
	Ret   int32
	Flags int32
	Data  []byte
}

// Codec frames requests and replies over one connection.
type Codec struct {
	conn net.Conn
	br   *bufio.Reader
}

// NewCodec wraps an established connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn: conn,
		br:   bufio.NewReader(conn),
	}
}

// Conn exposes the underlying connection for deadline control.
func (c *Codec) Conn() net.Conn {
	return c.conn
}

// ReadReply reads and decodes one reply frame. A busy indication is
// surfaced as errors.ErrServerBusy; a peer close mid-frame as
// errors.ErrIncompleteFrame.
func (c *Codec) ReadReply() (*Reply, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrIncompleteFrame, err)
	}

	hdr := parseHeader(buf)

	if hdr.Offset&offsetMask != 0 {
		hdr.Offset = 0
	}

	if hdr.Version != wireVersion {
		return nil, fmt.Errorf("%w: %d", errors.ErrBadVersion, hdr.Version)
	}

	if hdr.PayloadLen == -1 && hdr.DataLen == 0 && hdr.Offset == 0 {
		return nil, errors.ErrServerBusy
	}

	if hdr.PayloadLen > MaxPayload {
		return nil, fmt.Errorf("%w: %d", errors.ErrOversizedPayload, hdr.PayloadLen)
	}

	if hdr.PayloadLen < 0 {
		return nil, fmt.Errorf("%w: negative payload %d", errors.ErrOversizedPayload, hdr.PayloadLen)
	}

	if hdr.PayloadLen == 0 {
		hdr.DataLen = 0
	}

	payload := make([]byte, hdr.PayloadLen)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrIncompleteFrame, err)
	}

	data := payload
	if int(hdr.Offset) <= len(payload) {
		data = payload[hdr.Offset:]
	}

	if int(hdr.DataLen)-int(hdr.Offset) >= 0 && int(hdr.DataLen)-int(hdr.Offset) <= len(data) {
		data = data[:int(hdr.DataLen)-int(hdr.Offset)]
	}

	return &Reply{Ret: hdr.RetValue, Flags: hdr.Flags, Data: data}, nil
}

// WriteRequest frames and sends one request. The rlen argument fills the
// header data_len slot: reply capacity for reads, value length for
// writes.
func (c *Codec) WriteRequest(cmd Command, flags, rlen int32, payload []byte, offset int32) error {
	hdr := header{
		Version:    wireVersion,
		PayloadLen: int32(len(payload)),
		RetValue:   int32(cmd),
		Flags:      flags,
		DataLen:    rlen,
		Offset:     offset,
	}

	frame := append(hdr.encode(), payload...)
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrWriteFailed, err)
	}

	return nil
}
