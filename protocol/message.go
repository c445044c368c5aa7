package protocol

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ownet/config"
	"ownet/errors"
)

// Kind classifies a request by how its reply is interpreted.
type Kind int

const (
	KindNop Kind = iota
	KindDir
	KindRead
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindNop:
		return "nop"
	case KindDir:
		return "dir"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Message is one in-flight request: encoded payload, expected reply
// capacity, per-kind timeout, and a replaceable completion slot.
type Message struct {
	kind    Kind
	cmd     Command
	path    []string
	payload []byte
	rlen    int32
	offset  int32
	timeout time.Duration

	mu   sync.Mutex
	slot *Slot

	cancelled atomic.Bool
	busyDelay time.Duration

	// full retains complete reply paths from a dir listing; the decoded
	// result carries only last segments.
	full []string
}

func newMessage(kind Kind, cmd Command, path []string, payload []byte, rlen, offset int32, timeout time.Duration) *Message {
	return &Message{
		kind:    kind,
		cmd:     cmd,
		path:    path,
		payload: payload,
		rlen:    rlen,
		offset:  offset,
		timeout: timeout,
		slot:    NewSlot(),
	}
}

// NewNop builds a keepalive request.
func NewNop() *Message {
	return newMessage(KindNop, CmdNop, nil, nil, 0, 0, config.NopTimeout)
}

// NewDir builds a directory listing request for the given path.
func NewDir(path ...string) *Message {
	return newMessage(KindDir, CmdDirAll, path, EncodePath(path), 0, 0, config.DirTimeout)
}

// NewRead builds an attribute read request.
func NewRead(path ...string) *Message {
	return newMessage(KindRead, CmdRead, path, EncodePath(path), ReadLen, 0, config.ReadTimeout)
}

// NewWrite builds an attribute write request. The payload is the NUL
// terminated path followed by the value; the server splits at offset.
func NewWrite(value []byte, path ...string) *Message {
	payload := append(EncodePath(path), value...)
	vlen := int32(len(value))

	return newMessage(KindWrite, CmdWrite, path, payload, vlen, vlen, config.WriteTimeout)
}

// Kind returns the message kind.
func (m *Message) Kind() Kind {
	return m.kind
}

// PathString renders the request path for diagnostics.
func (m *Message) PathString() string {
	if len(m.path) == 0 {
		return "/"
	}

	return "/" + strings.Join(m.path, "/")
}

// Timeout returns the per-kind reply deadline.
func (m *Message) Timeout() time.Duration {
	return m.timeout
}

// Write frames the request onto the codec.
func (m *Message) Write(c *Codec) error {
	return c.WriteRequest(m.cmd, RequestFlags(), m.rlen, m.payload, m.offset)
}

// Cancel marks the message abandoned and fails its current slot. The
// writer skips cancelled messages; a reply already in flight is
// discarded.
func (m *Message) Cancel() {
	m.cancelled.Store(true)

	m.mu.Lock()
	slot := m.slot
	m.mu.Unlock()

	slot.Fail(errors.ErrCancelled)
}

// Cancelled reports whether the caller abandoned the message.
func (m *Message) Cancelled() bool {
	return m.cancelled.Load()
}

// Slot returns the current completion slot.
func (m *Message) Slot() *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.slot
}

// Resubmit atomically installs a fresh completion slot. A still-pending
// previous slot is completed with errors.ErrRetry so a blocked waiter
// can loop onto the replacement.
func (m *Message) Resubmit() {
	m.mu.Lock()
	old := m.slot
	m.slot = NewSlot()
	m.mu.Unlock()

	old.Fail(errors.ErrRetry)
}

// NextBusyBackoff returns the delay before the next busy resubmission:
// 100ms growing by half, capped at two seconds.
func (m *Message) NextBusyBackoff() time.Duration {
	if m.busyDelay == 0 {
		m.busyDelay = config.BusyBackoff
		return m.busyDelay
	}

	if m.busyDelay < config.BusyBackoffMax {
		m.busyDelay = time.Duration(float64(m.busyDelay) * config.BackoffFactor)
		if m.busyDelay > config.BusyBackoffMax {
			m.busyDelay = config.BusyBackoffMax
		}
	}

	return m.busyDelay
}

// Done reports whether the current slot holds an outcome.
func (m *Message) Done() bool {
	return m.Slot().Completed()
}

// FullEntries returns the complete paths of the last dir reply.
func (m *Message) FullEntries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.full
}

// ProcessReply interprets a reply frame for this message and completes
// the current slot. Negative return values map to the reply-error
// taxonomy; the server address tags the resulting error.
func (m *Message) ProcessReply(rep *Reply, server string) {
	slot := m.Slot()

	if rep.Ret < 0 {
		slot.Fail(errors.NewReply(int(-rep.Ret), m.PathString(), server))
		return
	}

	switch m.kind {
	case KindNop, KindWrite:
		slot.Complete(nil)

	case KindRead:
		data := rep.Data
		if n := int(rep.Ret); n > 0 && n <= len(data) {
			data = data[:n]
		}

		slot.Complete(data)

	case KindDir:
		full, names := parseDirList(rep.Data)

		m.mu.Lock()
		m.full = full
		m.mu.Unlock()

		slot.Complete(names)
	}
}

// parseDirList splits a comma-separated dirall payload into full paths
// and their last segments.
func parseDirList(data []byte) (full, names []string) {
	if len(data) == 0 {
		return nil, []string{}
	}

	entries := strings.Split(string(data), ",")
	full = make([]string, 0, len(entries))
	names = make([]string, 0, len(entries))

	for _, entry := range entries {
		entry = strings.TrimRight(entry, "\x00")
		full = append(full, entry)

		if i := strings.LastIndex(entry, "/"); i >= 0 {
			entry = entry[i+1:]
		}

		names = append(names, entry)
	}

	return full, names
}
