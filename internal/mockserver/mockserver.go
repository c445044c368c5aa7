// Package mockserver implements just enough of the ownerver wire
// protocol to exercise the client against a scriptable directory tree.
package mockserver

import (
	"encoding/binary"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

const headerSize = 24

// Reply codes the mock hands out.
const (
	errNoEntry = 2
	errIsDir   = 21
)

// Tree is a nested directory: values are either Tree or a string leaf.
type Tree map[string]interface{}

// Pattern cycles through a scripted int list the way the original test
// server did: position 0 is a cursor, entries 1..n repeat forever.
type Pattern struct {
	mu   sync.Mutex
	vals []int
	pos  int
}

// NewPattern builds a pattern; NewPattern(0, 0, 1) fires on every
// second call.
func NewPattern(vals ...int) *Pattern {
	return &Pattern{vals: vals}
}

// Next advances the cursor and returns the current entry, zero for a
// nil pattern.
func (p *Pattern) Next() int {
	if p == nil || len(p.vals) < 2 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pos++
	if p.pos >= len(p.vals) {
		p.pos = 1
	}

	return p.vals[p.pos]
}

// Options scripts fault injection, shared across reconnects.
type Options struct {
	// BusyEvery answers matching requests with a busy frame instead of
	// processing them.
	BusyEvery *Pattern
	// CloseEvery drops the connection before answering a matching
	// request.
	CloseEvery *Pattern
	// SlowEvery delays matching replies by the given milliseconds.
	SlowEvery *Pattern
}

// Server is one listening mock ownerver.
type Server struct {
	ln   net.Listener
	opts Options

	mu       sync.Mutex
	tree     Tree
	requests []string

	wg     sync.WaitGroup
	closed chan struct{}
}

// New starts a mock server on a loopback port.
func New(tree Tree, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:     ln,
		opts:   opts,
		tree:   tree,
		closed: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.accept()

	return s, nil
}

// Addr returns the host and port the mock listens on.
func (s *Server) Addr() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)

	return addr.IP.String(), addr.Port
}

// Close stops the listener and waits for the connection handlers.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
	}

	close(s.closed)
	_ = s.ln.Close()
	s.wg.Wait()
}

// Mutate edits the tree under the server lock.
func (s *Server) Mutate(fn func(tree Tree)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s.tree)
}

// Requests returns the paths of every request processed so far; NOP
// requests are recorded as "nop".
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.requests...)
}

func (s *Server) accept() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	for {
		hdr := make([]byte, headerSize)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}

		payloadLen := int32(binary.BigEndian.Uint32(hdr[4:8]))
		cmd := int32(binary.BigEndian.Uint32(hdr[8:12]))
		flags := int32(binary.BigEndian.Uint32(hdr[12:16]))
		offset := int32(binary.BigEndian.Uint32(hdr[20:24]))

		if payloadLen < 0 {
			return
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		if s.opts.BusyEvery.Next() != 0 {
			if err := writeBusy(conn, flags); err != nil {
				return
			}

			continue
		}

		if d := s.opts.SlowEvery.Next(); d > 0 {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}

		if s.opts.CloseEvery.Next() != 0 {
			return
		}

		if err := s.respond(conn, cmd, flags, payload, offset); err != nil {
			return
		}
	}
}

// command codes the mock understands
const (
	cmdNop    = 1
	cmdRead   = 2
	cmdWrite  = 3
	cmdDirAll = 7
)

func (s *Server) respond(conn net.Conn, cmd, flags int32, payload []byte, offset int32) error {
	switch cmd {
	case cmdNop:
		s.mu.Lock()
		s.requests = append(s.requests, "nop")
		s.mu.Unlock()

		return writeReply(conn, 0, flags, nil, 0)

	case cmdDirAll:
		return s.respondDir(conn, flags, payload)

	case cmdRead:
		return s.respondRead(conn, flags, payload)

	case cmdWrite:
		return s.respondWrite(conn, flags, payload, offset)

	default:
		return writeReply(conn, -errNoEntry, flags, nil, 0)
	}
}

func (s *Server) respondDir(conn net.Conn, flags int32, payload []byte) error {
	path := splitPath(payload)

	s.mu.Lock()
	s.requests = append(s.requests, "/"+strings.Join(path, "/"))

	node, ok := s.lookup(path)
	sub, isDir := node.(Tree)

	var keys []string
	if ok && isDir {
		for k := range sub {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	if !ok || !isDir {
		return writeReply(conn, -errNoEntry, flags, nil, 0)
	}

	sort.Strings(keys)

	prefix := "/"
	if len(path) > 0 {
		prefix = "/" + strings.Join(path, "/") + "/"
	}

	entries := make([]string, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, prefix+k)
	}

	data := []byte(strings.Join(entries, ","))

	return writeReply(conn, 0, flags, append(data, 0), int32(len(data)))
}

func (s *Server) respondRead(conn net.Conn, flags int32, payload []byte) error {
	path := splitPath(payload)

	s.mu.Lock()
	s.requests = append(s.requests, "/"+strings.Join(path, "/"))
	node, ok := s.lookup(path)
	s.mu.Unlock()

	if !ok {
		return writeReply(conn, -errNoEntry, flags, nil, 0)
	}

	if _, isDir := node.(Tree); isDir {
		return writeReply(conn, -errIsDir, flags, nil, 0)
	}

	data := []byte(node.(string))

	return writeReply(conn, int32(len(data)), flags, append(data, 0), int32(len(data)))
}

func (s *Server) respondWrite(conn net.Conn, flags int32, payload []byte, offset int32) error {
	if offset <= 0 || int(offset) > len(payload) {
		return writeReply(conn, -errNoEntry, flags, nil, 0)
	}

	value := string(payload[len(payload)-int(offset):])
	path := splitPath(payload[:len(payload)-int(offset)])

	s.mu.Lock()
	s.requests = append(s.requests, "/"+strings.Join(path, "/"))

	ok := false
	if len(path) > 0 {
		parent, found := s.lookup(path[:len(path)-1])
		if dir, isDir := parent.(Tree); found && isDir {
			if _, exists := dir[path[len(path)-1]]; exists {
				dir[path[len(path)-1]] = value
				ok = true
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return writeReply(conn, -errNoEntry, flags, nil, 0)
	}

	return writeReply(conn, 0, flags, nil, 0)
}

// lookup walks the tree; callers hold the lock.
func (s *Server) lookup(path []string) (interface{}, bool) {
	var node interface{} = s.tree

	for _, seg := range path {
		dir, ok := node.(Tree)
		if !ok {
			return nil, false
		}

		node, ok = dir[seg]
		if !ok {
			return nil, false
		}
	}

	return node, true
}

func splitPath(payload []byte) []string {
	text := strings.TrimRight(string(payload), "\x00")

	var segs []string
	for _, seg := range strings.Split(text, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}

	return segs
}

func writeReply(conn net.Conn, ret, flags int32, payload []byte, dataLen int32) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(ret))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(flags))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(dataLen))

	_, err := conn.Write(append(hdr, payload...))

	return err
}

func writeBusy(conn net.Conn, flags int32) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[4:8], 0xFFFFFFFF)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(flags))

	_, err := conn.Write(hdr)

	return err
}
