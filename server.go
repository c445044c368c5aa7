package ownet

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"ownet/config"
	"ownet/config/logger"
	"ownet/errors"
	"ownet/event"
	"ownet/protocol"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDraining     = "draining"
)

// Connection state machine events.
const (
	eventDial        = "dial"
	eventEstablished = "established"
	eventLost        = "lost"
	eventDrain       = "drain"
)

// ScanMode selects when the initial topology scan runs.
type ScanMode int

const (
	// ScanInline runs the first scan before StartScan returns.
	ScanInline ScanMode = iota
	// ScanSkip performs no initial scan.
	ScanSkip
	// ScanDelayed postpones the first scan by Delay.
	ScanDelayed
)

// ScanConfig controls the per-server scan schedule.
type ScanConfig struct {
	// Interval between scans. Zero disables rescanning.
	Interval time.Duration
	Mode     ScanMode
	// Delay before the first scan when Mode is ScanDelayed.
	Delay   time.Duration
	Polling bool
	// Random spreads sleep intervals by a uniform factor in
	// [1-1/(2r), 1+1/(2r)]. Zero disables jitter.
	Random int
}

// Server owns one ownerver connection: a writer task draining the
// outbound queue, a reader task correlating replies to the in-flight
// FIFO, and crash-safe reconnect with in-flight replay.
type Server struct {
	service *Service
	host    string
	port    int
	log     logger.Logger
	state   *fsm.FSM

	mu     sync.Mutex
	conn   net.Conn
	codec  *protocol.Codec
	wq     chan *protocol.Message
	closed bool
	buses  map[string]*Bus

	writerCancel context.CancelFunc
	readerCancel context.CancelFunc
	scanCancel   context.CancelFunc
	scanCfg      ScanConfig
	scanSet      bool

	infMu    sync.Mutex
	inflight []*protocol.Message

	scans scanLock
}

func newServer(svc *Service, host string, port int, log logger.Logger) *Server {
	s := &Server{
		service: svc,
		host:    host,
		port:    port,
		log:     log,
		buses:   make(map[string]*Bus),
	}

	s.state = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventLost, Src: []string{StateConnected}, Dst: StateConnecting},
			{Name: eventDrain, Src: []string{StateDisconnected, StateConnecting, StateConnected}, Dst: StateDraining},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug().Str("server", s.Address()).Str("from", e.Src).Str("to", e.Dst).Msg("Connection state")
			},
		},
	)

	return s
}

// Address returns host:port.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// State returns the current connection state.
func (s *Server) State() string {
	return s.state.Current()
}

func (s *Server) String() string {
	return fmt.Sprintf("<server %s %s>", s.Address(), s.State())
}

func (s *Server) transition(name string) {
	if err := s.state.Event(context.Background(), name); err != nil {
		s.log.Debug().Err(err).Str("server", s.Address()).Msg("State transition skipped")
	}
}

// Start connects, announces the server, spawns the writer/reader pair
// and verifies liveness with a NOP exchange.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrServerClosed
	}

	if s.conn != nil {
		s.mu.Unlock()
		return errors.ErrAlreadyConnected
	}
	s.mu.Unlock()

	s.transition(eventDial)

	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", s.Address())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errors.ErrConnectFailed, s.Address(), err)
	}

	codec := protocol.NewCodec(conn)
	wq := make(chan *protocol.Message, s.service.cfg.Queue.Write)

	s.mu.Lock()
	s.conn = conn
	s.codec = codec
	s.wq = wq
	s.mu.Unlock()

	s.service.pushEvent(event.TypeServerConnected, event.Server{Address: s.Address()})

	s.startWriter(codec, wq)
	s.startReader()
	s.transition(eventEstablished)

	if _, err := s.chat(ctx, protocol.NewNop()); err != nil {
		s.Close()
		return err
	}

	return nil
}

// startRetry keeps dialing with backoff until the server comes up, then
// arms the stored scan schedule. Used for background registration.
func (s *Server) startRetry(ctx context.Context) {
	backoff := config.ConnectBackoff

	for {
		err := s.Start(ctx)
		if err == nil {
			s.mu.Lock()
			cfg, ok := s.scanCfg, s.scanSet
			s.mu.Unlock()

			if ok {
				if err := s.StartScan(ctx, cfg); err != nil {
					s.log.Warn().Err(err).Str("server", s.Address()).Msg("Scan start failed")
				}
			}

			return
		}

		if errors.Is(err, errors.ErrServerClosed) || ctx.Err() != nil {
			return
		}

		s.log.Warn().Err(err).Str("server", s.Address()).Msg("Connection failed, will retry")

		if !sleepCtx(ctx, backoff) {
			return
		}

		backoff = nextBackoff(backoff, config.ConnectBackoffMax)
	}
}

func (s *Server) startWriter(codec *protocol.Codec, wq chan *protocol.Message) {
	cancel := s.service.AddTask(func(ctx context.Context) {
		s.writer(ctx, codec, wq)
	})

	s.mu.Lock()
	s.writerCancel = cancel
	s.mu.Unlock()
}

func (s *Server) startReader() {
	cancel := s.service.AddTask(func(ctx context.Context) {
		s.reader(ctx)
	})

	s.mu.Lock()
	s.readerCancel = cancel
	s.mu.Unlock()
}

// writer drains the outbound queue. Ten idle seconds synthesise a NOP
// keepalive. Every message joins the in-flight FIFO before its bytes go
// out, so replies correlate by position alone.
func (s *Server) writer(ctx context.Context, codec *protocol.Codec, wq chan *protocol.Message) {
	idle := time.NewTimer(config.WriterKeepAlive)
	defer idle.Stop()

	for {
		var msg *protocol.Message

		select {
		case <-ctx.Done():
			return
		case msg = <-wq:
			if !idle.Stop() {
				<-idle.C
			}
		case <-idle.C:
			msg = protocol.NewNop()
		}

		idle.Reset(config.WriterKeepAlive)

		if msg.Cancelled() {
			continue
		}

		s.pushInflight(msg)

		if err := msg.Write(codec); err != nil {
			// the reader observes the broken stream and reconnects
			s.log.Warn().Err(err).Str("server", s.Address()).Msg("Write error")
			return
		}
	}
}

// reader consumes reply frames, popping the in-flight head for each.
// Busy replies re-enter the pipeline via backoff resubmission; stream
// failures trigger reconnect.
func (s *Server) reader(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		codec := s.currentCodec()
		if codec == nil {
			return
		}

		_ = codec.Conn().SetReadDeadline(time.Now().Add(config.ReaderFrameLimit))

		rep, err := codec.ReadReply()

		switch {
		case err == nil:
			msg := s.popInflight()
			if msg == nil {
				s.log.Warn().Str("server", s.Address()).Msg("Reply without pending request")
				continue
			}

			msg.ProcessReply(rep, s.Address())

			if !msg.Done() {
				s.pushInflightFront(msg)
			}

		case errors.Is(err, errors.ErrServerBusy):
			s.log.Info().Str("server", s.Address()).Msg("Server busy")

			msg := s.popInflight()
			if msg != nil && !msg.Cancelled() {
				go s.resubmitBusy(ctx, msg)
			}

		default:
			if ctx.Err() != nil {
				return
			}

			if !s.reconnect(ctx) {
				return
			}
		}
	}
}

// resubmitBusy re-queues a busy-rejected message after its exponential
// backoff. The superseded slot completes with Retry so a blocked chat
// loops onto the fresh one.
func (s *Server) resubmitBusy(ctx context.Context, msg *protocol.Message) {
	if !sleepCtx(ctx, msg.NextBusyBackoff()) {
		return
	}

	if msg.Cancelled() {
		return
	}

	msg.Resubmit()

	if err := s.enqueue(ctx, msg); err != nil {
		msg.Cancel()
	}
}

// reconnect tears the broken stream down, redials with backoff and
// replays every non-cancelled message in original submission order.
// It returns false when the server is closed instead.
func (s *Server) reconnect(ctx context.Context) bool {
	s.service.pushEvent(event.TypeServerDisconnected, event.Server{Address: s.Address()})
	s.transition(eventLost)

	s.mu.Lock()
	if s.writerCancel != nil {
		s.writerCancel()
		s.writerCancel = nil
	}

	if s.scanCancel != nil {
		s.scanCancel()
		s.scanCancel = nil
	}

	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.codec = nil
	oldWq := s.wq
	s.mu.Unlock()

	backoff := config.ConnectBackoff

	for {
		if ctx.Err() != nil || s.isClosed() {
			return false
		}

		var d net.Dialer

		conn, err := d.DialContext(ctx, "tcp", s.Address())
		if err != nil {
			if !sleepCtx(ctx, backoff) {
				return false
			}

			backoff = nextBackoff(backoff, config.ConnectBackoffMax)

			continue
		}

		codec := protocol.NewCodec(conn)

		// replay: written-but-unanswered first, then queued-but-unsent
		pending := s.takeInflight()

	drain:
		for {
			select {
			case m := <-oldWq:
				pending = append(pending, m)
			default:
				break drain
			}
		}

		replay := pending[:0]
		for _, m := range pending {
			if !m.Cancelled() {
				replay = append(replay, m)
			}
		}

		wq := make(chan *protocol.Message, s.service.cfg.Queue.Write+len(replay))
		for _, m := range replay {
			wq <- m
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()

			return false
		}
		s.conn = conn
		s.codec = codec
		s.wq = wq
		s.mu.Unlock()

		s.log.Warn().Str("server", s.Address()).Msg("Server restarting")
		s.service.pushEvent(event.TypeServerConnected, event.Server{Address: s.Address()})

		s.startWriter(codec, wq)
		s.transition(eventEstablished)

		s.mu.Lock()
		cfg, ok := s.scanCfg, s.scanSet
		s.mu.Unlock()

		if ok {
			s.service.AddTask(func(tctx context.Context) {
				if err := s.StartScan(tctx, cfg); err != nil {
					s.log.Warn().Err(err).Str("server", s.Address()).Msg("Scan restart failed")
				}
			})
		}

		return true
	}
}

func (s *Server) currentCodec() *protocol.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.codec
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// enqueue hands a message to the writer, blocking while the outbound
// queue is full.
func (s *Server) enqueue(ctx context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	wq, closed := s.wq, s.closed
	s.mu.Unlock()

	if closed || wq == nil {
		return errors.ErrServerClosed
	}

	select {
	case wq <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// chat submits a message and waits out its completion. Busy handling
// and resubmission stay internal: the caller sees a value, a typed
// reply error, or its own cancellation.
func (s *Server) chat(ctx context.Context, msg *protocol.Message) (interface{}, error) {
	if err := s.enqueue(ctx, msg); err != nil {
		msg.Cancel()
		return nil, err
	}

	for {
		slot := msg.Slot()

		wctx, cancel := context.WithTimeout(ctx, msg.Timeout())
		v, err := slot.Wait(wctx)
		cancel()

		switch {
		case err == nil:
			return v, nil

		case errors.Is(err, errors.ErrRetry):
			// the message was resubmitted; wait on its fresh slot

		case ctx.Err() != nil:
			msg.Cancel()
			return nil, ctx.Err()

		case errors.Is(err, context.DeadlineExceeded):
			msg.Cancel()
			return nil, fmt.Errorf("%w: %s %s", errors.ErrReplyTimeout, msg.Kind(), msg.PathString())

		default:
			return nil, err
		}
	}
}

// in-flight FIFO

func (s *Server) pushInflight(msg *protocol.Message) {
	s.infMu.Lock()
	defer s.infMu.Unlock()

	s.inflight = append(s.inflight, msg)
}

func (s *Server) popInflight() *protocol.Message {
	s.infMu.Lock()
	defer s.infMu.Unlock()

	if len(s.inflight) == 0 {
		return nil
	}

	msg := s.inflight[0]
	s.inflight = s.inflight[1:]

	return msg
}

func (s *Server) pushInflightFront(msg *protocol.Message) {
	s.infMu.Lock()
	defer s.infMu.Unlock()

	s.inflight = append([]*protocol.Message{msg}, s.inflight...)
}

func (s *Server) takeInflight() []*protocol.Message {
	s.infMu.Lock()
	defer s.infMu.Unlock()

	msgs := s.inflight
	s.inflight = nil

	return msgs
}

// public request helpers

// Dir lists a directory on the server.
func (s *Server) Dir(ctx context.Context, path ...string) ([]string, error) {
	v, err := s.chat(ctx, protocol.NewDir(path...))
	if err != nil {
		return nil, err
	}

	names, _ := v.([]string)

	return names, nil
}

// AttrGet reads one attribute.
func (s *Server) AttrGet(ctx context.Context, path ...string) ([]byte, error) {
	v, err := s.chat(ctx, protocol.NewRead(path...))
	if err != nil {
		return nil, err
	}

	data, _ := v.([]byte)

	return data, nil
}

// AttrSet writes one attribute.
func (s *Server) AttrSet(ctx context.Context, value interface{}, path ...string) error {
	_, err := s.chat(ctx, protocol.NewWrite(formatValue(value), path...))

	return err
}

// topology

// GetBus returns the bus at the given path, creating the chain of buses
// as needed. Creation emits BusAdded per new bus.
func (s *Server) GetBus(path ...string) *Bus {
	if len(path) == 0 {
		return nil
	}

	s.mu.Lock()
	top, ok := s.buses[path[0]]
	if !ok {
		top = newBus(s, path[0])
		s.buses[path[0]] = top
	}
	s.mu.Unlock()

	if !ok {
		s.service.pushEvent(event.TypeBusAdded, event.Bus{Server: s.Address(), Path: top.Path()})
	}

	if len(path) == 1 {
		return top
	}

	return top.GetBus(path[1:]...)
}

// Buses lists the server's top-level buses ordered by path.
func (s *Server) Buses() []*Bus {
	s.mu.Lock()
	defer s.mu.Unlock()

	buses := make([]*Bus, 0, len(s.buses))
	for _, b := range s.buses {
		buses = append(buses, b)
	}

	sort.Slice(buses, func(i, j int) bool { return buses[i].Path() < buses[j].Path() })

	return buses
}

// AllBuses walks the whole bus tree depth-first.
func (s *Server) AllBuses() []*Bus {
	var all []*Bus

	var walk func(b *Bus)
	walk = func(b *Bus) {
		all = append(all, b)
		for _, c := range b.Buses() {
			walk(c)
		}
	}

	for _, b := range s.Buses() {
		walk(b)
	}

	return all
}

// scanning

// ScanNow scans the server's topology. Concurrent calls coalesce: a
// scan already in progress is awaited instead of duplicated.
func (s *Server) ScanNow(ctx context.Context, polling bool) error {
	acquired, err := s.scans.acquire(ctx)
	if err != nil {
		return err
	}

	if !acquired {
		return nil
	}

	defer s.scans.release()

	return s.scanBase(ctx, polling)
}

func (s *Server) scanBase(ctx context.Context, polling bool) error {
	entries, err := s.Dir(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)

	for _, entry := range entries {
		if !strings.HasPrefix(entry, "bus.") {
			continue
		}

		bus := s.GetBus(entry)
		bus.resetUnseen()
		seen[entry] = true

		if err := bus.scanOne(ctx, polling); err != nil {
			if ctx.Err() != nil {
				return err
			}

			s.log.Warn().Err(err).Str("bus", bus.Path()).Msg("Bus scan failed")
		}
	}

	s.mu.Lock()
	stale := make(map[string]*Bus)
	for key, bus := range s.buses {
		if !seen[key] {
			stale[key] = bus
		}
	}
	s.mu.Unlock()

	for key, bus := range stale {
		if bus.bumpUnseen() {
			s.mu.Lock()
			delete(s.buses, key)
			s.mu.Unlock()

			bus.delocate()
		}
	}

	return nil
}

// StartScan arms the scan schedule. The configuration is remembered and
// re-armed after every reconnect.
func (s *Server) StartScan(ctx context.Context, cfg ScanConfig) error {
	if cfg.Interval != 0 && cfg.Interval < config.MinScanInterval {
		return errors.ErrScanTooOften
	}

	s.mu.Lock()
	s.scanCfg = cfg
	s.scanSet = true
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		return nil
	}

	if cfg.Interval == 0 && cfg.Mode == ScanSkip {
		return nil
	}

	if cfg.Mode == ScanInline {
		if err := s.ScanNow(ctx, cfg.Polling); err != nil {
			return err
		}
	}

	if cfg.Interval == 0 && cfg.Mode != ScanDelayed {
		return nil
	}

	cancel := s.service.AddTask(func(tctx context.Context) {
		s.scanLoop(tctx, cfg)
	})

	s.mu.Lock()
	if s.scanCancel != nil {
		s.scanCancel()
	}
	s.scanCancel = cancel
	s.mu.Unlock()

	return nil
}

func (s *Server) scanLoop(ctx context.Context, cfg ScanConfig) {
	first := cfg.Interval
	if cfg.Mode == ScanDelayed {
		first = cfg.Delay
	}

	if !sleepCtx(ctx, scanJitter(first, cfg.Random)) {
		return
	}

	for {
		if err := s.ScanNow(ctx, cfg.Polling); err != nil {
			if ctx.Err() != nil {
				return
			}

			s.log.Warn().Err(err).Str("server", s.Address()).Msg("Scan failed")
		}

		if cfg.Interval == 0 {
			return
		}

		if !sleepCtx(ctx, scanJitter(cfg.Interval, cfg.Random)) {
			return
		}
	}
}

// lifecycle

// Close stops all tasks, closes the stream, delocates every bus and
// cancels the in-flight messages. The server cannot be restarted.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	cancels := []context.CancelFunc{s.scanCancel, s.writerCancel, s.readerCancel}
	s.scanCancel, s.writerCancel, s.readerCancel = nil, nil, nil

	conn := s.conn
	s.conn = nil
	s.codec = nil
	s.wq = nil

	buses := s.buses
	s.buses = make(map[string]*Bus)
	s.mu.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}

	if conn != nil {
		_ = conn.Close()
	}

	s.transition(eventDrain)

	if conn != nil {
		s.service.pushEvent(event.TypeServerDisconnected, event.Server{Address: s.Address()})
	}

	for _, b := range buses {
		b.delocate()
	}

	for _, m := range s.takeInflight() {
		m.Cancel()
	}
}

// Drop closes the server and removes it from the service.
func (s *Server) Drop() {
	s.Close()
	s.service.dropServer(s)
}

// scanLock serialises scans and lets concurrent callers coalesce onto a
// scan already in progress.
type scanLock struct {
	mu     sync.Mutex
	active chan struct{}
}

// acquire returns true when the caller should scan. When a scan is
// already running it waits for that scan and returns false.
func (l *scanLock) acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()

	if l.active != nil {
		done := l.active
		l.mu.Unlock()

		select {
		case <-done:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	l.active = make(chan struct{})
	l.mu.Unlock()

	return true, nil
}

func (l *scanLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	close(l.active)
	l.active = nil
}
