// Package ownet is an asynchronous client for the OWFS ownerver wire
// protocol. A Service manages persistent connections to one or more
// servers, discovers the 1-Wire topology behind them, exposes typed
// attribute access to the discovered devices and schedules periodic
// scanning, polling and alarm handling.
package ownet

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"ownet/config"
	"ownet/config/logger"
	"ownet/errors"
	"ownet/event"
)

// Service is the entry point for talking to OWFS. It owns the servers,
// the canonical device map, the family schema registry, the event queue
// and every background task.
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	base     logger.Logger
	events   event.Queue
	registry *classRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	servers []*Server
	devices map[string]*Device
	closed  bool
}

// New creates a Service. Close releases everything it starts.
func New(cfg *config.Config, log logger.Logger, events event.Queue) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		cfg:      cfg,
		log:      log.WithComponent("SERVICE"),
		base:     log,
		events:   events,
		registry: newClassRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		devices:  make(map[string]*Device),
	}
}

// ServerOption overrides per-server behaviour at registration time.
type ServerOption func(*serverOptions)

type serverOptions struct {
	scan       ScanConfig
	background bool
}

// WithScan overrides the service-wide scan schedule for one server.
func WithScan(cfg ScanConfig) ServerOption {
	return func(o *serverOptions) {
		o.scan = cfg
	}
}

// WithBackground makes AddServer return immediately and keep dialing
// with backoff until the server comes up.
func WithBackground() ServerOption {
	return func(o *serverOptions) {
		o.background = true
	}
}

func (s *Service) defaultScan() ScanConfig {
	cfg := ScanConfig{
		Interval: s.cfg.Scan.Interval,
		Mode:     ScanInline,
		Polling:  s.cfg.Polling,
		Random:   s.cfg.Scan.Random,
	}

	if s.cfg.Scan.InitialDelay > 0 {
		cfg.Mode = ScanDelayed
		cfg.Delay = s.cfg.Scan.InitialDelay
	}

	return cfg
}

// AddServer registers an ownerver, connects to it and arms its scan
// schedule. Empty host and zero port fall back to the wire defaults.
func (s *Service) AddServer(ctx context.Context, host string, port int, opts ...ServerOption) (*Server, error) {
	if host == "" {
		host = config.DefaultHost
	}

	if port == 0 {
		port = config.DefaultPort
	}

	o := &serverOptions{scan: s.defaultScan()}
	for _, opt := range opts {
		opt(o)
	}

	srv := newServer(s, host, port, s.base.WithComponent("SERVER"))

	s.pushEvent(event.TypeServerRegistered, event.Server{Address: srv.Address()})

	srv.mu.Lock()
	srv.scanCfg = o.scan
	srv.scanSet = true
	srv.mu.Unlock()

	if o.background {
		s.mu.Lock()
		s.servers = append(s.servers, srv)
		s.mu.Unlock()

		s.AddTask(srv.startRetry)

		return srv, nil
	}

	if err := srv.Start(ctx); err != nil {
		s.log.Error().Err(err).Str("server", srv.Address()).Msg("Could not start server")
		s.pushEvent(event.TypeServerDeregistered, event.Server{Address: srv.Address()})

		return nil, err
	}

	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()

	if err := srv.StartScan(ctx, o.scan); err != nil {
		return nil, err
	}

	return srv, nil
}

// Servers returns the registered servers.
func (s *Service) Servers() []*Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Server{}, s.servers...)
}

func (s *Service) dropServer(srv *Server) {
	s.mu.Lock()
	for i, x := range s.servers {
		if x == srv {
			s.servers = append(s.servers[:i], s.servers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.pushEvent(event.TypeServerDeregistered, event.Server{Address: srv.Address()})
}

// GetDevice returns the device with this id, creating it (and emitting
// DeviceAdded) on first use. Repeated calls return the same instance.
func (s *Service) GetDevice(id string) (*Device, error) {
	id = canonicalID(id)

	s.mu.Lock()
	dev, ok := s.devices[id]
	s.mu.Unlock()

	if ok {
		return dev, nil
	}

	dev, err := newDevice(s, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.devices[id]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.devices[id] = dev
	s.mu.Unlock()

	s.pushEvent(event.TypeDeviceAdded, event.Device{ID: dev.ID()})

	return dev, nil
}

// Devices returns every device the service knows about.
func (s *Service) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	devs := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		devs = append(devs, d)
	}

	return devs
}

// DeleteDevice forgets a device entirely, delocating it first.
func (s *Service) DeleteDevice(id string) {
	id = canonicalID(id)

	s.mu.Lock()
	dev, ok := s.devices[id]
	delete(s.devices, id)
	s.mu.Unlock()

	if !ok {
		return
	}

	if bus := dev.Bus(); bus != nil {
		dev.delocate(bus)
	}

	s.pushEvent(event.TypeDeviceDeleted, event.Device{ID: id})
}

// ScanNow scans every registered server.
func (s *Service) ScanNow(ctx context.Context, polling bool) error {
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		res   error
	)

	for _, srv := range s.Servers() {
		srv := srv

		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := srv.ScanNow(ctx, polling); err != nil {
				errMu.Lock()
				res = multierr.Append(res, err)
				errMu.Unlock()
			}
		}()
	}

	wg.Wait()

	return res
}

// EnsureStruct loads the schema for the device's family. With maybe set
// the load is skipped when structure loading is disabled. A nil server
// means any registered one.
func (s *Service) EnsureStruct(ctx context.Context, dev *Device, srv *Server, maybe bool) error {
	if maybe && !s.cfg.LoadStructs {
		return nil
	}

	cls := s.registry.class(dev.Family())

	if srv != nil {
		return cls.ensure(ctx, srv)
	}

	servers := s.Servers()
	if len(servers) == 0 {
		return errors.ErrNoServer
	}

	return cls.ensure(ctx, servers[0])
}

// AddTask runs a background task owned by the service. It is cancelled
// by the returned function or when the service closes.
func (s *Service) AddTask(fn func(ctx context.Context)) context.CancelFunc {
	ctx, cancel := context.WithCancel(s.ctx)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()

		fn(ctx)
	}()

	return cancel
}

// Events subscribes the single observer to the event stream. The
// channel closes when ctx ends or the service shuts down.
func (s *Service) Events(ctx context.Context) (<-chan event.Message, error) {
	return s.events.Subscribe(ctx)
}

func (s *Service) pushEvent(typ event.Type, data interface{}) {
	s.events.Publish(event.Message{Type: typ, Data: data})
}

func (s *Service) pushDeviceValue(d *Device, name string, value interface{}) {
	s.pushEvent(event.TypeDeviceValue, event.Value{ID: d.ID(), Name: name, Value: value})
}

// Close drops every server, terminates the event stream and waits for
// all background tasks to finish.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	servers := append([]*Server{}, s.servers...)
	s.servers = nil
	s.mu.Unlock()

	for _, srv := range servers {
		srv.Close()
		s.pushEvent(event.TypeServerDeregistered, event.Server{Address: srv.Address()})
	}

	s.events.Close()
	s.cancel()
	s.wg.Wait()

	return nil
}
