// Package e2e exercises the client against the in-process mock
// ownerver, covering the end-to-end behaviours a live daemon would
// show: scanning, eviction, busy retries, reconnects and alarms.
package e2e

import (
	"context"
	"testing"
	"time"

	"ownet"
	"ownet/config"
	"ownet/config/logger"
	"ownet/event"
	"ownet/internal/mockserver"
)

// Suite wires one service to one mock server and records the event
// stream.
type Suite struct {
	t *testing.T

	Service *ownet.Service
	Server  *ownet.Server
	Mock    *mockserver.Server
	Events  <-chan event.Message

	closed bool
}

// Option adjusts the suite configuration before startup.
type Option func(*suiteConfig)

type suiteConfig struct {
	cfg  *config.Config
	scan ownet.ScanConfig
}

// WithLoadStructs enables schema loading during scans.
func WithLoadStructs() Option {
	return func(sc *suiteConfig) {
		sc.cfg.LoadStructs = true
	}
}

// WithScanConfig overrides the scan schedule.
func WithScanConfig(scan ownet.ScanConfig) Option {
	return func(sc *suiteConfig) {
		sc.scan = scan
	}
}

// NewSuite starts a mock server and a connected service with an inline
// initial scan and polling tasks disabled.
func NewSuite(t *testing.T, tree mockserver.Tree, opts mockserver.Options, options ...Option) *Suite {
	t.Helper()

	sc := &suiteConfig{
		cfg:  config.DefaultConfig(),
		scan: ownet.ScanConfig{Mode: ownet.ScanInline},
	}

	// schema loading is opt-in so fault patterns stay deterministic
	sc.cfg.LoadStructs = false

	for _, opt := range options {
		opt(sc)
	}

	mock, err := mockserver.New(tree, opts)
	if err != nil {
		t.Fatalf("mock server: %v", err)
	}

	log := &logger.NoopLogger{}
	svc := ownet.New(sc.cfg, log, event.New(sc.cfg, log))

	events, err := svc.Events(context.Background())
	if err != nil {
		mock.Close()
		t.Fatalf("events: %v", err)
	}

	host, port := mock.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, err := svc.AddServer(ctx, host, port, ownet.WithScan(sc.scan))
	if err != nil {
		mock.Close()
		t.Fatalf("add server: %v", err)
	}

	s := &Suite{
		t:       t,
		Service: svc,
		Server:  srv,
		Mock:    mock,
		Events:  events,
	}

	t.Cleanup(func() { s.Close() })

	return s
}

// Close shuts everything down and returns the full recorded event
// stream.
func (s *Suite) Close() []event.Message {
	if s.closed {
		return nil
	}

	s.closed = true

	_ = s.Service.Close()
	s.Mock.Close()

	var msgs []event.Message
	for msg := range s.Events {
		msgs = append(msgs, msg)
	}

	return msgs
}

// WaitEvent reads events until one of the wanted type arrives.
func (s *Suite) WaitEvent(typ event.Type, timeout time.Duration) (event.Message, bool) {
	s.t.Helper()

	deadline := time.After(timeout)

	for {
		select {
		case msg, ok := <-s.Events:
			if !ok {
				return event.Message{}, false
			}

			if msg.Type == typ {
				return msg, true
			}
		case <-deadline:
			return event.Message{}, false
		}
	}
}

// countEvents tallies event types in a recorded stream.
func countEvents(msgs []event.Message, typ event.Type) int {
	n := 0

	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}

	return n
}

// busPaths extracts the paths of every BusAdded event in order.
func busPaths(msgs []event.Message) []string {
	var paths []string

	for _, m := range msgs {
		if m.Type != event.TypeBusAdded {
			continue
		}

		if data, ok := m.Data.(event.Bus); ok {
			paths = append(paths, data.Path)
		}
	}

	return paths
}

func ctxWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)

	return ctx
}
