package ownet

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ownet/config"
	"ownet/config/logger"
	"ownet/errors"
	"ownet/event"
)

// Bus is one physical or coupled 1-Wire segment behind a server. Buses
// form a tree: couplers contribute child segments below their device id.
type Bus struct {
	service *Service
	server  *Server
	path    []string
	log     logger.Logger

	mu        sync.Mutex
	buses     map[string]*Bus
	devices   map[string]*Device
	unseen    int
	tasks     map[string]context.CancelFunc
	intervals map[string]time.Duration
}

func newBus(srv *Server, path ...string) *Bus {
	return &Bus{
		service:   srv.service,
		server:    srv,
		path:      path,
		log:       srv.log,
		buses:     make(map[string]*Bus),
		devices:   make(map[string]*Device),
		tasks:     make(map[string]context.CancelFunc),
		intervals: make(map[string]time.Duration),
	}
}

// Path returns the slash-joined bus path.
func (b *Bus) Path() string {
	return strings.Join(b.path, "/")
}

// Segments returns the bus path segments.
func (b *Bus) Segments() []string {
	return append([]string{}, b.path...)
}

// Server returns the owning server.
func (b *Bus) Server() *Server {
	return b.server
}

func (b *Bus) String() string {
	return "<" + b.server.Address() + ":" + b.Path() + ">"
}

// Devices lists the devices currently located on this bus, ordered by id.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	devs := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		devs = append(devs, d)
	}

	sort.Slice(devs, func(i, j int) bool { return devs[i].ID() < devs[j].ID() })

	return devs
}

// Buses lists the direct child buses, ordered by path.
func (b *Bus) Buses() []*Bus {
	b.mu.Lock()
	defer b.mu.Unlock()

	buses := make([]*Bus, 0, len(b.buses))
	for _, c := range b.buses {
		buses = append(buses, c)
	}

	sort.Slice(buses, func(i, j int) bool { return buses[i].Path() < buses[j].Path() })

	return buses
}

// GetBus returns the child bus at the given sub-path, creating it if
// needed. Creation emits BusAdded.
func (b *Bus) GetBus(sub ...string) *Bus {
	key := strings.Join(sub, "/")

	b.mu.Lock()
	child, ok := b.buses[key]
	if !ok {
		child = newBus(b.server, append(append([]string{}, b.path...), sub...)...)
		b.buses[key] = child
	}
	b.mu.Unlock()

	if !ok {
		b.service.pushEvent(event.TypeBusAdded, event.Bus{Server: b.server.Address(), Path: child.Path()})
	}

	return child
}

// Dir lists a directory below this bus.
func (b *Bus) Dir(ctx context.Context, sub ...string) ([]string, error) {
	return b.server.Dir(ctx, append(append([]string{}, b.path...), sub...)...)
}

// AttrGet reads an attribute below this bus.
func (b *Bus) AttrGet(ctx context.Context, attr ...string) ([]byte, error) {
	return b.server.AttrGet(ctx, append(append([]string{}, b.path...), attr...)...)
}

// AttrSet writes an attribute below this bus.
func (b *Bus) AttrSet(ctx context.Context, value interface{}, attr ...string) error {
	return b.server.AttrSet(ctx, value, append(append([]string{}, b.path...), attr...)...)
}

func (b *Bus) addDevice(d *Device) {
	b.mu.Lock()
	b.devices[d.ID()] = d
	b.mu.Unlock()

	d.locate(b)
}

func (b *Bus) delDevice(d *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.devices, d.ID())
}

func (b *Bus) resetUnseen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unseen = 0
}

// bumpUnseen records one missed scan, reporting true once the bus has
// been missing longer than the eviction limit.
func (b *Bus) bumpUnseen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unseen > config.UnseenLimit {
		return true
	}

	b.unseen++

	return false
}

// delocate tears the bus down: child buses first, then device
// back-references, then the polling tasks. The devices themselves stay
// with the service.
func (b *Bus) delocate() {
	b.mu.Lock()
	children := make([]*Bus, 0, len(b.buses))
	for _, c := range b.buses {
		children = append(children, c)
	}
	b.buses = make(map[string]*Bus)

	devs := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		devs = append(devs, d)
	}

	tasks := b.tasks
	b.tasks = make(map[string]context.CancelFunc)
	b.mu.Unlock()

	for _, c := range children {
		c.delocate()
	}

	for _, d := range devs {
		d.delocate(b)
	}

	for _, cancel := range tasks {
		cancel()
	}

	b.service.pushEvent(event.TypeBusDeleted, event.Bus{Server: b.server.Address(), Path: b.Path()})
}

// scanOne scans this bus and every coupled bus below it, returning only
// after the whole subtree has been walked.
func (b *Bus) scanOne(ctx context.Context, polling bool) error {
	entries, err := b.Dir(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	old := make(map[string]*Device, len(b.devices))
	for id, d := range b.devices {
		old[id] = d
	}
	b.mu.Unlock()

	seenSubs := make(map[string]bool)

	for _, entry := range entries {
		if _, _, _, err := SplitID(entry); err != nil {
			b.log.Debug().Str("entry", entry).Msg("Not a device")
			continue
		}

		dev, err := b.service.GetDevice(entry)
		if err != nil {
			continue
		}

		if err := b.service.EnsureStruct(ctx, dev, b.server, true); err != nil {
			b.log.Warn().Err(err).Str("device", dev.ID()).Msg("Schema load failed")
		}

		if dev.Bus() == b {
			delete(old, dev.ID())
		} else {
			b.addDevice(dev)
		}

		dev.resetUnseen()

		for _, sub := range dev.handler().SubBuses(dev) {
			key := strings.Join(sub, "/")
			seenSubs[key] = true

			child := b.GetBus(sub...)
			child.resetUnseen()

			if err := child.scanOne(ctx, polling); err != nil {
				b.log.Warn().Err(err).Str("bus", child.Path()).Msg("Sub-bus scan failed")
			}
		}
	}

	// devices that went unseen this pass
	for _, dev := range old {
		if dev.bumpUnseen() {
			dev.delocate(b)
		}
	}

	// child buses that went unseen this pass
	b.mu.Lock()
	stale := make(map[string]*Bus)
	for key, child := range b.buses {
		if !seenSubs[key] {
			stale[key] = child
		}
	}
	b.mu.Unlock()

	for key, child := range stale {
		if child.bumpUnseen() {
			b.mu.Lock()
			delete(b.buses, key)
			b.mu.Unlock()

			child.delocate()
		}
	}

	if polling {
		b.updatePoll(ctx)
	}

	return nil
}

// updatePoll reconciles the per-bus poll tasks with the intervals the
// located devices declare. The bus interval for a name is the minimum
// across its devices.
func (b *Bus) updatePoll(ctx context.Context) {
	intervals := make(map[string]time.Duration)

	for _, dev := range b.Devices() {
		for _, name := range dev.PollingItems() {
			iv, ok := dev.PollingInterval(name)
			if !ok {
				continue
			}

			if cur, ok := intervals[name]; !ok || iv < cur {
				intervals[name] = iv
			}
		}
	}

	b.mu.Lock()

	for name, iv := range intervals {
		b.intervals[name] = iv
	}

	var stop []context.CancelFunc
	for name, cancel := range b.tasks {
		if _, ok := intervals[name]; !ok {
			stop = append(stop, cancel)
			delete(b.tasks, name)
		}
	}

	var start []string
	for name := range intervals {
		if _, ok := b.tasks[name]; !ok {
			start = append(start, name)
		}
	}
	b.mu.Unlock()

	for _, cancel := range stop {
		cancel()
	}

	for _, name := range start {
		name := name
		cancel := b.service.AddTask(func(ctx context.Context) {
			b.pollTask(ctx, name)
		})

		b.mu.Lock()
		b.tasks[name] = cancel
		b.mu.Unlock()
	}
}

func (b *Bus) interval(name string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.intervals[name]
}

// pollTask sleeps the jittered bus interval and runs one poll, until
// cancelled.
func (b *Bus) pollTask(ctx context.Context, name string) {
	for {
		iv := b.interval(name)
		if iv <= 0 {
			return
		}

		timer := time.NewTimer(pollJitter(iv))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := b.Poll(ctx, name); err != nil {
			if ctx.Err() != nil {
				return
			}

			b.log.Warn().Err(err).Str("bus", b.Path()).Str("poll", name).Msg("Poll failed")
		}
	}
}

// Poll runs one named poll: bus-level handling where it exists,
// otherwise each located device that supports the name.
func (b *Bus) Poll(ctx context.Context, name string) error {
	switch name {
	case "temperature":
		return b.pollTemperature(ctx)
	case "alarm":
		return b.pollAlarm(ctx)
	}

	for _, dev := range b.Devices() {
		if !supportsPoll(dev, name) {
			continue
		}

		if err := dev.handler().Poll(ctx, dev, name); err != nil {
			return err
		}
	}

	return nil
}

// pollTemperature triggers a simultaneous conversion, waits out the
// sensor conversion time, then reads every temperature device.
func (b *Bus) pollTemperature(ctx context.Context) error {
	if err := b.AttrSet(ctx, 1, "simultaneous", "temperature"); err != nil {
		return err
	}

	timer := time.NewTimer(config.ConversionDelay)

	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	for _, dev := range b.Devices() {
		if !supportsPoll(dev, "temperature") {
			continue
		}

		if err := dev.handler().Poll(ctx, dev, "temperature"); err != nil {
			return err
		}
	}

	return nil
}

// pollAlarm lists the bus alarm directory. Every listed device is
// asserting; its family handler clears the condition, and the recorded
// reasons go out as a DeviceAlarm event.
func (b *Bus) pollAlarm(ctx context.Context) error {
	entries, err := b.Dir(ctx, "alarm")
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if _, _, _, err := SplitID(entry); err != nil {
			continue
		}

		dev, err := b.service.GetDevice(entry)
		if err != nil {
			continue
		}

		if err := b.service.EnsureStruct(ctx, dev, b.server, true); err != nil {
			b.log.Warn().Err(err).Str("device", dev.ID()).Msg("Schema load failed")
		}

		if dev.Bus() != b {
			b.addDevice(dev)
		}

		reasons, err := dev.handler().PollAlarm(ctx, dev)
		if err != nil {
			if errors.IsReply(err, errors.NoEntry) {
				continue
			}

			return err
		}

		dev.setLastAlarm(reasons)
		b.service.pushEvent(event.TypeDeviceAlarm, event.Alarm{ID: dev.ID(), Reasons: reasons})
	}

	return nil
}

func supportsPoll(d *Device, name string) bool {
	for _, item := range d.PollingItems() {
		if item == name {
			return true
		}
	}

	return false
}
