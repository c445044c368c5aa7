package ownet

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"ownet/config"
	"ownet/errors"
	"ownet/event"
)

// Device is one 1-Wire device known to the service. It may or may not
// have a known location; attribute access requires one.
type Device struct {
	service *Service
	id      string
	family  byte

	mu        sync.Mutex
	bus       *Bus
	unseen    int
	located   chan struct{}
	intervals map[string]time.Duration

	queued      []event.Message
	queuedTaken bool

	alarmTemperature float64
	lastAlarm        map[string]interface{}
}

func newDevice(s *Service, id string) (*Device, error) {
	id = canonicalID(id)

	family, _, _, err := SplitID(id)
	if err != nil {
		return nil, err
	}

	return &Device{
		service:   s,
		id:        id,
		family:    family,
		located:   make(chan struct{}),
		intervals: make(map[string]time.Duration),
	}, nil
}

// ID returns the canonical device id.
func (d *Device) ID() string {
	return d.id
}

// Family returns the device's family byte.
func (d *Device) Family() byte {
	return d.family
}

// Bus returns the device's current bus, or nil when unlocated.
func (d *Device) Bus() *Bus {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.bus
}

func (d *Device) String() string {
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()

	if bus == nil {
		return fmt.Sprintf("<%s>", d.id)
	}

	return fmt.Sprintf("<%s @ %s>", d.id, bus.Path())
}

func (d *Device) handler() familyHandler {
	return handlerFor(d.family)
}

func (d *Device) class() *DeviceClass {
	return d.service.registry.class(d.family)
}

// locate records that the device has been seen on a bus. A location
// change wakes WaitBus callers and emits DeviceLocated.
func (d *Device) locate(b *Bus) {
	d.mu.Lock()

	if d.bus == b {
		d.mu.Unlock()
		return
	}

	old := d.bus
	d.bus = b
	located := d.located
	d.mu.Unlock()

	if old != nil {
		old.delDevice(d)
	}

	select {
	case <-located:
	default:
		close(located)
	}

	d.service.pushEvent(event.TypeDeviceLocated, event.Device{ID: d.id})
}

// delocate clears the device's location if it is currently on b.
// The device itself stays registered with the service.
func (d *Device) delocate(b *Bus) {
	d.mu.Lock()

	if d.bus != b {
		d.mu.Unlock()
		return
	}

	d.bus = nil
	d.located = make(chan struct{})
	d.mu.Unlock()

	b.delDevice(d)

	d.service.pushEvent(event.TypeDeviceNotFound, event.Device{ID: d.id})
}

// Locate attaches the device to a bus, as if a scan had seen it there.
func (d *Device) Locate(b *Bus) {
	b.addDevice(d)
}

// WaitBus blocks until the device has a known location.
func (d *Device) WaitBus(ctx context.Context) error {
	d.mu.Lock()
	located := d.located
	d.mu.Unlock()

	select {
	case <-located:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) resetUnseen() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unseen = 0
}

// bumpUnseen records one missed scan. It reports true once the device
// has already been missing longer than the eviction limit.
func (d *Device) bumpUnseen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unseen > config.UnseenLimit {
		return true
	}

	d.unseen++

	return false
}

// Unseen returns the consecutive scans this device has been missing.
func (d *Device) Unseen() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.unseen
}

// QueueEvent buffers an event for high-level code that has not yet
// attached to the device.
func (d *Device) QueueEvent(msg event.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queued = append(d.queued, msg)
}

// QueuedEvents drains the buffered events. It may be called once.
func (d *Device) QueuedEvents() ([]event.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queuedTaken {
		return nil, errors.New("queued events already consumed")
	}

	d.queuedTaken = true
	evts := d.queued
	d.queued = nil

	return evts, nil
}

// AttrGet reads a raw attribute through the device's current bus.
func (d *Device) AttrGet(ctx context.Context, attr ...string) ([]byte, error) {
	bus := d.Bus()
	if bus == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrNoLocation, d.id)
	}

	return bus.AttrGet(ctx, append([]string{d.id}, attr...)...)
}

// AttrSet writes a raw attribute through the device's current bus.
func (d *Device) AttrSet(ctx context.Context, value interface{}, attr ...string) error {
	bus := d.Bus()
	if bus == nil {
		return fmt.Errorf("%w: %s", errors.ErrNoLocation, d.id)
	}

	return bus.AttrSet(ctx, value, append([]string{d.id}, attr...)...)
}

// field resolves a schema field, loading the family schema on demand.
func (d *Device) field(ctx context.Context, name string) (*Field, error) {
	cls := d.class()

	if !cls.Loaded() {
		if err := d.service.EnsureStruct(ctx, d, nil, false); err != nil {
			return nil, err
		}
	}

	return cls.Resolve(name)
}

// Get reads a scalar schema field and decodes it per its type tag.
func (d *Device) Get(ctx context.Context, name string) (interface{}, error) {
	f, err := d.field(ctx, name)
	if err != nil {
		return nil, err
	}

	if !f.Readable {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotReadable, name)
	}

	raw, err := d.AttrGet(ctx, f.Path...)
	if err != nil {
		return nil, err
	}

	return decodeValue(f.Type, raw)
}

// Set writes a scalar schema field, encoding the value per its type tag.
func (d *Device) Set(ctx context.Context, name string, value interface{}) error {
	f, err := d.field(ctx, name)
	if err != nil {
		return err
	}

	if !f.Writable {
		return fmt.Errorf("%w: %s", errors.ErrNotWritable, name)
	}

	return d.AttrSet(ctx, encodeValue(f.Type, value), f.Path...)
}

// GetIndex reads one element of an array field.
func (d *Device) GetIndex(ctx context.Context, name string, idx int) (interface{}, error) {
	f, err := d.arrayField(ctx, name)
	if err != nil {
		return nil, err
	}

	if !f.Readable {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotReadable, name)
	}

	raw, err := d.AttrGet(ctx, elementPath(f, idx)...)
	if err != nil {
		return nil, err
	}

	return decodeValue(f.Type, raw)
}

// SetIndex writes one element of an array field.
func (d *Device) SetIndex(ctx context.Context, name string, idx int, value interface{}) error {
	f, err := d.arrayField(ctx, name)
	if err != nil {
		return err
	}

	if !f.Writable {
		return fmt.Errorf("%w: %s", errors.ErrNotWritable, name)
	}

	return d.AttrSet(ctx, encodeValue(f.Type, value), elementPath(f, idx)...)
}

// GetAll reads a whole array field via its .ALL spelling.
func (d *Device) GetAll(ctx context.Context, name string) ([]interface{}, error) {
	f, err := d.arrayField(ctx, name)
	if err != nil {
		return nil, err
	}

	if !f.Readable {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotReadable, name)
	}

	raw, err := d.AttrGet(ctx, allPath(f)...)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(raw), ",")
	vals := make([]interface{}, 0, len(parts))

	for _, p := range parts {
		v, err := decodeValue(f.Type, []byte(p))
		if err != nil {
			return nil, err
		}

		vals = append(vals, v)
	}

	return vals, nil
}

// SetAll writes a whole array field via its .ALL spelling.
func (d *Device) SetAll(ctx context.Context, name string, values []interface{}) error {
	f, err := d.arrayField(ctx, name)
	if err != nil {
		return err
	}

	if !f.Writable {
		return fmt.Errorf("%w: %s", errors.ErrNotWritable, name)
	}

	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, string(encodeValue(f.Type, v)))
	}

	return d.AttrSet(ctx, []byte(strings.Join(parts, ",")), allPath(f)...)
}

func (d *Device) arrayField(ctx context.Context, name string) (*Field, error) {
	f, err := d.field(ctx, name)
	if err != nil {
		return nil, err
	}

	if f.Array == ArrayNone {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotArray, name)
	}

	return f, nil
}

func elementPath(f *Field, idx int) []string {
	suffix := strconv.Itoa(idx)
	if f.Array == ArrayAlpha {
		suffix = string(rune('A' + idx))
	}

	path := append([]string{}, f.Path...)
	path[len(path)-1] = path[len(path)-1] + "." + suffix

	return path
}

func allPath(f *Field) []string {
	path := append([]string{}, f.Path...)
	path[len(path)-1] = path[len(path)-1] + ".ALL"

	return path
}

// Float reads a schema field as float64.
func (d *Device) Float(ctx context.Context, name string) (float64, error) {
	v, err := d.Get(ctx, name)
	if err != nil {
		return 0, err
	}

	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("%w: %s is not numeric", errors.ErrBadStructField, name)
	}
}

// Int reads a schema field as int64.
func (d *Device) Int(ctx context.Context, name string) (int64, error) {
	v, err := d.Get(ctx, name)
	if err != nil {
		return 0, err
	}

	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("%w: %s is not numeric", errors.ErrBadStructField, name)
	}
}

// Bool reads a schema field as bool.
func (d *Device) Bool(ctx context.Context, name string) (bool, error) {
	v, err := d.Get(ctx, name)
	if err != nil {
		return false, err
	}

	return truthy(v), nil
}

// Text reads a schema field as a string.
func (d *Device) Text(ctx context.Context, name string) (string, error) {
	v, err := d.Get(ctx, name)
	if err != nil {
		return "", err
	}

	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return fmt.Sprintf("%v", x), nil
	}
}

// PollingItems enumerates the poll names this device supports.
func (d *Device) PollingItems() []string {
	return d.handler().PollingItems()
}

// PollingInterval returns the declared interval for a poll name.
func (d *Device) PollingInterval(name string) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	iv, ok := d.intervals[name]

	return iv, ok
}

// SetPollingInterval declares how often the named poll should run for
// this device. A zero interval withdraws the declaration. The owning
// bus reconciles its poll tasks.
func (d *Device) SetPollingInterval(ctx context.Context, name string, interval time.Duration) error {
	d.mu.Lock()

	if interval <= 0 {
		delete(d.intervals, name)
	} else {
		d.intervals[name] = interval
	}

	bus := d.bus
	d.mu.Unlock()

	if bus != nil {
		bus.updatePoll(ctx)
	}

	return nil
}

func (d *Device) setAlarmTemperature(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.alarmTemperature = v
}

// AlarmTemperature returns the reading captured by the last temperature
// alarm sweep.
func (d *Device) AlarmTemperature() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.alarmTemperature
}

func (d *Device) setLastAlarm(reasons map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastAlarm = reasons
}

// LastAlarm returns the reasons recorded while clearing the most recent
// alarm.
func (d *Device) LastAlarm() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lastAlarm
}
