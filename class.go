package ownet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ownet/errors"
)

// ArrayKind describes how an array field is indexed on the wire.
type ArrayKind int

const (
	ArrayNone ArrayKind = iota
	// ArrayNumeric fields appear as name.0, name.1, ...
	ArrayNumeric
	// ArrayAlpha fields appear as name.A, name.B, ...
	ArrayAlpha
)

// Field is one entry of a family schema: the wire path relative to the
// device, the value type tag, and access rights.
type Field struct {
	Path     []string
	Type     byte
	Readable bool
	Writable bool
	Array    ArrayKind
}

// Node is one level of the descriptor tree. Sub-directories advertised
// by the structure table become nested nodes.
type Node struct {
	Fields map[string]*Field
	Subs   map[string]*Node
}

func newNode() *Node {
	return &Node{
		Fields: make(map[string]*Field),
		Subs:   make(map[string]*Node),
	}
}

type setupState int

const (
	setupNotStarted setupState = iota
	setupInProgress
	setupDone
)

// DeviceClass holds the schema shared by every device of one family.
type DeviceClass struct {
	Family byte

	mu    sync.Mutex
	state setupState
	done  chan struct{}
	root  *Node
}

// familyHex renders a family byte the way structure paths spell it.
func familyHex(family byte) string {
	return fmt.Sprintf("%02X", family)
}

// ensure loads the family schema exactly once. Concurrent callers wait
// for the single loader; a failed load reverts so a retry is possible.
func (c *DeviceClass) ensure(ctx context.Context, srv *Server) error {
	for {
		c.mu.Lock()

		switch c.state {
		case setupDone:
			c.mu.Unlock()
			return nil

		case setupInProgress:
			done := c.done
			c.mu.Unlock()

			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			c.state = setupInProgress
			c.done = make(chan struct{})
			c.mu.Unlock()

			root, err := loadNode(ctx, srv, familyHex(c.Family), nil)

			c.mu.Lock()
			if err != nil {
				c.state = setupNotStarted
			} else {
				c.root = root
				c.state = setupDone
			}
			done := c.done
			c.done = nil
			c.mu.Unlock()

			close(done)

			return err
		}
	}
}

// Loaded reports whether the schema is available.
func (c *DeviceClass) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == setupDone
}

// Resolve looks a slash-separated field name up in the descriptor tree.
func (c *DeviceClass) Resolve(name string) (*Field, error) {
	c.mu.Lock()
	root := c.root
	loaded := c.state == setupDone
	c.mu.Unlock()

	if !loaded {
		return nil, fmt.Errorf("%w: family %s schema not loaded", errors.ErrUnknownField, familyHex(c.Family))
	}

	node := root
	segs := strings.Split(name, "/")

	for i, seg := range segs {
		if i == len(segs)-1 {
			f, ok := node.Fields[seg]
			if !ok {
				return nil, fmt.Errorf("%w: %s on family %s", errors.ErrUnknownField, name, familyHex(c.Family))
			}

			return f, nil
		}

		sub, ok := node.Subs[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %s on family %s", errors.ErrUnknownField, name, familyHex(c.Family))
		}

		node = sub
	}

	return nil, fmt.Errorf("%w: %s", errors.ErrUnknownField, name)
}

// classRegistry maps family bytes to their lazily created classes.
type classRegistry struct {
	mu      sync.Mutex
	classes map[byte]*DeviceClass
}

func newClassRegistry() *classRegistry {
	return &classRegistry{classes: make(map[byte]*DeviceClass)}
}

// class returns the DeviceClass for a family, creating it on first use.
func (r *classRegistry) class(family byte) *DeviceClass {
	r.mu.Lock()
	defer r.mu.Unlock()

	cls, ok := r.classes[family]
	if !ok {
		cls = &DeviceClass{Family: family}
		r.classes[family] = cls
	}

	return cls
}
