// Package service hosts the backend capabilities a server exposes over the
// channel multiplexer. Each capability is a named channel carrying explicit
// method and event manifests; registration is explicit and channels live for
// the life of the process.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rishiad/uplink-server/pkg/codec"
	"github.com/rishiad/uplink-server/pkg/mux"
)

// Handler is one callable method on a channel. arg and the result are plain
// codec values; the transport never looks inside them.
type Handler func(ctx context.Context, arg codec.Value) (codec.Value, error)

// MethodInfo describes one method in a channel manifest.
type MethodInfo struct {
	Name      string `json:"name"`
	Signature string `json:"signature,omitempty"`
}

// EventInfo describes one event stream in a channel manifest.
type EventInfo struct {
	Name      string `json:"name"`
	Signature string `json:"signature,omitempty"`
}

// Manifest is the discovery record for one channel.
type Manifest struct {
	Channel string       `json:"channel"`
	Methods []MethodInfo `json:"methods"`
	Events  []EventInfo  `json:"events"`
}

type method struct {
	info    MethodInfo
	handler Handler
}

// Channel is a named backend capability under construction or registered.
// Methods and events are added at startup; like http.ServeMux, duplicate
// registration panics.
type Channel struct {
	name    string
	methods map[string]method
	events  map[string]*Emitter

	methodOrder []string
	eventOrder  []string
}

// NewChannel starts an empty channel definition.
func NewChannel(name string) *Channel {
	return &Channel{
		name:    name,
		methods: make(map[string]method),
		events:  make(map[string]*Emitter),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Method adds a callable method. signature is free-form manifest text.
func (c *Channel) Method(name, signature string, h Handler) *Channel {
	if _, dup := c.methods[name]; dup {
		panic(fmt.Sprintf("service: duplicate method %q on channel %q", name, c.name))
	}
	c.methods[name] = method{info: MethodInfo{Name: name, Signature: signature}, handler: h}
	c.methodOrder = append(c.methodOrder, name)
	return c
}

// Event adds an event stream and returns its emitter for the backend to
// fire into.
func (c *Channel) Event(name, signature string) *Emitter {
	if _, dup := c.events[name]; dup {
		panic(fmt.Sprintf("service: duplicate event %q on channel %q", name, c.name))
	}
	e := &Emitter{info: EventInfo{Name: name, Signature: signature}, listeners: make(map[uint64]func(codec.Value))}
	c.events[name] = e
	c.eventOrder = append(c.eventOrder, name)
	return e
}

// Manifest renders the channel's discovery record.
func (c *Channel) Manifest() Manifest {
	m := Manifest{Channel: c.name, Methods: []MethodInfo{}, Events: []EventInfo{}}
	for _, name := range c.methodOrder {
		m.Methods = append(m.Methods, c.methods[name].info)
	}
	for _, name := range c.eventOrder {
		m.Events = append(m.Events, c.events[name].info)
	}
	return m
}

// Registry is the set of channels one server exposes. It satisfies
// mux.Dispatcher directly.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

var _ mux.Dispatcher = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Register adds a finished channel. Channel names are unique.
func (r *Registry) Register(c *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.channels[c.name]; dup {
		return fmt.Errorf("service: channel %q already registered", c.name)
	}
	r.channels[c.name] = c
	return nil
}

// Manifests renders every channel's discovery record, sorted by name.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c.Manifest())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Dispatch resolves and runs channel.method. Missing targets return the
// standard not-found call error, never a transport failure.
func (r *Registry) Dispatch(ctx context.Context, channel, name string, arg codec.Value) (codec.Value, error) {
	r.mu.RLock()
	c := r.channels[channel]
	r.mu.RUnlock()
	if c == nil {
		return codec.Value{}, mux.NotFoundError(channel, name)
	}
	m, ok := c.methods[name]
	if !ok {
		return codec.Value{}, mux.NotFoundError(channel, name)
	}
	return m.handler(ctx, arg)
}

// Subscribe attaches fire to channel.event and returns the detach func.
func (r *Registry) Subscribe(channel, event string, fire func(codec.Value)) (func(), error) {
	r.mu.RLock()
	c := r.channels[channel]
	r.mu.RUnlock()
	if c == nil {
		return nil, mux.NotFoundError(channel, event)
	}
	e, ok := c.events[event]
	if !ok {
		return nil, mux.NotFoundError(channel, event)
	}
	return e.attach(fire), nil
}

// Emitter is one event stream. Backends call Fire; the multiplexer attaches
// listeners through Registry.Subscribe.
type Emitter struct {
	info EventInfo

	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(codec.Value)
}

// Fire delivers v to every current listener. Listeners are invoked outside
// the emitter lock, so a listener may attach or detach freely.
func (e *Emitter) Fire(v codec.Value) {
	e.mu.Lock()
	fns := make([]func(codec.Value), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// ListenerCount reports how many listeners are attached.
func (e *Emitter) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

func (e *Emitter) attach(fn func(codec.Value)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}
