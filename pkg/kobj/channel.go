// Package kobj implements the capability-backed Channel object.
// A Channel is a small bounded ring buffer of messages with a waiter
// list; blocking send/recv stand in for the kernel scheduler putting
// the calling task to sleep the only way a host simulation without
// real task switching can: a sync.Cond wakes
// the next waiter when space or data becomes available.
//
// The channel's kernel-object descriptor is allocated from the
// "channel" slab cache; the message payloads themselves
// are ordinary Go byte slices; since messages vary in length, only the
// fixed-size descriptor, not the variable-length queue, fits the
// slab's object-size contract.
package kobj

import (
	"sync"

	"github.com/vkern/viper/pkg/klog"
	"github.com/vkern/viper/pkg/slab"
	"github.com/vkern/viper/pkg/verr"
)

// Endpoint bits track which direction(s) of a channel a handle owns.
const (
	EndpointSend uint8 = 1 << 0
	EndpointRecv uint8 = 1 << 1
	EndpointBoth uint8 = EndpointSend | EndpointRecv
)

// MaxQueueDepth bounds the number of buffered messages per channel.
const MaxQueueDepth = 32

// MaxMessageSize bounds a single message's length.
const MaxMessageSize = 4096

// channelCore is the shared, reference-counted ring buffer a Channel
// wrapper forwards to. Two endpoints of one channel share a core.
type channelCore struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	queue     [][]byte
	sendRefs  int
	recvRefs  int
	closed    bool
}

func newChannelCore() *channelCore {
	c := &channelCore{}
	c.notEmpty = sync.NewCond(&c.mu)
	c.notFull = sync.NewCond(&c.mu)
	return c
}

// Channel is a per-handle wrapper around a channelCore, holding a
// slab-allocated descriptor address and the subset of endpoints this
// handle owns.
type Channel struct {
	id        uint32
	core      *channelCore
	endpoints uint8
	objAddr   uint64
	cache     *slab.Cache
}

// Registry owns the channel ID namespace and the "channel" slab cache
// descriptors are allocated from.
type Registry struct {
	mu      sync.Mutex
	cache   *slab.Cache
	nextID  uint32
	cores   map[uint32]*channelCore
}

// NewRegistry creates a channel registry backed by the "channel" slab
// cache.
func NewRegistry(cache *slab.Cache) *Registry {
	return &Registry{cache: cache, cores: make(map[uint32]*channelCore), nextID: 1}
}

// Create allocates a new channel with both endpoints owned by the
// caller.
func (r *Registry) Create() (*Channel, error) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	core := newChannelCore()
	core.sendRefs = 1
	core.recvRefs = 1
	r.cores[id] = core
	r.mu.Unlock()

	return r.newHandle(id, core, EndpointBoth)
}

// Wrap creates an additional handle to an existing channel, bumping the
// requested endpoint's refcount.
func (r *Registry) Wrap(id uint32, isSend bool) (*Channel, error) {
	r.mu.Lock()
	core, ok := r.cores[id]
	r.mu.Unlock()
	if !ok {
		return nil, verr.New(verr.NotFound)
	}

	core.mu.Lock()
	if isSend {
		core.sendRefs++
	} else {
		core.recvRefs++
	}
	core.mu.Unlock()

	endpoint := EndpointRecv
	if isSend {
		endpoint = EndpointSend
	}
	klog.L("kobj").WithFields(map[string]interface{}{
		"channel": id, "endpoint": endpoint,
	}).Info("wrapped channel endpoint")
	return r.newHandle(id, core, endpoint)
}

func (r *Registry) newHandle(id uint32, core *channelCore, endpoints uint8) (*Channel, error) {
	addr := r.cache.Alloc()
	if addr == 0 {
		return nil, verr.New(verr.OutOfMemory)
	}
	return &Channel{id: id, core: core, endpoints: endpoints, objAddr: addr, cache: r.cache}, nil
}

// Close releases the endpoints this handle owns; when both directions
// of the underlying channel are refcount-zero, recv blocked on the
// channel wakes and fails with a verr.Connection error.
func (ch *Channel) Close() {
	if ch.objAddr != 0 {
		ch.cache.Free(ch.objAddr)
		ch.objAddr = 0
	}
	core := ch.core
	core.mu.Lock()
	defer core.mu.Unlock()
	if ch.endpoints&EndpointSend != 0 {
		core.sendRefs--
	}
	if ch.endpoints&EndpointRecv != 0 {
		core.recvRefs--
	}
	if core.sendRefs <= 0 && core.recvRefs <= 0 {
		core.closed = true
		core.notEmpty.Broadcast()
		core.notFull.Broadcast()
	}
}

// Send blocks until there is room in the ring buffer, then enqueues
// data.
func (ch *Channel) Send(data []byte) error {
	if len(data) > MaxMessageSize {
		return verr.New(verr.InvalidArg)
	}
	core := ch.core
	core.mu.Lock()
	defer core.mu.Unlock()
	for len(core.queue) >= MaxQueueDepth && !core.closed {
		core.notFull.Wait()
	}
	if core.closed {
		return verr.New(verr.Connection)
	}
	msg := append([]byte(nil), data...)
	core.queue = append(core.queue, msg)
	core.notEmpty.Signal()
	return nil
}

// TrySend enqueues data without blocking, failing with WouldBlock if
// the ring buffer is full.
func (ch *Channel) TrySend(data []byte) error {
	if len(data) > MaxMessageSize {
		return verr.New(verr.InvalidArg)
	}
	core := ch.core
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.closed {
		return verr.New(verr.Connection)
	}
	if len(core.queue) >= MaxQueueDepth {
		return verr.New(verr.WouldBlock)
	}
	msg := append([]byte(nil), data...)
	core.queue = append(core.queue, msg)
	core.notEmpty.Signal()
	return nil
}

// Recv blocks until a message is available, then dequeues it.
func (ch *Channel) Recv() ([]byte, error) {
	core := ch.core
	core.mu.Lock()
	defer core.mu.Unlock()
	for len(core.queue) == 0 && !core.closed {
		core.notEmpty.Wait()
	}
	if len(core.queue) == 0 {
		return nil, verr.New(verr.Connection)
	}
	msg := core.queue[0]
	core.queue = core.queue[1:]
	core.notFull.Signal()
	return msg, nil
}

// TryRecv dequeues a message without blocking, failing with WouldBlock
// if the ring buffer is empty.
func (ch *Channel) TryRecv() ([]byte, error) {
	core := ch.core
	core.mu.Lock()
	defer core.mu.Unlock()
	if len(core.queue) == 0 {
		if core.closed {
			return nil, verr.New(verr.Connection)
		}
		return nil, verr.New(verr.WouldBlock)
	}
	msg := core.queue[0]
	core.queue = core.queue[1:]
	core.notFull.Signal()
	return msg, nil
}

// HasMessage reports whether a Recv/TryRecv would succeed immediately.
func (ch *Channel) HasMessage() bool {
	core := ch.core
	core.mu.Lock()
	defer core.mu.Unlock()
	return len(core.queue) > 0
}

// ID returns the channel's low-level identifier.
func (ch *Channel) ID() uint32 { return ch.id }
