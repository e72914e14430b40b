package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
	"go.uber.org/multierr"
)

// FrameHandler receives frames routed by identifier. Handlers run on the
// bus receive goroutine and must not block.
type FrameHandler func(frame can.Frame)

// Bus is a CAN interface that transmits frames and routes received frames
// to subscribers keyed by frame identifier.
type Bus interface {
	Name() string
	WriteFrame(ctx context.Context, frame can.Frame) error
	Subscribe(id uint32, handler FrameHandler) (unsubscribe func())
}

// BusProvider resolves a bus by interface name.
type BusProvider interface {
	Bus(name string) (Bus, error)
}

// FrameRouter fans received frames out to per-identifier handlers.
type FrameRouter struct {
	mu       sync.RWMutex
	handlers map[uint32]map[uint64]FrameHandler
	nextID   uint64
}

func (r *FrameRouter) Subscribe(id uint32, handler FrameHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[uint32]map[uint64]FrameHandler)
	}
	subs, ok := r.handlers[id]
	if !ok {
		subs = make(map[uint64]FrameHandler)
		r.handlers[id] = subs
	}
	r.nextID++
	token := r.nextID
	subs[token] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.handlers[id], token)
			if len(r.handlers[id]) == 0 {
				delete(r.handlers, id)
			}
		})
	}
}

// Dispatch delivers frame to every handler subscribed to its identifier and
// reports whether anyone was listening.
func (r *FrameRouter) Dispatch(frame can.Frame) bool {
	r.mu.RLock()
	subs := r.handlers[frame.ID]
	hs := make([]FrameHandler, 0, len(subs))
	for _, h := range subs {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(frame)
	}
	return len(hs) > 0
}

// SocketCANBus is a Bus on a Linux SocketCAN interface.
type SocketCANBus struct {
	FrameRouter

	name string
	conn net.Conn
	tx   *socketcan.Transmitter
	recv *socketcan.Receiver
	log  *Logger
	done chan struct{}
}

func DialSocketCAN(ctx context.Context, iface string, log *Logger) (*SocketCANBus, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	b := &SocketCANBus{
		name: iface,
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
		recv: socketcan.NewReceiver(conn),
		log:  log.With(iface),
		done: make(chan struct{}),
	}
	go b.receiveLoop()
	return b, nil
}

func (b *SocketCANBus) Name() string { return b.name }

func (b *SocketCANBus) WriteFrame(ctx context.Context, frame can.Frame) error {
	return b.tx.TransmitFrame(ctx, frame)
}

func (b *SocketCANBus) receiveLoop() {
	defer close(b.done)
	b.log.Debug("RX loop started")

	for b.recv.Receive() {
		if b.recv.HasErrorFrame() {
			b.log.Warn("RX error frame: %v", b.recv.ErrorFrame())
			continue
		}
		frame := b.recv.Frame()
		if !b.Dispatch(frame) {
			b.log.Trace("RX unrouted id=0x%X len=%d data=% X", frame.ID, frame.Length, frame.Data[:frame.Length])
		}
	}
	if err := b.recv.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		b.log.Error("RX stopped: %v", err)
		return
	}
	b.log.Debug("RX loop stopped")
}

func (b *SocketCANBus) Close() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	<-b.done
	return err
}

// Dialer opens the bus called name.
type Dialer func(ctx context.Context, name string) (Bus, error)

// ErrBusRetryPending is returned by Hub.Bus while a failed bus is inside its
// redial backoff window.
var ErrBusRetryPending = errors.New("bus redial pending")

// Hub owns every opened bus and lazily dials missing ones. The first dial of
// a bus runs on the caller. After a failure, redials run in the background no
// more often than RetryInterval, and Bus returns ErrBusRetryPending until one
// succeeds, so periodic workers never block on a dial.
type Hub struct {
	ctx           context.Context
	dial          Dialer
	log           *Logger
	RetryInterval time.Duration

	mu         sync.Mutex
	buses      map[string]Bus
	lastFailed map[string]time.Time
	dialing    map[string]bool
	closed     bool
	now        func() time.Time
}

func NewHub(ctx context.Context, dial Dialer, log *Logger) *Hub {
	return &Hub{
		ctx:           ctx,
		dial:          dial,
		log:           log.With("can-hub"),
		RetryInterval: 100 * time.Millisecond,
		buses:         make(map[string]Bus),
		lastFailed:    make(map[string]time.Time),
		dialing:       make(map[string]bool),
		now:           time.Now,
	}
}

// SocketCANDialer dials SocketCAN interfaces by name.
func SocketCANDialer(log *Logger) Dialer {
	return func(ctx context.Context, name string) (Bus, error) {
		return DialSocketCAN(ctx, name, log)
	}
}

func (h *Hub) Bus(name string) (Bus, error) {
	h.mu.Lock()
	if b, ok := h.buses[name]; ok {
		h.mu.Unlock()
		return b, nil
	}
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("%s: hub closed", name)
	}
	if h.dialing[name] {
		h.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrBusRetryPending)
	}
	now := h.now()
	last, failed := h.lastFailed[name]
	if failed {
		if now.Sub(last) >= h.RetryInterval {
			h.dialing[name] = true
			go h.redial(name, now)
		}
		h.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrBusRetryPending)
	}
	h.dialing[name] = true
	h.mu.Unlock()

	b, err := h.dial(h.ctx, name)

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dialing, name)
	if err != nil {
		h.log.Error("open %s failed: %v", name, err)
		h.lastFailed[name] = now
		return nil, err
	}
	if h.closed {
		_ = closeBus(b)
		return nil, fmt.Errorf("%s: hub closed", name)
	}
	h.log.Info("%s opened", name)
	h.buses[name] = b
	return b, nil
}

// redial retries a failed bus off the caller's goroutine. The backoff window
// counts from started.
func (h *Hub) redial(name string, started time.Time) {
	b, err := h.dial(h.ctx, name)

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dialing, name)
	if err != nil {
		h.log.Debug("redial %s failed: %v", name, err)
		h.lastFailed[name] = started
		return
	}
	if h.closed {
		_ = closeBus(b)
		return
	}
	h.log.Info("%s recovered", name)
	delete(h.lastFailed, name)
	h.buses[name] = b
}

func closeBus(b Bus) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Close closes every bus that implements io.Closer and forgets all buses.
// Dials still in flight close their bus when they finish.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	var err error
	for name, b := range h.buses {
		if cerr := closeBus(b); cerr != nil {
			multierr.AppendInto(&err, fmt.Errorf("close %s: %w", name, cerr))
		}
		delete(h.buses, name)
	}
	return err
}
