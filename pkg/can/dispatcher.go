package can

import (
	"log/slog"
	"sync"
)

// lookupSize covers every standard 11-bit identifier.
const lookupSize = int(CanSffMask) + 1

type subscriber struct {
	id       uint64
	callback FrameListener
}

// Dispatcher is a thin registrar over a Bus: it transmits frames,
// programs software accept-filters, and fans received frames out to
// listeners registered per CAN ID, in registration order.
type Dispatcher struct {
	logger    *slog.Logger
	mu        sync.Mutex
	bus       Bus
	listeners [lookupSize][]subscriber
	filters   []Filter
	nextSubID uint64
}

// NewDispatcher builds a Dispatcher over bus.
func NewDispatcher(bus Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{bus: bus, logger: logger.With("service", "[CAN]")}
	return d
}

// Handle implements FrameListener; it is what gets subscribed to the
// underlying Bus. Frames outside the accept-filter set (if any are
// configured) are dropped before listener dispatch.
func (d *Dispatcher) Handle(frame Frame) {
	if !d.accepts(frame.ID) {
		return
	}
	if frame.ID >= uint32(lookupSize) {
		return
	}
	d.mu.Lock()
	listeners := append([]subscriber(nil), d.listeners[frame.ID]...)
	d.mu.Unlock()
	for _, sub := range listeners {
		sub.callback.Handle(frame)
	}
}

func (d *Dispatcher) accepts(id uint32) bool {
	d.mu.Lock()
	filters := d.filters
	d.mu.Unlock()
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if id&f.Mask == f.ID&f.Mask {
			return true
		}
	}
	return false
}

// AddFilter programs a software accept-filter. With no filters
// configured, every frame is accepted.
func (d *Dispatcher) AddFilter(filter Filter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters = append(d.filters, filter)
}

// Subscribe registers callback to receive frames with the given id.
// Returns a cancel function that removes the subscription.
func (d *Dispatcher) Subscribe(id uint32, callback FrameListener) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id >= uint32(lookupSize) {
		return func() {}
	}
	subID := d.nextSubID
	d.nextSubID++
	d.listeners[id] = append(d.listeners[id], subscriber{id: subID, callback: callback})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.listeners[id]
		for i, sub := range subs {
			if sub.id == subID {
				d.listeners[id] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Send transmits a frame on the underlying bus.
func (d *Dispatcher) Send(frame Frame) error {
	err := d.bus.Send(frame)
	if err != nil {
		d.logger.Warn("send failed", "id", frame.ID, "err", err)
	}
	return err
}

// Start subscribes the dispatcher to the bus so received frames begin
// flowing to registered listeners.
func (d *Dispatcher) Start() error {
	return d.bus.Subscribe(d)
}
