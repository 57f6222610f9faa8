package can

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeBus struct {
	sent     []Frame
	listener FrameListener
	sendErr  error
}

func (b *fakeBus) Connect(...any) error { return nil }
func (b *fakeBus) Disconnect() error    { return nil }
func (b *fakeBus) Send(frame Frame) error {
	b.sent = append(b.sent, frame)
	return b.sendErr
}
func (b *fakeBus) Subscribe(callback FrameListener) error {
	b.listener = callback
	return nil
}

type recordingListener struct {
	order *[]int
	tag   int
}

func (l recordingListener) Handle(frame Frame) {
	*l.order = append(*l.order, l.tag)
}

func TestDispatcher_DispatchesInRegistrationOrder(t *testing.T) {
	bus := &fakeBus{}
	d := NewDispatcher(bus, nil)
	require := assert.New(t)
	require.NoError(d.Start())

	var order []int
	d.Subscribe(9, recordingListener{order: &order, tag: 1})
	d.Subscribe(9, recordingListener{order: &order, tag: 2})

	bus.listener.Handle(NewFrame(9, nil))
	require.Equal([]int{1, 2}, order)
}

func TestDispatcher_CancelRemovesSubscription(t *testing.T) {
	bus := &fakeBus{}
	d := NewDispatcher(bus, nil)
	_ = d.Start()

	var order []int
	cancel := d.Subscribe(9, recordingListener{order: &order, tag: 1})
	cancel()

	bus.listener.Handle(NewFrame(9, nil))
	assert.Empty(t, order)
}

func TestDispatcher_FilterRejectsUnmatchedID(t *testing.T) {
	bus := &fakeBus{}
	d := NewDispatcher(bus, nil)
	_ = d.Start()
	d.AddFilter(Filter{ID: 9, Mask: 0x7FF})

	var order []int
	d.Subscribe(10, recordingListener{order: &order, tag: 1})
	bus.listener.Handle(NewFrame(10, nil))
	assert.Empty(t, order)
}

func TestDispatcher_Send(t *testing.T) {
	bus := &fakeBus{}
	d := NewDispatcher(bus, nil)
	frame := NewFrame(1, []byte{1, 2, 3, 4})
	assert.NoError(t, d.Send(frame))
	assert.Equal(t, []Frame{frame}, bus.sent)
}
