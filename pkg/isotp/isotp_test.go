package isotp

import (
	"testing"

	"github.com/candrive/firmware/internal/stream"
	"github.com/candrive/firmware/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically instead of waiting on
// a real systime.System tick goroutine.
type fakeClock struct {
	ms uint32
	us uint32
}

func (c *fakeClock) GetSystemTime() uint32   { return c.ms }
func (c *fakeClock) GetSystemTimeUs() uint32 { return c.us }
func (c *fakeClock) advance(ms uint32) {
	c.ms += ms
	c.us += ms * 1000
}

// loopbackBus connects two Dispatchers synchronously: Send on one side
// invokes Handle on the other, with no network or goroutine involved.
type loopbackBus struct {
	listener can.FrameListener
	peer     *loopbackBus
}

func (b *loopbackBus) Connect(...any) error { return nil }
func (b *loopbackBus) Disconnect() error    { return nil }
func (b *loopbackBus) Send(frame can.Frame) error {
	b.peer.listener.Handle(frame)
	return nil
}
func (b *loopbackBus) Subscribe(callback can.FrameListener) error {
	b.listener = callback
	return nil
}

func newLoopbackPair() (*loopbackBus, *loopbackBus) {
	a := &loopbackBus{}
	b := &loopbackBus{}
	a.peer = b
	b.peer = a
	return a, b
}

type statusSink struct {
	events []Status
}

func (s *statusSink) callback() StatusCallback {
	return func(st Status) { s.events = append(s.events, st) }
}

func (s *statusSink) last() Status {
	if len(s.events) == 0 {
		return -1
	}
	return s.events[len(s.events)-1]
}

func (s *statusSink) count(st Status) int {
	n := 0
	for _, e := range s.events {
		if e == st {
			n++
		}
	}
	return n
}

// newPair builds two Links wired back-to-back: a talks rxID=0x201/txID=0x200,
// b talks rxID=0x200/txID=0x201, each on its own loopback bus half and its
// own fake clock.
func newPair(t *testing.T, bufSize int) (*Link, *statusSink, *statusSink, *Link, *statusSink, *statusSink, *fakeClock, *fakeClock) {
	t.Helper()
	busA, busB := newLoopbackPair()
	dispA := can.NewDispatcher(busA, nil)
	dispB := can.NewDispatcher(busB, nil)
	require.NoError(t, dispA.Start())
	require.NoError(t, dispB.Start())

	clockA := &fakeClock{}
	clockB := &fakeClock{}

	aRx, aTx := &statusSink{}, &statusSink{}
	bRx, bTx := &statusSink{}, &statusSink{}

	a := NewLink(dispA, clockA, 0x201, 0x200, bufSize, bufSize, aRx.callback(), aTx.callback(), nil)
	b := NewLink(dispB, clockB, 0x200, 0x201, bufSize, bufSize, bRx.callback(), bTx.callback(), nil)
	return a, aRx, aTx, b, bRx, bTx, clockA, clockB
}

func pumpUntilDone(a, b *Link, rounds int) {
	for i := 0; i < rounds; i++ {
		a.Process()
		b.Process()
	}
}

func TestLink_RoundTripSingleFrame(t *testing.T) {
	a, _, aTx, b, bRx, _, _, _ := newPair(t, 64)

	payload := []byte{1, 2, 3, 4}
	require.True(t, a.Send(payload))
	pumpUntilDone(a, b, 3)

	assert.Equal(t, StatusDone, aTx.last())
	got := make([]byte, 8)
	n := b.Receive(got)
	assert.Equal(t, payload, got[:n])
	assert.Equal(t, StatusDone, bRx.last())
}

func TestLink_RoundTripMultiFrame(t *testing.T) {
	a, _, aTx, b, bRx, _, _, _ := newPair(t, 256)

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.True(t, a.Send(payload))
	pumpUntilDone(a, b, 64)

	assert.Equal(t, StatusDone, aTx.last())
	assert.Equal(t, StatusDone, bRx.last())
	got := make([]byte, len(payload))
	n := b.Receive(got)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestLink_RoundTripMaxPayload(t *testing.T) {
	a, _, aTx, b, bRx, _, _, _ := newPair(t, 4096)

	payload := make([]byte, 4095)
	for i := range payload {
		payload[i] = byte(i & 0xFF)
	}
	require.True(t, a.Send(payload))
	pumpUntilDone(a, b, 2000)

	assert.Equal(t, StatusDone, aTx.last())
	assert.Equal(t, StatusDone, bRx.last())
	got := make([]byte, len(payload))
	n := b.Receive(got)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestLink_SendRejectsOversizedPayload(t *testing.T) {
	a, _, _, _, _, _, _, _ := newPair(t, 8192)
	assert.False(t, a.Send(make([]byte, 4096)))
}

func TestLink_SendRejectsWhileTransferInFlight(t *testing.T) {
	a, _, _, _, _, _, _, _ := newPair(t, 256)
	require.True(t, a.Send(make([]byte, 40)))
	assert.False(t, a.Send([]byte{1, 2, 3}))
}

func TestLink_TimeoutWhenFirstFrameNeverFollowedByConsecutive(t *testing.T) {
	a, _, _, b, bRx, _, _, clockB := newPair(t, 256)

	payload := make([]byte, 40)
	require.True(t, a.Send(payload))
	// Let the FF/FC exchange happen once, then stop delivering further
	// frames from a to simulate a lost CF stream.
	a.Process()
	b.Process()

	clockB.advance(cfTimeoutMs + 1)
	for i := 0; i < 3; i++ {
		b.Process()
	}

	assert.Equal(t, StatusTimeout, bRx.last())
}

func TestLink_LostConsecutiveFrameSequenceMismatch(t *testing.T) {
	a, _, _, b, bRx, _, _, _ := newPair(t, 256)

	payload := make([]byte, 40)
	require.True(t, a.Send(payload))
	// FF + FC round.
	a.Process()
	b.Process()

	// Manually inject an out-of-order CF directly into b's rx fifo by
	// going through the public CAN path: craft a CF with the wrong
	// sequence number and deliver it as if it came over the bus.
	badCF := can.NewFrame(0x200, []byte{byte(frameConsecutive)<<4 | 5, 9, 9, 9})
	b.Handle(badCF)
	b.Process()

	assert.Equal(t, StatusLostFrame, bRx.last())
}

func TestLink_BackpressureWaitsThenResumesOnceConsumerDrains(t *testing.T) {
	a, _, _, b, bRx, _, _, clockB := newPair(t, 256)

	// Shrink b's rx buffer to exactly one consecutive-frame slot so that
	// after the First Frame's 6 bytes it has room for less than one
	// consecutive frame (forcing an FC Wait) until the consumer drains it.
	b.mu.Lock()
	b.rx.stream = stream.New(cfDataLength)
	b.mu.Unlock()

	payload := make([]byte, 40)
	require.True(t, a.Send(payload))
	a.Process()
	b.Process()

	assert.Equal(t, StatusWaiting, bRx.last())
	assert.Equal(t, 1, bRx.count(StatusWaiting))

	drained := make([]byte, ffDataLength)
	b.Receive(drained)

	for i := 0; i < 50 && bRx.last() != StatusDone; i++ {
		clockB.advance(waitPollMs + 1)
		b.Process()
		a.Process()
		drained := make([]byte, cfDataLength)
		b.Receive(drained)
	}
	// Still only ever reported Waiting once, even though several polls
	// elapsed before the consumer freed space.
	assert.Equal(t, 1, bRx.count(StatusWaiting))
	assert.Equal(t, StatusDone, bRx.last())
}

func TestLink_BackpressureTimesOutAfterMaxWaitFrames(t *testing.T) {
	a, _, _, b, bRx, _, _, clockB := newPair(t, 256)

	b.mu.Lock()
	b.rx.stream = stream.New(ffDataLength)
	b.mu.Unlock()

	payload := make([]byte, 40)
	require.True(t, a.Send(payload))
	a.Process()
	b.Process()
	assert.Equal(t, StatusWaiting, bRx.last())

	for i := 0; i < WaitFrameMax+1; i++ {
		clockB.advance(waitPollMs + 1)
		b.Process()
	}

	assert.Equal(t, StatusTimeout, bRx.last())
}
