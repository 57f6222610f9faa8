package signalhandler_test

import (
	"errors"
	"testing"

	"github.com/candrive/firmware/pkg/can"
	"github.com/candrive/firmware/pkg/signalhandler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testControlFrameID uint32 = 0x100
	testStatusFrameID  uint32 = 0x101
)

// testPacker is a minimal fixed-layout stand-in for the generated DBC
// pack/unpack code: two little-endian int16 RPMs followed by two mode
// bytes. Currents are always decoded as zero, and packing writes only
// RPM1.
type testPacker struct{}

func (testPacker) MotorControlFrameID() uint32 { return testControlFrameID }
func (testPacker) MotorStatusFrameID() uint32  { return testStatusFrameID }

func (testPacker) UnpackMotorControl(data []byte) (signalhandler.MotorControlFrame, error) {
	if len(data) < 6 {
		return signalhandler.MotorControlFrame{}, errors.New("testPacker: frame too short")
	}
	return signalhandler.MotorControlFrame{
		RPM1:     int16(data[0]) | int16(data[1])<<8,
		RPM2:     int16(data[2]) | int16(data[3])<<8,
		Current1: 0,
		Current2: 0,
		Mode1:    data[4],
		Mode2:    data[5],
	}, nil
}

func (testPacker) PackMotorStatus(msg signalhandler.MotorStatusFrame) ([]byte, error) {
	if msg.RPM1 > 1000 || msg.RPM1 < -1000 {
		return nil, errors.New("testPacker: rpm1 out of range")
	}
	data := make([]byte, 8)
	data[0] = byte(msg.RPM1)
	data[1] = byte(msg.RPM1 >> 8)
	return data, nil
}

type fakeActivity struct{ reported int }

func (a *fakeActivity) ReportActivity() { a.reported++ }

type fakeWatchdog struct {
	handle uint32
	fed    int
}

func (w *fakeWatchdog) GetWatchdogHandle() (uint32, error) { return w.handle, nil }
func (w *fakeWatchdog) FeedWatchdog(handle uint32) error   { w.fed++; return nil }

type fakeSender struct {
	sent []can.Frame
	fail bool
}

func (s *fakeSender) Send(frame can.Frame) error {
	if s.fail {
		return errors.New("fakeSender: send failed")
	}
	s.sent = append(s.sent, frame)
	return nil
}

func newHandler(t *testing.T) (*signalhandler.Handler, *fakeActivity, *fakeWatchdog, *fakeSender) {
	t.Helper()
	activity := &fakeActivity{}
	wd := &fakeWatchdog{}
	sender := &fakeSender{}
	h, err := signalhandler.New(testPacker{}, activity, wd, sender, nil)
	require.NoError(t, err)
	return h, activity, wd, sender
}

func TestHandle_IgnoresUnknownFrameID(t *testing.T) {
	h, _, _, _ := newHandler(t)
	h.Handle(can.NewFrame(0x999, []byte{1, 2, 3}))
	require.NoError(t, h.Process())
}

func TestProcess_DistributesDecodedSignals(t *testing.T) {
	h, activity, _, _ := newHandler(t)

	var gotRPM1 int32
	require.NoError(t, h.RegisterHandler(signalhandler.SignalControlRPM1, func(s signalhandler.Signal) {
		gotRPM1 = s.Value
	}))

	frame := can.NewFrame(testControlFrameID, []byte{0xE8, 0x03, 0, 0, 1, 2}) // RPM1 = 1000
	h.Handle(frame)
	require.NoError(t, h.Process())

	assert.Equal(t, int32(1000), gotRPM1)
	assert.Equal(t, 1, activity.reported)
}

func TestProcess_FeedsWatchdogEvenWhenEmpty(t *testing.T) {
	h, _, wd, _ := newHandler(t)
	require.NoError(t, h.Process())
	assert.Equal(t, 1, wd.fed)
}

func TestHandle_DropsFrameWhenBufferFull(t *testing.T) {
	h, activity, _, _ := newHandler(t)
	for i := 0; i < 10; i++ {
		h.Handle(can.NewFrame(testControlFrameID, []byte{0, 0, 0, 0, 0, 0}))
	}
	// No panic or error expected; excess frames are dropped with a log,
	// so only the buffered ones are ever processed.
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Process())
	}
	assert.Less(t, activity.reported, 10)
}

func TestSendMotorStatus_RejectsOutOfRange(t *testing.T) {
	h, _, _, sender := newHandler(t)
	err := h.SendMotorStatus(signalhandler.MotorStatusFrame{RPM1: 5000})
	assert.Error(t, err)
	assert.Empty(t, sender.sent)
}

func TestSendMotorStatus_SendsEncodedFrame(t *testing.T) {
	h, _, _, sender := newHandler(t)
	require.NoError(t, h.SendMotorStatus(signalhandler.MotorStatusFrame{RPM1: 42}))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, testStatusFrameID, sender.sent[0].ID)
}
