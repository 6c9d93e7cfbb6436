package link

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/exepirit/meshlink/internal/log"
	"github.com/exepirit/meshlink/pkg/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writtenFrame struct {
	device mesh.DeviceID
	data   []byte
}

// fakeRadio is a scripted Radio. Connect fails connectFails times before
// succeeding; WriteFrame consults writeErr for every call.
type fakeRadio struct {
	mu           sync.Mutex
	maxFrame     int
	connectFails int
	connects     int
	writes       int
	writeErr     func(call int) error
	written      []writtenFrame
	found        func(mesh.DeviceID)
	inbox        chan Frame
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{inbox: make(chan Frame, 64)}
}

func (r *fakeRadio) Advertise(context.Context) error { return nil }

func (r *fakeRadio) Scan(_ context.Context, found func(mesh.DeviceID)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = found
	return nil
}

func (r *fakeRadio) Connect(context.Context, mesh.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.connects <= r.connectFails {
		return errors.New("peer busy")
	}
	return nil
}

func (r *fakeRadio) Disconnect(context.Context, mesh.DeviceID) error { return nil }

func (r *fakeRadio) WriteFrame(_ context.Context, device mesh.DeviceID, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if r.writeErr != nil {
		if err := r.writeErr(r.writes); err != nil {
			return err
		}
	}
	r.written = append(r.written, writtenFrame{device: device, data: append([]byte(nil), frame...)})
	return nil
}

func (r *fakeRadio) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case frame, ok := <-r.inbox:
		if !ok {
			return Frame{}, ErrRadioClosed
		}
		return frame, nil
	}
}

func (r *fakeRadio) MaxFrameSize() int { return r.maxFrame }

func (r *fakeRadio) frames() []writtenFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]writtenFrame(nil), r.written...)
}

func testConfig() Config {
	return Config{
		FrameSize:         DefaultFrameSize,
		Connect:           Backoff{Attempts: 5, InitialDelay: time.Millisecond, Multiplier: 2},
		Send:              Backoff{Attempts: 3, InitialDelay: time.Millisecond, Multiplier: 1},
		ReassemblyTimeout: time.Minute,
	}
}

func connectedAdapter(t *testing.T, radio *fakeRadio) (*Adapter, mesh.DeviceID) {
	t.Helper()
	adapter := NewAdapter(radio, testConfig(), log.NOOPLogger{})
	device := mesh.NewDeviceID()
	require.NoError(t, adapter.Connect(context.Background(), device))
	return adapter, device
}

func TestAdapterConnectRetries(t *testing.T) {
	radio := newFakeRadio()
	radio.connectFails = 2
	adapter := NewAdapter(radio, testConfig(), log.NOOPLogger{})
	device := mesh.NewDeviceID()

	require.NoError(t, adapter.Connect(context.Background(), device))
	assert.Equal(t, 3, radio.connects)
	assert.Equal(t, []mesh.DeviceID{device}, adapter.ConnectedDevices())
}

func TestAdapterConnectFailure(t *testing.T) {
	radio := newFakeRadio()
	radio.connectFails = 100
	adapter := NewAdapter(radio, testConfig(), log.NOOPLogger{})
	device := mesh.NewDeviceID()

	err := adapter.Connect(context.Background(), device)
	assert.ErrorIs(t, err, mesh.ErrConnectionFailed)
	assert.Equal(t, 5, radio.connects)
	assert.Empty(t, adapter.ConnectedDevices())
}

func TestAdapterSendRequiresConnection(t *testing.T) {
	radio := newFakeRadio()
	adapter := NewAdapter(radio, testConfig(), log.NOOPLogger{})

	err := adapter.SendData(context.Background(), mesh.NewDeviceID(), []byte("x"))
	assert.ErrorIs(t, err, mesh.ErrDeviceNotFound)
	assert.Empty(t, radio.frames())
}

func TestAdapterSendRetriesFrame(t *testing.T) {
	radio := newFakeRadio()
	radio.writeErr = func(call int) error {
		if call < 3 {
			return errors.New("collision")
		}
		return nil
	}
	adapter, device := connectedAdapter(t, radio)

	require.NoError(t, adapter.SendData(context.Background(), device, []byte("hello")))
	frames := radio.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, device, frames[0].device)
	assert.Equal(t, append([]byte{kindWhole}, "hello"...), frames[0].data)
}

func TestAdapterSendFailureKeepsWrittenFrames(t *testing.T) {
	radio := newFakeRadio()
	// the first frame goes through, every later write fails
	radio.writeErr = func(call int) error {
		if call > 1 {
			return errors.New("out of range")
		}
		return nil
	}
	adapter, device := connectedAdapter(t, radio)

	err := adapter.SendData(context.Background(), device, make([]byte, 1500))
	assert.ErrorIs(t, err, mesh.ErrTransmissionFailed)
	assert.Len(t, radio.frames(), 1)
	assert.Equal(t, 4, radio.writes)
}

func TestAdapterSendStopsAfterDisconnect(t *testing.T) {
	radio := newFakeRadio()
	adapter, device := connectedAdapter(t, radio)
	radio.writeErr = func(int) error {
		go func() { _ = adapter.Disconnect(context.Background(), device) }()
		return errors.New("link lost")
	}
	adapter.config.Send = Backoff{Attempts: 50, InitialDelay: 5 * time.Millisecond, Multiplier: 1}

	err := adapter.SendData(context.Background(), device, []byte("x"))
	assert.ErrorIs(t, err, mesh.ErrTransmissionFailed)
	assert.ErrorIs(t, err, mesh.ErrDeviceNotFound)
	assert.Less(t, radio.writes, 50)
}

func TestAdapterDisconnectUnknown(t *testing.T) {
	adapter := NewAdapter(newFakeRadio(), testConfig(), log.NOOPLogger{})
	err := adapter.Disconnect(context.Background(), mesh.NewDeviceID())
	assert.ErrorIs(t, err, mesh.ErrDeviceNotFound)
}

func TestAdapterFragmentsAndReassembles(t *testing.T) {
	sender := newFakeRadio()
	adapter, device := connectedAdapter(t, sender)
	data := make([]byte, 1500)
	for i := range data {
		data[i] = byte(i * 7)
	}

	require.NoError(t, adapter.SendData(context.Background(), device, data))
	frames := sender.frames()
	require.Len(t, frames, 4)
	for _, frame := range frames {
		assert.LessOrEqual(t, len(frame.data), DefaultFrameSize)
		assert.Equal(t, kindFragment, frame.data[0])
	}

	receiver := newFakeRadio()
	from := mesh.NewDeviceID()
	// deliver out of order
	for _, i := range []int{2, 0, 3, 1} {
		receiver.inbox <- Frame{From: from, Data: frames[i].data}
	}
	got, err := NewAdapter(receiver, testConfig(), log.NOOPLogger{}).ReceiveData(context.Background())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestAdapterReceiveSkipsMalformedFrames(t *testing.T) {
	radio := newFakeRadio()
	adapter := NewAdapter(radio, testConfig(), log.NOOPLogger{})
	from := mesh.NewDeviceID()

	radio.inbox <- Frame{From: from}
	radio.inbox <- Frame{From: from, Data: []byte{0x7f, 1, 2}}
	radio.inbox <- Frame{From: from, Data: []byte{kindFragment, 1, 2, 3}}
	radio.inbox <- Frame{From: from, Data: []byte{kindWhole, 'o', 'k'}}

	got, err := adapter.ReceiveData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
}

func TestAdapterReceiveClosedRadio(t *testing.T) {
	radio := newFakeRadio()
	close(radio.inbox)
	adapter := NewAdapter(radio, testConfig(), log.NOOPLogger{})

	_, err := adapter.ReceiveData(context.Background())
	assert.ErrorIs(t, err, mesh.ErrAdapter)
	assert.ErrorIs(t, err, ErrRadioClosed)
}

func TestAdapterReceiveCancelled(t *testing.T) {
	adapter := NewAdapter(newFakeRadio(), testConfig(), log.NOOPLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := adapter.ReceiveData(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdapterFrameSizeCappedByRadio(t *testing.T) {
	radio := newFakeRadio()
	radio.maxFrame = 100
	adapter, device := connectedAdapter(t, radio)

	require.NoError(t, adapter.SendData(context.Background(), device, make([]byte, 300)))
	for _, frame := range radio.frames() {
		assert.LessOrEqual(t, len(frame.data), 100)
	}
	// 79 data bytes per frame
	assert.Len(t, radio.frames(), 4)
}

func TestAdapterReportsDiscoveredDevices(t *testing.T) {
	radio := newFakeRadio()
	adapter := NewAdapter(radio, testConfig(), log.NOOPLogger{})
	var found []mesh.DeviceID
	adapter.OnDiscovered(func(id mesh.DeviceID) { found = append(found, id) })

	require.NoError(t, adapter.StartScanning(context.Background()))
	device := mesh.NewDeviceID()
	radio.found(device)
	assert.Equal(t, []mesh.DeviceID{device}, found)
}
