package serial

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/exepirit/meshlink/internal/log"
	"github.com/exepirit/meshlink/pkg/mesh"
	"github.com/exepirit/meshlink/pkg/mesh/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRadioPair(t *testing.T) (*Radio, *Radio) {
	t.Helper()
	a, b := net.Pipe()
	ra := NewStreamRadio(a, mesh.NewDeviceID(), log.NOOPLogger{})
	rb := NewStreamRadio(b, mesh.NewDeviceID(), log.NOOPLogger{})
	t.Cleanup(func() {
		_ = ra.Close()
		_ = rb.Close()
	})
	return ra, rb
}

func TestRadioBeaconDiscovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ra, rb := newRadioPair(t)

	found := make(chan mesh.DeviceID, 1)
	require.NoError(t, rb.Scan(ctx, func(id mesh.DeviceID) { found <- id }))
	require.NoError(t, ra.Scan(ctx, func(mesh.DeviceID) {}))
	require.NoError(t, ra.Advertise(ctx))

	select {
	case id := <-found:
		assert.Equal(t, ra.Self, id)
	case <-ctx.Done():
		t.Fatal("beacon was not heard")
	}
}

func TestRadioDataFrame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ra, rb := newRadioPair(t)

	found := make(chan mesh.DeviceID, 1)
	require.NoError(t, rb.Scan(ctx, func(id mesh.DeviceID) { found <- id }))
	require.NoError(t, ra.Scan(ctx, func(mesh.DeviceID) {}))
	require.NoError(t, ra.Advertise(ctx))
	<-found

	require.NoError(t, rb.Connect(ctx, ra.Self))
	require.NoError(t, rb.WriteFrame(ctx, ra.Self, []byte("hello mesh")))

	frame, err := ra.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, rb.Self, frame.From)
	assert.Equal(t, []byte("hello mesh"), frame.Data)
}

func TestRadioConnectUnknownDevice(t *testing.T) {
	ra, _ := newRadioPair(t)
	err := ra.Connect(context.Background(), mesh.NewDeviceID())
	assert.Error(t, err)

	err = ra.WriteFrame(context.Background(), mesh.NewDeviceID(), []byte("x"))
	assert.Error(t, err)
}

func TestRadioReadBytesResyncs(t *testing.T) {
	stream := &loopStream{Buffer: bytes.NewBuffer([]byte{0x00, 0x94, 0x00, 0x94, 0xc3, 0x00, 0x02, 0xab, 0xcd})}
	r := NewStreamRadio(stream, mesh.NewDeviceID(), log.NOOPLogger{})

	body, err := r.readBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xcd}, body)
}

func TestRadioClosedStream(t *testing.T) {
	ra, rb := newRadioPair(t)
	require.NoError(t, rb.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ra.ReadFrame(ctx)
	assert.ErrorIs(t, err, link.ErrRadioClosed)
}

func TestRadioFrameSizeFitsModem(t *testing.T) {
	r := NewStreamRadio(&loopStream{Buffer: new(bytes.Buffer)}, mesh.NewDeviceID(), log.NOOPLogger{})
	assert.Equal(t, maxPDU, r.MaxFrameSize()+bodyHeaderSize)
}

type loopStream struct {
	*bytes.Buffer
}

func (loopStream) Close() error { return nil }

func TestRadioFullBufferDropsOldest(t *testing.T) {
	r := NewStreamRadio(nopStream{}, mesh.NewDeviceID(), log.NOOPLogger{})
	from := mesh.NewDeviceID()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < framesBufferSize+5; i++ {
			r.enqueue(link.Frame{From: from, Data: []byte{byte(i)}})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full buffer")
	}

	assert.Len(t, r.frames, framesBufferSize)
	frame := <-r.frames
	assert.Equal(t, []byte{5}, frame.Data)
}

type nopStream struct{}

func (nopStream) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Close() error                { return nil }
