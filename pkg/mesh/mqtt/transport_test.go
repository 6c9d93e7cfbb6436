package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/exepirit/meshlink/internal/log"
	"github.com/exepirit/meshlink/pkg/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newTestRadio() *Radio {
	r := &Radio{RootTopic: "mesh", Self: mesh.NewDeviceID(), Logger: log.NOOPLogger{}}
	r.init(8)
	return r
}

func TestRadioBeaconEnablesConnect(t *testing.T) {
	r := newTestRadio()
	peer := mesh.NewDeviceID()

	require.Error(t, r.Connect(context.Background(), peer))

	var found []mesh.DeviceID
	r.found = func(id mesh.DeviceID) { found = append(found, id) }
	r.handleBeacon(nil, fakeMessage{topic: r.topic(beaconTopic, peer)})
	r.handleBeacon(nil, fakeMessage{topic: r.topic(beaconTopic, peer)})
	r.handleBeacon(nil, fakeMessage{topic: r.topic(beaconTopic, r.Self)})

	assert.Equal(t, []mesh.DeviceID{peer}, found)
	assert.NoError(t, r.Connect(context.Background(), peer))
}

func TestRadioIgnoresMalformedBeacon(t *testing.T) {
	r := newTestRadio()
	r.found = func(mesh.DeviceID) { t.Fatal("unexpected discovery") }
	r.handleBeacon(nil, fakeMessage{topic: "mesh/beacon/not-a-device"})
}

func TestRadioInboxDeliversFrame(t *testing.T) {
	r := newTestRadio()
	sender := mesh.NewDeviceID()

	payload := append(sender[:], []byte("frame bytes")...)
	r.handleInbox(nil, fakeMessage{topic: r.topic(inboxTopic, r.Self), payload: payload})
	r.handleInbox(nil, fakeMessage{topic: r.topic(inboxTopic, r.Self), payload: []byte("short")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, sender, frame.From)
	assert.Equal(t, []byte("frame bytes"), frame.Data)

	_, err = r.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRadioWriteRequiresLink(t *testing.T) {
	r := newTestRadio()
	err := r.WriteFrame(context.Background(), mesh.NewDeviceID(), []byte("x"))
	assert.Error(t, err)
}

func TestRadioPublishWithoutBroker(t *testing.T) {
	r := newTestRadio()
	assert.ErrorIs(t, r.Advertise(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, r.Scan(context.Background(), nil), ErrNotConnected)
}

func TestRadioFullInboxDropsOldest(t *testing.T) {
	r := newTestRadio()
	sender := mesh.NewDeviceID()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			payload := append(sender[:], byte(i))
			r.handleInbox(nil, fakeMessage{topic: r.topic(inboxTopic, r.Self), payload: payload})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("inbox handler blocked on a full buffer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, frame.Data)
	assert.Len(t, r.messagesCh, 7)
}
