package mqtt

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/exepirit/meshlink/internal/log"
	"github.com/exepirit/meshlink/pkg/mesh"
	"github.com/exepirit/meshlink/pkg/mesh/link"
)

const (
	beaconTopic = "beacon"
	inboxTopic  = "inbox"

	// DefaultBeaconInterval is how often an advertising radio publishes its beacon.
	DefaultBeaconInterval = 10 * time.Second
)

var _ link.Radio = &Radio{}

// Radio bridges mesh links over an MQTT broker. Beacons published under
// <root>/beacon/<device> stand in for advertising, and link writes are
// published to the inbox topic <root>/inbox/<device> of the recipient with the
// sender id prepended.
type Radio struct {
	// BrokerURL is the URL of the MQTT broker to connect to.
	BrokerURL string
	// Username is the username for MQTT authentication.
	Username string
	// Password is the password for MQTT authentication.
	Password string
	// AppName is a unique identifier for the application, used in the MQTT client ID.
	AppName string
	// RootTopic is the base topic for all messages.
	RootTopic string
	// Self is the local device id.
	Self mesh.DeviceID
	// BeaconInterval is the period of beacon publishing.
	BeaconInterval time.Duration
	// Logger receives diagnostics; slog.Default() when nil.
	Logger log.Logger

	client     mqtt.Client
	messagesCh chan link.Frame

	mu      sync.Mutex
	found   func(mesh.DeviceID)
	inRange map[mesh.DeviceID]struct{}
	linked  map[mesh.DeviceID]struct{}
}

// Dial establishes an MQTT connection to the broker.
// It generates a random client ID, connects to the broker, and subscribes
// to the inbox topic of the local device.
func (mt *Radio) Dial(buffer int) error {
	if mt.client != nil && mt.client.IsConnected() {
		return nil
	}
	if mt.Logger == nil {
		mt.Logger = slog.Default()
	}
	if mt.BeaconInterval <= 0 {
		mt.BeaconInterval = DefaultBeaconInterval
	}
	mt.init(buffer)

	randomId := make([]byte, 4)
	_, _ = rand.Read(randomId)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(mt.BrokerURL)
	opts.SetUsername(mt.Username)
	opts.SetPassword(mt.Password)
	opts.SetClientID(fmt.Sprintf("%s-%x", mt.AppName, randomId))
	opts.SetOrderMatters(false)

	mt.client = mqtt.NewClient(opts)

	token := mt.client.Connect()
	<-token.Done()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect MQTT: %w", err)
	}

	token = mt.client.Subscribe(mt.topic(inboxTopic, mt.Self), 0, mt.handleInbox)
	<-token.Done()
	if err := token.Error(); err != nil {
		mt.Close()
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	return nil
}

func (mt *Radio) init(buffer int) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.messagesCh = make(chan link.Frame, buffer)
	mt.inRange = make(map[mesh.DeviceID]struct{})
	mt.linked = make(map[mesh.DeviceID]struct{})
}

// Close closes the MQTT connection and the message channel.
func (mt *Radio) Close() {
	if mt.client != nil && mt.client.IsConnected() {
		mt.client.Disconnect(1000)
		close(mt.messagesCh)
	}
}

// Advertise publishes the beacon now and then every BeaconInterval until ctx is done.
func (mt *Radio) Advertise(ctx context.Context) error {
	if err := mt.publish(mt.topic(beaconTopic, mt.Self), nil); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(mt.BeaconInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := mt.publish(mt.topic(beaconTopic, mt.Self), nil); err != nil {
					mt.Logger.Warn("Beacon publish error", "error", err)
				}
			}
		}
	}()
	return nil
}

// Scan subscribes to beacons of all devices under the root topic.
func (mt *Radio) Scan(_ context.Context, found func(mesh.DeviceID)) error {
	if mt.client == nil || !mt.client.IsConnected() {
		return ErrNotConnected
	}
	mt.mu.Lock()
	mt.found = found
	mt.mu.Unlock()

	token := mt.client.Subscribe(mt.RootTopic+"/"+beaconTopic+"/+", 0, mt.handleBeacon)
	<-token.Done()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	return nil
}

// Connect links to a device whose beacon has been heard. The broker keeps no
// per-device state, so this only gates WriteFrame.
func (mt *Radio) Connect(_ context.Context, device mesh.DeviceID) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if _, ok := mt.inRange[device]; !ok {
		return fmt.Errorf("no beacon from device %s", device)
	}
	mt.linked[device] = struct{}{}
	return nil
}

func (mt *Radio) Disconnect(_ context.Context, device mesh.DeviceID) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	delete(mt.linked, device)
	return nil
}

// WriteFrame publishes frame to the inbox of device.
func (mt *Radio) WriteFrame(ctx context.Context, device mesh.DeviceID, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mt.mu.Lock()
	_, ok := mt.linked[device]
	mt.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s is not linked", device)
	}

	msg := make([]byte, 0, 16+len(frame))
	msg = append(msg, mt.Self[:]...)
	msg = append(msg, frame...)
	return mt.publish(mt.topic(inboxTopic, device), msg)
}

// ReadFrame receives a frame from the inbox topic.
func (mt *Radio) ReadFrame(ctx context.Context) (link.Frame, error) {
	select {
	case <-ctx.Done():
		return link.Frame{}, ctx.Err()
	case frame, ok := <-mt.messagesCh:
		if !ok {
			return link.Frame{}, link.ErrRadioClosed
		}
		return frame, nil
	}
}

// MaxFrameSize is unbounded; the link policy decides the frame size.
func (mt *Radio) MaxFrameSize() int {
	return 0
}

func (mt *Radio) publish(topic string, payload []byte) error {
	if mt.client == nil || !mt.client.IsConnected() {
		return ErrNotConnected
	}
	token := mt.client.Publish(topic, 0, false, payload)
	<-token.Done()
	return token.Error()
}

func (mt *Radio) topic(kind string, device mesh.DeviceID) string {
	return fmt.Sprintf("%s/%s/%s", mt.RootTopic, kind, device)
}

func (mt *Radio) handleBeacon(_ mqtt.Client, message mqtt.Message) {
	idx := strings.LastIndexByte(message.Topic(), '/')
	device, err := mesh.ParseDeviceID(message.Topic()[idx+1:])
	if err != nil {
		mt.Logger.Warn("Malformed beacon topic", "topic", message.Topic(), "error", err)
		return
	}
	if device == mt.Self {
		return
	}

	mt.mu.Lock()
	_, known := mt.inRange[device]
	mt.inRange[device] = struct{}{}
	found := mt.found
	mt.mu.Unlock()

	if !known && found != nil {
		found(device)
	}
}

func (mt *Radio) handleInbox(_ mqtt.Client, message mqtt.Message) {
	payload := message.Payload()
	if len(payload) < 16 {
		mt.Logger.Warn("Malformed inbox message", "topic", message.Topic(), "error", mesh.ErrInvalidPacketFormat)
		return
	}
	var from mesh.DeviceID
	copy(from[:], payload[:16])
	mt.enqueue(link.Frame{From: from, Data: append([]byte(nil), payload[16:]...)})
}

// enqueue hands frame to ReadFrame without blocking the MQTT client, dropping
// the oldest queued frame when the buffer is full.
func (mt *Radio) enqueue(frame link.Frame) {
	for {
		select {
		case mt.messagesCh <- frame:
			return
		default:
		}
		select {
		case dropped := <-mt.messagesCh:
			mt.Logger.Warn("Inbox buffer full, dropping oldest frame", "from", dropped.From)
		default:
		}
	}
}
