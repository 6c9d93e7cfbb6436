package serial

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/exepirit/meshlink/internal/log"
	"github.com/exepirit/meshlink/pkg/mesh"
	"github.com/exepirit/meshlink/pkg/mesh/link"
	"go.bug.st/serial"
)

const (
	// maxPDU is the largest frame body the modem accepts.
	maxPDU = 512
	// bodyHeaderSize is kind + source + destination.
	bodyHeaderSize = 1 + 16 + 16

	kindBeacon byte = 0x01
	kindData   byte = 0x02

	framesBufferSize = 120

	// DefaultBeaconInterval is how often an advertising radio announces itself.
	DefaultBeaconInterval = 5 * time.Second
)

// NewRadio opens a serial-attached radio modem on the given port with default
// settings (115200 baud rate).
func NewRadio(port string, self mesh.DeviceID, logger log.Logger) (*Radio, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	return NewStreamRadio(p, self, logger), nil
}

// NewStreamRadio creates a Radio speaking the modem protocol over any stream.
func NewStreamRadio(stream io.ReadWriteCloser, self mesh.DeviceID, logger log.Logger) *Radio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Radio{
		Stream:         stream,
		Self:           self,
		BeaconInterval: DefaultBeaconInterval,
		logger:         logger,
		frames:         make(chan link.Frame, framesBufferSize),
		inRange:        make(map[mesh.DeviceID]struct{}),
		linked:         make(map[mesh.DeviceID]struct{}),
	}
}

var _ link.Radio = &Radio{}

// Radio drives a radio modem over a byte stream (e.g. serial port). The modem
// broadcasts every frame it is given; frames are addressed in their body.
//
// Stream frames are [0x94 0xc3][uint16 BE length][body] where the body is
// [kind][source id][destination id][data].
type Radio struct {
	Stream io.ReadWriteCloser
	// Self is the device id announced in beacons and used as frame source.
	Self mesh.DeviceID
	// BeaconInterval is the period of advertising beacons.
	BeaconInterval time.Duration

	logger    log.Logger
	writeLock sync.Mutex
	readOnce  sync.Once
	frames    chan link.Frame

	mu      sync.Mutex
	found   func(mesh.DeviceID)
	inRange map[mesh.DeviceID]struct{}
	linked  map[mesh.DeviceID]struct{}
}

// Advertise sends a beacon now and then every BeaconInterval until ctx is done.
func (r *Radio) Advertise(ctx context.Context) error {
	r.startReading()
	if err := r.sendBody(kindBeacon, mesh.DeviceID{}, nil); err != nil {
		return fmt.Errorf("failed to send beacon: %w", err)
	}

	go func() {
		ticker := time.NewTicker(r.BeaconInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.sendBody(kindBeacon, mesh.DeviceID{}, nil); err != nil {
					r.logger.Warn("Beacon write error", "error", err)
				}
			}
		}
	}()
	return nil
}

// Scan reports every device whose beacon is heard.
func (r *Radio) Scan(_ context.Context, found func(mesh.DeviceID)) error {
	r.mu.Lock()
	r.found = found
	r.mu.Unlock()
	r.startReading()
	return nil
}

// Connect succeeds for devices whose beacon has been heard.
func (r *Radio) Connect(_ context.Context, device mesh.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inRange[device]; !ok {
		return fmt.Errorf("device %s is not in range", device)
	}
	r.linked[device] = struct{}{}
	return nil
}

func (r *Radio) Disconnect(_ context.Context, device mesh.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.linked, device)
	return nil
}

// WriteFrame sends frame addressed to device.
func (r *Radio) WriteFrame(ctx context.Context, device mesh.DeviceID, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	_, ok := r.linked[device]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s is not linked", device)
	}
	return r.sendBody(kindData, device, frame)
}

// ReadFrame returns the next data frame addressed to this radio.
func (r *Radio) ReadFrame(ctx context.Context) (link.Frame, error) {
	r.startReading()
	select {
	case <-ctx.Done():
		return link.Frame{}, ctx.Err()
	case frame, ok := <-r.frames:
		if !ok {
			return link.Frame{}, link.ErrRadioClosed
		}
		return frame, nil
	}
}

func (r *Radio) MaxFrameSize() int {
	return maxPDU - bodyHeaderSize
}

func (r *Radio) Close() error {
	return r.Stream.Close()
}

func (r *Radio) startReading() {
	r.readOnce.Do(func() {
		go r.readLoop()
	})
}

// readLoop dispatches incoming bodies until the stream fails.
func (r *Radio) readLoop() {
	defer close(r.frames)
	for {
		body, err := r.readBytes()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				r.logger.Warn("Read frame from modem error", "error", err)
			}
			return
		}
		if len(body) < bodyHeaderSize {
			r.logger.Warn("Read frame from modem error", "error", mesh.ErrInvalidPacketFormat)
			continue
		}

		var source, destination mesh.DeviceID
		copy(source[:], body[1:17])
		copy(destination[:], body[17:33])
		if source == r.Self {
			continue
		}

		switch body[0] {
		case kindBeacon:
			r.heard(source)
		case kindData:
			if destination != r.Self {
				continue
			}
			data := append([]byte(nil), body[bodyHeaderSize:]...)
			r.enqueue(link.Frame{From: source, Data: data})
		}
	}
}

// enqueue hands frame to ReadFrame, dropping the oldest queued frame when the
// buffer is full.
func (r *Radio) enqueue(frame link.Frame) {
	for {
		select {
		case r.frames <- frame:
			return
		default:
		}
		select {
		case dropped := <-r.frames:
			r.logger.Warn("Frame buffer full, dropping oldest frame", "from", dropped.From)
		default:
		}
	}
}

func (r *Radio) heard(device mesh.DeviceID) {
	r.mu.Lock()
	_, known := r.inRange[device]
	r.inRange[device] = struct{}{}
	found := r.found
	r.mu.Unlock()

	if !known && found != nil {
		found(device)
	}
}

func (r *Radio) readBytes() ([]byte, error) {
	header := make([]byte, 4)

	for {
		_, err := io.ReadFull(r.Stream, header[:1])
		if err != nil {
			return nil, err
		}
		if header[0] != 0x94 {
			continue
		}

		_, err = io.ReadFull(r.Stream, header[1:2])
		if err != nil {
			return nil, err
		}
		if header[1] != 0xc3 {
			continue
		}

		_, err = io.ReadFull(r.Stream, header[2:])
		if err != nil {
			return nil, err
		}

		pduLen := int(binary.BigEndian.Uint16(header[2:4]))
		if pduLen > maxPDU {
			continue
		}

		data := make([]byte, pduLen)
		_, err = io.ReadFull(r.Stream, data)
		return data, err
	}
}

func (r *Radio) sendBody(kind byte, destination mesh.DeviceID, data []byte) error {
	body := make([]byte, 0, bodyHeaderSize+len(data))
	body = append(body, kind)
	body = append(body, r.Self[:]...)
	body = append(body, destination[:]...)
	body = append(body, data...)

	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	return r.sendBytes(body)
}

func (r *Radio) sendBytes(data []byte) error {
	if len(data) > maxPDU {
		return errors.New("packet too long")
	}

	header := []byte{0x94, 0xc3, 0, 0}
	binary.BigEndian.PutUint16(header[2:4], uint16(len(data)))

	_, err := r.Stream.Write(header)
	if err != nil {
		return err
	}

	_, err = r.Stream.Write(data)
	return err
}
