package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/exepirit/meshlink/internal/log"
	"github.com/exepirit/meshlink/pkg/mesh"
	"github.com/exepirit/meshlink/pkg/mesh/ble"
	"github.com/exepirit/meshlink/pkg/mesh/link"
	"github.com/exepirit/meshlink/pkg/mesh/mqtt"
	"github.com/exepirit/meshlink/pkg/mesh/serial"
)

const (
	defaultRootTopic = "meshlink"
	mqttBufferSize   = 64
)

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// openRadio selects the radio binding by URL scheme.
func openRadio(rawURL string, self mesh.DeviceID, logger log.Logger) (link.Radio, io.Closer, error) {
	deviceURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("device URL is not valid: %w", err)
	}

	switch deviceURL.Scheme {
	case "ble":
		radio, err := ble.NewRadio(self, logger)
		if err != nil {
			return nil, nil, err
		}
		return radio, radio, nil
	case "serial":
		port := deviceURL.Path
		if port == "" {
			port = deviceURL.Opaque
		}
		radio, err := serial.NewRadio(port, self, logger)
		if err != nil {
			return nil, nil, err
		}
		return radio, radio, nil
	case "mqtt", "mqtts":
		radio := mqttRadio(deviceURL, self, logger)
		if err := radio.Dial(mqttBufferSize); err != nil {
			return nil, nil, err
		}
		return radio, closerFunc(func() error {
			radio.Close()
			return nil
		}), nil
	default:
		return nil, nil, fmt.Errorf("unsupported URL scheme %q", deviceURL.Scheme)
	}
}

func mqttRadio(deviceURL *url.URL, self mesh.DeviceID, logger log.Logger) *mqtt.Radio {
	broker := url.URL{Scheme: "tcp", Host: deviceURL.Host}
	if deviceURL.Scheme == "mqtts" {
		broker.Scheme = "ssl"
	}

	radio := &mqtt.Radio{
		BrokerURL: broker.String(),
		AppName:   "meshnode",
		RootTopic: strings.Trim(deviceURL.Path, "/"),
		Self:      self,
		Logger:    logger,
	}
	if radio.RootTopic == "" {
		radio.RootTopic = defaultRootTopic
	}
	if user := deviceURL.User; user != nil {
		radio.Username = user.Username()
		radio.Password, _ = user.Password()
	}
	return radio
}
