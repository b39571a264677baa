package mqtt

import (
	"fmt"
	"log"
	"strings"

	"tsbridge/internal/value"
)

// Sink receives values announced over MQTT (implemented by host.Memory)
type Sink interface {
	SetState(deviceID, state string, v value.Value) error
	SetVariable(id string, v value.Value) error
}

// Subscriber is the subscribing side of Client
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

const (
	devicesTopic   = "devices/+/+"
	variablesTopic = "variables/+"
)

// Ingestor feeds <prefix>/devices/<id>/<state> and <prefix>/variables/<id> into a Sink
type Ingestor struct {
	sink   Sink
	logger *log.Logger
}

// NewIngestor creates an ingestor writing to sink
func NewIngestor(sink Sink, logger *log.Logger) *Ingestor {
	return &Ingestor{sink: sink, logger: logger}
}

// Start subscribes to the device and variable topics
func (in *Ingestor) Start(sub Subscriber) error {
	if err := sub.Subscribe(devicesTopic, 1, in.Handle); err != nil {
		return err
	}
	return sub.Subscribe(variablesTopic, 1, in.Handle)
}

// Handle applies one message. Payloads are JSON scalars or plain text.
func (in *Ingestor) Handle(topic string, payload []byte) {
	if err := in.apply(topic, payload); err != nil && in.logger != nil {
		in.logger.Printf("[MQTT] Ignoring message on %s: %v", topic, err)
	}
}

func (in *Ingestor) apply(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	v := value.Parse(payload)

	switch {
	case len(parts) == 3 && parts[0] == "devices":
		if parts[1] == "" || parts[2] == "" {
			return fmt.Errorf("empty device or state name")
		}
		return in.sink.SetState(parts[1], parts[2], v)
	case len(parts) == 2 && parts[0] == "variables":
		if parts[1] == "" {
			return fmt.Errorf("empty variable id")
		}
		return in.sink.SetVariable(parts[1], v)
	default:
		return fmt.Errorf("unexpected topic")
	}
}
