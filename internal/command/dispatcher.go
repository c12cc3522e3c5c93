// Package command sends operator commands to machines and applies the
// operator-side state changes that go with them.
package command

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/metrics"
)

// Name is a command understood by the machine controller.
type Name string

const (
	Start  Name = "START"
	Pause  Name = "PAUSE"
	Resume Name = "RESUME"
	Reset  Name = "RESET"
)

// ErrUnknownCommand is returned for a name the controller does not understand.
var ErrUnknownCommand = errors.New("unknown command")

// Valid reports whether n is a known command.
func (n Name) Valid() bool {
	switch n {
	case Start, Pause, Resume, Reset:
		return true
	}
	return false
}

// Publisher is the outbound side of the broker connection.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Dispatcher encodes commands and hands them to the publisher. There is no
// acknowledgement from the device: a nil error only means the local client
// accepted the message.
type Dispatcher struct {
	pub Publisher
	cfg config.MQTTConfig
	log *zap.Logger
}

// NewDispatcher creates a dispatcher publishing below cfg's topic prefix.
func NewDispatcher(pub Publisher, cfg config.MQTTConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, cfg: cfg, log: logger.Named("command")}
}

// Send publishes {"command": name, ...payload} to the machine's command topic.
func (d *Dispatcher) Send(machineID string, name Name, payload map[string]any) error {
	if !name.Valid() {
		metrics.CommandsPublished.WithLabelValues(string(name), "rejected").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["command"] = string(name)

	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(body)
	if err != nil {
		metrics.CommandsPublished.WithLabelValues(string(name), "failed").Inc()
		return fmt.Errorf("failed to encode %s command: %w", name, err)
	}

	topic := d.cfg.CommandTopic(machineID)
	if err := d.pub.Publish(topic, data); err != nil {
		metrics.CommandsPublished.WithLabelValues(string(name), "failed").Inc()
		return fmt.Errorf("failed to publish %s to %s: %w", name, machineID, err)
	}

	metrics.CommandsPublished.WithLabelValues(string(name), "sent").Inc()
	d.log.Info("command sent",
		zap.String("machine_id", machineID),
		zap.String("command", string(name)),
		zap.String("topic", topic))
	return nil
}
