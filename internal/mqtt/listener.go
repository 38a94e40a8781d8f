package mqtt

import (
	"encoding/json"
	"log/slog"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sensate-iot/authgw/internal/config"
	"github.com/sensate-iot/authgw/internal/models"
)

// Ingress is the service-side sink for inbound payloads.
type Ingress interface {
	AddMeasurementRaw(raw string)
	AddMeasurementsRaw(raw string)
	AddMessageRaw(raw string)
	AddMessagesRaw(raw string)
}

// CommandSink receives control-channel commands.
type CommandSink interface {
	Add(cmd models.Command)
}

// Listener maps public-broker topics onto the ingress callbacks.
type Listener struct {
	topics   config.PublicBroker
	ingress  Ingress
	commands CommandSink
	logger   *slog.Logger
}

func NewListener(topics config.PublicBroker, ingress Ingress, commands CommandSink, logger *slog.Logger) *Listener {
	return &Listener{
		topics:   topics,
		ingress:  ingress,
		commands: commands,
		logger:   logger,
	}
}

// Subscribe registers the topic handlers on a connected client. Call from
// the client's on-connect hook so subscriptions survive reconnects.
func (l *Listener) Subscribe(c paho.Client) {
	subscriptions := map[string]paho.MessageHandler{
		l.topics.MeasurementTopic:     l.onMeasurement,
		l.topics.BulkMeasurementTopic: l.onBulkMeasurement,
		l.topics.MessageTopic:         l.onMessage,
		l.topics.BulkMessageTopic:     l.onBulkMessage,
		l.topics.CommandTopic:         l.onCommand,
	}

	for topic, handler := range subscriptions {
		if topic == "" {
			continue
		}
		if token := c.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
			l.logger.Error("mqtt subscribe failed", "topic", topic, "error", token.Error())
			continue
		}
		l.logger.Info("subscribed", "topic", topic)
	}
}

func (l *Listener) onMeasurement(_ paho.Client, msg paho.Message) {
	l.ingress.AddMeasurementRaw(string(msg.Payload()))
}

func (l *Listener) onBulkMeasurement(_ paho.Client, msg paho.Message) {
	l.ingress.AddMeasurementsRaw(string(msg.Payload()))
}

func (l *Listener) onMessage(_ paho.Client, msg paho.Message) {
	l.ingress.AddMessageRaw(string(msg.Payload()))
}

func (l *Listener) onBulkMessage(_ paho.Client, msg paho.Message) {
	l.ingress.AddMessagesRaw(string(msg.Payload()))
}

func (l *Listener) onCommand(_ paho.Client, msg paho.Message) {
	var cmd models.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		l.logger.Warn("ignoring malformed command", "error", err)
		return
	}

	l.commands.Add(cmd)
}
