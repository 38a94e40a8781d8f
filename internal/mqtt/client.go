// Package mqtt wraps the paho client for the two broker connections: the
// untrusted public broker the gateway subscribes to, and the trusted
// internal broker authorized payloads are re-published on.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sensate-iot/authgw/internal/config"
)

const connectTimeout = 30 * time.Second

// Client is a connected MQTT session. Publish is safe from any goroutine.
type Client struct {
	inner  paho.Client
	logger *slog.Logger
}

// Connect dials a broker. onConnect runs on every (re-)connect and is
// where subscriptions belong, since the broker forgets them on a dropped
// session.
func Connect(broker config.Broker, clientID string, logger *slog.Logger, onConnect func(paho.Client)) (*Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker.URI()).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	if broker.Username != "" {
		opts.SetUsername(broker.Username)
		opts.SetPassword(broker.Password)
	}

	if broker.Ssl {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", broker.URI(), "error", err)
	})

	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("mqtt connected", "broker", broker.URI(), "client_id", clientID)
		if onConnect != nil {
			onConnect(c)
		}
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker.URI(), token.Error())
	}

	return &Client{inner: client, logger: logger}, nil
}

// Publish sends a payload and waits for the client to accept it.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.inner.Publish(topic, 0, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, token.Error())
	}
	return nil
}

// Disconnect closes the session, allowing in-flight work to finish.
func (c *Client) Disconnect() {
	c.inner.Disconnect(250)
}
