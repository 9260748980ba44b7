package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// connectTimeout bounds the initial connect; paho keeps retrying in the background until then.
var connectTimeout = 15 * time.Second

// MQTTSource subscribes to a broker topic filter and feeds matching messages to a dispatcher.
type MQTTSource struct {
	client mqtt.Client
}

func ConnectMQTT(brokerURL, clientID string) (*MQTTSource, error) {
	opts := mqtt.NewClientOptions()
	url := strings.TrimSpace(brokerURL)
	if url == "" {
		url = "mqtt://localhost:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	if strings.HasPrefix(url, "mqtts://") {
		url = "ssl://" + strings.TrimPrefix(url, "mqtts://")
	}
	opts.AddBroker(url)
	if strings.TrimSpace(clientID) == "" {
		clientID = "analytics-service-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", url)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(connectTimeout); !ok {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout to %s after %s", url, connectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &MQTTSource{client: c}, nil
}

// Run subscribes to topic and blocks until ctx is done.
func (s *MQTTSource) Run(ctx context.Context, topic string, d *Dispatcher) error {
	if s == nil || s.client == nil {
		return errors.New("mqtt source not connected")
	}
	tok := s.client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{
			Source:   "mqtt",
			Topic:    m.Topic(),
			Offset:   int64(m.MessageID()),
			Payload:  append([]byte(nil), m.Payload()...),
			Retained: m.Retained(),
			Time:     time.Now().UTC(),
		}
		if err := d.Dispatch(ctx, msg); err != nil {
			slog.Debug("mqtt message not dispatched", "topic", msg.Topic, "error", err)
		}
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("mqtt subscribed", "topic", topic)
	<-ctx.Done()
	s.client.Unsubscribe(topic).WaitTimeout(2 * time.Second)
	return nil
}

func (s *MQTTSource) Close() {
	if s == nil || s.client == nil {
		return
	}
	s.client.Disconnect(1000)
}
