package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vibranium/internal/config"
	"vibranium/internal/model"
)

// MQTT publishes records as JSON. "{endpoint}" and "{equipment}" in the
// topic are replaced per record.
type MQTT struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func NewMQTT(cfg config.MQTTConfig) (*MQTT, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "vibranium-forwarder"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	return &MQTT{client: client, topic: cfg.Topic, qos: cfg.QoS}, nil
}

func Topic(pattern string, rec model.AcquisitionRecord) string {
	return strings.NewReplacer("{endpoint}", rec.EndpointID, "{equipment}", rec.EquipmentID).Replace(pattern)
}

func (m *MQTT) Forward(ctx context.Context, rec model.AcquisitionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	topic := Topic(m.topic, rec)
	token := m.client.Publish(topic, m.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
