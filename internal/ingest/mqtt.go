package ingest

import (
	"context"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vibranium/internal/config"
	"vibranium/internal/model"
	"vibranium/internal/normalize"
)

// StartMQTT subscribes to the notification topic. With a wildcard topic
// such as "vibration/+/raw" the level matched by "+" names the endpoint
// when the payload does not.
func StartMQTT(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.PacketEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return
	}
	clientID := current.ClientID
	if clientID == "" {
		clientID = "vibranium-gateway"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(current.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		if logger != nil {
			logger.Error("mqtt connect error", "broker", current.Broker, "err", token.Error())
		}
		return
	}
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		for _, line := range strings.Split(string(msg.Payload()), "\n") {
			deliver(ctx, parser, line, "mqtt", TopicEndpoint(current.Topic, msg.Topic()), out, logger)
		}
	}
	if token := client.Subscribe(current.Topic, current.QoS, handler); token.Wait() && token.Error() != nil {
		if logger != nil {
			logger.Error("mqtt subscribe error", "topic", current.Topic, "err", token.Error())
		}
		client.Disconnect(250)
		return
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", "broker", current.Broker, "topic", current.Topic, "qos", current.QoS)
	}
	go func() {
		<-ctx.Done()
		client.Disconnect(250)
	}()
}

// TopicEndpoint returns the topic level matched by the first "+" of
// filter, normalised as a MAC address, or "" when the filter has none.
func TopicEndpoint(filter, topic string) string {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, level := range fl {
		if level == "+" && i < len(tl) {
			return normalize.MAC(tl[i])
		}
	}
	return ""
}
