package mirror

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/models"
)

const publishTimeout = 5 * time.Second

// MQTTSink 发布到 <prefix>/<eui>/<type>
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTOptions builds the paho client options for cfg
func NewMQTTOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("sc-gateway-%s", uuid.NewString()[:8]))

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT 已连接")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT 连接断开")
	})
	return opts
}

// ConnectMQTT 连接 MQTT broker
func ConnectMQTT(cfg config.MQTTConfig) (*MQTTSink, error) {
	client := mqtt.NewClient(NewMQTTOptions(cfg))
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.BrokerURL, err)
	}
	return NewMQTTSink(client, cfg.TopicPrefix, cfg.QoS), nil
}

// NewMQTTSink wraps a client
func NewMQTTSink(client mqtt.Client, prefix string, qos byte) *MQTTSink {
	if prefix == "" {
		prefix = "gateway"
	}
	return &MQTTSink{client: client, prefix: prefix, qos: qos}
}

func (s *MQTTSink) topic(gatewayID string, t models.EventType) string {
	return fmt.Sprintf("%s/%s/%s", s.prefix, gatewayID, t)
}

// Name implements Sink
func (s *MQTTSink) Name() string { return "mqtt" }

// Publish implements Sink
func (s *MQTTSink) Publish(gatewayID string, t models.EventType, data []byte) error {
	topic := s.topic(gatewayID, t)
	token := s.client.Publish(topic, s.qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// Close implements Sink
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
