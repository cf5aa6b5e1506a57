package intake

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"iot-telemetry/internal/logger"
)

// MQTTSubscriber получает показания из топика MQTT брокера
type MQTTSubscriber struct {
	client mqtt.Client
	topic  string
	sub    Submitter
	log    zerolog.Logger
}

// NewMQTTSubscriber создает подписчика, подключение выполняет Start
func NewMQTTSubscriber(broker, clientID, topic string, sub Submitter) *MQTTSubscriber {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	s := &MQTTSubscriber{
		topic: topic,
		sub:   sub,
		log:   logger.WithComponent("mqtt"),
	}
	// Подписка восстанавливается после переподключения
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(s.topic, 0, s.onMessage); token.Wait() && token.Error() != nil {
			s.log.Error().Err(token.Error()).Str("topic", s.topic).Msg("subscribe failed")
		}
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Start подключается к брокеру и подписывается на топик
func (s *MQTTSubscriber) Start() error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	s.log.Info().Str("topic", s.topic).Msg("mqtt subscriber started")
	return nil
}

// Stop отписывается и закрывает соединение
func (s *MQTTSubscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
}

func (s *MQTTSubscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if _, err := deliver("mqtt", msg.Payload(), s.sub); err != nil {
		s.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("invalid mqtt message")
	}
}
