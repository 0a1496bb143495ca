// Package mqttsub receives analyzer messages published to an MQTT broker.
// Analyzers (or their middleware gateways) publish one raw message per
// PUBLISH on lab/devices/{device_code}/results.
package mqttsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Handler ingests one payload for the analyzer identified by deviceCode.
type Handler func(ctx context.Context, deviceCode string, payload []byte, topic string) error

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topics   []string
}

type Subscriber struct {
	cfg     Config
	client  mqtt.Client
	handler Handler
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, handler Handler, logger zerolog.Logger) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address cannot be empty")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("mqtt: at least one topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("labbridge-%d", time.Now().Unix())
	}

	s := &Subscriber{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Error().Err(err).Msg("mqtt connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.logger.Info().Msg("reconnecting to mqtt broker")
	})
	// Clean sessions drop subscriptions, so subscribe on every (re)connect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		for _, topic := range s.cfg.Topics {
			if err := s.subscribe(c, topic); err != nil {
				s.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt subscribe failed")
			}
		}
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection to mqtt broker %s timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt broker: %w", err)
	}
	s.logger.Info().Strs("topics", s.cfg.Topics).Msg("connected to mqtt broker")
	return nil
}

// Stop disconnects and waits for in-flight messages to finish.
func (s *Subscriber) Stop() {
	s.client.Disconnect(250)
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("disconnected from mqtt broker")
}

func (s *Subscriber) subscribe(c mqtt.Client, topic string) error {
	token := c.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return err
	}
	s.logger.Info().Str("topic", topic).Msg("subscribed")
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	code := DeviceCodeFromTopic(topic)
	if code == "" {
		s.logger.Warn().Str("topic", topic).Msg("unable to determine device code from topic")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	// Copy: paho may reuse the buffer once the callback returns.
	raw := append([]byte(nil), payload...)
	if err := s.handler(s.ctx, code, raw, topic); err != nil {
		s.logger.Error().Err(err).Str("device", code).Str("topic", topic).Msg("mqtt message ingestion failed")
		return
	}
	s.logger.Debug().Str("device", code).Int("bytes", len(raw)).Msg("mqtt message ingested")
}

// DeviceCodeFromTopic extracts {code} from lab/devices/{code}/... . Any
// topic whose second-to-last level follows a "devices" level also works,
// so deployments can prefix the tree.
func DeviceCodeFromTopic(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "devices" && parts[i+1] != "" && parts[i+1] != "+" && parts[i+1] != "#" {
			return parts[i+1]
		}
	}
	return ""
}
