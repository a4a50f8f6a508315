// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-waterfurnace/internal/config"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/homeassistant"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandTimeout = 30 * time.Second
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// PublishState is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishState(_ context.Context, _ domain.EntityState) error {
	return nil
}

// PublishDiscovery is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishDiscovery(_ context.Context, _ domain.DeviceIdentity, _ []homeassistant.Entity) error {
	return nil
}

// PublishCleanup is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishCleanup(_ context.Context, _ []domain.EntityInfo) error {
	return nil
}

// SetCommandHandler is a no-op for the NoopPublisher.
func (p *NoopPublisher) SetCommandHandler(_ CommandHandler) {}

// CommandHandler applies a command received on a command topic.
type CommandHandler interface {
	Apply(ctx context.Context, entityID, field, payload string) error
}

// MQTTPublisher publishes entity state and Home Assistant discovery to an
// MQTT broker and routes command topics to a CommandHandler.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	connected     bool
	logger        zerolog.Logger
	clientFactory func(*config.Config, *mqtt.ClientOptions) mqtt.Client
	haDiscovery   *homeassistant.AutoDiscovery
	handler       CommandHandler

	// discovery is replayed when Home Assistant or the broker restarts.
	discovery map[string][]byte
	mu        sync.RWMutex
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	p := &MQTTPublisher{
		config:        cfg,
		logger:        log.With().Str("component", "mqtt").Logger(),
		clientFactory: createMQTTClient,
		discovery:     make(map[string][]byte),
	}
	if cfg.MQTT.HomeAssistant.Enabled {
		p.haDiscovery = homeassistant.New(homeassistant.Config{
			Enabled:         true,
			DiscoveryPrefix: cfg.MQTT.HomeAssistant.DiscoveryPrefix,
			NodeID:          cfg.MQTT.HomeAssistant.NodeID,
			Retain:          true,
		}, cfg.MQTT.TopicPrefix)
	}
	return p
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	p := NewMQTTPublisher(cfg)
	p.clientFactory = func(*config.Config, *mqtt.ClientOptions) mqtt.Client { return client }
	return p
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(_ *config.Config, opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// SetCommandHandler routes command topics to h. It must be called before Connect.
func (p *MQTTPublisher) SetCommandHandler(h CommandHandler) {
	p.handler = h
}

// Discovery returns the Home Assistant discovery generator, or nil when
// discovery is disabled.
func (p *MQTTPublisher) Discovery() *homeassistant.AutoDiscovery {
	return p.haDiscovery
}

// Connected reports whether the broker connection is up.
func (p *MQTTPublisher) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) availabilityTopic() string {
	return homeassistant.AvailabilityTopic(p.config.MQTT.TopicPrefix)
}

func (p *MQTTPublisher) qos() byte {
	return byte(p.config.MQTT.QoS)
}

func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(p.config.MQTT.Broker).
		SetClientID(p.config.MQTT.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(30*time.Second).
		SetCleanSession(true).
		SetWill(p.availabilityTopic(), homeassistant.PayloadNotAvailable, p.qos(), true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if p.config.MQTT.Username != "" {
		opts.SetUsername(p.config.MQTT.Username)
		opts.SetPassword(p.config.MQTT.Password)
	}
	return opts
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled || p.Connected() {
		return nil
	}

	if p.client == nil {
		p.client = p.clientFactory(p.config, p.clientOptions())
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	connToken := p.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", p.config.MQTT.Broker, connectCtx.Err())
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker %s: %w", p.config.MQTT.Broker, connToken.Error())
		}
	}

	p.setConnected(true)
	return nil
}

// onConnect runs on every (re)connect: it announces availability, restores
// subscriptions and replays discovery.
func (p *MQTTPublisher) onConnect(client mqtt.Client) {
	p.logger.Info().Str("broker", p.config.MQTT.Broker).Msg("MQTT connection established")
	p.setConnected(true)

	token := client.Publish(p.availabilityTopic(), p.qos(), true, homeassistant.PayloadAvailable)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Msg("Failed to publish availability")
	}

	if p.handler != nil {
		topic := homeassistant.CommandSubscription(p.config.MQTT.TopicPrefix)
		token := client.Subscribe(topic, p.qos(), p.handleCommand)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to command topics")
		} else {
			p.logger.Debug().Str("topic", topic).Msg("Subscribed to command topics")
		}
	}

	if p.haDiscovery != nil {
		birthTopic := p.haDiscovery.BirthTopic()
		token := client.Subscribe(birthTopic, 0, p.handleBirthMessage)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		}
		p.republishDiscovery()
	}
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.setConnected(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// handleBirthMessage replays discovery when Home Assistant comes online.
func (p *MQTTPublisher) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())
	p.logger.Debug().Str("topic", msg.Topic()).Str("payload", payload).Msg("Received Home Assistant birth message")

	if payload == homeassistant.PayloadAvailable {
		p.logger.Info().Msg("Home Assistant came online, republishing discovery")
		go p.republishDiscovery()
	}
}

// handleCommand dispatches off the paho router goroutine so that a slow
// device write does not stall incoming messages.
func (p *MQTTPublisher) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	id, field, ok := homeassistant.ParseCommandTopic(p.config.MQTT.TopicPrefix, msg.Topic())
	if !ok {
		return
	}
	payload := string(msg.Payload())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		logger := p.logger.With().Str("entity", id).Str("field", field).Str("payload", payload).Logger()
		if err := p.handler.Apply(ctx, id, field, payload); err != nil {
			logger.Warn().Err(err).Msg("Command rejected")
			return
		}
		logger.Info().Msg("Command applied")
	}()
}

// Publish sends data to the specified topic. Strings and byte slices are
// sent as-is, anything else as JSON.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	var payload []byte
	switch v := data.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data to JSON: %w", err)
		}
		payload = b
	}
	return p.publish(ctx, topic, payload, p.config.MQTT.Retain)
}

// PublishState publishes an entity state on its state topic.
func (p *MQTTPublisher) PublishState(ctx context.Context, state domain.EntityState) error {
	if !p.config.MQTT.Enabled {
		return nil
	}
	payload, err := FormatState(state)
	if err != nil {
		return fmt.Errorf("state %s: %w", state.ID, err)
	}
	return p.publish(ctx, homeassistant.StateTopic(p.config.MQTT.TopicPrefix, state.ID), payload, p.config.MQTT.Retain)
}

// PublishDiscovery announces entities to Home Assistant. The messages are
// kept and replayed after a reconnect or a Home Assistant restart.
func (p *MQTTPublisher) PublishDiscovery(ctx context.Context, identity domain.DeviceIdentity, entities []homeassistant.Entity) error {
	if p.haDiscovery == nil || !p.config.MQTT.Enabled {
		return nil
	}

	p.haDiscovery.SetIdentity(identity)
	messages := p.haDiscovery.GenerateDiscoveryMessages(entities)

	encoded := make(map[string][]byte, len(messages))
	for topic, msg := range messages {
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message for %s: %w", topic, err)
		}
		encoded[topic] = b
	}

	p.mu.Lock()
	for topic, b := range encoded {
		p.discovery[topic] = b
	}
	p.mu.Unlock()

	var errs []error
	for topic, b := range encoded {
		if err := p.publish(ctx, topic, b, p.haDiscovery.Retain()); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info().Int("entities", len(encoded)).Msg("Published Home Assistant discovery")
	return errors.Join(errs...)
}

// PublishCleanup removes entities from Home Assistant by clearing their
// retained discovery messages.
func (p *MQTTPublisher) PublishCleanup(ctx context.Context, infos []domain.EntityInfo) error {
	if p.haDiscovery == nil || !p.config.MQTT.Enabled || len(infos) == 0 {
		return nil
	}
	var errs []error
	for topic := range p.haDiscovery.CleanupDiscoveryMessages(infos) {
		p.mu.Lock()
		delete(p.discovery, topic)
		p.mu.Unlock()
		if err := p.publish(ctx, topic, nil, true); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Debug().Int("entities", len(infos)).Msg("Cleared discovery for disabled entities")
	return errors.Join(errs...)
}

func (p *MQTTPublisher) republishDiscovery() {
	p.mu.RLock()
	cached := make(map[string][]byte, len(p.discovery))
	for topic, b := range p.discovery {
		cached[topic] = b
	}
	p.mu.RUnlock()

	for topic, b := range cached {
		if err := p.publish(context.Background(), topic, b, true); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to republish discovery")
		}
	}
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if p.client == nil || !p.Connected() {
		return ErrNotConnected
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := p.client.Publish(topic, p.qos(), retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s: %w", topic, publishCtx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
		}
	}
	return nil
}

// FormatState renders an entity state as an MQTT payload: numbers in plain
// decimal, booleans as ON/OFF, text verbatim and structured values as JSON.
// An unavailable or unknown value is rendered as "None".
func FormatState(state domain.EntityState) ([]byte, error) {
	if !state.Available || state.Value == nil {
		return []byte(homeassistant.PayloadUnknown), nil
	}
	switch v := state.Value.(type) {
	case bool:
		if v {
			return []byte(homeassistant.PayloadOn), nil
		}
		return []byte(homeassistant.PayloadOff), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return []byte(homeassistant.PayloadUnknown), nil
		}
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case int:
		return []byte(strconv.Itoa(v)), nil
	case uint16:
		return []byte(strconv.FormatUint(uint64(v), 10)), nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// Close announces the bridge offline and disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.client == nil || !p.Connected() {
		return nil
	}
	token := p.client.Publish(p.availabilityTopic(), p.qos(), true, homeassistant.PayloadNotAvailable)
	token.WaitTimeout(publishTimeout)
	p.client.Disconnect(250)
	p.setConnected(false)
	return nil
}
