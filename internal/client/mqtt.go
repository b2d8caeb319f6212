package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/orion/safetynet/internal/validator"
	"github.com/yourusername/orion/safetynet/internal/vehicle"
)

var (
	// ErrNotConnected is returned when the broker connection is down.
	ErrNotConnected = errors.New("MQTT client not connected")

	// ErrSnapshotTimeout is returned when the initial vehicle state never arrives.
	ErrSnapshotTimeout = errors.New("timed out waiting for vehicle state")
)

// eventQueueSize bounds telemetry waiting for the dispatcher.
const eventQueueSize = 256

// TelemetryTopic is the wildcard subscription for a vehicle's telemetry.
func TelemetryTopic(vehicleID string) string {
	return fmt.Sprintf("orion/vehicle/%s/telemetry/+", vehicleID)
}

// ModeCommandTopic receives mode change commands for a vehicle.
func ModeCommandTopic(vehicleID string) string {
	return fmt.Sprintf("orion/vehicle/%s/cmd/mode", vehicleID)
}

// HealthTopic carries the safety net heartbeat.
func HealthTopic(vehicleID string) string {
	return fmt.Sprintf("orion/vehicle/%s/safetynet/health", vehicleID)
}

// MQTTLink is a vehicle.Link over MQTT, built on the autopaho ConnectionManager.
//
// Telemetry arrives on orion/vehicle/<id>/telemetry/{armed,mode,location}
// (normally retained), is validated against its contract, cached for the
// Armed/Altitude snapshot and queued for a single dispatcher goroutine.
type MQTTLink struct {
	cm        *autopaho.ConnectionManager
	brokerURL string
	clientID  string
	vehicleID string
	systemID  int
	validator *validator.ContractValidator
	logger    *logrus.Entry
	now       func() time.Time

	// Connection state
	mu          sync.RWMutex
	connected   bool
	onConnUp    func()
	onConnDown  func(error)
	onTelemetry func()

	// Latest vehicle state
	armed        bool
	mode         string
	altitude     float64
	haveArmed    bool
	haveAltitude bool
	ready        chan struct{}
	readyOnce    sync.Once

	events     chan vehicle.Event
	dispatcher *vehicle.Dispatcher
	cancel     context.CancelFunc
}

// NewMQTTLink creates a link for one vehicle. systemID is stamped on outgoing commands.
func NewMQTTLink(brokerURL, clientID, vehicleID string, systemID int, v *validator.ContractValidator, logger *logrus.Entry) *MQTTLink {
	return &MQTTLink{
		brokerURL:  brokerURL,
		clientID:   clientID,
		vehicleID:  vehicleID,
		systemID:   systemID,
		validator:  v,
		logger:     logger,
		now:        time.Now,
		ready:      make(chan struct{}),
		events:     make(chan vehicle.Event, eventQueueSize),
		dispatcher: vehicle.NewDispatcher(logger),
	}
}

// SetOnConnectionUp sets the callback for when connection is established.
func (m *MQTTLink) SetOnConnectionUp(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnUp = callback
}

// SetOnConnectionDown sets the callback for when connection is lost.
func (m *MQTTLink) SetOnConnectionDown(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnDown = callback
}

// SetOnTelemetry sets the callback run for every valid telemetry message.
func (m *MQTTLink) SetOnTelemetry(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTelemetry = callback
}

// IsConnected returns the current connection state.
func (m *MQTTLink) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Connect establishes connection to the MQTT broker with auto-reconnect and
// starts the event dispatcher. The telemetry subscription is renewed on every
// reconnect.
func (m *MQTTLink) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(m.brokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}

	topic := TelemetryTopic(m.vehicleID)

	cliCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     20,
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			m.logger.Infof("MQTT connection established to %s", m.brokerURL)
			m.mu.Lock()
			m.connected = true
			callback := m.onConnUp
			m.mu.Unlock()

			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
			}); err != nil {
				m.logger.Errorf("failed to subscribe to %s: %v", topic, err)
			} else {
				m.logger.Infof("subscribed to MQTT topic %s", topic)
			}

			if callback != nil {
				callback()
			}
		},
		OnConnectError: func(err error) {
			m.logger.Warnf("MQTT connection error: %v", err)
			m.markDown(err, false)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID,
			OnClientError: func(err error) {
				m.logger.Errorf("MQTT client error: %v", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reasonStr := ""
				if d.Properties != nil {
					reasonStr = d.Properties.ReasonString
				}
				m.logger.Warnf("MQTT server disconnect: code=%d reason=%s", d.ReasonCode, reasonStr)
				m.markDown(fmt.Errorf("server disconnect: code=%d", d.ReasonCode), true)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handleMessage(pr.Packet)
					return true, nil
				},
			},
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	cm, err := autopaho.NewConnection(runCtx, cliCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create MQTT connection: %w", err)
	}
	m.cm = cm

	go m.dispatcher.Run(runCtx, m.events)

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()

	if err := cm.AwaitConnection(connectCtx); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return nil
}

func (m *MQTTLink) markDown(err error, always bool) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	callback := m.onConnDown
	m.mu.Unlock()

	if (wasConnected || always) && callback != nil {
		callback(err)
	}
}

// AwaitSnapshot blocks until both the armed state and the altitude have been
// received at least once.
func (m *MQTTLink) AwaitSnapshot(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSnapshotTimeout, ctx.Err())
	}
}

// handleMessage validates a telemetry message, updates the cached state and
// queues the event. Malformed payloads are logged and dropped.
func (m *MQTTLink) handleMessage(p *paho.Publish) {
	prefix := fmt.Sprintf("orion/vehicle/%s/telemetry/", m.vehicleID)
	if !strings.HasPrefix(p.Topic, prefix) {
		return
	}

	attr := vehicle.Attribute(strings.TrimPrefix(p.Topic, prefix))
	ev, err := m.decode(attr, p.Payload)
	if err != nil {
		m.logger.WithField("topic", p.Topic).Warnf("dropping telemetry: %v", err)
		return
	}

	m.mu.Lock()
	switch ev.Attribute {
	case vehicle.AttrArmed:
		m.armed = ev.Armed
		m.haveArmed = true
	case vehicle.AttrMode:
		m.mode = ev.Mode
	case vehicle.AttrLocation:
		m.altitude = ev.Altitude
		m.haveAltitude = true
	}
	complete := m.haveArmed && m.haveAltitude
	callback := m.onTelemetry
	m.mu.Unlock()

	if complete {
		m.readyOnce.Do(func() { close(m.ready) })
	}
	if callback != nil {
		callback()
	}

	select {
	case m.events <- ev:
	default:
		m.logger.WithField("attribute", ev.Attribute).Warn("event queue full, dropping telemetry")
	}
}

func (m *MQTTLink) decode(attr vehicle.Attribute, payload []byte) (vehicle.Event, error) {
	var contract string
	switch attr {
	case vehicle.AttrArmed:
		contract = validator.ContractArmed
	case vehicle.AttrMode:
		contract = validator.ContractMode
	case vehicle.AttrLocation:
		contract = validator.ContractLocation
	default:
		return vehicle.Event{}, fmt.Errorf("unknown attribute %q", attr)
	}

	msg, err := m.validator.Decode(payload, contract)
	if err != nil {
		return vehicle.Event{}, err
	}

	now := m.now()
	switch attr {
	case vehicle.AttrArmed:
		armed, _ := msg["armed"].(bool)
		return vehicle.ArmedEvent(armed, now), nil
	case vehicle.AttrMode:
		name, _ := msg["name"].(string)
		return vehicle.ModeEvent(name, now), nil
	default:
		alt, _ := msg["alt"].(float64)
		return vehicle.LocationEvent(alt, now), nil
	}
}

func (m *MQTTLink) Subscribe(attr vehicle.Attribute, fn vehicle.Listener) vehicle.Subscription {
	return m.dispatcher.Subscribe(attr, fn)
}

func (m *MQTTLink) Armed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.armed
}

func (m *MQTTLink) Altitude() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.altitude
}

// Mode returns the last reported flight mode.
func (m *MQTTLink) Mode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode queues a mode command with QoS 1 and returns without waiting for
// the broker. Commands are refused while disconnected so a stale command is
// never delivered after a reconnect.
func (m *MQTTLink) SetMode(mode string) error {
	if m.cm == nil || !m.IsConnected() {
		return ErrNotConnected
	}

	command := map[string]interface{}{
		"version":       "1.0",
		"command_id":    uuid.New().String(),
		"mode":          mode,
		"source_system": m.systemID,
		"timestamp":     m.now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.validator.Validate(command, validator.ContractModeCommand); err != nil {
		return fmt.Errorf("invalid mode command: %w", err)
	}

	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("failed to marshal mode command: %w", err)
	}

	err = m.cm.PublishViaQueue(context.Background(), &autopaho.QueuePublish{
		Publish: &paho.Publish{
			Topic:   ModeCommandTopic(m.vehicleID),
			QoS:     1,
			Payload: payload,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to queue mode command: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"mode":       mode,
		"command_id": command["command_id"],
	}).Info("mode command queued")
	return nil
}

// PublishHealth publishes a health message with QoS 1.
func (m *MQTTLink) PublishHealth(ctx context.Context, health map[string]interface{}) error {
	if m.cm == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("failed to marshal health: %w", err)
	}

	_, err = m.cm.Publish(ctx, &paho.Publish{
		Topic:   HealthTopic(m.vehicleID),
		QoS:     1,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish health: %w", err)
	}

	return nil
}

// Close disconnects from the MQTT broker and stops the dispatcher.
func (m *MQTTLink) Close(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}

	m.logger.Info("disconnecting from MQTT broker...")

	disconnectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := m.cm.Disconnect(disconnectCtx)
	if m.cancel != nil {
		m.cancel()
	}
	return err
}
