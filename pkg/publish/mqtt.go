package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/mobilelink/pkg/common"
	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/types"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher announces entities with Home Assistant MQTT discovery and
// publishes their state and availability.
type MQTTPublisher struct {
	client          mqttClient
	discoveryPrefix string
	baseTopic       string
	qos             byte
	timeout         time.Duration

	mu sync.Mutex
	// announced holds the discovery config last sent per unique id
	announced map[string][]byte

	// set by ConfiguredMQTT
	broker   string
	username string
	password string
	clientID string
	conn     mqtt.Client
}

// NewMQTTPublisher returns a publisher over an already connected client.
func NewMQTTPublisher(client mqttClient, discoveryPrefix, baseTopic string) *MQTTPublisher {
	return &MQTTPublisher{
		client:          client,
		discoveryPrefix: strings.TrimRight(discoveryPrefix, "/"),
		baseTopic:       strings.TrimRight(baseTopic, "/"),
		qos:             1,
		timeout:         10 * time.Second,
		announced:       make(map[string][]byte),
	}
}

// ConfiguredMQTT sets up flags for the MQTT publisher and returns the
// instance. Call Enabled after flags are parsed and Connect before use.
func ConfiguredMQTT() *MQTTPublisher {
	p := NewMQTTPublisher(nil, "", "")
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (tcp://host:1883), empty disables MQTT")
	username := lflag.String("mqtt-username", "", "MQTT username, also read from the broker URL")
	password := lflag.String("mqtt-password", "", "MQTT password, also read from the broker URL")
	clientID := lflag.String("mqtt-client-id", "mobilelink", "MQTT client id")
	discoveryPrefix := lflag.String("mqtt-discovery-prefix", "homeassistant", "Home Assistant MQTT discovery prefix")
	baseTopic := lflag.String("mqtt-base-topic", types.Domain, "Topic prefix for entity state and availability")
	timeout := lflag.Duration("mqtt-timeout", 10*time.Second, "Timeout for each MQTT publish")

	lflag.Do(func() {
		p.broker = *broker
		p.username = *username
		p.password = *password
		p.clientID = *clientID
		p.discoveryPrefix = strings.TrimRight(*discoveryPrefix, "/")
		p.baseTopic = strings.TrimRight(*baseTopic, "/")
		p.timeout = *timeout
	})
	return p
}

// Enabled reports whether a broker was configured.
func (p *MQTTPublisher) Enabled() bool {
	return p.broker != ""
}

// Validate ensures the configuration is valid.
func (p *MQTTPublisher) Validate() error {
	if !p.Enabled() {
		return nil
	}
	if _, err := url.Parse(p.broker); err != nil {
		return fmt.Errorf("failed to parse mqtt-broker: %w", err)
	}
	if p.discoveryPrefix == "" || p.baseTopic == "" {
		return errors.New("mqtt-discovery-prefix and mqtt-base-topic are required")
	}
	return nil
}

func (p *MQTTPublisher) bridgeTopic() string {
	return p.baseTopic + "/bridge/availability"
}

// Connect connects to the configured broker. The bridge availability topic
// is set online on every (re)connect and offline by the broker's will.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	u, err := url.Parse(p.broker)
	if err != nil {
		return fmt.Errorf("cannot parse MQTT URL: %w", err)
	}
	username, password := p.username, p.password
	if u.User != nil {
		if username == "" {
			username = u.User.Username()
		}
		if pw, ok := u.User.Password(); ok && password == "" {
			password = pw
		}
		u.User = nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(u.String()).
		SetClientID(p.clientID).
		SetUsername(username).
		SetPassword(password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(30*time.Second).
		SetWill(p.bridgeTopic(), payloadOffline, p.qos, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", u.Host))
			c.Publish(p.bridgeTopic(), p.qos, true, payloadOnline)
			// the broker may have lost retained configs, announce again
			p.mu.Lock()
			clear(p.announced)
			p.mu.Unlock()
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Ctx(ctx).WarnContext(ctx, "lost mqtt connection", slog.Any("error", err))
		})

	conn := mqtt.NewClient(opts)
	token := conn.Connect()
	if !token.WaitTimeout(p.timeout) {
		// ConnectRetry keeps trying in the background
		log.Ctx(ctx).WarnContext(ctx, "mqtt broker not reachable yet, retrying in background", slog.String("broker", u.Host))
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.client = conn
	p.mu.Unlock()
	return nil
}

// Close marks the bridge offline and disconnects.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Publish(p.bridgeTopic(), p.qos, true, payloadOffline).WaitTimeout(p.timeout)
	conn.Disconnect(250)
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type discoveryOrigin struct {
	Name            string `json:"name"`
	SoftwareVersion string `json:"sw_version"`
}

type availability struct {
	Topic string `json:"topic"`
}

type discoveryConfig struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	ObjectID            string          `json:"object_id"`
	StateTopic          string          `json:"state_topic"`
	JSONAttributesTopic string          `json:"json_attributes_topic,omitempty"`
	Availability        []availability  `json:"availability"`
	AvailabilityMode    string          `json:"availability_mode"`
	UnitOfMeasurement   string          `json:"unit_of_measurement,omitempty"`
	DeviceClass         string          `json:"device_class,omitempty"`
	StateClass          string          `json:"state_class,omitempty"`
	Icon                string          `json:"icon,omitempty"`
	Device              discoveryDevice `json:"device"`
	Origin              discoveryOrigin `json:"origin"`
}

func (p *MQTTPublisher) configTopic(uniqueID string) string {
	return p.discoveryPrefix + "/sensor/" + uniqueID + "/config"
}

func (p *MQTTPublisher) stateTopic(uniqueID string) string {
	return p.baseTopic + "/" + uniqueID + "/state"
}

func (p *MQTTPublisher) attributesTopic(uniqueID string) string {
	return p.baseTopic + "/" + uniqueID + "/attributes"
}

func (p *MQTTPublisher) availabilityTopic(uniqueID string) string {
	return p.baseTopic + "/" + uniqueID + "/availability"
}

func (p *MQTTPublisher) entryStatusTopic(entryID string) string {
	return p.baseTopic + "/entry/" + entryID + "/status"
}

func (p *MQTTPublisher) discovery(s types.EntityState) discoveryConfig {
	cfg := discoveryConfig{
		Name:       s.Name,
		UniqueID:   s.UniqueID,
		ObjectID:   s.UniqueID,
		StateTopic: p.stateTopic(s.UniqueID),
		Availability: []availability{
			{Topic: p.bridgeTopic()},
			{Topic: p.availabilityTopic(s.UniqueID)},
		},
		AvailabilityMode:  "all",
		UnitOfMeasurement: s.Unit,
		DeviceClass:       s.DeviceClass,
		StateClass:        s.StateClass,
		Icon:              s.Icon,
		Device: discoveryDevice{
			Identifiers:  s.Device.Identifiers,
			Name:         s.Device.Name,
			Manufacturer: s.Device.Manufacturer,
			Model:        s.Device.Model,
		},
		Origin: discoveryOrigin{
			Name:            types.Domain,
			SoftwareVersion: common.Version(),
		},
	}
	if len(s.Attributes) > 0 {
		cfg.JSONAttributesTopic = p.attributesTopic(s.UniqueID)
	}
	return cfg
}

type entryStatus struct {
	Title          string    `json:"title"`
	PollSuccess    bool      `json:"poll_success"`
	ReauthRequired bool      `json:"reauth_required"`
	Time           time.Time `json:"time"`
}

// Publish implements Publisher. Discovery configs are only sent when they
// changed; state, attributes and availability are sent every time.
func (p *MQTTPublisher) Publish(ctx context.Context, u Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return errors.New("mqtt publisher is not connected")
	}

	var errs []error
	for _, id := range u.Removed {
		// an empty retained config removes the entity from Home Assistant
		errs = append(errs,
			p.publish(p.configTopic(id), true, ""),
			p.publish(p.stateTopic(id), true, ""),
			p.publish(p.attributesTopic(id), true, ""),
			p.publish(p.availabilityTopic(id), true, ""),
		)
		delete(p.announced, id)
	}

	for _, s := range u.States {
		cfg, err := json.Marshal(p.discovery(s))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to encode discovery for %s: %w", s.UniqueID, err))
			continue
		}
		if prev, ok := p.announced[s.UniqueID]; !ok || !bytes.Equal(prev, cfg) {
			if err := p.publish(p.configTopic(s.UniqueID), true, cfg); err != nil {
				errs = append(errs, err)
				continue
			}
			p.announced[s.UniqueID] = cfg
			log.Ctx(ctx).DebugContext(ctx, "announced entity", slog.String("uniqueID", s.UniqueID))
		}

		avail := payloadOffline
		if s.Available {
			avail = payloadOnline
			errs = append(errs, p.publish(p.stateTopic(s.UniqueID), true, s.State))
		}
		if len(s.Attributes) > 0 {
			attrs, err := json.Marshal(s.Attributes)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to encode attributes for %s: %w", s.UniqueID, err))
			} else {
				errs = append(errs, p.publish(p.attributesTopic(s.UniqueID), true, attrs))
			}
		}
		errs = append(errs, p.publish(p.availabilityTopic(s.UniqueID), true, avail))
	}

	if u.Unloaded {
		errs = append(errs, p.publish(p.entryStatusTopic(u.EntryID), true, ""))
	} else {
		status, err := json.Marshal(entryStatus{
			Title:          u.Title,
			PollSuccess:    u.PollSuccess,
			ReauthRequired: u.ReauthRequired,
			Time:           u.Time,
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, p.publish(p.entryStatusTopic(u.EntryID), true, status))
		}
	}

	return errors.Join(errs...)
}

func (p *MQTTPublisher) publish(topic string, retained bool, payload any) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
