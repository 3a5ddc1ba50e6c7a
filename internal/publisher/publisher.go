// Package publisher owns the MQTT session and the periodic telemetry
// push: connect when the link allows it, announce the sensors to Home
// Assistant once per session, then publish readings every interval.
package publisher

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog/log"

	"github.com/MouJieQin/aihome/internal/dht"
	"github.com/MouJieQin/aihome/internal/metrics"
	"github.com/MouJieQin/aihome/internal/timer"
	"github.com/MouJieQin/aihome/internal/ze08"
)

// Reading topics (wire contract, not retained).
const (
	TopicTemperature = "homeassistant/sensor/dht22/temperature"
	TopicHumidity    = "homeassistant/sensor/dht22/humidity"
	TopicCH2O        = "homeassistant/sensor/ze08_ch2o/state"
)

// Discovery config topics (wire contract, retained).
const (
	ConfigTopicTemperature = "homeassistant/sensor/dht22_temperature/config"
	ConfigTopicHumidity    = "homeassistant/sensor/dht22_humidity/config"
	ConfigTopicCH2O        = "homeassistant/sensor/ze08_ch2o/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second

	// petSlice bounds how long any single broker wait runs between
	// watchdog pets. A broker that accepts TCP and then stalls must not
	// starve the hardware watchdog.
	petSlice = time.Second
)

// discoveryConfig is a retained Home Assistant discovery payload. Field
// order is the serialization order, so re-published configs are
// byte-identical to what the broker already retains.
type discoveryConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	UnitOfMeasurement string `json:"unit_of_measurement"`
	DeviceClass       string `json:"device_class"`
	StateClass        string `json:"state_class"`
}

type discovery struct {
	topic  string
	config discoveryConfig
}

func discoveries() []discovery {
	return []discovery{
		{ConfigTopicTemperature, discoveryConfig{
			Name:              "DHT22 Temperature",
			UniqueID:          "dht22_temp_001",
			StateTopic:        TopicTemperature,
			UnitOfMeasurement: "°C",
			DeviceClass:       "temperature",
			StateClass:        "measurement",
		}},
		{ConfigTopicHumidity, discoveryConfig{
			Name:              "DHT22 Humidity",
			UniqueID:          "dht22_hum_001",
			StateTopic:        TopicHumidity,
			UnitOfMeasurement: "%",
			DeviceClass:       "humidity",
			StateClass:        "measurement",
		}},
		{ConfigTopicCH2O, discoveryConfig{
			Name:              "ZE08 CH2O",
			UniqueID:          "ze08_ch2o_001",
			StateTopic:        TopicCH2O,
			UnitOfMeasurement: "mg/m³",
			DeviceClass:       "volatile_organic_compounds",
			StateClass:        "measurement",
		}},
	}
}

// Client is the slice of the paho client the publisher drives.
type Client interface {
	IsConnected() bool
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ClimateSource yields temperature/humidity samples (NaN = invalid).
type ClimateSource interface {
	Sample() dht.Reading
}

// CH2OSource yields formaldehyde samples.
type CH2OSource interface {
	Read() (ze08.Reading, bool)
}

// LinkSupervisor gates publishing on the WiFi link.
type LinkSupervisor interface {
	IsUp() bool
	Reconnect() bool
}

// Publisher is the MQTT session state machine. discoverySent tracks
// whether the current session has announced the sensors; it resets on
// every disconnect so a fresh session re-announces before readings.
type Publisher struct {
	client  Client
	link    LinkSupervisor
	climate ClimateSource
	ch2o    CH2OSource
	pet     func()

	interval  time.Duration
	pushTimer *timer.Interval

	discoverySent bool
}

// New wires the publisher. pet feeds the hardware watchdog between
// broker waits; pass nil when there is none to feed.
func New(client Client, link LinkSupervisor, climate ClimateSource, ch2o CH2OSource, pet func(), interval time.Duration) *Publisher {
	if pet == nil {
		pet = func() {}
	}
	return &Publisher{
		client:    client,
		link:      link,
		climate:   climate,
		ch2o:      ch2o,
		pet:       pet,
		interval:  interval,
		pushTimer: timer.New(),
	}
}

// NewClient builds the paho client. Auto-reconnect stays off: the
// scheduler owns reconnection policy, one attempt per publish tick.
func NewClient(broker, clientID, user, password string) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if user != "" {
		opts.SetUsername(user)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	return mqtt.NewClient(opts)
}

// PushTick publishes one round of readings if the publish interval has
// elapsed. Called on every scheduler pass; cheap when the timer has not
// fired.
func (p *Publisher) PushTick() {
	if !p.pushTimer.Expired(p.interval) {
		return
	}
	p.push()
}

// push is one publish cycle: gate on link and session, then publish
// temperature, humidity and CH2O in that order, each skipped
// independently when its sensor had nothing valid.
func (p *Publisher) push() {
	if !p.link.IsUp() && !p.link.Reconnect() {
		log.Warn().Msg("skipping mqtt push, wifi link down")
		return
	}
	if !p.EnsureConnected() {
		return
	}

	climate := p.climate.Sample()
	if !math.IsNaN(climate.Temperature) {
		if p.publish(TopicTemperature, formatReading(climate.Temperature, 2), false) {
			metrics.Gauge("sensor.temperature_c", climate.Temperature)
		}
	}
	if !math.IsNaN(climate.Humidity) {
		if p.publish(TopicHumidity, formatReading(climate.Humidity, 2), false) {
			metrics.Gauge("sensor.humidity_pct", climate.Humidity)
		}
	}
	if reading, ok := p.ch2o.Read(); ok {
		if p.publish(TopicCH2O, formatReading(reading.MgM3, 5), false) {
			metrics.Gauge("sensor.ch2o_mgm3", reading.MgM3)
		}
	}
}

// EnsureConnected establishes the broker session if needed. On every
// entry into a connected session the three retained discovery configs
// go out before any reading. Returns whether readings may be published.
func (p *Publisher) EnsureConnected() bool {
	if !p.client.IsConnected() {
		p.discoverySent = false

		log.Info().Msg("connecting to mqtt broker")
		token := p.client.Connect()
		if !p.wait(token, connectTimeout) || token.Error() != nil {
			log.Error().
				Err(token.Error()).
				Str("reason", ClassifyConnectError(token.Error())).
				Msg("mqtt connect failed")
			metrics.Count("mqtt.connect_failures", 1)
			return false
		}
		log.Info().Msg("mqtt connected")
	}

	if !p.discoverySent {
		p.publishDiscovery()
	}
	return p.discoverySent
}

// publishDiscovery announces the three sensors with retained configs.
func (p *Publisher) publishDiscovery() {
	log.Info().Msg("publishing mqtt discovery configs")
	sent := true
	for _, d := range discoveries() {
		payload, err := json.Marshal(d.config)
		if err != nil {
			log.Error().Err(err).Str("topic", d.topic).Msg("failed to encode discovery config")
			sent = false
			continue
		}
		if !p.publish(d.topic, string(payload), true) {
			sent = false
		}
	}
	p.discoverySent = sent
}

// publish sends one message at QoS 0. A failed publish marks the
// session dirty so the next tick reconnects and re-announces.
func (p *Publisher) publish(topic, payload string, retained bool) bool {
	token := p.client.Publish(topic, 0, retained, payload)
	if !p.wait(token, publishTimeout) || token.Error() != nil {
		log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
		metrics.Count("mqtt.publish_failures", 1)
		p.discoverySent = false
		return false
	}
	log.Debug().Str("topic", topic).Str("payload", payload).Msg("mqtt published")
	return true
}

// wait blocks on a broker token for at most timeout, petting the
// watchdog between slices the way the link supervisor pets per poll.
func (p *Publisher) wait(token mqtt.Token, timeout time.Duration) bool {
	for remaining := timeout; remaining > 0; remaining -= petSlice {
		slice := petSlice
		if remaining < slice {
			slice = remaining
		}
		if token.WaitTimeout(slice) {
			return true
		}
		p.pet()
	}
	return false
}

func formatReading(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// ClassifyConnectError maps a connect failure onto the broker's refusal
// taxonomy for the log; anything that is not a CONNACK refusal is a
// network-level failure.
func ClassifyConnectError(err error) string {
	switch {
	case err == nil:
		return "connect timeout"
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return "bad protocol version"
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return "client id rejected"
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return "server unavailable"
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return "bad username or password"
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return "not authorized"
	default:
		return "network failure"
	}
}
