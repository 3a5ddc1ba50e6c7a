package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config carries every knob the node has. Defaults are compiled in so
// the binary runs with no config file at all; an optional JSON file and
// flags override them for bench setups.
type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level

	WifiSSID      string `json:"wifi_ssid"`
	WifiPassword  string `json:"wifi_password"`
	WifiInterface string `json:"wifi_interface"`

	MQTTBroker   string `json:"mqtt_broker"`
	MQTTClientID string `json:"mqtt_client_id"`
	MQTTUser     string `json:"mqtt_user"`
	MQTTPassword string `json:"mqtt_password"`

	SerialDevice   string `json:"serial_device"`   // ZE08-CH2O UART
	DHT22Dir       string `json:"dht22_dir"`       // iio sysfs dir for the DHT22
	WatchdogDevice string `json:"watchdog_device"` // hardware watchdog node

	ListenAddr string `json:"listen_addr"` // websocket server

	// GPIO pins. The PIR pin is reserved for the motion sensor and only
	// configured as input at boot.
	DHT22Pin int `json:"dht22_pin"`
	LEDPin   int `json:"led_pin"`
	PIRPin   int `json:"pir_pin"`

	PublishIntervalSeconds int `json:"publish_interval_seconds"`
	WatchdogTimeoutSeconds int `json:"watchdog_timeout_seconds"`
	RebootIntervalHours    int `json:"reboot_interval_hours"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`
}

func defaults() Config {
	return Config{
		WifiSSID:      "403",
		WifiPassword:  "14031403",
		WifiInterface: "wlan0",

		MQTTBroker:   "tcp://192.168.10.236:1883",
		MQTTClientID: "ESP32Client",
		MQTTUser:     "mosquitto",
		MQTTPassword: "mosquitto_mqtt",

		SerialDevice:   "/dev/ttyAMA0",
		DHT22Dir:       "/sys/bus/iio/devices/iio:device0",
		WatchdogDevice: "/dev/watchdog",

		ListenAddr: ":80",

		DHT22Pin: 4,
		LEDPin:   2,
		PIRPin:   26,

		PublishIntervalSeconds: 7,
		WatchdogTimeoutSeconds: 5,
		RebootIntervalHours:    24,

		DDAgentAddr: "127.0.0.1:8125",
		DDNamespace: "sensornode.",
	}
}

func Load() Config {
	cfg := defaults()
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "", "Path to optional JSON config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	if cfg.ConfigFile != "" {
		file, err := os.Open(cfg.ConfigFile)
		if err != nil {
			panic("Failed to load config file: " + err.Error())
		}
		defer file.Close()

		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			panic("Failed to parse config file: " + err.Error())
		}
	}

	cfg.validate()
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() {
	if err := cfg.check(); err != nil {
		panic("Invalid config: " + err.Error())
	}
}

func (cfg *Config) check() error {
	var missing []string
	for _, field := range []struct{ name, value string }{
		{"wifi_ssid", cfg.WifiSSID},
		{"wifi_interface", cfg.WifiInterface},
		{"mqtt_broker", cfg.MQTTBroker},
		{"mqtt_client_id", cfg.MQTTClientID},
		{"serial_device", cfg.SerialDevice},
		{"listen_addr", cfg.ListenAddr},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return errors.New("missing required fields: " + strings.Join(missing, ", "))
	}

	usedPins := map[int]string{}
	for _, pin := range []struct {
		name   string
		number int
	}{
		{"dht22_pin", cfg.DHT22Pin},
		{"led_pin", cfg.LEDPin},
		{"pir_pin", cfg.PIRPin},
	} {
		if other, exists := usedPins[pin.number]; exists {
			return fmt.Errorf("%s and %s both use pin %d", pin.name, other, pin.number)
		}
		usedPins[pin.number] = pin.name
	}

	if cfg.PublishIntervalSeconds <= 0 {
		return fmt.Errorf("publish_interval_seconds must be positive, got %d", cfg.PublishIntervalSeconds)
	}
	if cfg.RebootIntervalHours <= 0 {
		return fmt.Errorf("reboot_interval_hours must be positive, got %d", cfg.RebootIntervalHours)
	}
	return nil
}

func (cfg *Config) PublishInterval() time.Duration {
	return time.Duration(cfg.PublishIntervalSeconds) * time.Second
}

func (cfg *Config) WatchdogTimeout() time.Duration {
	return time.Duration(cfg.WatchdogTimeoutSeconds) * time.Second
}

func (cfg *Config) RebootInterval() time.Duration {
	return time.Duration(cfg.RebootIntervalHours) * time.Hour
}
