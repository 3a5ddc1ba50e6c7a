package main

import (
	"github.com/rs/zerolog/log"

	"github.com/MouJieQin/aihome/internal/config"
	"github.com/MouJieQin/aihome/internal/dht"
	"github.com/MouJieQin/aihome/internal/env"
	"github.com/MouJieQin/aihome/internal/gpio"
	"github.com/MouJieQin/aihome/internal/logging"
	"github.com/MouJieQin/aihome/internal/metrics"
	"github.com/MouJieQin/aihome/internal/netlink"
	"github.com/MouJieQin/aihome/internal/publisher"
	"github.com/MouJieQin/aihome/internal/scheduler"
	"github.com/MouJieQin/aihome/internal/watchdog"
	"github.com/MouJieQin/aihome/internal/wsapi"
	"github.com/MouJieQin/aihome/internal/ze08"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel)
	env.Cfg = &cfg
	metrics.Init()

	log.Info().
		Str("broker", cfg.MQTTBroker).
		Str("serial", cfg.SerialDevice).
		Str("listen", cfg.ListenAddr).
		Msg("Starting sensor node")

	if err := gpio.ConfigureBootPins(cfg.LEDPin, cfg.PIRPin); err != nil {
		log.Warn().Err(err).Msg("GPIO boot configuration failed")
	}

	ch2o, err := ze08.Open(cfg.SerialDevice, ze08.Active)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ZE08 serial port")
	}

	climate := dht.New(&dht.IIOProbe{Dir: cfg.DHT22Dir})

	// Armed before the first wifi attempt: the reconnect poll loop is
	// the longest blocking path and pets from inside.
	wd := watchdog.Arm(cfg.WatchdogDevice, cfg.WatchdogTimeout())

	link := netlink.New(&netlink.NMCli{Iface: cfg.WifiInterface}, cfg.WifiSSID, cfg.WifiPassword, wd.Pet)
	if !link.Reconnect() {
		log.Warn().Msg("Wifi not up at boot, the loop will keep retrying")
	}

	client := publisher.NewClient(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTUser, cfg.MQTTPassword)
	pub := publisher.New(client, link, climate, ch2o, wd.Pet, cfg.PublishInterval())

	ws := wsapi.New(cfg.ListenAddr, climate, ch2o)
	ws.Start()

	scheduler.New(wd, ws, pub, link, cfg.RebootInterval()).Run()
}
