package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/MouJieQin/aihome/internal/dht"
	"github.com/MouJieQin/aihome/internal/publisher"
	"github.com/MouJieQin/aihome/internal/ze08"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var command, serialDevice, iioDir, broker, clientID, user, password string
	var passive bool
	var timeout time.Duration
	flag.StringVar(&command, "cmd", "", "Command to run: read-ch2o, read-climate, mqtt-probe")
	flag.StringVar(&serialDevice, "serial", "/dev/ttyAMA0", "ZE08 serial device")
	flag.StringVar(&iioDir, "iio", "/sys/bus/iio/devices/iio:device0", "DHT22 iio sysfs directory")
	flag.StringVar(&broker, "broker", "tcp://192.168.10.236:1883", "MQTT broker URL")
	flag.StringVar(&clientID, "client-id", "ESP32Client-debug", "MQTT client id")
	flag.StringVar(&user, "user", "mosquitto", "MQTT username")
	flag.StringVar(&password, "password", "mosquitto_mqtt", "MQTT password")
	flag.BoolVar(&passive, "passive", false, "Query the ZE08 in passive mode instead of listening for a report")
	flag.DurationVar(&timeout, "timeout", 2*time.Second, "ZE08 read timeout")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of sensornode-debug:")
		fmt.Println("  -cmd string\tCommand to run: read-ch2o, read-climate, mqtt-probe")
		fmt.Println("  -serial string\tZE08 serial device (default /dev/ttyAMA0)")
		fmt.Println("  -iio string\tDHT22 iio sysfs directory")
		fmt.Println("  -broker string\tMQTT broker URL (mqtt-probe)")
		fmt.Println("  -passive\tQuery the ZE08 in passive mode")
		fmt.Println("  -timeout duration\tZE08 read timeout (default 2s)")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	switch command {
	case "read-ch2o":
		readCH2O(serialDevice, passive, timeout)
	case "read-climate":
		readClimate(iioDir)
	case "mqtt-probe":
		mqttProbe(broker, clientID, user, password)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}
}

func readCH2O(device string, passive bool, timeout time.Duration) {
	mode := ze08.Active
	if passive {
		mode = ze08.Passive
	}
	sensor, err := ze08.Open(device, mode)
	if err != nil {
		fmt.Printf("Failed to open %s: %v\n", device, err)
		os.Exit(1)
	}
	reading, ok := sensor.ReadUntil(timeout)
	if !ok {
		fmt.Println("CH2O: read failed (no valid frame before timeout)")
		os.Exit(1)
	}
	fmt.Printf("CH2O: %d ppb, %.5f mg/m3\n", reading.PPB, reading.MgM3)
}

func readClimate(iioDir string) {
	sensor := dht.New(&dht.IIOProbe{Dir: iioDir})
	reading := sensor.Sample()
	fmt.Printf("Temperature: %.2f C\nHumidity: %.2f %%\n", reading.Temperature, reading.Humidity)
}

func mqttProbe(broker, clientID, user, password string) {
	client := publisher.NewClient(broker, clientID, user, password)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		fmt.Printf("MQTT connect failed: %v (%s)\n", token.Error(), publisher.ClassifyConnectError(token.Error()))
		os.Exit(1)
	}
	fmt.Println("MQTT connect succeeded")
	client.Disconnect(250)
}
