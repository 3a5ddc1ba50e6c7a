package gpio

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ConfigureBootPins puts the miscellaneous pins in their boot state:
// status LED driven low, PIR motion input left floating for a future
// consumer. Sensor pins are owned by their kernel drivers and not
// touched here.
func ConfigureBootPins(ledPin, pirPin int) error {
	if err := setPin(ledPin, "op", "pn", "dl"); err != nil {
		return err
	}
	return setPin(pirPin, "ip", "pn")
}

// setPin applies pinctrl set options to a GPIO pin, e.g.
// setPin(2, "op", "pn", "dl") for output, no pull, driven low.
func setPin(pin int, opts ...string) error {
	args := append([]string{"set", strconv.Itoa(pin)}, opts...)
	out, err := exec.Command("pinctrl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pinctrl set %d failed: %w (output: %s)", pin, err, strings.TrimSpace(string(out)))
	}
	return nil
}
