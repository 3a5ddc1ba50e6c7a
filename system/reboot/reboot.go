package reboot

import (
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Reboot requests a clean system restart and exits the daemon. The
// init system brings the node back up; in-memory state is rebuilt from
// scratch at boot.
func Reboot() {
	log.Info().Msg("scheduled reboot, restarting node")
	out, err := exec.Command("systemctl", "reboot").CombinedOutput()
	if err != nil {
		log.Error().Err(err).Str("output", strings.TrimSpace(string(out))).Msg("reboot command failed")
		os.Exit(1)
	}
	os.Exit(0)
}
