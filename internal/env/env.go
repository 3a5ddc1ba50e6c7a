package env

import (
	"github.com/MouJieQin/aihome/internal/config"
)

// Cfg is the process-wide configuration, written once at boot.
var Cfg *config.Config
