package torrent

import (
	"github.com/sirupsen/logrus"
)

// Config is assembled once at session start and passed down into every
// component; there are no package-level knobs.
type Config struct {
	DestDir string
	// first listen port to try; binding falls through PortRange ports
	Port      uint16
	PortRange int

	MaxPeers     int
	ShowProgress bool

	Log *logrus.Logger
}

// DefaultConfig mirrors the CLI defaults.
func DefaultConfig() Config {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return Config{
		DestDir:      ".",
		Port:         6881,
		PortRange:    9,
		MaxPeers:     50,
		ShowProgress: true,
		Log:          log,
	}
}
