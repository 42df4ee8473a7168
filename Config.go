/*
File Name:  Config.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner
*/

package core

import (
	"io/ioutil"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Version is the current core library version.
const Version = "Alpha 1"

// Config carries the overlay's tunable knobs plus the ambient settings
// (log file).
type Config struct {
	LogFile string `yaml:"LogFile"` // Log file. Empty disables file logging.

	Port     int      `yaml:"Port"`     // UDP bind port. 0 = ephemeral.
	LocalTAs []string `yaml:"LocalTAs"` // Overrides auto-detected local interface list, "brunet.udp://host:port" form.

	MaxUphillHops        int `yaml:"MaxUphillHops"`        // Annealing routing budget. Default 1.
	MaxTTL               int `yaml:"MaxTTL"`               // Hop limit. Default 30.
	MaxNeighborsInStatus int `yaml:"MaxNeighborsInStatus"` // Size of the neighbor list in a status exchange. Default 4.
	SendQueueSoftCap     int `yaml:"SendQueueSoftCap"`     // Drop threshold for outbound messages. Default 1024.
}

// DefaultConfig returns the built-in configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxUphillHops:        MaxUphillHopsDefault,
		MaxTTL:               MaxTTLDefault,
		MaxNeighborsInStatus: MaxNeighborsDefault,
		SendQueueSoftCap:     SendQueueSoftCapDefault,
	}
}

var configFile string

// LoadConfig reads the YAML configuration file, falling back to
// DefaultConfig() if the file does not exist or is empty.
// Status: 0 = unknown error checking config file, 1 = error reading config
// file, 2 = error parsing config file, 3 = success.
func LoadConfig(filename string) (cfg Config, status int, err error) {
	configFile = filename
	cfg = DefaultConfig()

	stats, statErr := os.Stat(filename)
	switch {
	case statErr != nil && os.IsNotExist(statErr):
		return cfg, 3, nil
	case statErr != nil:
		return cfg, 0, statErr
	case stats.Size() == 0:
		return cfg, 3, nil
	}

	configData, err := ioutil.ReadFile(filename)
	if err != nil {
		return cfg, 1, err
	}

	if err = yaml.Unmarshal(configData, &cfg); err != nil {
		return cfg, 2, err
	}

	return cfg, 3, nil
}

// SaveConfig writes the configuration back to the file it was loaded from.
func SaveConfig(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(configFile, data, 0644)
}

// InitLog redirects subsequent log messages into the configured log file.
func InitLog(cfg Config) (err error) {
	if cfg.LogFile == "" {
		return nil
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	log.SetOutput(logFile)
	log.Printf("---- brunet overlay core " + Version + " ----\n")

	return nil
}
