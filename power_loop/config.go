package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"actuation-core/power"
)

// Config is the runtime configuration. Every flag defaults to an environment
// variable, which main loads from an optional .env file first.
type Config struct {
	ChassisBus    string
	CapBus        string
	CapPowerLimit uint
	TxPeriod      time.Duration
	ScenarioPath  string
	Mode          power.Mode

	LogFile  string
	LogLevel string

	MQTTBroker      string
	MQTTUsername    string
	MQTTPassword    string
	MQTTClientID    string
	MQTTTopicPrefix string
	StatusInterval  time.Duration
}

func loadConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	var (
		cfg       Config
		capLimit  string
		txPeriod  string
		mode      string
		statusInt string
	)
	fs.StringVar(&cfg.ChassisBus, "chassis", env("CHASSIS_CAN", "can0"), "SocketCAN interface of the drive motors")
	fs.StringVar(&cfg.CapBus, "cap", env("CAP_CAN", "can1"), "SocketCAN interface of the super-capacitor board")
	fs.StringVar(&capLimit, "cap-limit", env("CAP_POWER_LIMIT", "80"), "Power limit (W) sent to the super-capacitor board")
	fs.StringVar(&txPeriod, "tx-period", env("TX_PERIOD", "1ms"), "Motor command transmit period")
	fs.StringVar(&cfg.ScenarioPath, "scenario", env("SCENARIO", "power_loop/scenarios/sprint.json"), "Scenario JSON file")
	fs.StringVar(&mode, "mode", env("POWER_MODE", "boost"), "boost|economy")
	fs.StringVar(&cfg.LogFile, "log-file", env("LOG_FILE", "power_loop.log"), "Log file path")
	fs.StringVar(&cfg.LogLevel, "log", env("LOG_LEVEL", "info"), "trace|debug|info|warn|error|critical")
	fs.StringVar(&cfg.MQTTBroker, "mqtt", env("MQTT_BROKER", ""), "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables)")
	fs.StringVar(&cfg.MQTTClientID, "mqtt-client-id", env("MQTT_CLIENT_ID", "power-loop"), "MQTT client id")
	fs.StringVar(&cfg.MQTTTopicPrefix, "mqtt-prefix", env("MQTT_TOPIC_PREFIX", "robot/power"), "MQTT topic prefix")
	fs.StringVar(&statusInt, "status-interval", env("STATUS_INTERVAL", "100ms"), "Status publish interval")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	// Credentials only come from the environment.
	cfg.MQTTUsername = getenv("MQTT_USERNAME")
	cfg.MQTTPassword = getenv("MQTT_PASSWORD")

	limit, err := strconv.ParseUint(capLimit, 10, 16)
	if err != nil {
		return Config{}, fmt.Errorf("cap-limit %q: %w", capLimit, err)
	}
	cfg.CapPowerLimit = uint(limit)

	if cfg.TxPeriod, err = time.ParseDuration(txPeriod); err != nil || cfg.TxPeriod <= 0 {
		return Config{}, fmt.Errorf("invalid tx-period %q", txPeriod)
	}
	if cfg.StatusInterval, err = time.ParseDuration(statusInt); err != nil || cfg.StatusInterval <= 0 {
		return Config{}, fmt.Errorf("invalid status-interval %q", statusInt)
	}
	if cfg.Mode, err = parseMode(mode); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseMode(s string) (power.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "boost":
		return power.ModeBoost, nil
	case "economy", "eco":
		return power.ModeEconomy, nil
	default:
		return 0, fmt.Errorf("unknown power mode %q", s)
	}
}
