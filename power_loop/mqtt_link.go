package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"actuation-core/power"
	"actuation-core/telemetry"
	"actuation-core/utils"
)

// Topics under the configured prefix.
const (
	topicStatus       = "status"
	topicModeSet      = "mode/set"
	topicRefereeLimit = "referee/limit"
)

// StatusMessage is the JSON payload published on <prefix>/status.
type StatusMessage struct {
	power.Status
	ErrorFlags string       `json:"error_flags"`
	Budget     power.Budget `json:"budget"`
	Timestamp  time.Time    `json:"timestamp"`
}

func encodeStatus(st power.Status, b power.Budget, now time.Time) ([]byte, error) {
	return json.Marshal(StatusMessage{
		Status:     st,
		ErrorFlags: st.Error.String(),
		Budget:     b,
		Timestamp:  now,
	})
}

// modeCommand is "boost", "economy" or a ceiling in watts.
type modeCommand struct {
	mode     power.Mode
	maxPower float64
}

func parseModeCommand(payload []byte) (modeCommand, error) {
	s := strings.TrimSpace(string(payload))
	if w, err := strconv.ParseFloat(s, 64); err == nil {
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return modeCommand{}, fmt.Errorf("power ceiling must be a finite positive number, got %v", w)
		}
		return modeCommand{mode: power.ModeManual, maxPower: w}, nil
	}
	mode, err := parseMode(s)
	if err != nil {
		return modeCommand{}, err
	}
	return modeCommand{mode: mode}, nil
}

func parseRefereeLimit(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	w, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("referee limit %q: %w", s, err)
	}
	if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		return 0, fmt.Errorf("referee limit must be a finite non-negative number, got %v", w)
	}
	return w, nil
}

// MQTTLink publishes power status and accepts mode and referee-limit updates.
type MQTTLink struct {
	cfg    Config
	power  *power.Manager
	store  *telemetry.Store
	log    *utils.Logger
	client mqtt.Client
}

func NewMQTTLink(cfg Config, mgr *power.Manager, store *telemetry.Store, log *utils.Logger) *MQTTLink {
	l := &MQTTLink{
		cfg:   cfg,
		power: mgr,
		store: store,
		log:   log.With("mqtt"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	// The broker drops an older session that reuses a client id.
	opts.SetClientID(cfg.MQTTClientID + "-" + uuid.NewString()[:8])
	opts.SetUsername(cfg.MQTTUsername)
	opts.SetPassword(cfg.MQTTPassword)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.log.Warn("connection lost: %v", err)
	})
	opts.SetOnConnectHandler(l.onConnect)
	l.client = mqtt.NewClient(opts)
	return l
}

func (l *MQTTLink) topic(name string) string {
	return strings.TrimSuffix(l.cfg.MQTTTopicPrefix, "/") + "/" + name
}

func (l *MQTTLink) onConnect(client mqtt.Client) {
	l.log.Info("connected to %s", l.cfg.MQTTBroker)

	subs := map[string]mqtt.MessageHandler{
		l.topic(topicModeSet):      l.handleMode,
		l.topic(topicRefereeLimit): l.handleRefereeLimit,
	}
	for topic, h := range subs {
		token := client.Subscribe(topic, 0, h)
		if token.Wait() && token.Error() != nil {
			l.log.Error("subscribe %s: %v", topic, token.Error())
		} else {
			l.log.Debug("subscribed to %s", topic)
		}
	}
}

func (l *MQTTLink) handleMode(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := parseModeCommand(msg.Payload())
	if err != nil {
		l.log.Warn("%s: %v", msg.Topic(), err)
		return
	}
	if cmd.mode == power.ModeManual {
		l.power.SetMaxPowerConfigured(cmd.maxPower)
		l.log.Info("power ceiling -> %.1fW (mqtt)", cmd.maxPower)
		return
	}
	l.power.SetMode(cmd.mode)
	l.log.Info("power mode -> %d (mqtt)", cmd.mode)
}

func (l *MQTTLink) handleRefereeLimit(_ mqtt.Client, msg mqtt.Message) {
	w, err := parseRefereeLimit(msg.Payload())
	if err != nil {
		l.log.Warn("%s: %v", msg.Topic(), err)
		return
	}
	l.store.UpdateReferee(w)
}

// Run connects and publishes status every StatusInterval until ctx is done.
// A broker that is down does not stop the robot; publishing resumes on
// reconnect.
func (l *MQTTLink) Run(ctx context.Context) error {
	l.log.Info("connecting to %s", l.cfg.MQTTBroker)
	l.client.Connect()
	defer func() {
		if l.client.IsConnected() {
			l.client.Disconnect(250)
			l.log.Info("disconnected")
		}
	}()

	ticker := time.NewTicker(l.cfg.StatusInterval)
	defer ticker.Stop()
	statusTopic := l.topic(topicStatus)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !l.client.IsConnected() {
				continue
			}
			payload, err := encodeStatus(l.power.Status(), l.power.Budget(), now)
			if err != nil {
				l.log.Error("encode status: %v", err)
				continue
			}
			// Fire and forget; the next tick supersedes a lost message.
			l.client.Publish(statusTopic, 0, false, payload)
		}
	}
}
