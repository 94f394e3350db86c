package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// statusPublisher is the slice of an MQTT client the status publisher needs.
type statusPublisher interface {
	Publish(topic string, retained bool, payload []byte) error
	Close()
}

var errPublishTimeout = errors.New("mqtt publish timed out")

// pahoPublisher adapts a paho client to statusPublisher.
type pahoPublisher struct {
	client mqtt.Client
	qos    byte
	wait   time.Duration
}

// connectMQTT connects to the configured broker. The client reconnects on
// its own after the first successful connect.
func connectMQTT(cfg MQTTConfig, logger *slog.Logger) (*pahoPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", "broker", cfg.Broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}

	wait := time.Duration(cfg.PublishTimeoutMS) * time.Millisecond
	if wait <= 0 {
		wait = defaultMQTTPublishWait
	}
	return &pahoPublisher{client: client, qos: cfg.QoS, wait: wait}, nil
}

func (p *pahoPublisher) Publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(p.wait) {
		return errPublishTimeout
	}
	return token.Error()
}

func (p *pahoPublisher) Close() { p.client.Disconnect(250) }

// RunMQTTPublisher mirrors engine broadcasts to MQTT: every change republishes
// the retained status on <prefix>/status, and completed calibrations are
// published on <prefix>/calibration.
func RunMQTTPublisher(ctx context.Context, pub statusPublisher, prefix string, src <-chan StatusBroadcast, logger *slog.Logger) {
	if pub == nil || src == nil {
		return
	}
	defer pub.Close()

	if prefix == "" {
		prefix = defaultMQTTTopicPrefix
	}
	statusTopic := prefix + "/status"
	calibrationTopic := prefix + "/calibration"

	failing := false
	publish := func(topic string, retained bool, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			logger.Warn("mqtt marshal failed", "topic", topic, "error", err)
			return
		}
		err = pub.Publish(topic, retained, payload)
		if err != nil && !failing {
			failing = true
			logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		} else if err == nil && failing {
			failing = false
			logger.Info("mqtt publish recovered")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-src:
			if !ok {
				return
			}
			publish(statusTopic, true, b.Status())

			if c, ok := b.(BroadcastCalibrationChanged); ok && c.Completed {
				if ev, ok := convertBroadcast(c); ok {
					publish(calibrationTopic, false, ev.Data)
				}
			}
		}
	}
}
