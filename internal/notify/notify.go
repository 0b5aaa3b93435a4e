// Package notify publishes operator notifications and tool-call
// outcomes over MQTT. The sendNotification tool resolver lands here,
// and the reconciliation pipeline's outcome outlet can be pointed at
// the same broker so dashboards and automations see resolved tool
// calls as they happen.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/reconcile"
)

// Config holds MQTT broker settings for the notifier.
type Config struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"` // topic segment, defaults to "parley"
}

// Publisher manages the MQTT connection and publishes notifications,
// outcomes, and availability. It also subscribes to the decision topic
// and republishes inbound messages on the event bus so WebSocket
// clients can observe remote approvals.
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to establish the broker connection. bus may be nil.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Publisher {
	if cfg.DeviceName == "" {
		cfg.DeviceName = "parley"
	}
	return &Publisher{cfg: cfg, bus: bus, logger: logger}
}

// Start connects to the MQTT broker. On every (re-)connect it marks
// the instance online and resubscribes to the decision topic. Returns
// once the connection manager is running; autopaho handles reconnects
// in the background.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: p.decisionTopic(), QoS: 1},
				},
			}); err != nil {
				p.logger.Warn("mqtt decision subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "parley-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.onDecisionMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// notificationPayload is the JSON body published for operator
// notifications.
type notificationPayload struct {
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
	Timestamp string `json:"ts"`
}

// Notify publishes an operator notification. Satisfies the
// sendNotification tool's collaborator interface.
func (p *Publisher) Notify(ctx context.Context, title, body string) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	payload, err := json.Marshal(notificationPayload{
		Title:     title,
		Body:      body,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.notificationTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	p.logger.Debug("notification published", "title", title)
	return nil
}

// Publish sends a resolved tool-call outcome to the outcome topic.
// Satisfies [reconcile.Outlet]. Failures are logged, not returned; the
// reconciliation pipeline treats outcome delivery as best effort.
func (p *Publisher) Publish(o reconcile.Outcome) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(o)
	if err != nil {
		p.logger.Error("marshal outcome", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.outcomeTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt outcome publish failed",
			"invocation_id", o.InvocationID, "error", err)
	}
}

// NotifyPending announces a tool call waiting on a human decision, so
// remote surfaces can prompt the operator.
func (p *Publisher) NotifyPending(ctx context.Context, tool, invocationID string) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	payload, err := json.Marshal(map[string]string{
		"tool":          tool,
		"invocation_id": invocationID,
		"ts":            time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal pending notice: %w", err)
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.confirmationTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish pending notice: %w", err)
	}
	return nil
}

// onDecisionMessage forwards inbound decision topic messages to the
// event bus.
func (p *Publisher) onDecisionMessage(topic string, payload []byte) {
	if topic != p.decisionTopic() {
		return
	}
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Debug("mqtt decision message not JSON", "topic", topic, "size", len(payload))
		return
	}
	p.logger.Debug("mqtt decision message received", "topic", topic)
	p.bus.Publish(events.Event{
		Source: events.SourceNotify,
		Kind:   events.KindDecisionReceived,
		Data:   msg,
	})
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "parley/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) notificationTopic() string {
	return p.baseTopic() + "/notification"
}

func (p *Publisher) outcomeTopic() string {
	return p.baseTopic() + "/outcome"
}

func (p *Publisher) confirmationTopic() string {
	return p.baseTopic() + "/confirmation"
}

func (p *Publisher) decisionTopic() string {
	return p.baseTopic() + "/decision"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
