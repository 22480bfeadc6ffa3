// Package notify publishes sync progress to an MQTT broker.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cplus-sensores/colector/internal/syncer"
)

// Sink receives sync events.
type Sink interface {
	Notify(ev syncer.Event)
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(syncer.Event) {}

func (Nop) Close() {}

// publishClient is the part of mqtt.Client the publisher needs.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends device outcomes to <topic>/<project>/<code> and run
// summaries to <topic>/run.
type Publisher struct {
	client  publishClient
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// Connect dials the broker and returns a publisher rooted at topic.
func Connect(brokerURL, topic string, logger *slog.Logger) (*Publisher, error) {
	clientID := fmt.Sprintf("colector-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", token.Error())
	}
	logger.Info("connected to MQTT broker", "broker", brokerURL, "client_id", clientID)
	return newPublisher(client, topic, logger), nil
}

func newPublisher(client publishClient, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:  client,
		topic:   topic,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

type devicePayload struct {
	RunID   string          `json:"run_id"`
	Time    time.Time       `json:"time"`
	Outcome *syncer.Outcome `json:"outcome"`
}

type runPayload struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DryRun       bool      `json:"dry_run"`
	Devices      int       `json:"devices"`
	Synced       int       `json:"synced"`
	NoNewData    int       `json:"no_new_data"`
	Failed       int       `json:"failed"`
	FilesWritten int       `json:"files_written"`
}

// Notify publishes device-finished and run-finished events. Other events
// are ignored. Publish failures are logged only.
func (p *Publisher) Notify(ev syncer.Event) {
	switch ev.Kind {
	case syncer.EventDeviceFinished:
		if ev.Outcome == nil {
			return
		}
		key := ev.Outcome.Device
		topic := fmt.Sprintf("%s/%s/%s", p.topic, key.Project, key.Code)
		p.publish(topic, devicePayload{RunID: ev.RunID, Time: ev.Time, Outcome: ev.Outcome})
	case syncer.EventRunFinished:
		if ev.Report == nil {
			return
		}
		r := ev.Report
		p.publish(p.topic+"/run", runPayload{
			RunID:        r.RunID,
			StartedAt:    r.StartedAt,
			FinishedAt:   r.FinishedAt,
			DryRun:       r.DryRun,
			Devices:      len(r.Outcomes),
			Synced:       r.Synced,
			NoNewData:    r.NoNewData,
			Failed:       r.Failed,
			FilesWritten: r.FilesWritten,
		})
	}
}

func (p *Publisher) publish(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("failed to encode mqtt payload", "topic", topic, "error", err)
		return
	}

	token := p.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(p.timeout) {
		p.logger.Warn("mqtt publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("mqtt publish error", "topic", topic, "error", err)
	}
}

// Close disconnects from the broker, waiting briefly for in-flight
// messages.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
